package usecase

import (
	"context"
	"time"

	"github.com/example/image-classifier/internal/repository"
)

// ErrAttemptNotFound is returned when no attempt was recorded for a request.
var ErrAttemptNotFound = repository.ErrAttemptNotFound

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	SuccessfulRequests         int64            `json:"successful_requests"`
	SuccessRate                float64          `json:"success_rate"`
	AverageScore               float64          `json:"average_score"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	FailuresByKind             map[string]int64 `json:"failures_by_kind"`
}

// GetMetricsSummary aggregates classification metrics from persisted attempts.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrDiagnosticsDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
		FailuresByKind:             aggregation.FailuresByKind,
	}
	if summary.FailuresByKind == nil {
		summary.FailuresByKind = map[string]int64{}
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// AttemptDetail is the diagnostic view of a single classification request.
type AttemptDetail struct {
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id"`
	Generation     uint64    `json:"generation"`
	ImageName      string    `json:"image_name"`
	MediaType      string    `json:"media_type"`
	ImageSize      int       `json:"image_size"`
	SHA1Hash       string    `json:"sha1_hash"`
	Success        bool      `json:"success"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	Details        string    `json:"details"`
	DetectionCount int       `json:"detection_count"`
	TopLabel       string    `json:"top_label,omitempty"`
	TopScore       float64   `json:"top_score,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetAttempt returns the attempt recorded for requestID.
func (uc *ClassificationUseCase) GetAttempt(ctx context.Context, requestID string) (*AttemptDetail, error) {
	if uc.repo == nil {
		return nil, ErrDiagnosticsDisabled
	}

	attempt, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	detail := &AttemptDetail{
		RequestID:      attempt.RequestID,
		SessionID:      attempt.SessionID,
		Generation:     attempt.Generation,
		ImageName:      attempt.ImageName,
		MediaType:      attempt.MediaType,
		ImageSize:      attempt.ImageSize,
		SHA1Hash:       attempt.SHA1Hash,
		Success:        attempt.Success,
		StatusCode:     attempt.StatusCode,
		Details:        attempt.Details,
		DetectionCount: attempt.DetectionCount,
		TopLabel:       attempt.TopLabel,
		TopScore:       attempt.TopScore,
		LatencyMs:      attempt.LatencyMs,
		CreatedAt:      attempt.CreatedAt,
	}
	if !attempt.Success {
		detail.ErrorKind = attempt.ErrorKind
	}
	return detail, nil
}
