package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/classifier"
	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/logging"
	"github.com/example/image-classifier/internal/repository"
)

// ErrDiagnosticsDisabled is returned when no attempt repository is configured.
var ErrDiagnosticsDisabled = errors.New("diagnostics store is not configured")

const recordTimeout = 5 * time.Second

// AttemptRepository defines the persistence operations needed by the use case.
type AttemptRepository interface {
	SaveAttempt(ctx context.Context, attempt *repository.ClassificationAttempt) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationAttempt, error)
}

// ClassificationUseCase wraps the classification client and records a
// diagnostic attempt for every call. Recording never changes the outcome
// returned to the caller.
type ClassificationUseCase struct {
	repo   AttemptRepository
	client classifier.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewClassificationUseCase constructs a new use case instance. repo may be nil,
// in which case attempts are only logged.
func NewClassificationUseCase(repo AttemptRepository, client classifier.Client, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		repo:   repo,
		client: client,
		logger: logger.Named("classification_usecase"),
		now:    time.Now,
	}
}

// Classify submits img and records the attempt.
func (uc *ClassificationUseCase) Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error) {
	attempt, _ := domain.AttemptFrom(ctx)
	if attempt.RequestID == "" {
		attempt.RequestID = uuid.NewString()
		ctx = domain.WithAttempt(ctx, attempt)
	}

	start := uc.now()
	result, err := uc.client.Classify(ctx, img)
	latency := uc.now().Sub(start)

	uc.record(ctx, attempt, img, result, err, latency)
	return result, err
}

func (uc *ClassificationUseCase) record(ctx context.Context, attempt domain.Attempt, img domain.SelectedImage, result domain.ClassificationResult, classifyErr error, latency time.Duration) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_attempt", attempt.RequestID)

	hash := sha1.Sum(img.Data)
	entry := &repository.ClassificationAttempt{
		RequestID:      attempt.RequestID,
		SessionID:      attempt.SessionID,
		Generation:     attempt.Generation,
		ImageName:      img.Name,
		MediaType:      img.MediaType,
		ImageSize:      img.Size(),
		SHA1Hash:       hex.EncodeToString(hash[:]),
		Success:        classifyErr == nil,
		ErrorKind:      domain.KindOf(classifyErr).String(),
		StatusCode:     domain.StatusCodeOf(classifyErr),
		DetectionCount: len(result),
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      uc.now().UTC(),
	}
	if top, err := domain.SelectMaxScore.Select(result); err == nil {
		entry.TopLabel = top.Label
		entry.TopScore = top.Score
	}
	if classifyErr != nil {
		entry.Details = classifyErr.Error()
	} else {
		entry.Details = fmt.Sprintf("detections:%d top:%s score:%f", entry.DetectionCount, entry.TopLabel, entry.TopScore)
	}

	opLogger.Info("classification attempt",
		zap.String("session_id", entry.SessionID),
		zap.Uint64("generation", entry.Generation),
		zap.Bool("success", entry.Success),
		zap.String("error_kind", entry.ErrorKind),
		zap.Int64("latency_ms", entry.LatencyMs),
	)

	if uc.repo == nil {
		return
	}

	// Aborted requests are still recorded, so detach from the caller's cancellation.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := uc.repo.SaveAttempt(saveCtx, entry); err != nil {
		opLogger.Warn("failed to persist classification attempt", zap.Error(err))
	}
}
