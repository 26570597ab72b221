package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/image-classifier/internal/logging"
)

// ErrAttemptNotFound is returned when no attempt was recorded for a request.
var ErrAttemptNotFound = errors.New("classification attempt not found")

// ClassificationAttempt is the diagnostic record of one classification request.
type ClassificationAttempt struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID      string    `gorm:"column:session_id;index;size:64"`
	Generation     uint64    `gorm:"column:generation"`
	ImageName      string    `gorm:"column:image_name;size:255"`
	MediaType      string    `gorm:"column:media_type;size:64"`
	ImageSize      int       `gorm:"column:image_size"`
	SHA1Hash       string    `gorm:"column:sha1_hash;index;size:40"`
	Success        bool      `gorm:"column:success"`
	ErrorKind      string    `gorm:"column:error_kind;size:16"`
	StatusCode     int       `gorm:"column:status_code"`
	Details        string    `gorm:"column:details;type:text"`
	DetectionCount int       `gorm:"column:detection_count"`
	TopLabel       string    `gorm:"column:top_label;size:64"`
	TopScore       float64   `gorm:"column:top_score"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationAttempt) TableName() string {
	return "classification_attempts"
}

// MetricsAggregation holds raw aggregates over all recorded attempts.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
	FailuresByKind             map[string]int64
}

// AttemptRepository provides persistence APIs for classification attempts.
type AttemptRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:             db,
		logger:         logger.Named("attempt_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationAttempt{})
}

// SaveAttempt persists an attempt record.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt *ClassificationAttempt) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.RequestID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// FindByRequestID retrieves the attempt recorded for a request.
func (r *AttemptRepository) FindByRequestID(ctx context.Context, requestID string) (*ClassificationAttempt, error) {
	var attempt ClassificationAttempt
	err := r.executeWithRetry(ctx, "repository.find_attempt", requestID, func() error {
		err := r.db.WithContext(ctx).First(&attempt, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAttemptNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// AggregateMetrics computes totals, averages, and failure counts per kind.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount                 int64
		SuccessCount               int64
		AverageScore               float64
		AverageProcessingLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ClassificationAttempt{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(AVG(CASE WHEN success THEN top_score END), 0) AS average_score,
				COALESCE(AVG(latency_ms), 0) AS average_processing_latency_ms`).
			Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ErrorKind string
		Count     int64
	}
	err = r.executeWithRetry(ctx, "repository.aggregate_failures", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ClassificationAttempt{}).
			Select("error_kind, COUNT(*) AS count").
			Where("success = ?", false).
			Group("error_kind").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	failures := make(map[string]int64, len(rows))
	for _, row := range rows {
		failures[row.ErrorKind] = row.Count
	}

	return &MetricsAggregation{
		TotalCount:                 totals.TotalCount,
		SuccessCount:               totals.SuccessCount,
		AverageScore:               totals.AverageScore,
		AverageProcessingLatencyMs: totals.AverageProcessingLatencyMs,
		FailuresByKind:             failures,
	}, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
