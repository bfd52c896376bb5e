package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/animal-classifier/internal/logging"
)

// ClassificationLog is the persisted record of one pipeline run. Only the
// outcome is kept; labels and confidences are never stored.
type ClassificationLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;index;size:64"`
	Outcome      string    `gorm:"column:outcome;size:64;index"`
	ExitCode     *int      `gorm:"column:exit_code"`
	DurationMs   int64     `gorm:"column:duration_ms"`
	PayloadBytes int64     `gorm:"column:payload_bytes"`
	SHA1Hash     string    `gorm:"column:sha1_hash;size:40;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// Aggregation holds the raw aggregates over all classification logs.
type Aggregation struct {
	TotalCount    int64
	SuccessCount  int64
	AverageMs     float64
	OutcomeCounts map[string]int64
}

// ClassificationRepository persists classification logs.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a repository with the default retry policy.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
	})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the most recent log for a request. Callers may
// reuse a request ID, so several rows can share one.
func (r *ClassificationRepository) FindByRequestID(ctx context.Context, requestID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).
			Where("request_id = ?", requestID).
			Order("id DESC").
			First(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals, success count and mean duration across
// all logs, plus a count per outcome.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context, successOutcome string) (*Aggregation, error) {
	type outcomeRow struct {
		Outcome string
		Count   int64
		TotalMs int64
	}

	var rows []outcomeRow
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&ClassificationLog{}).
			Select("outcome, COUNT(*) AS count, COALESCE(SUM(duration_ms), 0) AS total_ms").
			Group("outcome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{OutcomeCounts: make(map[string]int64, len(rows))}
	var totalMs int64
	for _, row := range rows {
		agg.OutcomeCounts[row.Outcome] = row.Count
		agg.TotalCount += row.Count
		totalMs += row.TotalMs
		if row.Outcome == successOutcome {
			agg.SuccessCount = row.Count
		}
	}
	if agg.TotalCount > 0 {
		agg.AverageMs = float64(totalMs) / float64(agg.TotalCount)
	}
	return agg, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
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

		if !IsTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err looks like a timeout or temporary
// network condition worth retrying.
func IsTransientError(err error) bool {
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
