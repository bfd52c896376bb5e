package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/animal-classifier/internal/classifier"
	"github.com/example/animal-classifier/internal/logging"
	"github.com/example/animal-classifier/internal/metrics"
	"github.com/example/animal-classifier/internal/pipeline"
	"github.com/example/animal-classifier/internal/repository"
	"github.com/example/animal-classifier/internal/staging"
)

// Stager stages uploads on disk for the duration of a request.
type Stager interface {
	Stage(ctx context.Context, payload staging.Payload) (*staging.File, error)
	Release(file *staging.File)
}

// ClassificationLogStore defines the persistence operations needed by the use case.
type ClassificationLogStore interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context, successOutcome string) (*repository.Aggregation, error)
}

// OutcomeRecorder receives pipeline instrumentation.
type OutcomeRecorder interface {
	ObserveOutcome(outcome string, elapsed time.Duration)
	Staged()
	Released()
}

// ClassificationUseCase runs the upload-to-classification pipeline.
// The log store, cache and recorder are optional and may be nil.
type ClassificationUseCase struct {
	stager     Stager
	classifier classifier.Classifier
	logs       ClassificationLogStore
	cache      Cache
	recorder   OutcomeRecorder
	logger     *zap.Logger

	statusTTL      time.Duration
	persistTimeout time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(stager Stager, cls classifier.Classifier, logs ClassificationLogStore, cache Cache, recorder OutcomeRecorder, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		stager:         stager,
		classifier:     cls,
		logs:           logs,
		cache:          cache,
		recorder:       recorder,
		logger:         logger.Named("classification_usecase"),
		statusTTL:      5 * time.Minute,
		persistTimeout: 5 * time.Second,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Classify stages the payload, runs the classifier against it and releases
// the staged file before returning. Every failure is a *pipeline.Error.
// Client disconnects do not abort the pipeline; only the classifier's own
// timeout bounds it.
func (uc *ClassificationUseCase) Classify(ctx context.Context, payload staging.Payload) (*classifier.Result, error) {
	ctx = context.WithoutCancel(ctx)
	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logging.WithRequestID(ctx, requestID)
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	start := time.Now()

	staged, err := uc.stager.Stage(ctx, payload)
	if err != nil {
		if _, ok := pipeline.KindOf(err); !ok {
			err = pipeline.IOError("Failed to stage upload", err)
		}
		opLogger.Error("staging failed", zap.Error(err))
		uc.finish(ctx, requestID, payload, start, err)
		return nil, err
	}
	if uc.recorder != nil {
		uc.recorder.Staged()
	}
	uc.setStatus(ctx, requestID, StateStaged, "")

	result, err := uc.invoke(ctx, requestID, staged)
	uc.finish(ctx, requestID, payload, start, err)
	if err != nil {
		opLogger.Warn("classification failed", zap.Error(err), zap.String("state", string(TerminalState(err))))
		return nil, err
	}

	opLogger.Info("classification succeeded",
		zap.String("animal_type", result.AnimalType),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// invoke runs the classifier and releases the staged file once the
// classifier has returned, whatever the outcome.
func (uc *ClassificationUseCase) invoke(ctx context.Context, requestID string, staged *staging.File) (result *classifier.Result, err error) {
	defer func() {
		uc.stager.Release(staged)
		if uc.recorder != nil {
			uc.recorder.Released()
		}
	}()

	uc.setStatus(ctx, requestID, StateInvoking, "")
	result, err = uc.classifier.Classify(ctx, staged.Path)
	if err != nil {
		if _, ok := pipeline.KindOf(err); !ok {
			err = pipeline.InvocationError(err)
		}
		return nil, err
	}
	if result == nil {
		return nil, pipeline.MalformedOutputError(errors.New("classifier returned no result"), "")
	}
	return result, nil
}

// finish records the terminal outcome. Failures here are logged only and
// never change the response.
func (uc *ClassificationUseCase) finish(ctx context.Context, requestID string, payload staging.Payload, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := metrics.OutcomeSuccess
	if kind, ok := pipeline.KindOf(err); ok {
		outcome = string(kind)
	}

	if uc.recorder != nil {
		uc.recorder.ObserveOutcome(outcome, elapsed)
	}
	uc.setStatus(ctx, requestID, TerminalState(err), outcome)

	if uc.logs == nil {
		return
	}

	hash := sha1.Sum(payload.Data)
	entry := &repository.ClassificationLog{
		RequestID:    requestID,
		Outcome:      outcome,
		DurationMs:   elapsed.Milliseconds(),
		PayloadBytes: int64(len(payload.Data)),
		SHA1Hash:     hex.EncodeToString(hash[:]),
		CreatedAt:    time.Now().UTC(),
	}
	var pErr *pipeline.Error
	if errors.As(err, &pErr) && pErr.Kind == pipeline.KindWorkerExecution {
		exitCode := pErr.ExitCode
		entry.ExitCode = &exitCode
	}

	saveCtx, cancel := context.WithTimeout(ctx, uc.persistTimeout)
	defer cancel()
	if saveErr := uc.logs.SaveLog(saveCtx, entry); saveErr != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", requestID).Warn("failed to persist classification log", zap.Error(saveErr))
	}
}

// GetStatus returns the last recorded state of a request. The cache holds
// in-flight and recent states; once an entry expires, or without a cache,
// the persisted log supplies the terminal state.
func (uc *ClassificationUseCase) GetStatus(ctx context.Context, requestID string) (*RequestStatus, error) {
	if uc.cache != nil {
		raw, err := uc.withRedisGet(ctx, requestID, "cache.get.status", statusKey(requestID))
		switch {
		case err == nil:
			var status RequestStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return nil, logging.NewOperationError("usecase.decode_status", requestID, err)
			}
			return &status, nil
		case !errors.Is(err, redis.Nil):
			return nil, err
		}
	}
	return uc.statusFromLog(ctx, requestID)
}

func (uc *ClassificationUseCase) statusFromLog(ctx context.Context, requestID string) (*RequestStatus, error) {
	if uc.logs == nil {
		return nil, ErrStatusNotFound
	}

	entry, err := uc.logs.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStatusNotFound
		}
		return nil, err
	}
	return &RequestStatus{
		RequestID: entry.RequestID,
		State:     StateForOutcome(entry.Outcome),
		Outcome:   entry.Outcome,
		UpdatedAt: entry.CreatedAt,
	}, nil
}

func (uc *ClassificationUseCase) setStatus(ctx context.Context, requestID string, state State, outcome string) {
	if uc.cache == nil {
		return
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.set_status", requestID)
	serialized, err := json.Marshal(RequestStatus{
		RequestID: requestID,
		State:     state,
		Outcome:   outcome,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		opLogger.Error("failed to serialize request status", zap.Error(err))
		return
	}

	if err := uc.withRedisRetry(ctx, requestID, fmt.Sprintf("cache.set.%s", state), func() error {
		return uc.cache.Set(ctx, statusKey(requestID), string(serialized), uc.statusTTL)
	}); err != nil {
		opLogger.Warn("failed to record request status", zap.String("state", string(state)), zap.Error(err))
	}
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
