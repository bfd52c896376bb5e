package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/animal-classifier/internal/metrics"
	"github.com/example/animal-classifier/internal/pipeline"
)

// State is a step of the per-request pipeline:
// idle -> staged -> invoking -> one terminal state.
type State string

const (
	StateIdle                  State = "idle"
	StateStaged                State = "staged"
	StateInvoking              State = "invoking"
	StateSucceeded             State = "succeeded"
	StateStagingFailed         State = "staging_failed"
	StateInvocationFailed      State = "invocation_failed"
	StateWorkerFailed          State = "worker_failed"
	StateOutputEmpty           State = "output_empty"
	StateOutputMalformed       State = "output_malformed"
	StateWorkerReportedFailure State = "worker_reported_failure"
)

// Terminal reports whether no further processing follows the state.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateStaged, StateInvoking:
		return false
	}
	return true
}

// TerminalState maps a pipeline result to its terminal state.
func TerminalState(err error) State {
	if err == nil {
		return StateSucceeded
	}
	kind, _ := pipeline.KindOf(err)
	switch kind {
	case pipeline.KindIO:
		return StateStagingFailed
	case pipeline.KindWorkerExecution:
		return StateWorkerFailed
	case pipeline.KindEmptyOutput:
		return StateOutputEmpty
	case pipeline.KindMalformedOutput:
		return StateOutputMalformed
	case pipeline.KindWorkerReported:
		return StateWorkerReportedFailure
	}
	return StateInvocationFailed
}

// StateForOutcome maps a recorded outcome label back to its terminal state.
func StateForOutcome(outcome string) State {
	if outcome == metrics.OutcomeSuccess {
		return StateSucceeded
	}
	return TerminalState(&pipeline.Error{Kind: pipeline.Kind(outcome)})
}

// RequestStatus is the externally visible progress of one request.
type RequestStatus struct {
	RequestID string    `json:"request_id"`
	State     State     `json:"state"`
	Outcome   string    `json:"outcome,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrStatusNotFound is returned when no status is recorded for a request.
var ErrStatusNotFound = errors.New("request status not found")

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get returns redis.Nil for missing keys.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func statusKey(requestID string) string {
	return "classification:" + requestID
}
