package usecase

import (
	"context"
	"errors"

	"github.com/example/animal-classifier/internal/metrics"
)

// ErrSummaryUnavailable is returned when no classification log is configured.
var ErrSummaryUnavailable = errors.New("classification log is not configured")

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	SuccessfulRequests         int64            `json:"successful_requests"`
	SuccessRate                float64          `json:"success_rate"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	Outcomes                   map[string]int64 `json:"outcomes"`
}

// GetMetricsSummary aggregates classification outcomes from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.logs == nil {
		return nil, ErrSummaryUnavailable
	}

	aggregation, err := uc.logs.AggregateMetrics(ctx, metrics.OutcomeSuccess)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageProcessingLatencyMs: aggregation.AverageMs,
		Outcomes:                   aggregation.OutcomeCounts,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
