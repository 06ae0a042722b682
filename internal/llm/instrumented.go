package llm

import (
	"context"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/metrics"
)

// Instrumented records timing and token usage of every invocation.
type Instrumented struct {
	next      Invoker
	collector *metrics.Collector
}

// WithMetrics wraps next so that each call is recorded in collector.
func WithMetrics(next Invoker, collector *metrics.Collector) *Instrumented {
	return &Instrumented{next: next, collector: collector}
}

// Invoke forwards to the wrapped invoker.
func (i *Instrumented) Invoke(ctx context.Context, prompt, modelID string, maxTokens int) (Result, error) {
	start := time.Now()
	res, err := i.next.Invoke(ctx, prompt, modelID, maxTokens)
	i.collector.ObserveModel(time.Since(start), res.InputTokens, res.OutputTokens, err)
	return res, err
}
