// Package metrics keeps in-process statistics about workflow event handling
// and the external calls the handlers make.
package metrics

import (
	"maps"
	"sync"
	"time"
)

// Outcome is how the engine finished one event delivery.
type Outcome int

const (
	// Handled deliveries returned without error.
	Handled Outcome = iota
	// Absorbed deliveries failed a job; the failure is recorded on the job
	// and the event is not redelivered.
	Absorbed
	// Retried deliveries returned an error to the bus for redelivery.
	Retried
)

// Timing aggregates the durations of one kind of work.
type Timing struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (t *Timing) observe(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	t.Max = max(t.Max, d)
	t.Count++
	t.Total += d
}

// Avg returns the mean duration, or zero when nothing was observed.
func (t Timing) Avg() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Tokens aggregates token counts per call.
type Tokens struct {
	Total int64
	Min   int64
	Max   int64
}

func (t *Tokens) observe(n int64, first bool) {
	if first || n < t.Min {
		t.Min = n
	}
	t.Max = max(t.Max, n)
	t.Total += n
}

// EventStats is the delivery record of one event type. Timing covers every
// delivery regardless of outcome.
type EventStats struct {
	Timing
	Absorbed int64
	Retried  int64
}

// ModelStats covers model invocations. Timing and token counts only include
// successful calls.
type ModelStats struct {
	Timing
	Errors       int64
	InputTokens  Tokens
	OutputTokens Tokens
}

// Snapshot is a copy of the statistics at one point in time. Sections with
// no observations are nil.
type Snapshot struct {
	Uptime    time.Duration
	Events    map[string]EventStats
	Model     *ModelStats
	Embedding *Timing
	Search    *Timing
}

// Collector aggregates the statistics of one process. It is safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	events    map[string]*EventStats
	model     ModelStats
	embedding Timing
	search    Timing
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{started: time.Now(), events: make(map[string]*EventStats)}
}

// ObserveEvent records one delivery of an event type.
func (c *Collector) ObserveEvent(eventType string, d time.Duration, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.events[eventType]
	if !ok {
		s = &EventStats{}
		c.events[eventType] = s
	}
	s.observe(d)
	switch outcome {
	case Absorbed:
		s.Absorbed++
	case Retried:
		s.Retried++
	}
}

// ObserveModel records one model invocation. Failed calls only count as
// errors.
func (c *Collector) ObserveModel(d time.Duration, inputTokens, outputTokens int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.model.Errors++
		return
	}
	first := c.model.Count == 0
	c.model.observe(d)
	c.model.InputTokens.observe(inputTokens, first)
	c.model.OutputTokens.observe(outputTokens, first)
}

// ObserveEmbedding records one query embedding.
func (c *Collector) ObserveEmbedding(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embedding.observe(d)
}

// ObserveSearch records one vector store search.
func (c *Collector) ObserveSearch(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search.observe(d)
}

// Snapshot copies the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Uptime: time.Since(c.started),
		Events: make(map[string]EventStats, len(c.events)),
	}
	for name, s := range maps.All(c.events) {
		snap.Events[name] = *s
	}
	if c.model.Count > 0 || c.model.Errors > 0 {
		m := c.model
		snap.Model = &m
	}
	if c.embedding.Count > 0 {
		e := c.embedding
		snap.Embedding = &e
	}
	if c.search.Count > 0 {
		s := c.search
		snap.Search = &s
	}
	return snap
}
