package service_test

import (
	"testing"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/metrics"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRecordsEventMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	h := newHarness(t, func(s *config.Settings) { s.MaxVectorStoreSearchGroupSize = 1 }, func(d *service.Dependencies) {
		d.Metrics = collector
	})
	seedVectorArchive(t, h)

	h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "alpha", 2)}})
	h.run(false, 1)

	snap := collector.Snapshot()
	require.Contains(t, snap.Events, string(events.TypeStartInformationRequest))
	assert.EqualValues(t, 2, snap.Events[string(events.TypeStartInformationRequest)].Count)
	assert.EqualValues(t, 2, snap.Events[string(events.TypeVSQuery)].Count)
	assert.EqualValues(t, 1, snap.Events[string(events.TypeFinalResponse)].Count)

	assert.Zero(t, snap.Events[string(events.TypeFinalResponse)].Absorbed)

	require.NotNil(t, snap.Embedding)
	assert.EqualValues(t, 2, snap.Embedding.Count)
	require.NotNil(t, snap.Search)
	assert.EqualValues(t, 2, snap.Search.Count)
}

func TestEngineCountsAbsorbedFailures(t *testing.T) {
	collector := metrics.NewCollector()
	h := newHarness(t, nil, func(d *service.Dependencies) {
		d.Metrics = collector
	})

	h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{inclusive("nowhere", 50, 10)}})
	h.run(false, 1)

	start := collector.Snapshot().Events[string(events.TypeStartInformationRequest)]
	assert.EqualValues(t, 1, start.Count)
	assert.EqualValues(t, 1, start.Absorbed)
	assert.Zero(t, start.Retried)
}

func TestEngineRejectsUnknownEvent(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.engine.Handle(t.Context(), unknownEvent{})
	assert.ErrorIs(t, err, events.ErrUnknownEventType)
}

type unknownEvent struct{}

func (unknownEvent) EventType() events.Type { return "mystery" }
func (unknownEvent) Validate() error        { return nil }
