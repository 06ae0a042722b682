package service

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestSampleSize(t *testing.T) {
	tests := []struct {
		total, pct, maxEntries int
		want                   int
	}{
		{10, 40, 0, 4},
		{10, 44, 0, 4},
		{10, 45, 0, 5},
		{10, 1, 0, 1},
		{10, 100, 0, 10},
		{10, 100, 7, 7},
		{3, 50, 0, 2},
		{1, 1, 0, 1},
		{0, 50, 10, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d%%cap%d", tt.total, tt.pct, tt.maxEntries), func(t *testing.T) {
			assert.Equal(t, tt.want, SampleSize(tt.total, tt.pct, tt.maxEntries))
		})
	}
}

func TestSampleBounds(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	r := rand.New(rand.NewPCG(7, 7))
	for pct := 1; pct <= 100; pct++ {
		n := SampleSize(len(ids), pct, 0)
		got := sample(r, ids, n)
		assert.Len(t, got, n)
		assert.GreaterOrEqual(t, len(got), 1)
		assert.LessOrEqual(t, len(got), len(ids))
		assert.Len(t, lo.Uniq(got), n, "sample must not repeat ids")
		assert.Subset(t, ids, got)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, ids, "input must not be reordered")
}

func TestSampleIsReproducibleWithSeed(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	first := sample(rand.New(rand.NewPCG(42, 1)), ids, 3)
	second := sample(rand.New(rand.NewPCG(42, 1)), ids, 3)
	assert.Equal(t, first, second)
}

func TestTagMatch(t *testing.T) {
	assert.InDelta(t, 100.0, TagMatch([]string{"a", "b"}, []string{"a", "b"}), 0.001)
	assert.InDelta(t, 50.0, TagMatch([]string{"a", "x"}, []string{"a", "b"}), 0.001)
	assert.InDelta(t, 0.0, TagMatch([]string{"x"}, []string{"a", "b"}), 0.001)
	assert.InDelta(t, 0.0, TagMatch([]string{"a"}, nil), 0.001)
	assert.InDelta(t, 50.0, TagMatch([]string{"a", "a"}, []string{"a", "b", "b"}), 0.001)
}

func TestRankByScoreKeepsInsertionOrderOnTies(t *testing.T) {
	scores := map[string]float64{"a": 10, "b": 50, "c": 10, "d": 50}
	got := rankByScore([]string{"a", "b", "c", "d"}, func(s string) float64 { return scores[s] })
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}

func TestExpectedDepth(t *testing.T) {
	tests := []struct {
		total, group, want int
	}{
		{1, 5, 1},
		{2, 5, 2},
		{5, 5, 2},
		{6, 5, 3},
		{7, 5, 3},
		{25, 5, 3},
		{26, 5, 4},
		{125, 5, 4},
		{126, 5, 5},
		{4, 2, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpectedDepth(tt.total, tt.group), "total=%d group=%d", tt.total, tt.group)
	}
}

func TestQueryIDIsDeterministic(t *testing.T) {
	assert.Equal(t, QueryID("r1", 0), QueryID("r1", 0))
	assert.NotEqual(t, QueryID("r1", 0), QueryID("r1", 1))
	assert.NotEqual(t, QueryID("r1", 0), QueryID("r2", 0))
}

func TestValidateRequests(t *testing.T) {
	sub := func(archive, eval, typ string, maxEntries, pct *int, query *string) models.SubRequest {
		return models.SubRequest{
			ArchiveID:            archive,
			EvaluationType:       models.EvaluationType(eval),
			RequestType:          models.RequestType(typ),
			MaxEntries:           maxEntries,
			SampleSizePercentage: pct,
			QueryString:          query,
		}
	}
	five, zero, forty, over := 5, 0, 40, 101
	query, blank := "q", "  "

	tests := []struct {
		name   string
		req    models.SubRequest
		fields []string
	}{
		{"valid inclusive", sub("a", "INCLUSIVE", "BASIC", &five, &forty, nil), nil},
		{"valid inclusive vector", sub("a", "INCLUSIVE", "VECTOR", &five, &forty, &query), nil},
		{"valid exclusive vector", sub("a", "EXCLUSIVE", "VECTOR", &five, nil, &query), nil},
		{"exclusive basic", sub("a", "EXCLUSIVE", "BASIC", &five, nil, nil), []string{"evaluation_type"}},
		{"missing everything", sub("", "", "", nil, nil, nil), []string{"archive_id", "evaluation_type", "request_type", "max_entries"}},
		{"zero max entries", sub("a", "INCLUSIVE", "BASIC", &zero, &forty, nil), []string{"max_entries"}},
		{"inclusive without percentage", sub("a", "INCLUSIVE", "BASIC", &five, nil, nil), []string{"sample_size_percentage"}},
		{"percentage out of range", sub("a", "INCLUSIVE", "BASIC", &five, &over, nil), []string{"sample_size_percentage"}},
		{"vector without query", sub("a", "INCLUSIVE", "VECTOR", &five, &forty, nil), []string{"query_string"}},
		{"vector with blank query", sub("a", "EXCLUSIVE", "VECTOR", &five, nil, &blank), []string{"query_string"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequests([]models.SubRequest{tt.req}, 0)
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrValidation)
			for _, f := range tt.fields {
				assert.Contains(t, err.Error(), "requests[0]."+f)
			}
		})
	}

	assert.ErrorIs(t, ValidateRequests(nil, 0), ErrValidation)
	assert.NoError(t, ValidateRequests(nil, 1))
}
