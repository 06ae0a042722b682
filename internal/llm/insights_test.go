package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInsights(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Insights
	}{
		{
			name: "plain block",
			text: "<analysis><tags>Security, AWS ,iam</tags><completeness_score>HIGH</completeness_score></analysis>",
			want: Insights{Tags: []string{"security", "aws", "iam"}, Completeness: CompletenessHigh},
		},
		{
			name: "surrounded by chatter",
			text: "Sure! Here you go:\n<analysis>\n<tags>vpn, outage, vpn</tags>\n<completeness_score> medium </completeness_score>\n</analysis>\nThanks",
			want: Insights{Tags: []string{"vpn", "outage"}, Completeness: CompletenessMedium},
		},
		{
			name: "unknown score",
			text: "<analysis><tags>a</tags><completeness_score>VERY</completeness_score></analysis>",
			want: Insights{Tags: []string{"a"}},
		},
		{
			name: "empty tags",
			text: "<analysis><tags></tags><completeness_score>LOW</completeness_score></analysis>",
			want: Insights{Completeness: CompletenessLow},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInsights(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInsightsMissingBlock(t *testing.T) {
	_, err := ParseInsights("no structure here")
	require.Error(t, err)
}

func TestInsightPrompt(t *testing.T) {
	p := InsightPrompt("find risks", "the content")
	assert.Contains(t, p, "<analysis>")
	assert.Contains(t, p, "GOAL: find risks")
	assert.Contains(t, p, "CONTENT:\nthe content")

	assert.NotContains(t, InsightPrompt("", "x"), "GOAL:")
}
