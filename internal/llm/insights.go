package llm

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

// Completeness grades how fully an answer covers its goal.
type Completeness string

const (
	CompletenessLow    Completeness = "LOW"
	CompletenessMedium Completeness = "MEDIUM"
	CompletenessHigh   Completeness = "HIGH"
)

// Insights are the structured observations extracted from a piece of text.
type Insights struct {
	Tags         []string
	Completeness Completeness
}

const insightInstruction = `Analyze the content below and respond ONLY with the following structure:

<analysis>
<tags>comma separated list of short topical tags, most relevant first</tags>
<completeness_score>LOW, MEDIUM or HIGH: how completely the content addresses the goal</completeness_score>
</analysis>`

// InsightPrompt builds the prompt asking a model for tags and a completeness
// score of content against goal.
func InsightPrompt(goal, content string) string {
	var b strings.Builder
	b.WriteString(insightInstruction)
	if goal != "" {
		b.WriteString("\n\nGOAL: ")
		b.WriteString(goal)
	}
	b.WriteString("\n\nCONTENT:\n")
	b.WriteString(content)
	return b.String()
}

// TagPrompt builds the prompt deriving ranked search tags from a query.
func TagPrompt(query string) string {
	return InsightPrompt("identify the topics a search for this query should cover", query)
}

type analysis struct {
	XMLName      xml.Name `xml:"analysis"`
	Tags         string   `xml:"tags"`
	Completeness string   `xml:"completeness_score"`
}

// ParseInsights extracts the <analysis> block from model output. Text around
// the block is ignored. Tags are lower-cased, trimmed and de-duplicated in
// order; a missing or unknown score yields an empty Completeness.
func ParseInsights(text string) (Insights, error) {
	start := strings.Index(text, "<analysis>")
	end := strings.LastIndex(text, "</analysis>")
	if start < 0 || end < start {
		return Insights{}, fmt.Errorf("no <analysis> block in model output")
	}

	var a analysis
	if err := xml.Unmarshal([]byte(text[start:end+len("</analysis>")]), &a); err != nil {
		return Insights{}, fmt.Errorf("parse analysis: %w", err)
	}

	seen := make(map[string]bool)
	var tags []string
	for _, t := range models.NormalizeTags(strings.Split(a.Tags, ",")) {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	var c Completeness
	switch Completeness(strings.ToUpper(strings.TrimSpace(a.Completeness))) {
	case CompletenessLow:
		c = CompletenessLow
	case CompletenessMedium:
		c = CompletenessMedium
	case CompletenessHigh:
		c = CompletenessHigh
	}
	return Insights{Tags: tags, Completeness: c}, nil
}
