package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

const compactionInstruction = `You compact data by extracting the key facts and insights from the content below. Distill the information to its most essential elements:

- Scan the entire content to grasp its overall scope.
- Extract core facts and statistics, key insights or conclusions, essential data points and critical findings.
- Discard supplementary explanation and context unless it is needed to understand a key fact.
- Each extracted element must stand alone as a piece of information.
- Keep a high level of detail and accuracy while staying concise.

Respond with a highly condensed version of the content. Aim for maximum information density without losing clarity or accuracy.`

const compactionGoalInstruction = `You compact data by extracting the key facts and insights from the content below, focused on the user's stated goal. Distill the information to its most essential and relevant elements:

- Review the user's goal first.
- Scan the entire content for information relevant to that goal.
- Extract core facts and statistics, key insights or conclusions, essential data points and critical findings that relate to the goal.
- Discard everything that does not help address the goal.
- Keep a high level of detail and accuracy while staying concise.

Respond with a highly condensed, goal-oriented version of the content. Aim for maximum relevance and information density without losing clarity or accuracy.`

const responseInstruction = `Based on the information provided, respond to the desired goal.
- The response should be clear and concise.
- The response should be accurate based on the information provided.
- The response should be relevant to the request.
- Follow any specific instructions given in the goal.

If there is not enough information to respond, answer exactly "Insufficient information for response".`

// loadContent fetches the stored content of a resource. Missing or empty
// content is a source resolution failure.
func loadContent(ctx context.Context, store ContentStore, name models.ResourceName) (string, error) {
	content, ok, err := store.GetContent(ctx, name.String())
	if err != nil {
		return "", fmt.Errorf("get content of %s: %w", name, err)
	}
	if !ok {
		return "", sourceError("content of %s could not be retrieved", name)
	}
	if content == "" {
		return "", sourceError("%s is empty", name)
	}
	return content, nil
}

// compactionPrompt concatenates the content of names under the goal-aware or
// plain instruction.
func compactionPrompt(ctx context.Context, store ContentStore, goal string, names []models.ResourceName) (string, error) {
	var b strings.Builder
	if goal != "" {
		b.WriteString(compactionGoalInstruction)
		b.WriteString("\n\nUSER GOAL: ")
		b.WriteString(goal)
	} else {
		b.WriteString(compactionInstruction)
	}
	b.WriteString("\n\nCONTENT:\n\n")

	for i, name := range names {
		content, err := loadContent(ctx, store, name)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s\n\n%s\n\n", name, content)
	}
	return b.String(), nil
}

func responsePrompt(goal, content string) string {
	return strings.Join([]string{
		responseInstruction,
		"GOAL: " + goal,
		"CONTENT:\n" + content,
	}, "\n\n")
}
