package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/metrics"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/spf13/cobra"
)

var usageDetailed bool

var usageCmd = &cobra.Command{
	Use:   "usage <request-id>",
	Short: "Show token usage of a request",
	Long: `Sum the AI token usage recorded on every job of a request.

Examples:
  lakeflow usage 1b4e...
  lakeflow usage 1b4e... --detailed`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageDetailed, "detailed", false, "show breakdown by job type and model")
}

// tokenUsage accumulates input and output tokens.
type tokenUsage struct {
	Calls  int
	Input  int64
	Output int64
}

func (u tokenUsage) total() int64 {
	return u.Input + u.Output
}

// usageSummary is the token usage of one job tree.
type usageSummary struct {
	Total     tokenUsage
	ByJobType map[string]tokenUsage
	ByModel   map[string]tokenUsage
}

func runUsage(cmd *cobra.Command, args []string) error {
	if err := requireDB("usage"); err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := newRuntime(ctx, runtimeOptions{detached: true})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	root := models.JobKey{Type: models.JobTypeInformationRequest, ID: args[0]}
	summary, err := summarizeUsage(ctx, rt.store, root)
	if err != nil {
		return err
	}
	printUsage(summary)
	return nil
}

// summarizeUsage walks the job tree under root.
func summarizeUsage(ctx context.Context, store backend, root models.JobKey) (*usageSummary, error) {
	job, err := store.GetJob(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", root.ID)
	}

	s := &usageSummary{ByJobType: map[string]tokenUsage{}, ByModel: map[string]tokenUsage{}}
	queue := []models.Job{*job}
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		for _, inv := range j.AIInvocations {
			s.Total = s.Total.add(inv)
			s.ByJobType[j.Type] = s.ByJobType[j.Type].add(inv)
			s.ByModel[inv.ModelID] = s.ByModel[inv.ModelID].add(inv)
		}

		key := j.Key()
		children, err := store.ListJobs(ctx, &key)
		if err != nil {
			return nil, fmt.Errorf("list child jobs: %w", err)
		}
		queue = append(queue, children...)
	}
	return s, nil
}

func (u tokenUsage) add(inv models.AIInvocation) tokenUsage {
	return tokenUsage{Calls: u.Calls + 1, Input: u.Input + inv.InputTokens, Output: u.Output + inv.OutputTokens}
}

func printUsage(s *usageSummary) {
	fmt.Printf("Token Usage\n")
	fmt.Printf("═══════════════════════════════════════\n\n")
	fmt.Printf("Model calls: %d\n", s.Total.Calls)
	fmt.Printf("Total tokens: %d (%d in, %d out)\n", s.Total.total(), s.Total.Input, s.Total.Output)

	if usageDetailed {
		printUsageBreakdown("By Job Type", s.ByJobType, s.Total.total())
		printUsageBreakdown("By Model", s.ByModel, s.Total.total())
	}
}

func printUsageBreakdown(title string, by map[string]tokenUsage, total int64) {
	if len(by) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	for _, name := range slices.Sorted(maps.Keys(by)) {
		u := by[name]
		pct := 0.0
		if total > 0 {
			pct = float64(u.total()) / float64(total) * 100
		}
		fmt.Printf("  %-25s %10d (%5.1f%%)\n", name, u.total(), pct)
	}
}

// printRuntimeStats displays the in-memory statistics of this process.
func printRuntimeStats(stats metrics.Snapshot) {
	fmt.Printf("Runtime Statistics (this process)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %s\n", stats.Uptime.Round(time.Millisecond))

	if len(stats.Events) > 0 {
		fmt.Printf("\nEvents:\n")
		fmt.Printf("  %-28s %8s %8s %8s %10s %10s\n", "TYPE", "COUNT", "FAILED", "RETRIED", "AVG", "MAX")
		for _, name := range slices.Sorted(maps.Keys(stats.Events)) {
			s := stats.Events[name]
			fmt.Printf("  %-28s %8d %8d %8d %10s %10s\n", name, s.Count, s.Absorbed, s.Retried,
				s.Avg().Round(time.Millisecond), s.Max.Round(time.Millisecond))
		}
	}
	if m := stats.Model; m != nil {
		fmt.Printf("\nModel:\n")
		printTiming(m.Timing)
		fmt.Printf("  Errors: %d\n", m.Errors)
		if m.Count > 0 {
			fmt.Printf("  Tokens In:  %d total, avg %d, max %d\n", m.InputTokens.Total, m.InputTokens.Total/m.Count, m.InputTokens.Max)
			fmt.Printf("  Tokens Out: %d total, avg %d, max %d\n", m.OutputTokens.Total, m.OutputTokens.Total/m.Count, m.OutputTokens.Max)
		}
	}
	if stats.Embedding != nil {
		fmt.Printf("\nEmbeddings:\n")
		printTiming(*stats.Embedding)
	}
	if stats.Search != nil {
		fmt.Printf("\nVector Search:\n")
		printTiming(*stats.Search)
	}
}

func printTiming(t metrics.Timing) {
	fmt.Printf("  Calls: %d, avg %s, min %s, max %s\n", t.Count,
		t.Avg().Round(time.Millisecond), t.Min.Round(time.Millisecond), t.Max.Round(time.Millisecond))
}
