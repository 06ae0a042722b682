package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show the status of information requests",
	Long: `List recent information requests or show one request and its answer.

Examples:
  lakeflow status           # List recent requests
  lakeflow status 1b4e...   # Show request 1b4e... and its answer`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "max requests to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireDB("status"); err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := newRuntime(ctx, runtimeOptions{detached: true})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if len(args) == 1 {
		return printRequest(ctx, rt, args[0], true)
	}
	return listRequests(ctx, rt)
}

func listRequests(ctx context.Context, rt *runtime) error {
	reqs, err := rt.client.ListRequests(ctx, "", statusLimit)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No requests found")
		return nil
	}

	fmt.Printf("%-36s %-11s %-8s %-8s %s\n", "ID", "STATUS", "SOURCES", "QUERIES", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, r := range reqs {
		fmt.Printf("%-36s %-11s %-8d %-8d %s\n",
			r.RequestID, r.Status, len(r.OriginalSources), len(r.Requests), r.Created.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// printRequest shows a request, its root job and, when withAnswer is set
// and the request completed, the answer text.
func printRequest(ctx context.Context, rt *runtime, id string, withAnswer bool) error {
	d, err := rt.engine.Intake.Describe(ctx, id)
	if err != nil {
		return err
	}
	req := d.Request

	fmt.Printf("Request: %s\n", req.RequestID)
	fmt.Printf("  Status: %s\n", req.Status)
	if req.Goal != "" {
		fmt.Printf("  Goal: %s\n", req.Goal)
	}
	fmt.Printf("  Sources: %d\n", len(req.OriginalSources))
	if len(req.Requests) > 0 {
		fmt.Printf("  Queries: %d/%d completed\n", len(req.CompletedQueries), countExclusive(req.Requests))
	}
	fmt.Printf("  Created: %s\n", req.Created.Format(time.RFC3339))
	if req.ResponseCompletedOn != nil {
		fmt.Printf("  Answered: %s\n", req.ResponseCompletedOn.Format(time.RFC3339))
		fmt.Printf("  Duration: %s\n", req.ResponseCompletedOn.Sub(req.Created).Round(time.Millisecond))
	}
	if req.StatusMessage != "" {
		fmt.Printf("  Error: %s\n", req.StatusMessage)
	}
	if d.Job != nil {
		in, out := d.Job.TokenTotals()
		fmt.Printf("  Job: %s (%s)\n", d.Job.Status, d.Job.ID)
		if in+out > 0 {
			fmt.Printf("  Tokens: %d in, %d out\n", in, out)
		}
	}

	if !withAnswer || req.EntryID == "" {
		return nil
	}
	answer, ok, err := rt.store.GetContent(ctx, models.EntryResource(req.EntryID).String())
	if err != nil {
		return fmt.Errorf("get answer: %w", err)
	}
	if ok {
		fmt.Printf("\nAnswer (entry %s):\n\n%s\n", req.EntryID, answer)
	}
	return nil
}

func countExclusive(reqs []models.SubRequest) int {
	n := 0
	for _, r := range reqs {
		if r.EvaluationType == models.EvaluationExclusive {
			n++
		}
	}
	return n
}
