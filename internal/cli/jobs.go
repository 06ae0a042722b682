package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [request-id]",
	Short: "List root jobs or show the job tree of a request",
	Long: `List all root jobs or show the full job tree of one request.

Examples:
  lakeflow jobs           # List root jobs
  lakeflow jobs 1b4e...   # Show the job tree of request 1b4e...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	if err := requireDB("jobs"); err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := newRuntime(ctx, runtimeOptions{detached: true})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if len(args) == 1 {
		root := models.JobKey{Type: models.JobTypeInformationRequest, ID: args[0]}
		return showJobTree(ctx, rt.store, root)
	}
	return listJobs(ctx, rt.store)
}

func listJobs(ctx context.Context, store backend) error {
	jobs, err := store.ListJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-12s %s\n", "ID", "TYPE", "STATUS", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		fmt.Printf("%-36s %-20s %-12s %s\n", job.ID, job.Type, job.Status, job.Created.Local().Format("15:04:05"))
	}
	return nil
}

func showJobTree(ctx context.Context, store backend, root models.JobKey) error {
	job, err := store.GetJob(ctx, root)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", root.ID)
	}
	return printJobTree(ctx, store, job, 0)
}

func printJobTree(ctx context.Context, store backend, job *models.Job, depth int) error {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s %s", indent, job.Type, job.Status)
	if d := jobDuration(job); d > 0 {
		line += fmt.Sprintf(" %s", d.Round(time.Millisecond))
	}
	if in, out := job.TokenTotals(); in+out > 0 {
		line += fmt.Sprintf(" tokens=%d/%d", in, out)
	}
	fmt.Println(line)
	if job.StatusMessage != "" {
		fmt.Printf("%s  ! %s\n", indent, job.StatusMessage)
	}

	key := job.Key()
	children, err := store.ListJobs(ctx, &key)
	if err != nil {
		return fmt.Errorf("list child jobs: %w", err)
	}
	for i := range children {
		if err := printJobTree(ctx, store, &children[i], depth+1); err != nil {
			return err
		}
	}
	return nil
}

func jobDuration(job *models.Job) time.Duration {
	if job.Started == nil || job.Ended == nil {
		return 0
	}
	return job.Ended.Sub(*job.Started)
}
