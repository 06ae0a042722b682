package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
	"github.com/spf13/cobra"
)

var (
	submitGoal        string
	submitRequests    string
	submitResources   []string
	submitDestination string
	submitDetach      bool
	submitSeed        string
	submitStats       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an information request",
	Long: `Submit an information request and wait for its answer.

Sub-requests are read from a JSON file holding an array of objects with
archive_id, evaluation_type (INCLUSIVE|EXCLUSIVE), request_type (BASIC|VECTOR),
max_entries, sample_size_percentage and query_string.

With --detach the request is only recorded; a running worker picks it up.

Examples:
  lakeflow submit --goal "Summarize open billing issues" --requests reqs.json
  lakeflow submit --goal "Compare" --resource entry:a1 --resource entry:b2
  lakeflow submit --goal "G" --requests reqs.json --destination answers --detach
  lakeflow --memory submit --seed demo.yaml --goal "G" --requests reqs.json`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitGoal, "goal", "g", "", "what the answer should achieve")
	submitCmd.Flags().StringVarP(&submitRequests, "requests", "r", "", "JSON file with sub-requests")
	submitCmd.Flags().StringSliceVar(&submitResources, "resource", nil, "explicit source resource name (repeatable)")
	submitCmd.Flags().StringVarP(&submitDestination, "destination", "d", "", "archive to index the answer into")
	submitCmd.Flags().BoolVar(&submitDetach, "detach", false, "record the request and leave it to a worker")
	submitCmd.Flags().StringVar(&submitSeed, "seed", "", "YAML seed file to load first")
	submitCmd.Flags().BoolVar(&submitStats, "stats", false, "print runtime statistics when done")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if submitDetach {
		if err := requireDB("submit --detach"); err != nil {
			return err
		}
	}

	reqs, err := readSubRequests(submitRequests)
	if err != nil {
		return err
	}
	input := service.SubmitInput{
		Goal:                 submitGoal,
		Requests:             reqs,
		ResourceNames:        submitResources,
		DestinationArchiveID: submitDestination,
	}
	if err := service.ValidateRequests(input.Requests, len(input.ResourceNames)); err != nil {
		return err
	}

	var seed *seedFile
	if submitSeed != "" {
		if seed, err = readSeed(submitSeed); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, runtimeOptions{ai: !submitDetach, detached: submitDetach})
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if seed != nil {
		if submitDetach {
			return fmt.Errorf("--seed cannot be combined with --detach")
		}
		if _, err := applySeed(ctx, rt.store, rt.bus, seed); err != nil {
			return err
		}
		rt.bus.Wait()
	}

	req, err := rt.engine.Intake.Submit(ctx, input)
	if err != nil {
		return err
	}
	if submitDetach {
		fmt.Printf("Submitted request %s\n", req.RequestID)
		return nil
	}

	rt.bus.Wait()
	if err := printRequest(ctx, rt, req.RequestID, true); err != nil {
		return err
	}
	if submitStats {
		fmt.Println()
		printRuntimeStats(rt.metrics.Snapshot())
	}
	return nil
}

func readSubRequests(path string) ([]models.SubRequest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requests: %w", err)
	}
	var reqs []models.SubRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("parse requests: %w", err)
	}
	return reqs, nil
}
