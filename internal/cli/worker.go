package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/spf13/cobra"
)

var (
	workerPoll    time.Duration
	workerRedrive time.Duration
	workerBatch   int
	workerOnce    bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process submitted information requests",
	Long: `Run the workflow handlers and pick up PENDING requests recorded by
"submit --detach" or left behind by a crashed process.

A request that is still PENDING after --redrive is dispatched again; the
handlers absorb the duplicate. A request that has been PROCESSING for longer
than processing_recovery_seconds is dispatched too, and the engine republishes
whatever work it is still waiting for.

Examples:
  lakeflow worker
  lakeflow worker --poll 2s --once`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&workerPoll, "poll", 5*time.Second, "interval between scans for pending requests")
	workerCmd.Flags().DurationVar(&workerRedrive, "redrive", 5*time.Minute, "redispatch requests still pending after this long")
	workerCmd.Flags().IntVar(&workerBatch, "batch", 100, "max requests picked up per scan")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process the current backlog and exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := requireDB("worker"); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, runtimeOptions{ai: true})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	d := &dispatcher{rt: rt, redrive: workerRedrive, sent: make(map[string]time.Time)}
	logger.Info("worker started", "poll", workerPoll, "concurrency", cfg.WorkerConcurrency)

	ticker := time.NewTicker(workerPoll)
	defer ticker.Stop()
	for {
		n, err := d.scan(ctx, workerBatch)
		if err != nil {
			logger.Error("scan pending requests", "error", err)
		}
		if workerOnce {
			rt.bus.Wait()
			fmt.Printf("Processed %d request(s)\n", n)
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// dispatcher publishes start events for pending requests, at most once per
// redrive interval per request.
type dispatcher struct {
	rt      *runtime
	redrive time.Duration
	sent    map[string]time.Time
}

func (d *dispatcher) scan(ctx context.Context, limit int) (int, error) {
	pending, err := d.rt.client.ListRequests(ctx, models.RequestStatusPending, limit)
	if err != nil {
		return 0, err
	}
	processing, err := d.rt.client.ListRequests(ctx, models.RequestStatusProcessing, limit)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	window := time.Duration(settings.ProcessingRecoverySeconds) * time.Second
	for _, req := range processing {
		if req.ProcessingStarted != nil && now.Sub(*req.ProcessingStarted) >= window {
			pending = append(pending, req)
		}
	}
	for id, at := range d.sent {
		if now.Sub(at) > d.redrive {
			delete(d.sent, id)
		}
	}

	n := 0
	for _, req := range pending {
		if _, ok := d.sent[req.RequestID]; ok {
			continue
		}
		ev := events.StartInformationRequest{RequestID: req.RequestID, RequestStage: events.StageInitial}
		if err := d.rt.bus.Submit(ctx, ev, 0); err != nil {
			return n, fmt.Errorf("publish start_information_request: %w", err)
		}
		d.sent[req.RequestID] = now
		logger.Info("request dispatched", "request_id", req.RequestID)
		n++
	}
	return n, nil
}
