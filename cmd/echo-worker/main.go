// Command echo-worker is a reference step worker. It reserves tasks at one step
// and returns every payload unchanged, or reports an error for each when -fail is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/goldenrecord/internal/api"
	"github.com/aristath/goldenrecord/internal/client"
	"github.com/aristath/goldenrecord/internal/task"
)

type workerConfig struct {
	step    task.Step
	batch   int
	poll    time.Duration
	fail    bool
	workers int
}

func main() {
	baseURL := flag.String("url", "http://localhost:8085", "orchestrator base URL")
	step := flag.String("step", "", "pipeline step to work on (required)")
	batch := flag.Int("batch", 10, "tasks reserved per request")
	poll := flag.Duration("poll", time.Second, "wait between polls when nothing is queued")
	workers := flag.Int("workers", 1, "concurrent reservation loops")
	fail := flag.Bool("fail", false, "report an error for every task instead of echoing it")
	flag.Parse()

	if *step == "" {
		fmt.Fprintln(os.Stderr, "Error: -step is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(*baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := workerConfig{step: task.Step(*step), batch: *batch, poll: *poll, fail: *fail, workers: max(*workers, 1)}
	log.Printf("Working on step %s against %s (%d workers)", cfg.step, *baseURL, cfg.workers)

	if err := run(ctx, c, cfg); err != nil {
		log.Printf("ERROR: %v", err)
		stop()
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

// run starts cfg.workers loops and waits for all of them.
func run(ctx context.Context, c *client.Client, cfg workerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.workers; i++ {
		g.Go(func() error {
			return workLoop(gctx, c, cfg)
		})
	}
	return g.Wait()
}

// workLoop processes batches until ctx is cancelled. Request failures are logged
// and retried on the next poll.
func workLoop(ctx context.Context, c *client.Client, cfg workerConfig) error {
	for {
		n, err := processBatch(ctx, c, cfg)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Printf("ERROR: batch at %s failed: %v", cfg.step, err)
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.poll):
		}
	}
}

// processBatch reserves one batch, resolves it and returns how many tasks it handled.
func processBatch(ctx context.Context, c *client.Client, cfg workerConfig) (int, error) {
	reserved, err := c.Reserve(ctx, cfg.step, cfg.batch)
	if err != nil {
		return 0, err
	}
	if len(reserved) == 0 {
		return 0, nil
	}

	err = c.Resolve(ctx, cfg.step, echo(reserved, cfg.fail))
	var se *client.StatusError
	if errors.As(err, &se) && len(se.Failures) > 0 {
		// The rest of the batch was applied
		for _, f := range se.Failures {
			log.Printf("WARNING: result for task %s rejected: %s", f.TaskID, f.Error)
		}
		return len(reserved) - len(se.Failures), nil
	}
	if err != nil {
		return 0, err
	}
	return len(reserved), nil
}

// echo builds one result per reserved task. A task without a business partner
// cannot be echoed and is reported as failed.
func echo(reserved []api.ReservedTask, fail bool) []api.StepResult {
	results := make([]api.StepResult, len(reserved))
	for i, r := range reserved {
		results[i] = api.StepResult{TaskID: r.TaskID}
		switch {
		case fail:
			results[i].Errors = []task.TaskError{{Type: task.ErrorUnspecified, Description: "rejected by echo-worker"}}
		case !task.HasPayload(r.BusinessPartner):
			results[i].Errors = []task.TaskError{{Type: task.ErrorUnspecified, Description: "empty business partner"}}
		default:
			results[i].BusinessPartner = r.BusinessPartner
		}
	}
	return results
}
