package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/goldenrecord/internal/api"
	"github.com/aristath/goldenrecord/internal/config"
	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/orchestrator"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
	"github.com/aristath/goldenrecord/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	monitor := flag.Bool("tui", false, "attach the terminal monitor")
	logPath := flag.String("log-file", "goldenrecord.log", "log destination while the monitor is attached")
	writeConfig := flag.String("write-config", "", "write the effective configuration to `path` and exit")
	flag.Parse()

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.Save(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote config to %s\n", *writeConfig)
		return
	}

	// The monitor owns the terminal, so logs go to a file
	if *monitor {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if err := run(ctx, cfg, *monitor); err != nil {
		log.Printf("ERROR: %v", err)
		stop()
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

// run serves the API and sweeps until ctx is cancelled or the monitor quits.
func run(ctx context.Context, cfg *config.OrchestratorConfig, monitor bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	pipelines := cfg.TaskPipelines()
	svc := orchestrator.NewService(store, pipelines, orchestrator.Timeouts{
		Pending:   cfg.Timeouts.Pending.Std(),
		Retention: cfg.Timeouts.Retention.Std(),
	}, orchestrator.WithEventBus(bus))

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(svc, api.Limits{
			MaxBatchSize:   cfg.HTTP.MaxBatchSize,
			MaxReservation: cfg.HTTP.MaxReservation,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Listening on %s (store: %s)", cfg.HTTP.Addr, cfg.Store.Driver)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutdown signal received, cleaning up...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return orchestrator.NewSweeper(svc, cfg.Timeouts.SweepInterval.Std()).Run(gctx)
	})

	if monitor {
		g.Go(func() error {
			// Quitting the monitor stops the service
			defer cancel()
			model := tui.New(bus, svc.Stats, pipelineSteps(pipelines), time.Second)
			return runMonitor(gctx, tea.NewProgram(model, tea.WithAltScreen()))
		})
	}

	return g.Wait()
}

// openStore opens the configured task store.
func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewArenaStore(), nil
	case config.DriverSQLite:
		store, err := persistence.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runMonitor(ctx context.Context, p *tea.Program) error {
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// pipelineSteps lists every configured step once, modes in name order.
func pipelineSteps(pipelines task.Pipelines) []task.Step {
	modes := make([]string, 0, len(pipelines))
	for mode := range pipelines {
		modes = append(modes, string(mode))
	}
	sort.Strings(modes)

	seen := make(map[task.Step]bool)
	var steps []task.Step
	for _, mode := range modes {
		for _, step := range pipelines[task.Mode(mode)] {
			if !seen[step] {
				seen[step] = true
				steps = append(steps, step)
			}
		}
	}
	return steps
}
