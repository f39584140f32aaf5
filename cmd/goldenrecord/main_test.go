package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/goldenrecord/internal/config"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, config.StoreConfig{Driver: config.DriverMemory})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := mem.(*persistence.ArenaStore); !ok {
		t.Errorf("memory driver opened %T, want *persistence.ArenaStore", mem)
	}

	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	db, err := openStore(ctx, config.StoreConfig{Driver: config.DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	if _, err := openStore(ctx, config.StoreConfig{Driver: "postgres"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestPipelineSteps(t *testing.T) {
	got := pipelineSteps(task.DefaultPipelines())
	want := []task.Step{task.StepClean, task.StepCleanAndSync, task.StepPoolSync}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pipelineSteps = %v, want %v", got, want)
	}
}

// TestRunStopsOnCancel verifies the server and sweeper shut down with the context.
func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Timeouts.SweepInterval = config.Duration(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, false) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	// Use SIGUSR1 as a safe test signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
