package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/task"
)

// SweepReport is the outcome of one sweep pass.
type SweepReport struct {
	TimedOut []string       // Tasks forced to Error by the pending timeout
	Evicted  []string       // Terminal tasks removed after the retention timeout
	Failures []EntryFailure // Per-task failures; they never abort the pass
}

// Sweep forces pending tasks past the pending timeout into Error, then evicts
// terminal tasks past the retention timeout. A task timed out in this pass is
// not evicted in the same pass. Listing failures are returned after both phases ran.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := SweepReport{TimedOut: []string{}, Evicted: []string{}, Failures: []EntryFailure{}}
	var errs []error

	// Phase 1: pending timeout
	timedOut := make(map[string]bool)
	pending, err := s.store.ListPendingCreatedBefore(ctx, now.Add(-s.timeouts.Pending))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list timed out tasks: %w", err))
	}
	for _, t := range pending {
		if err := s.timeoutOne(ctx, t, now); err != nil {
			log.Printf("WARNING: sweep could not time out task %s: %v", t.ID, err)
			report.Failures = append(report.Failures, EntryFailure{TaskID: t.ID, Err: err})
			continue
		}
		timedOut[t.ID] = true
		report.TimedOut = append(report.TimedOut, t.ID)
	}

	// Phase 2: retention
	expired, err := s.store.ListTerminalCreatedBefore(ctx, now.Add(-s.timeouts.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list expired tasks: %w", err))
	}
	for _, t := range expired {
		if timedOut[t.ID] {
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			log.Printf("WARNING: sweep could not evict task %s: %v", t.ID, err)
			report.Failures = append(report.Failures, EntryFailure{TaskID: t.ID, Err: err})
			continue
		}
		report.Evicted = append(report.Evicted, t.ID)
		s.publish(events.TopicTask, events.TaskEvictedEvent{ID: t.ID, Expired: true, Timestamp: now})
	}

	s.publish(events.TopicSweep, events.SweepCompletedEvent{
		TimedOut:  len(report.TimedOut),
		Evicted:   len(report.Evicted),
		Failures:  len(report.Failures),
		Timestamp: now,
	})

	return report, errors.Join(errs...)
}

// timeoutOne must be called with s.mu held.
func (s *Service) timeoutOne(ctx context.Context, t *task.Task, now time.Time) error {
	step := t.State.Step
	state, err := task.ForceTimeout(t.State, now)
	if err != nil {
		return err
	}
	t.State = state

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("failed to store timeout: %w", err)
	}

	s.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        t.ID,
		Step:      step,
		Errors:    state.Errors,
		TimedOut:  true,
		Duration:  now.Sub(t.CreatedAt),
		Timestamp: now,
	})
	return nil
}

// Sweeper runs Service.Sweep on a fixed interval, independent of client requests.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Run sweeps every interval until ctx is cancelled. It returns nil on cancellation.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs its outcome.
func (sw *Sweeper) RunOnce(ctx context.Context) SweepReport {
	report, err := sw.svc.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return report
		}
		log.Printf("ERROR: sweep failed: %v", err)
	}

	if n := len(report.TimedOut) + len(report.Evicted) + len(report.Failures); n > 0 {
		log.Printf("Sweep: %d timed out, %d evicted, %d failed", len(report.TimedOut), len(report.Evicted), len(report.Failures))
	}
	return report
}
