package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

var testTimeouts = Timeouts{Pending: time.Hour, Retention: 24 * time.Hour}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs yields task-1, task-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("task-%d", n)
	}
}

func newTestService(t *testing.T, store persistence.Store, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}, opts...)
	return NewService(store, task.DefaultPipelines(), testTimeouts, opts...), clock
}

func testStores(t *testing.T) map[string]persistence.Store {
	t.Helper()
	sqlite, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]persistence.Store{
		"arena":  persistence.NewArenaStore(),
		"sqlite": sqlite,
	}
}

func payloads(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}

func mustState(t *testing.T, svc *Service, id string) *task.Task {
	t.Helper()
	found, err := svc.SearchStates(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("SearchStates failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("task %s not found", id)
	}
	return found[0]
}

func assertState(t *testing.T, tk *task.Task, result task.ResultState, step task.Step, stepState task.StepState) {
	t.Helper()
	s := tk.State
	if s.ResultState != result || s.Step != step || s.StepState != stepState {
		t.Errorf("task %s state = (%v, %s, %v), want (%v, %s, %v)", tk.ID, s.ResultState, s.Step, s.StepState, result, step, stepState)
	}
}

// TestGoldenRecordScenarios walks a two-step pipeline through creation,
// reservation, success, worker error and final success.
func TestGoldenRecordScenarios(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestService(t, store)

			// Scenario A: create and reserve
			created, err := svc.CreateTasks(ctx, task.ModeUpsertGoldenRecord, payloads(`{"n":1}`, `{"n":2}`))
			if err != nil {
				t.Fatalf("CreateTasks failed: %v", err)
			}
			if len(created) != 2 {
				t.Fatalf("created %d tasks, want 2", len(created))
			}
			for _, c := range created {
				assertState(t, c, task.ResultPending, task.StepCleanAndSync, task.StepQueued)
			}

			reserved, err := svc.ReserveForStep(ctx, task.StepCleanAndSync, 3)
			if err != nil {
				t.Fatalf("ReserveForStep failed: %v", err)
			}
			if len(reserved) != 2 || reserved[0].ID != "task-1" || reserved[1].ID != "task-2" {
				t.Fatalf("reserved = %+v, want task-1 and task-2 in creation order", reserved)
			}
			if string(reserved[0].Payload) != `{"n":1}` {
				t.Errorf("reserved payload = %s, want creation payload", reserved[0].Payload)
			}
			wantDeadline := created[0].CreatedAt.Add(testTimeouts.Pending)
			if !reserved[0].PendingDeadline.Equal(wantDeadline) {
				t.Errorf("PendingDeadline = %v, want %v", reserved[0].PendingDeadline, wantDeadline)
			}
			assertState(t, mustState(t, svc, "task-1"), task.ResultPending, task.StepCleanAndSync, task.StepReserved)

			again, err := svc.ReserveForStep(ctx, task.StepCleanAndSync, 3)
			if err != nil {
				t.Fatalf("second ReserveForStep failed: %v", err)
			}
			if len(again) != 0 {
				t.Fatalf("second reservation returned %d tasks, want 0", len(again))
			}

			// Scenario B: task-1 succeeds, task-2 fails
			failures, err := svc.ResolveResults(ctx, task.StepCleanAndSync, []task.Resolution{
				{TaskID: "task-1", Payload: json.RawMessage(`{"n":1,"cleaned":true}`)},
				{TaskID: "task-2", Errors: []task.TaskError{{Type: task.ErrorUnspecified, Description: "invalid"}}},
			})
			if err != nil || len(failures) != 0 {
				t.Fatalf("ResolveResults = %v, %v", failures, err)
			}
			assertState(t, mustState(t, svc, "task-1"), task.ResultPending, task.StepPoolSync, task.StepQueued)
			failed := mustState(t, svc, "task-2")
			assertState(t, failed, task.ResultError, task.StepCleanAndSync, task.StepError)
			if len(failed.State.Errors) != 1 {
				t.Errorf("task-2 errors = %v, want one entry", failed.State.Errors)
			}

			// Scenario C: second step receives the first step's result
			reserved, err = svc.ReserveForStep(ctx, task.StepPoolSync, 1)
			if err != nil {
				t.Fatalf("ReserveForStep(PoolSync) failed: %v", err)
			}
			if len(reserved) != 1 || reserved[0].ID != "task-1" {
				t.Fatalf("reserved = %+v, want task-1", reserved)
			}
			if string(reserved[0].Payload) != `{"n":1,"cleaned":true}` {
				t.Errorf("PoolSync payload = %s, want CleanAndSync result", reserved[0].Payload)
			}

			failures, err = svc.ResolveResults(ctx, task.StepPoolSync, []task.Resolution{
				{TaskID: "task-1", Payload: json.RawMessage(`{"bpn":"BPNL0001"}`)},
			})
			if err != nil || len(failures) != 0 {
				t.Fatalf("ResolveResults = %v, %v", failures, err)
			}
			done := mustState(t, svc, "task-1")
			assertState(t, done, task.ResultSuccess, task.StepPoolSync, task.StepSuccess)
			if string(done.Payload) != `{"bpn":"BPNL0001"}` {
				t.Errorf("result payload = %s", done.Payload)
			}
		})
	}
}

// TestResolveEntryFailuresAreIsolated covers unknown ids, wrong steps and empty results
// sharing a batch with a valid entry.
func TestResolveEntryFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpsertGoldenRecord, payloads(`{}`, `{}`, `{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if _, err := svc.ReserveForStep(ctx, task.StepCleanAndSync, 3); err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}

	failures, err := svc.ResolveResults(ctx, task.StepCleanAndSync, []task.Resolution{
		{TaskID: "missing", Payload: json.RawMessage(`{}`)},
		{TaskID: "task-1", Payload: json.RawMessage(`{"ok":true}`)},
		{TaskID: "task-2"},
	})
	if err != nil {
		t.Fatalf("unexpected whole-call error: %v", err)
	}

	wrongStep, err := svc.ResolveResults(ctx, task.StepPoolSync, []task.Resolution{
		{TaskID: "task-3", Payload: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("unexpected whole-call error: %v", err)
	}
	failures = append(failures, wrongStep...)

	want := []struct {
		id  string
		err error
	}{
		{"missing", task.ErrTaskNotFound},
		{"task-2", task.ErrEmptyResult},
		{"task-3", task.ErrInvalidResolution},
	}
	if len(failures) != len(want) {
		t.Fatalf("failures = %v, want %d entries", failures, len(want))
	}
	for i, w := range want {
		if failures[i].TaskID != w.id || !errors.Is(failures[i], w.err) {
			t.Errorf("failures[%d] = %v, want %s: %v", i, failures[i], w.id, w.err)
		}
	}

	assertState(t, mustState(t, svc, "task-1"), task.ResultPending, task.StepPoolSync, task.StepQueued)
	assertState(t, mustState(t, svc, "task-2"), task.ResultPending, task.StepCleanAndSync, task.StepReserved)
	assertState(t, mustState(t, svc, "task-3"), task.ResultPending, task.StepCleanAndSync, task.StepReserved)
}

// TestResolveTwiceIsRejected checks that a resolved task cannot be resolved again.
func TestResolveRejectsWorkerTimeouts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`, `{}`, `{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if _, err := svc.ReserveForStep(ctx, task.StepClean, 3); err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}

	failures, err := svc.ResolveResults(ctx, task.StepClean, []task.Resolution{
		{TaskID: "task-1", Errors: []task.TaskError{{Type: task.ErrorTimeout, Description: "took too long"}}},
		{TaskID: "task-2", Errors: []task.TaskError{{Type: "Bogus", Description: "x"}}},
		{TaskID: "task-3", Errors: []task.TaskError{{Type: task.ErrorUnspecified, Description: "invalid"}}},
	})
	if err != nil {
		t.Fatalf("ResolveResults failed: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want task-1 and task-2", failures)
	}
	for i, id := range []string{"task-1", "task-2"} {
		if failures[i].TaskID != id || !errors.Is(failures[i].Err, task.ErrInvalidErrorType) {
			t.Errorf("failures[%d] = %v, want %s with ErrInvalidErrorType", i, failures[i], id)
		}
		assertState(t, mustState(t, svc, id), task.ResultPending, task.StepClean, task.StepReserved)
	}
	assertState(t, mustState(t, svc, "task-3"), task.ResultError, task.StepClean, task.StepError)
}

func TestResolveTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if _, err := svc.ReserveForStep(ctx, task.StepClean, 1); err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}

	result := []task.Resolution{{TaskID: "task-1", Payload: json.RawMessage(`{"v":1}`)}}
	if failures, err := svc.ResolveResults(ctx, task.StepClean, result); err != nil || len(failures) != 0 {
		t.Fatalf("first resolve = %v, %v", failures, err)
	}

	second := []task.Resolution{{TaskID: "task-1", Payload: json.RawMessage(`{"v":2}`)}}
	failures, err := svc.ResolveResults(ctx, task.StepClean, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 1 || !errors.Is(failures[0], task.ErrInvalidResolution) {
		t.Fatalf("second resolve failures = %v, want ErrInvalidResolution", failures)
	}

	tk := mustState(t, svc, "task-1")
	assertState(t, tk, task.ResultSuccess, task.StepClean, task.StepSuccess)
	if string(tk.Payload) != `{"v":1}` {
		t.Errorf("payload = %s, want first result", tk.Payload)
	}
}

func TestResolveWithoutReservation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}

	failures, err := svc.ResolveResults(ctx, task.StepClean, []task.Resolution{{TaskID: "task-1", Payload: json.RawMessage(`{}`)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 1 || !errors.Is(failures[0], task.ErrInvalidResolution) {
		t.Fatalf("failures = %v, want ErrInvalidResolution", failures)
	}
	assertState(t, mustState(t, svc, "task-1"), task.ResultPending, task.StepClean, task.StepQueued)
}

func TestCreateTasksUnknownMode(t *testing.T) {
	svc, _ := newTestService(t, persistence.NewArenaStore())

	_, err := svc.CreateTasks(context.Background(), "Nope", payloads(`{}`))
	if !errors.Is(err, task.ErrUnknownMode) {
		t.Fatalf("error = %v, want ErrUnknownMode", err)
	}

	counts, err := svc.Stats(context.Background())
	if err != nil || len(counts) != 0 {
		t.Errorf("Stats = %v, %v; want no tasks", counts, err)
	}
}

func TestReserveRespectsAmountAndOrder(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t, persistence.NewArenaStore())

	for i := 0; i < 5; i++ {
		if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`)); err != nil {
			t.Fatalf("CreateTasks failed: %v", err)
		}
		clock.Advance(time.Second)
	}

	first, err := svc.ReserveForStep(ctx, task.StepClean, 2)
	if err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}
	second, err := svc.ReserveForStep(ctx, task.StepClean, 2)
	if err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}
	zero, err := svc.ReserveForStep(ctx, task.StepClean, 0)
	if err != nil || len(zero) != 0 {
		t.Fatalf("ReserveForStep(0) = %v, %v", zero, err)
	}

	got := []string{}
	for _, r := range append(first, second...) {
		got = append(got, r.ID)
	}
	want := []string{"task-1", "task-2", "task-3", "task-4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("reserved ids = %v, want %v", got, want)
	}
}

func TestReserveStoreFailureReservesNothing(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fs := &failingStore{Store: store, failID: "task-2"}
			svc, _ := newTestService(t, fs)

			if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`, `{}`, `{}`)); err != nil {
				t.Fatalf("CreateTasks failed: %v", err)
			}

			reserved, err := svc.ReserveForStep(ctx, task.StepClean, 3)
			if !errors.Is(err, errInjected) {
				t.Fatalf("ReserveForStep error = %v, want injected failure", err)
			}
			if len(reserved) != 0 {
				t.Fatalf("reserved = %v on failure, want none", reserved)
			}
			for _, id := range []string{"task-1", "task-2", "task-3"} {
				assertState(t, mustState(t, svc, id), task.ResultPending, task.StepClean, task.StepQueued)
			}

			fs.failID = ""
			reserved, err = svc.ReserveForStep(ctx, task.StepClean, 3)
			if err != nil {
				t.Fatalf("ReserveForStep failed: %v", err)
			}
			if len(reserved) != 3 {
				t.Errorf("reserved %d tasks after recovery, want 3", len(reserved))
			}
		})
	}
}

// TestConcurrentReservationsNeverOverlap races workers on the same step.
func TestConcurrentReservationsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	svc := NewService(persistence.NewArenaStore(), task.DefaultPipelines(), testTimeouts)

	const total = 200
	batch := make([]json.RawMessage, total)
	for i := range batch {
		batch[i] = json.RawMessage(`{}`)
	}
	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, batch); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				reserved, err := svc.ReserveForStep(ctx, task.StepClean, 7)
				if err != nil {
					t.Errorf("ReserveForStep failed: %v", err)
					return
				}
				if len(reserved) == 0 {
					return
				}
				mu.Lock()
				for _, r := range reserved {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("reserved %d distinct tasks, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s reserved %d times", id, n)
		}
	}
}

func TestSearchStatesOmitsUnknown(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{"a":1}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}

	found, err := svc.SearchStates(ctx, []string{"nope", "task-1"})
	if err != nil {
		t.Fatalf("SearchStates failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "task-1" {
		t.Fatalf("found = %v, want only task-1", found)
	}
}

func TestRemoveTasks(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 16)

	svc, _ := newTestService(t, persistence.NewArenaStore(), WithEventBus(bus))
	if _, err := svc.CreateTasks(ctx, task.ModeUpdateFromPool, payloads(`{}`, `{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}

	removed, err := svc.RemoveTasks(ctx, []string{"task-1", "unknown"})
	if err != nil {
		t.Fatalf("RemoveTasks failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	found, _ := svc.SearchStates(ctx, []string{"task-1", "task-2"})
	if len(found) != 1 || found[0].ID != "task-2" {
		t.Errorf("remaining = %v, want task-2", found)
	}

	// two created events, then one eviction
	var evicted *events.TaskEvictedEvent
	for i := 0; i < 3; i++ {
		if e, ok := (<-sub).(events.TaskEvictedEvent); ok {
			evicted = &e
		}
	}
	if evicted == nil || evicted.ID != "task-1" || evicted.Expired {
		t.Errorf("evicted event = %+v", evicted)
	}
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 32)

	svc, _ := newTestService(t, persistence.NewArenaStore(), WithEventBus(bus))

	if _, err := svc.CreateTasks(ctx, task.ModeUpsertGoldenRecord, payloads(`{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	for _, step := range []task.Step{task.StepCleanAndSync, task.StepPoolSync} {
		if _, err := svc.ReserveForStep(ctx, step, 1); err != nil {
			t.Fatalf("ReserveForStep failed: %v", err)
		}
		if _, err := svc.ResolveResults(ctx, step, []task.Resolution{{TaskID: "task-1", Payload: json.RawMessage(`{}`)}}); err != nil {
			t.Fatalf("ResolveResults failed: %v", err)
		}
	}

	want := []string{
		events.EventTypeTaskCreated,
		events.EventTypeTaskReserved,
		events.EventTypeTaskAdvanced,
		events.EventTypeTaskReserved,
		events.EventTypeTaskSucceeded,
	}
	for i, w := range want {
		select {
		case e := <-sub:
			if e.EventType() != w {
				t.Errorf("event %d = %s, want %s", i, e.EventType(), w)
			}
			if e.TaskID() != "task-1" {
				t.Errorf("event %d task = %s", i, e.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for event %d (%s)", i, w)
		}
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, persistence.NewArenaStore())

	if _, err := svc.CreateTasks(ctx, task.ModeUpsertGoldenRecord, payloads(`{}`, `{}`, `{}`)); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if _, err := svc.ReserveForStep(ctx, task.StepCleanAndSync, 1); err != nil {
		t.Fatalf("ReserveForStep failed: %v", err)
	}

	counts, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("counts = %+v, want queued and reserved groups", counts)
	}
	if counts[0].StepState != task.StepQueued || counts[0].Count != 2 {
		t.Errorf("counts[0] = %+v, want 2 queued", counts[0])
	}
	if counts[1].StepState != task.StepReserved || counts[1].Count != 1 {
		t.Errorf("counts[1] = %+v, want 1 reserved", counts[1])
	}
}
