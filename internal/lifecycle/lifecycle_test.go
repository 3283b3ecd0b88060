package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/manifest"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *store.Store
	manifest *manifest.Manager
	machine  *Machine
	clock    *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	base := filepath.Join(t.TempDir(), ".taskmem")
	clock := &testClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}

	st, err := store.Open(base, store.Options{
		SizeWarningBytes: 25600,
		LockTimeout:      100 * time.Millisecond,
		Now:              clock.Now,
	})
	require.NoError(t, err)

	mf := manifest.New(base, st.Locker(), manifest.Options{})
	return &fixture{store: st, manifest: mf, machine: New(st, mf, opts), clock: clock}
}

func (f *fixture) transition(t *testing.T, taskID, from, to string) *Result {
	t.Helper()
	res, err := f.machine.HandleTransition(context.Background(), Event{TaskID: taskID, OldStatus: from, NewStatus: to})
	require.NoError(t, err)
	return res
}

func (f *fixture) listed(t *testing.T) []string {
	t.Helper()
	mf, err := f.manifest.Load(context.Background())
	require.NoError(t, err)
	return mf.TaskIDs()
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"To Do":       StatusToDo,
		"todo":        StatusToDo,
		"to-do":       StatusToDo,
		"In Progress": StatusInProgress,
		"in-progress": StatusInProgress,
		"IN_PROGRESS": StatusInProgress,
		"doing":       StatusInProgress,
		" WIP ":       StatusInProgress,
		"Done":        StatusDone,
		"completed":   StatusDone,
		"Archived":    StatusClosed,
		"closed":      StatusClosed,
		"blocked":     StatusUnknown,
		"":            StatusUnknown,
	}
	for in, want := range tests {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t, Options{Retention: 30 * 24 * time.Hour, RetentionEnabled: true})
	ctx := context.Background()

	res, err := f.machine.HandleTransition(ctx, Event{TaskID: "T1", OldStatus: "To Do", NewStatus: "In Progress", Content: "draft"})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, ActionCreate, res.Action)
	require.NotEmpty(t, res.EventID)

	m, err := f.store.Read(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, memory.StateActive, m.State)
	require.Equal(t, "draft", m.Content)
	require.Equal(t, []string{"T1"}, f.listed(t))

	f.transition(t, "T1", "In Progress", "Done")
	require.Empty(t, f.listed(t))
	m, err = f.store.Read(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, memory.StateArchived, m.State)

	f.transition(t, "T1", "Done", "In Progress")
	m, err = f.store.Read(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, memory.StateActive, m.State)
	require.Equal(t, "draft", m.Content)
	require.Equal(t, []string{"T1"}, f.listed(t))

	f.transition(t, "T1", "In Progress", "Done")
	res = f.transition(t, "T1", "Done", "Closed")
	require.Equal(t, ActionClose, res.Action)
	require.Equal(t, string(memory.StateArchived), res.State)

	f.clock.Advance(31 * 24 * time.Hour)
	swept, err := f.machine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"T1"}, swept.Deleted)

	_, err = f.store.Read(ctx, "T1")
	require.True(t, errors.Is(err, errors.ErrNotFound), "want NOT_FOUND, got %v", err)
}

func TestTransitions_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	steps := [][2]string{
		{"To Do", "In Progress"},
		{"In Progress", "Done"},
		{"Done", "In Progress"},
		{"In Progress", "Done"},
		{"Done", "Closed"},
	}
	for _, step := range steps {
		first := f.transition(t, "T1", step[0], step[1])
		before, err := f.store.Read(ctx, "T1")
		require.NoError(t, err)
		listedBefore := f.listed(t)

		second := f.transition(t, "T1", step[0], step[1])
		require.Equal(t, OutcomeNoop, second.Outcome, "replay of %v", step)
		require.Equal(t, first.State, second.State)

		after, err := f.store.Read(ctx, "T1")
		require.NoError(t, err)
		require.Equal(t, before.Content, after.Content)
		require.Equal(t, before.State, after.State)
		require.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "replay of %v rewrote the memory", step)
		require.Equal(t, listedBefore, f.listed(t))
	}
}

func TestRollback_RestoresOriginalOrder(t *testing.T) {
	f := newFixture(t, Options{})
	for _, id := range []string{"T1", "T2", "T3"} {
		f.transition(t, id, "To Do", "In Progress")
	}

	f.transition(t, "T2", "In Progress", "Done")
	require.Equal(t, []string{"T1", "T3"}, f.listed(t))

	f.transition(t, "T4", "To Do", "In Progress")
	f.transition(t, "T2", "Done", "In Progress")
	require.Equal(t, []string{"T1", "T2", "T3", "T4"}, f.listed(t))
}

func TestUnmodeledTransition_Noop(t *testing.T) {
	f := newFixture(t, Options{})
	f.transition(t, "T1", "To Do", "In Progress")

	for _, pair := range [][2]string{
		{"In Progress", "To Do"},
		{"To Do", "Done"},
		{"In Progress", "In Progress"},
		{"Blocked", "Done"},
	} {
		res := f.transition(t, "T1", pair[0], pair[1])
		require.Equal(t, OutcomeNoop, res.Outcome, "%v", pair)
		require.Equal(t, string(memory.StateActive), res.State)
	}
	require.Equal(t, []string{"T1"}, f.listed(t))
}

func TestOutOfOrderEvents_StayConsistent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Done arrives for a task that never started.
	res := f.transition(t, "T1", "In Progress", "Done")
	require.Equal(t, OutcomeNoop, res.Outcome)
	require.Equal(t, StateAbsent, res.State)

	// A stale start event after the task finished must not relist it.
	f.transition(t, "T2", "To Do", "In Progress")
	f.transition(t, "T2", "In Progress", "Done")
	res = f.transition(t, "T2", "To Do", "In Progress")
	require.Equal(t, OutcomeNoop, res.Outcome)
	require.Empty(t, f.listed(t))

	// Close arrives while the memory is still active.
	f.transition(t, "T3", "To Do", "In Progress")
	res = f.transition(t, "T3", "Done", "Closed")
	require.Equal(t, OutcomeApplied, res.Outcome)
	m, err := f.store.Read(ctx, "T3")
	require.NoError(t, err)
	require.Equal(t, memory.StateArchived, m.State)
	require.NotNil(t, m.ClosedAt)
	require.Empty(t, f.listed(t))
}

func TestRetryAfterManifestDrift_Converges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.transition(t, "T1", "To Do", "In Progress")

	// Simulate a crash between the store commit and the manifest update.
	_, _, err := f.store.Archive(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, []string{"T1"}, f.listed(t))

	res := f.transition(t, "T1", "In Progress", "Done")
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Empty(t, f.listed(t))
}

func (f *fixture) corrupt(t *testing.T, taskID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.store.ActivePath(taskID), []byte("not a memory"), 0o600))
}

func (f *fixture) verify(t *testing.T) *manifest.Report {
	t.Helper()
	ctx := context.Background()
	ids, err := f.store.ActiveIDs(ctx)
	require.NoError(t, err)
	rep, err := f.manifest.Verify(ctx, ids)
	require.NoError(t, err)
	return rep
}

func TestCorruptedMemory_QuarantineConverges(t *testing.T) {
	f := newFixture(t, Options{Quarantine: true})
	ctx := context.Background()
	f.transition(t, "T1", "To Do", "In Progress")
	f.transition(t, "T2", "To Do", "In Progress")
	f.corrupt(t, "T1")

	_, err := f.machine.HandleTransition(ctx, Event{TaskID: "T1", OldStatus: "In Progress", NewStatus: "Done"})
	require.True(t, errors.Is(err, errors.ErrCorrupted), "got %v", err)

	entries, err := os.ReadDir(filepath.Join(f.store.Base(), "quarantine"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []string{"T2"}, f.listed(t))
	require.True(t, f.verify(t).OK)

	// Retrying the failed event, and the events after it, settle as no-ops.
	for _, step := range [][2]string{{"In Progress", "Done"}, {"Done", "In Progress"}, {"Done", "Archived"}} {
		res := f.transition(t, "T1", step[0], step[1])
		require.Equal(t, OutcomeNoop, res.Outcome, "%s -> %s", step[0], step[1])
		require.Equal(t, StateAbsent, res.State)
	}
	require.Equal(t, []string{"T2"}, f.listed(t))
	require.True(t, f.verify(t).OK)
}

func TestCorruptedMemory_LeftInPlaceWithoutQuarantine(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.transition(t, "T1", "To Do", "In Progress")
	f.corrupt(t, "T1")

	for range 2 {
		_, err := f.machine.HandleTransition(ctx, Event{TaskID: "T1", OldStatus: "In Progress", NewStatus: "Done"})
		require.True(t, errors.Is(err, errors.ErrCorrupted), "got %v", err)
	}
	_, err := os.Stat(f.store.ActivePath("T1"))
	require.NoError(t, err)
	require.Equal(t, []string{"T1"}, f.listed(t))

	unlock, err := f.store.Lock(ctx, "T1")
	require.NoError(t, err)
	moved, err := f.machine.Quarantine(ctx, "T1")
	unlock()
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Empty(t, f.listed(t))
	require.True(t, f.verify(t).OK)

	res := f.transition(t, "T1", "In Progress", "Done")
	require.Equal(t, OutcomeNoop, res.Outcome)
}

func TestAbsentMemory_ReconcilesManifest(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
	}{
		{"finish", "In Progress", "Done"},
		{"reopen", "Done", "In Progress"},
		{"close", "Done", "Archived"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.transition(t, "T1", "To Do", "In Progress")
			require.NoError(t, os.Remove(f.store.ActivePath("T1")))
			require.Equal(t, []string{"T1"}, f.listed(t))

			res := f.transition(t, "T1", tc.from, tc.to)
			require.Equal(t, OutcomeApplied, res.Outcome)
			require.Equal(t, StateAbsent, res.State)
			require.Empty(t, f.listed(t))
			require.True(t, f.verify(t).OK)

			res = f.transition(t, "T1", tc.from, tc.to)
			require.Equal(t, OutcomeNoop, res.Outcome)
		})
	}
}

func TestClose_ImmediateDeleteWhenRetentionPassed(t *testing.T) {
	f := newFixture(t, Options{Retention: time.Hour, RetentionEnabled: true})
	f.transition(t, "T1", "To Do", "In Progress")
	f.transition(t, "T1", "In Progress", "Done")
	f.clock.Advance(2 * time.Hour)

	res := f.transition(t, "T1", "Done", "Archived")
	require.Equal(t, ActionDelete, res.Action)
	require.Equal(t, string(memory.StateDeleted), res.State)

	_, err := f.store.Read(context.Background(), "T1")
	require.True(t, errors.Is(err, errors.ErrNotFound))

	// A replay of the close finds nothing to do.
	res = f.transition(t, "T1", "Done", "Archived")
	require.Equal(t, OutcomeNoop, res.Outcome)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, Options{Retention: 24 * time.Hour, RetentionEnabled: true})
	ctx := context.Background()

	f.transition(t, "closed-old", "To Do", "In Progress")
	f.transition(t, "closed-old", "In Progress", "Done")
	f.transition(t, "closed-old", "Done", "Closed")

	f.transition(t, "done-not-closed", "To Do", "In Progress")
	f.transition(t, "done-not-closed", "In Progress", "Done")

	f.clock.Advance(12 * time.Hour)
	f.transition(t, "closed-young", "To Do", "In Progress")
	f.transition(t, "closed-young", "In Progress", "Done")
	f.transition(t, "closed-young", "Done", "Closed")

	f.clock.Advance(13 * time.Hour)
	res, err := f.machine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"closed-old"}, res.Deleted)

	_, err = f.store.Read(ctx, "done-not-closed")
	require.NoError(t, err)
	_, err = f.store.Read(ctx, "closed-young")
	require.NoError(t, err)
}

func TestSweep_Disabled(t *testing.T) {
	f := newFixture(t, Options{})
	f.transition(t, "T1", "To Do", "In Progress")
	f.transition(t, "T1", "In Progress", "Done")
	f.transition(t, "T1", "Done", "Closed")
	f.clock.Advance(10000 * time.Hour)

	res, err := f.machine.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, res.Disabled)
	require.Empty(t, res.Deleted)
}

func TestHandleTransition_Busy(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	unlock, err := f.store.Lock(ctx, "T1")
	require.NoError(t, err)
	defer unlock()

	_, err = f.machine.HandleTransition(ctx, Event{TaskID: "T1", OldStatus: "To Do", NewStatus: "In Progress"})
	require.True(t, errors.Is(err, errors.ErrBusy), "want BUSY, got %v", err)

	_, exists, err := f.store.Exists(ctx, "T1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandleTransition_InvalidTaskID(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.machine.HandleTransition(context.Background(), Event{TaskID: "../etc", OldStatus: "To Do", NewStatus: "In Progress"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCreate_UsesTemplate(t *testing.T) {
	f := newFixture(t, Options{Template: "# {task_id}\n\n## Notes\n\n(none)\n"})
	f.transition(t, "T9", "To Do", "In Progress")

	m, err := f.store.Read(context.Background(), "T9")
	require.NoError(t, err)
	require.Equal(t, "# T9\n\n## Notes\n\n(none)\n", m.Content)
}

func TestConcurrentTransitions_ManifestMatchesActive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("T%02d", i)
			events := []Event{{TaskID: id, OldStatus: "To Do", NewStatus: "In Progress"}}
			if i%3 == 0 {
				events = append(events, Event{TaskID: id, OldStatus: "In Progress", NewStatus: "Done"})
			}
			for _, ev := range events {
				for {
					_, err := f.machine.HandleTransition(ctx, ev)
					if errors.Is(err, errors.ErrBusy) {
						continue
					}
					if err != nil {
						t.Errorf("HandleTransition(%+v) error = %v", ev, err)
					}
					break
				}
			}
		}(i)
	}
	wg.Wait()

	active, err := f.store.ActiveIDs(ctx)
	require.NoError(t, err)
	listed := f.listed(t)
	sort.Strings(listed)
	require.Equal(t, active, listed)

	report, err := f.manifest.Verify(ctx, active)
	require.NoError(t, err)
	require.True(t, report.OK)
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"jsonl", `{"task_id":"T1","old_status":"To Do","new_status":"In Progress"}
{"task_id":"T2","old_status":"In Progress","new_status":"Done"}
`, 2},
		{"array", `  [{"task_id":"T1","old_status":"a","new_status":"b"}]`, 1},
		{"single", `{"task_id":"T1","old_status":"a","new_status":"b","content":"draft"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeEvents(strings.NewReader(tt.input))
			require.NoError(t, err)
			require.Len(t, events, tt.want)
			require.Equal(t, "T1", events[0].TaskID)
		})
	}
}

func TestDecodeEvents_Invalid(t *testing.T) {
	for name, input := range map[string]string{
		"empty":          "   \n",
		"garbage":        "not json",
		"missing id":     `{"old_status":"a","new_status":"b"}`,
		"unknown fields": `{"task_id":"T1","status":"done"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvents(strings.NewReader(input))
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}
