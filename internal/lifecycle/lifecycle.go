// Package lifecycle keeps task memories in step with task status changes.
//
// Handlers are state-driven: each looks at where the memory actually is and
// moves it (and its manifest membership) to where the new status says it
// should be. Replaying an event, or retrying one that failed half way,
// therefore converges on the same result.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/manifest"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// Status is a normalized task registry status.
type Status string

const (
	StatusToDo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusClosed     Status = "closed"
	StatusUnknown    Status = "unknown"
)

// ParseStatus maps a registry status string to a Status. Matching ignores
// case, surrounding space, and the separator between words.
func ParseStatus(s string) Status {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", " ", "_", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")

	switch norm {
	case "todo", "to do", "open", "backlog":
		return StatusToDo
	case "in progress", "doing", "wip", "started", "active":
		return StatusInProgress
	case "done", "complete", "completed", "finished":
		return StatusDone
	case "archived", "closed":
		return StatusClosed
	default:
		return StatusUnknown
	}
}

// Event is a status change reported by the task registry.
type Event struct {
	// ID identifies the event in logs and results. Assigned when empty.
	ID        string `json:"event_id,omitempty"`
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`

	// Content seeds a newly created memory. Empty uses the template.
	Content string `json:"content,omitempty"`
}

// Outcome says whether a transition changed anything.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
)

// Action names what a transition did or would have done.
const (
	ActionCreate  = "create"
	ActionArchive = "archive"
	ActionRestore = "restore"
	ActionClose   = "close"
	ActionDelete  = "delete"
	ActionNone    = "none"
)

// State values reported in results beyond the persisted memory states.
const (
	StateAbsent = "absent"
)

// Result reports the effect of one event.
type Result struct {
	EventID string  `json:"event_id"`
	TaskID  string  `json:"task_id"`
	Outcome Outcome `json:"outcome"`
	Action  string  `json:"action"`

	// State is where the memory ended up: active, archived, deleted or absent.
	State string `json:"state"`

	// Reason explains a no-op.
	Reason string `json:"reason,omitempty"`
}

// Handler is the single entry point for registry events.
type Handler interface {
	HandleTransition(ctx context.Context, ev Event) (*Result, error)
}

// Options configure a Machine.
type Options struct {
	// Retention is how long a closed memory stays archived. Ignored unless
	// RetentionEnabled is set.
	Retention        time.Duration
	RetentionEnabled bool

	// Template seeds new memories when the event carries no content.
	// "{task_id}" is substituted. Empty uses the built-in template.
	Template string

	// Quarantine moves a memory aside when a transition finds it corrupted,
	// so a retry of the event can converge.
	Quarantine bool

	Logger *slog.Logger
}

// Machine is the Lifecycle State Machine.
type Machine struct {
	store    *store.Store
	manifest *manifest.Manager
	opts     Options
	logger   *slog.Logger
}

var _ Handler = (*Machine)(nil)

// New returns a Machine over st and mf.
func New(st *store.Store, mf *manifest.Manager, opts Options) *Machine {
	return &Machine{
		store:    st,
		manifest: mf,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

// HandleTransition applies ev under the task's lock. BUSY when the lock
// cannot be acquired in time. The manifest is updated only after the store
// operation commits; if that update fails the error is returned and a retry
// of the same event completes it.
func (m *Machine) HandleTransition(ctx context.Context, ev Event) (*Result, error) {
	if err := memory.ValidateTaskID(ev.TaskID); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if ev.ID == "" {
		ev.ID = store.NewID(m.store.Now())
	}

	from, to := ParseStatus(ev.OldStatus), ParseStatus(ev.NewStatus)
	log := m.logger.With("event_id", ev.ID, "task_id", ev.TaskID, "from", ev.OldStatus, "to", ev.NewStatus)

	unlock, err := m.store.Lock(ctx, ev.TaskID)
	if err != nil {
		if errors.Is(err, errors.ErrBusy) {
			log.Warn("transition busy")
		}
		return nil, err
	}
	defer unlock()

	var res *Result
	switch {
	case from == StatusToDo && to == StatusInProgress:
		res, err = m.start(ctx, ev)
	case from == StatusInProgress && to == StatusDone:
		res, err = m.finish(ctx, ev)
	case from == StatusDone && to == StatusInProgress:
		res, err = m.reopen(ctx, ev)
	case from == StatusDone && to == StatusClosed:
		res, err = m.close(ctx, ev)
	default:
		res = m.noop(ev, ActionNone, "", fmt.Sprintf("transition %s -> %s is not modeled", from, to))
		err = nil
		if state, ok, sErr := m.store.Exists(ctx, ev.TaskID); sErr == nil {
			res.State = stateString(state, ok)
		}
	}
	if err != nil {
		if errors.Is(err, errors.ErrCorrupted) && m.opts.Quarantine {
			m.quarantineCorrupted(ctx, ev.TaskID, log)
		}
		log.Error("transition failed", "error", err)
		return nil, err
	}

	log.Info("transition", "outcome", res.Outcome, "action", res.Action, "state", res.State, "reason", res.Reason)
	return res, nil
}

// start: To Do -> In Progress.
func (m *Machine) start(ctx context.Context, ev Event) (*Result, error) {
	state, ok, err := m.store.Exists(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}

	if !ok {
		content := ev.Content
		if content == "" {
			content = m.template(ev.TaskID)
		}
		if _, err := m.store.Create(ctx, ev.TaskID, content); err != nil {
			return nil, err
		}
		if _, err := m.manifest.Activate(ctx, ev.TaskID); err != nil {
			return nil, err
		}
		return m.applied(ev, ActionCreate, memory.StateActive), nil
	}

	if state == memory.StateArchived {
		// Out of order: the memory already went through Done. Keep it archived
		// and make sure the manifest agrees.
		changed, err := m.manifest.Deactivate(ctx, ev.TaskID)
		if err != nil {
			return nil, err
		}
		if changed {
			return m.applied(ev, ActionCreate, state), nil
		}
		return m.noop(ev, ActionCreate, string(state), "memory is archived"), nil
	}

	changed, err := m.manifest.Activate(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if changed {
		return m.applied(ev, ActionCreate, state), nil
	}
	return m.noop(ev, ActionCreate, string(state), "memory already active"), nil
}

// finish: In Progress -> Done.
func (m *Machine) finish(ctx context.Context, ev Event) (*Result, error) {
	state, ok, err := m.store.Exists(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		changed, err := m.manifest.Deactivate(ctx, ev.TaskID)
		if err != nil {
			return nil, err
		}
		if changed {
			return m.applied(ev, ActionArchive, StateAbsent), nil
		}
		return m.noop(ev, ActionArchive, StateAbsent, "no memory to archive"), nil
	}

	storeChanged := false
	if state == memory.StateActive {
		if _, storeChanged, err = m.store.Archive(ctx, ev.TaskID); err != nil {
			return nil, err
		}
	}
	manifestChanged, err := m.manifest.Deactivate(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if storeChanged || manifestChanged {
		return m.applied(ev, ActionArchive, memory.StateArchived), nil
	}
	return m.noop(ev, ActionArchive, string(memory.StateArchived), "memory already archived"), nil
}

// reopen: Done -> In Progress (rollback).
func (m *Machine) reopen(ctx context.Context, ev Event) (*Result, error) {
	state, ok, err := m.store.Exists(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Nothing to restore; a stale manifest entry would point at nothing.
		changed, err := m.manifest.Deactivate(ctx, ev.TaskID)
		if err != nil {
			return nil, err
		}
		if changed {
			return m.applied(ev, ActionRestore, StateAbsent), nil
		}
		return m.noop(ev, ActionRestore, StateAbsent, "no memory to restore"), nil
	}

	storeChanged := false
	if state == memory.StateArchived {
		if _, storeChanged, err = m.store.Restore(ctx, ev.TaskID); err != nil {
			return nil, err
		}
	}
	manifestChanged, err := m.manifest.Activate(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if storeChanged || manifestChanged {
		return m.applied(ev, ActionRestore, memory.StateActive), nil
	}
	return m.noop(ev, ActionRestore, string(memory.StateActive), "memory already active"), nil
}

// close: Done -> Archived/closed. Deletes at once when the retention window
// has already passed; otherwise the memory waits for Sweep.
func (m *Machine) close(ctx context.Context, ev Event) (*Result, error) {
	state, ok, err := m.store.Exists(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		changed, err := m.manifest.Deactivate(ctx, ev.TaskID)
		if err != nil {
			return nil, err
		}
		if err := m.manifest.Forget(ctx, ev.TaskID); err != nil {
			return nil, err
		}
		if changed {
			return m.applied(ev, ActionClose, StateAbsent), nil
		}
		return m.noop(ev, ActionClose, StateAbsent, "no memory to close"), nil
	}

	changed := false
	if state == memory.StateActive {
		// The Done event was missed; archive first so the close has something to stamp.
		if _, changed, err = m.store.Archive(ctx, ev.TaskID); err != nil {
			return nil, err
		}
		if _, err := m.manifest.Deactivate(ctx, ev.TaskID); err != nil {
			return nil, err
		}
	}

	mem, closed, err := m.store.MarkClosed(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	changed = changed || closed

	if m.expired(mem) {
		if err := m.purge(ctx, ev.TaskID); err != nil {
			return nil, err
		}
		return m.applied(ev, ActionDelete, memory.StateDeleted), nil
	}
	if changed {
		return m.applied(ev, ActionClose, memory.StateArchived), nil
	}
	return m.noop(ev, ActionClose, string(memory.StateArchived), "memory already closed"), nil
}

// Quarantine moves taskID's corrupted files aside and takes the task out of
// the manifest unless an intact active memory remains. Caller holds the task
// lock.
func (m *Machine) Quarantine(ctx context.Context, taskID string) ([]string, error) {
	moved, err := m.store.Quarantine(ctx, taskID)
	if err != nil {
		return nil, err
	}

	state, ok, err := m.store.Exists(ctx, taskID)
	if err != nil {
		return moved, err
	}
	if !ok || state != memory.StateActive {
		if _, err := m.manifest.Deactivate(ctx, taskID); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// QuarantineIfEnabled quarantines taskID when err is CORRUPTED and the
// option is on, and returns err unchanged. Caller holds the task lock.
func (m *Machine) QuarantineIfEnabled(ctx context.Context, taskID string, err error) error {
	if err != nil && errors.Is(err, errors.ErrCorrupted) && m.opts.Quarantine {
		m.quarantineCorrupted(ctx, taskID, m.logger.With("task_id", taskID))
	}
	return err
}

func (m *Machine) quarantineCorrupted(ctx context.Context, taskID string, log *slog.Logger) {
	moved, err := m.Quarantine(ctx, taskID)
	switch {
	case err == nil:
		log.Warn("quarantined corrupted memory", "moved", moved)
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrConflict):
		// Already moved aside, or intact after all.
	default:
		log.Error("quarantine failed", "error", err)
	}
}

// expired reports whether a closed memory has outlived the retention window.
func (m *Machine) expired(mem *memory.TaskMemory) bool {
	if !m.opts.RetentionEnabled || mem.ClosedAt == nil || mem.ArchivedAt == nil {
		return false
	}
	return !mem.ArchivedAt.Add(m.opts.Retention).After(m.store.Now())
}

// purge deletes the memory and then its manifest history. Caller holds the task lock.
func (m *Machine) purge(ctx context.Context, taskID string) error {
	if err := m.store.Delete(ctx, taskID); err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return m.manifest.Forget(ctx, taskID)
}

func (m *Machine) template(taskID string) string {
	if m.opts.Template == "" {
		return memory.DefaultTemplate(taskID)
	}
	return strings.ReplaceAll(m.opts.Template, "{task_id}", taskID)
}

func (m *Machine) applied(ev Event, action string, state memory.State) *Result {
	return &Result{EventID: ev.ID, TaskID: ev.TaskID, Outcome: OutcomeApplied, Action: action, State: string(state)}
}

func (m *Machine) noop(ev Event, action, state, reason string) *Result {
	return &Result{EventID: ev.ID, TaskID: ev.TaskID, Outcome: OutcomeNoop, Action: action, State: state, Reason: reason}
}

func stateString(state memory.State, ok bool) string {
	if !ok {
		return StateAbsent
	}
	return string(state)
}
