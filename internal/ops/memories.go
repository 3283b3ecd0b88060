package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/report"
	"github.com/hpungsan/taskmem/internal/store"
)

// Stats returns store-wide size and count totals.
func Stats(ctx context.Context, env *Env) (*report.Stats, error) {
	st, err := report.Collect(ctx, env.Store)
	if err != nil {
		return nil, err
	}
	st.WarningsReported = env.Sizes.Count()
	return st, nil
}

// ListInput contains parameters for the List operation.
type ListInput struct {
	State  string // optional: active | archived
	Match  string // optional glob over task ids
	Limit  int    // default: 50, max: 500
	Offset int
}

// ListOutput contains the result of the List operation.
type ListOutput struct {
	Items      []memory.Summary     `json:"items"`
	Corrupted  []store.CorruptEntry `json:"corrupted"`
	Pagination Pagination           `json:"pagination"`
	Sort       string               `json:"sort"`
}

// List returns memory summaries, most recently updated first. Files that fail
// their integrity check are reported, never dropped.
func List(ctx context.Context, env *Env, input ListInput) (*ListOutput, error) {
	mems, corrupt, err := env.Store.List(ctx, store.Filter{
		State: memory.State(strings.TrimSpace(input.State)),
		Match: strings.TrimSpace(input.Match),
	})
	if err != nil {
		return nil, err
	}

	start, end, page := paginate(len(mems), input.Limit, input.Offset)
	items := make([]memory.Summary, 0, end-start)
	for _, m := range mems[start:end] {
		items = append(items, m.ToSummary())
	}
	if corrupt == nil {
		corrupt = []store.CorruptEntry{}
	}
	return &ListOutput{
		Items:      items,
		Corrupted:  corrupt,
		Pagination: page,
		Sort:       "updated_at_desc",
	}, nil
}

// ShowOutput is a memory with its content.
type ShowOutput struct {
	memory.Summary
	Content     string   `json:"content"`
	Sections    []string `json:"sections"`
	HasSnapshot bool     `json:"has_snapshot"`
}

// Show reads one memory.
func Show(ctx context.Context, env *Env, taskID string) (*ShowOutput, error) {
	taskID, err := requireTaskID(taskID)
	if err != nil {
		return nil, err
	}
	m, err := env.Store.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, hasSnapshot, err := env.Store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sections := memory.SectionNames(memory.ParseSections(m.Content))
	if sections == nil {
		sections = []string{}
	}
	return &ShowOutput{
		Summary:     m.ToSummary(),
		Content:     m.Content,
		Sections:    sections,
		HasSnapshot: hasSnapshot,
	}, nil
}

// AppendInput contains parameters for the Append operation.
type AppendInput struct {
	TaskID  string // required
	Content string // required

	// Section targets a named section; empty appends to the end.
	Section string
}

// AppendOutput contains the result of the Append operation.
type AppendOutput struct {
	TaskID        string `json:"task_id"`
	Section       string `json:"section,omitempty"`
	Replaced      bool   `json:"replaced,omitempty"`
	SizeBytes     int    `json:"size_bytes"`
	TokenEstimate int    `json:"token_estimate"`
	SizeWarning   bool   `json:"size_warning,omitempty"`
}

// Append adds content to an active memory under the task lock. When Section
// is set the content goes into that section, replacing a placeholder body.
func Append(ctx context.Context, env *Env, input AppendInput) (*AppendOutput, error) {
	taskID, err := requireTaskID(input.TaskID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, errors.NewInvalidRequest("content is required")
	}

	unlock, err := env.Store.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := &AppendOutput{TaskID: taskID}
	var m *memory.TaskMemory
	if strings.TrimSpace(input.Section) == "" {
		m, err = env.Store.Append(ctx, taskID, input.Content)
	} else {
		var sec *memory.Section
		m, sec, err = env.Store.AppendSection(ctx, taskID, input.Section, input.Content)
		if sec != nil {
			out.Section = sec.HeaderName
			out.Replaced = sec.IsPlaceholder
		}
	}
	if err != nil {
		return nil, env.Machine.QuarantineIfEnabled(ctx, taskID, err)
	}

	out.SizeBytes = m.SizeBytes
	out.TokenEstimate = m.TokenEstimate
	out.SizeWarning = m.SizeWarning
	return out, nil
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	TaskID string `json:"task_id"`
	Purged bool   `json:"purged"`
}

// Purge irreversibly deletes a memory in any state and drops it from the
// manifest, including its remembered position.
func Purge(ctx context.Context, env *Env, taskID string) (*PurgeOutput, error) {
	taskID, err := requireTaskID(taskID)
	if err != nil {
		return nil, err
	}

	unlock, err := env.Store.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := env.Store.Delete(ctx, taskID); err != nil {
		return nil, err
	}
	if err := env.Manifest.Forget(ctx, taskID); err != nil {
		return nil, err
	}
	env.Logger.Info("purged task memory", "task_id", taskID)
	return &PurgeOutput{TaskID: taskID, Purged: true}, nil
}

// QuarantineOutput contains the result of the Quarantine operation.
type QuarantineOutput struct {
	TaskID string   `json:"task_id"`
	Moved  []string `json:"moved"`
}

// Quarantine moves a task's corrupted files aside and takes it out of the
// manifest, since it no longer has a readable active memory.
func Quarantine(ctx context.Context, env *Env, taskID string) (*QuarantineOutput, error) {
	taskID, err := requireTaskID(taskID)
	if err != nil {
		return nil, err
	}

	unlock, err := env.Store.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	moved, err := env.Machine.Quarantine(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &QuarantineOutput{TaskID: taskID, Moved: moved}, nil
}
