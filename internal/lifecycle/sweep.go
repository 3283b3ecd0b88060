package lifecycle

import (
	"context"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// SweepResult lists what a retention sweep did.
type SweepResult struct {
	// Disabled is set when no retention window is configured.
	Disabled bool `json:"disabled,omitempty"`

	Deleted []string `json:"deleted"`

	// Busy are expired memories skipped because their lock was held.
	Busy []string `json:"busy,omitempty"`

	// Corrupted are files the sweep could not read.
	Corrupted []store.CorruptEntry `json:"corrupted,omitempty"`
}

// Sweep deletes closed memories whose retention window has passed. Busy
// memories are skipped and picked up by a later sweep.
func (m *Machine) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{Deleted: []string{}}
	if !m.opts.RetentionEnabled {
		res.Disabled = true
		return res, nil
	}

	mems, corrupt, err := m.store.List(ctx, store.Filter{State: memory.StateArchived})
	if err != nil {
		return nil, err
	}
	res.Corrupted = corrupt

	for _, mem := range mems {
		if !m.expired(mem) {
			continue
		}
		deleted, err := m.sweepOne(ctx, mem.TaskID)
		if err != nil {
			if errors.Is(err, errors.ErrBusy) {
				res.Busy = append(res.Busy, mem.TaskID)
				continue
			}
			return nil, err
		}
		if deleted {
			res.Deleted = append(res.Deleted, mem.TaskID)
		}
	}

	if len(res.Deleted) > 0 || len(res.Busy) > 0 {
		m.logger.Info("retention sweep", "deleted", len(res.Deleted), "busy", len(res.Busy))
	}
	return res, nil
}

// sweepOne re-checks expiry under the lock, since the memory may have been
// restored since it was listed.
func (m *Machine) sweepOne(ctx context.Context, taskID string) (bool, error) {
	unlock, err := m.store.Lock(ctx, taskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	mem, err := m.store.Read(ctx, taskID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if mem.State != memory.StateArchived || !m.expired(mem) {
		return false, nil
	}
	if err := m.purge(ctx, taskID); err != nil {
		return false, err
	}
	return true, nil
}
