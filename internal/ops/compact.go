package ops

import (
	"context"

	"github.com/hpungsan/taskmem/internal/compact"
	"github.com/hpungsan/taskmem/internal/errors"
)

// CompactOutput contains the result of the Compact operation.
type CompactOutput struct {
	TaskID       string `json:"task_id"`
	BeforeBytes  int    `json:"before_bytes"`
	AfterBytes   int    `json:"after_bytes"`
	BeforeTokens int    `json:"before_tokens"`
	AfterTokens  int    `json:"after_tokens"`
	SizeWarning  bool   `json:"size_warning,omitempty"`
}

// Compact rewrites a memory's content in compacted form under the task lock.
// Returns NOTHING_TO_COMPACT, and leaves the file untouched, when the content
// is already minimal.
func Compact(ctx context.Context, env *Env, taskID string) (*CompactOutput, error) {
	taskID, err := requireTaskID(taskID)
	if err != nil {
		return nil, err
	}

	unlock, err := env.Store.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := env.Store.Read(ctx, taskID)
	if err != nil {
		return nil, env.Machine.QuarantineIfEnabled(ctx, taskID, err)
	}

	out, err := compact.Compact(m.Content)
	if err != nil {
		if errors.Is(err, errors.ErrNothingToCompact) {
			return nil, errors.NewNothingToCompact(taskID)
		}
		return nil, err
	}

	before := m.Clone()
	m, err = env.Store.Replace(ctx, taskID, out)
	if err != nil {
		return nil, err
	}
	env.Logger.Info("compacted task memory", "task_id", taskID, "before_bytes", before.SizeBytes, "after_bytes", m.SizeBytes)

	return &CompactOutput{
		TaskID:       taskID,
		BeforeBytes:  before.SizeBytes,
		AfterBytes:   m.SizeBytes,
		BeforeTokens: before.TokenEstimate,
		AfterTokens:  m.TokenEstimate,
		SizeWarning:  m.SizeWarning,
	}, nil
}
