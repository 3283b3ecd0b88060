package ops

import (
	"context"
	"io"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
)

// Transition applies one task status change.
func Transition(ctx context.Context, env *Env, ev lifecycle.Event) (*lifecycle.Result, error) {
	return env.Machine.HandleTransition(ctx, ev)
}

// ErrorInfo is a structured error in batch output.
type ErrorInfo struct {
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	me := errors.Wrap(err)
	return &ErrorInfo{Code: me.Code, Message: me.Message, Retryable: me.Retryable()}
}

// BatchItem is the outcome of one event in a batch.
type BatchItem struct {
	TaskID string            `json:"task_id"`
	Result *lifecycle.Result `json:"result,omitempty"`
	Error  *ErrorInfo        `json:"error,omitempty"`
}

// BatchOutput contains the result of TransitionBatch.
type BatchOutput struct {
	Applied int         `json:"applied"`
	Noop    int         `json:"noop"`
	Failed  int         `json:"failed"`
	Items   []BatchItem `json:"items"`
}

// TransitionBatch decodes events from r and applies them in order. A failed
// event is reported and does not stop the batch; re-running the batch
// converges because handlers are idempotent.
func TransitionBatch(ctx context.Context, env *Env, r io.Reader) (*BatchOutput, error) {
	events, err := lifecycle.DecodeEvents(r)
	if err != nil {
		return nil, err
	}

	out := &BatchOutput{Items: make([]BatchItem, 0, len(events))}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		res, err := env.Machine.HandleTransition(ctx, ev)
		item := BatchItem{TaskID: ev.TaskID}
		switch {
		case err != nil:
			item.Error = errorInfo(err)
			out.Failed++
		case res.Outcome == lifecycle.OutcomeApplied:
			item.Result = res
			out.Applied++
		default:
			item.Result = res
			out.Noop++
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// Sweep deletes closed memories whose retention window has passed.
func Sweep(ctx context.Context, env *Env) (*lifecycle.SweepResult, error) {
	return env.Machine.Sweep(ctx)
}
