package ops

import (
	"context"
	"strings"
	"testing"

	"github.com/hpungsan/taskmem/internal/config"
	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
)

func TestTransitionBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events := strings.Join([]string{
		`{"task_id":"T1","old_status":"To Do","new_status":"In Progress"}`,
		`{"task_id":"T2","old_status":"todo","new_status":"doing"}`,
		`{"task_id":"T1","old_status":"In Progress","new_status":"Done"}`,
		`{"task_id":"T1","old_status":"In Progress","new_status":"Done"}`,
		`{"task_id":"bad/id","old_status":"To Do","new_status":"In Progress"}`,
	}, "\n")

	out, err := TransitionBatch(ctx, env, strings.NewReader(events))
	if err != nil {
		t.Fatalf("TransitionBatch() error = %v", err)
	}
	if out.Applied != 3 || out.Noop != 1 || out.Failed != 1 || len(out.Items) != 5 {
		t.Fatalf("TransitionBatch() = %+v", out)
	}
	if out.Items[4].Error == nil || out.Items[4].Error.Code != errors.ErrInvalidRequest {
		t.Errorf("item 4 = %+v", out.Items[4])
	}
	if out.Items[3].Result.Outcome != lifecycle.OutcomeNoop {
		t.Errorf("replayed event = %+v", out.Items[3].Result)
	}

	lines, err := env.Manifest.Render(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(lines, ",") != "@.taskmem/active/T2.md" {
		t.Errorf("manifest = %v", lines)
	}

	// Replaying the whole batch changes nothing.
	out, err = TransitionBatch(ctx, env, strings.NewReader(events))
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied != 0 || out.Noop != 4 || out.Failed != 1 {
		t.Errorf("replay = %+v", out)
	}
}

func TestTransitionBatch_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := TransitionBatch(context.Background(), env, strings.NewReader("")); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("empty batch error = %v, want INVALID_REQUEST", err)
	}
}

func TestSweepOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start(t, env, "T1")
	move(t, env, "T1", "In Progress", "Done")
	move(t, env, "T1", "Done", "Closed")

	res, err := Sweep(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Disabled {
		t.Errorf("Sweep() = %+v, want disabled without retention", res)
	}

	withRetention := newTestEnv(t, func(c *config.Config) { c.Retention = "1ns" })
	start(t, withRetention, "T1")
	move(t, withRetention, "T1", "In Progress", "Done")
	res2 := move(t, withRetention, "T1", "Done", "Closed")
	if res2.Action != lifecycle.ActionDelete {
		t.Errorf("close past retention = %+v, want delete", res2)
	}
}
