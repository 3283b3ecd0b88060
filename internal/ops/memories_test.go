package ops

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/hpungsan/taskmem/internal/config"
	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
	"github.com/hpungsan/taskmem/internal/memory"
)

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"auth-1", "auth-2", "ui-1"} {
		start(t, env, id)
	}
	move(t, env, "auth-1", "In Progress", "Done")

	out, err := List(ctx, env, ListInput{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pagination.Total != 3 || len(out.Items) != 3 || out.Sort != "updated_at_desc" {
		t.Fatalf("List() = %+v", out)
	}
	if out.Items[0].TaskID != "auth-1" || out.Items[0].State != memory.StateArchived {
		t.Errorf("first item = %+v, want archived auth-1", out.Items[0])
	}

	out, err = List(ctx, env, ListInput{State: "active", Match: "auth-*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 1 || out.Items[0].TaskID != "auth-2" {
		t.Errorf("filtered List() = %+v", out.Items)
	}

	out, err = List(ctx, env, ListInput{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 1 || out.Pagination.HasMore {
		t.Errorf("paged List() = %+v", out)
	}

	if _, err := List(ctx, env, ListInput{State: "deleted"}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("List(state=deleted) error = %v, want INVALID_REQUEST", err)
	}
}

func TestShow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start(t, env, "T1")

	out, err := Show(ctx, env, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID != "T1" || out.Content != memory.DefaultTemplate("T1") || out.HasSnapshot {
		t.Errorf("Show() = %+v", out)
	}
	if strings.Join(out.Sections, ",") != "Task T1,Summary,Decisions,Open questions,Next steps" {
		t.Errorf("Sections = %v", out.Sections)
	}

	move(t, env, "T1", "In Progress", "Done")
	out, err = Show(ctx, env, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasSnapshot || out.State != memory.StateArchived {
		t.Errorf("archived Show() = %+v", out)
	}

	if _, err := Show(ctx, env, "missing"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Show(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestAppend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start(t, env, "T1")

	out, err := Append(ctx, env, AppendInput{TaskID: "T1", Section: "decisions", Content: "- use flock"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Section != "Decisions" || !out.Replaced {
		t.Errorf("Append(section) = %+v", out)
	}

	out, err = Append(ctx, env, AppendInput{TaskID: "T1", Content: "trailing note"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Section != "" {
		t.Errorf("Append() = %+v", out)
	}

	m, err := env.Store.Read(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.Content, "## Decisions\n- use flock\n\n## Open questions") || !strings.HasSuffix(m.Content, "\n\ntrailing note\n") {
		t.Errorf("content = %q", m.Content)
	}
	if out.SizeBytes != m.SizeBytes {
		t.Errorf("SizeBytes = %d, want %d", out.SizeBytes, m.SizeBytes)
	}

	if _, err := Append(ctx, env, AppendInput{TaskID: "T1", Section: "nope", Content: "x"}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("unknown section error = %v, want INVALID_REQUEST", err)
	}
	if _, err := Append(ctx, env, AppendInput{TaskID: "T1", Content: "  "}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("empty content error = %v, want INVALID_REQUEST", err)
	}

	move(t, env, "T1", "In Progress", "Done")
	if _, err := Append(ctx, env, AppendInput{TaskID: "T1", Content: "late"}); !errors.Is(err, errors.ErrConflict) {
		t.Errorf("append to archived error = %v, want CONFLICT", err)
	}
}

func TestAppend_SizeWarning(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.SizeWarningBytes = 200 })
	ctx := context.Background()
	start(t, env, "T1")

	out, err := Append(ctx, env, AppendInput{TaskID: "T1", Content: strings.Repeat("x", 200)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.SizeWarning {
		t.Error("expected size warning")
	}
	if env.Sizes.Count() == 0 {
		t.Error("observer was not notified")
	}

	stats, err := Stats(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Warnings) != 1 || stats.Warnings[0].TaskID != "T1" || stats.Warnings[0].Threshold != 200 {
		t.Errorf("Warnings = %+v", stats.Warnings)
	}
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start(t, env, "T1")
	start(t, env, "T2")

	out, err := Purge(ctx, env, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Purged {
		t.Errorf("Purge() = %+v", out)
	}
	if _, err := env.Store.Read(ctx, "T1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Read after purge error = %v", err)
	}
	mf, err := env.Manifest.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(mf.TaskIDs(), ",") != "T2" {
		t.Errorf("manifest = %v", mf.TaskIDs())
	}
	if _, ok := mf.Retired["T1"]; ok {
		t.Error("purged task should not keep a retired seq")
	}

	if _, err := Purge(ctx, env, "T1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second Purge() error = %v, want NOT_FOUND", err)
	}
}

func TestQuarantine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start(t, env, "T1")

	if _, err := Quarantine(ctx, env, "T1"); !errors.Is(err, errors.ErrConflict) {
		t.Fatalf("Quarantine(intact) error = %v, want CONFLICT", err)
	}

	if err := os.WriteFile(env.Store.ActivePath("T1"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := Quarantine(ctx, env, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Moved) != 1 {
		t.Errorf("Moved = %v", out.Moved)
	}

	rep, err := ManifestVerify(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK {
		t.Errorf("manifest out of sync after quarantine: %+v", rep)
	}
}

func TestQuarantineCorrupted_OnlyUnderLock(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.QuarantineCorrupted = true })
	ctx := context.Background()
	start(t, env, "T1")
	start(t, env, "T2")
	if err := os.WriteFile(env.Store.ActivePath("T1"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Lock-free reads only report.
	if _, err := Show(ctx, env, "T1"); !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("Show() error = %v, want CORRUPTED", err)
	}
	if _, err := os.Stat(env.Store.ActivePath("T1")); err != nil {
		t.Fatalf("Show() moved the corrupted file: %v", err)
	}

	if _, err := Append(ctx, env, AppendInput{TaskID: "T1", Content: "more"}); !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("Append() error = %v, want CORRUPTED", err)
	}
	if _, err := os.Stat(env.Store.ActivePath("T1")); !os.IsNotExist(err) {
		t.Errorf("Append() left the corrupted file in place: %v", err)
	}

	rep, err := ManifestVerify(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK {
		t.Errorf("manifest out of sync after quarantine: %+v", rep)
	}
	if res := move(t, env, "T1", "In Progress", "Done"); res.Outcome != lifecycle.OutcomeNoop {
		t.Errorf("retry after quarantine = %+v, want noop", res)
	}
}

func TestStats_CountsReportedWarnings(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.SizeWarningBytes = 64 })
	ctx := context.Background()
	start(t, env, "T1")
	before, err := Stats(ctx, env)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Append(ctx, env, AppendInput{TaskID: "T1", Content: strings.Repeat("x", 200)}); err != nil {
		t.Fatal(err)
	}
	st, err := Stats(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if st.WarningsReported != before.WarningsReported+1 {
		t.Errorf("WarningsReported = %d, want %d", st.WarningsReported, before.WarningsReported+1)
	}
	if len(st.Warnings) != 1 || st.Warnings[0].TaskID != "T1" {
		t.Errorf("Warnings = %+v", st.Warnings)
	}
}
