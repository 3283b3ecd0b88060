package report

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/hpungsan/taskmem/internal/store"
)

func TestCollect(t *testing.T) {
	obs := NewLogger(nil)
	st, err := store.Open(t.TempDir(), store.Options{SizeWarningBytes: 10, Observer: obs})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := st.Create(ctx, "T1", "tiny"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, "T2", "this memory is too large"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, "T3", "one two"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Archive(ctx, "T3"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.MarkClosed(ctx, "T3"); err != nil {
		t.Fatal(err)
	}

	stats, err := Collect(ctx, st)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if stats.TotalMemories != 3 || stats.Active != 2 || stats.Archived != 1 || stats.Closed != 1 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.TotalSizeBytes != 4+24+7 {
		t.Errorf("TotalSizeBytes = %d, want 35", stats.TotalSizeBytes)
	}
	if stats.Threshold != 10 {
		t.Errorf("Threshold = %d", stats.Threshold)
	}
	if len(stats.Warnings) != 1 || stats.Warnings[0] != (Warning{TaskID: "T2", SizeBytes: 24, Threshold: 10}) {
		t.Errorf("Warnings = %+v", stats.Warnings)
	}
	if len(stats.Corrupted) != 0 {
		t.Errorf("Corrupted = %+v", stats.Corrupted)
	}
	if obs.Count() != 1 {
		t.Errorf("observer count = %d, want 1", obs.Count())
	}
}

func TestCollect_Corrupted(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := st.Create(ctx, "T1", "draft"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, "T2", "fine"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(st.ActivePath("T1"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	stats, err := Collect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMemories != 1 || stats.TotalSizeBytes != 4 {
		t.Errorf("totals = %+v", stats)
	}
	if len(stats.Corrupted) != 1 || stats.Corrupted[0].TaskID != "T1" {
		t.Errorf("Corrupted = %+v", stats.Corrupted)
	}
}

func TestCollect_Empty(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := Collect(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMemories != 0 || stats.Warnings == nil || stats.Corrupted == nil {
		t.Errorf("empty stats = %+v", stats)
	}
}

func TestLogger_SizeExceeded(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	obs.SizeExceeded("T1", 30000, 25600)
	obs.SizeExceeded("T1", 31000, 25600)

	if obs.Count() != 2 {
		t.Errorf("Count() = %d, want 2", obs.Count())
	}
	out := buf.String()
	if !strings.Contains(out, "code=SIZE_WARNING") || !strings.Contains(out, "task_id=T1") {
		t.Errorf("log output = %q", out)
	}
}
