// Package report summarizes the memory store for humans and dashboards.
package report

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// Lister is the read side of the store.
type Lister interface {
	List(ctx context.Context, filter store.Filter) ([]*memory.TaskMemory, []store.CorruptEntry, error)
	Threshold() int
}

// Warning is a memory above the size threshold.
type Warning struct {
	TaskID    string `json:"task_id"`
	SizeBytes int    `json:"size_bytes"`
	Threshold int    `json:"threshold"`
}

// Stats is a point-in-time view of the store.
type Stats struct {
	TotalMemories      int                  `json:"total_memories"`
	Active             int                  `json:"active"`
	Archived           int                  `json:"archived"`
	Closed             int                  `json:"closed"`
	TotalSizeBytes     int                  `json:"total_size_bytes"`
	TotalTokenEstimate int                  `json:"total_token_estimate"`
	Threshold          int                  `json:"threshold"`
	Warnings           []Warning            `json:"warnings"`
	Corrupted          []store.CorruptEntry `json:"corrupted"`

	// WarningsReported counts size warnings raised by writes since the
	// process started.
	WarningsReported int64 `json:"warnings_reported"`
}

// Collect computes Stats. Corrupted files are counted separately and never
// contribute to the totals.
func Collect(ctx context.Context, src Lister) (*Stats, error) {
	mems, corrupt, err := src.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Threshold: src.Threshold(),
		Warnings:  []Warning{},
		Corrupted: corrupt,
	}
	if st.Corrupted == nil {
		st.Corrupted = []store.CorruptEntry{}
	}

	for _, m := range mems {
		st.TotalMemories++
		switch m.State {
		case memory.StateActive:
			st.Active++
		case memory.StateArchived:
			st.Archived++
			if m.ClosedAt != nil {
				st.Closed++
			}
		}
		st.TotalSizeBytes += m.SizeBytes
		st.TotalTokenEstimate += m.TokenEstimate
		if m.SizeWarning {
			st.Warnings = append(st.Warnings, Warning{TaskID: m.TaskID, SizeBytes: m.SizeBytes, Threshold: st.Threshold})
		}
	}

	sort.Slice(st.Warnings, func(i, j int) bool {
		if st.Warnings[i].SizeBytes != st.Warnings[j].SizeBytes {
			return st.Warnings[i].SizeBytes > st.Warnings[j].SizeBytes
		}
		return st.Warnings[i].TaskID < st.Warnings[j].TaskID
	})
	return st, nil
}

// Logger is a store.Observer that reports size warnings through slog and
// counts them.
type Logger struct {
	logger *slog.Logger
	count  atomic.Int64
}

var _ store.Observer = (*Logger)(nil)

// NewLogger returns a Logger writing to l.
func NewLogger(l *slog.Logger) *Logger {
	return &Logger{logger: logging.OrDiscard(l)}
}

// SizeExceeded implements store.Observer.
func (o *Logger) SizeExceeded(taskID string, size, threshold int) {
	o.count.Add(1)

	w := errors.NewSizeWarning(taskID, size, threshold)
	o.logger.Warn(w.Message, "code", w.Code, "task_id", taskID, "size_bytes", size, "threshold", threshold)
}

// Count returns how many warnings have been reported.
func (o *Logger) Count() int64 {
	return o.count.Load()
}
