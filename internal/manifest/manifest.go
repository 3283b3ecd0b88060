// Package manifest maintains the import manifest: the ordered list of active
// task memories the assistant loads into its context.
package manifest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/fsutil"
	"github.com/hpungsan/taskmem/internal/lock"
	"github.com/hpungsan/taskmem/internal/logging"
)

const (
	// Version is the manifest file format version.
	Version = 1

	// FileName is the manifest's name under the base directory.
	FileName = "manifest.json"

	// Markers delimit the managed block inside the aggregated context file.
	BeginMarker = "<!-- taskmem:begin -->"
	EndMarker   = "<!-- taskmem:end -->"

	// lockName cannot collide with a task id, which must start with a letter or digit.
	lockName = "_manifest"
)

// Entry is one active memory in activation order.
type Entry struct {
	TaskID string `json:"task_id"`
	Seq    int64  `json:"seq"`
	// Path is relative to the repository root, slash-separated.
	Path string `json:"path"`
}

// Manifest is the on-disk document.
type Manifest struct {
	Version int     `json:"version"`
	NextSeq int64   `json:"next_seq"`
	Entries []Entry `json:"entries"`

	// Retired remembers the seq of deactivated tasks so a re-activation
	// returns to its original relative position.
	Retired map[string]int64 `json:"retired,omitempty"`
}

func newManifest() *Manifest {
	return &Manifest{Version: Version, NextSeq: 1, Entries: []Entry{}}
}

func (mf *Manifest) index(taskID string) int {
	return slices.IndexFunc(mf.Entries, func(e Entry) bool { return e.TaskID == taskID })
}

// Contains reports whether taskID is listed.
func (mf *Manifest) Contains(taskID string) bool {
	return mf.index(taskID) >= 0
}

// TaskIDs returns the listed ids in order.
func (mf *Manifest) TaskIDs() []string {
	ids := make([]string, len(mf.Entries))
	for i, e := range mf.Entries {
		ids[i] = e.TaskID
	}
	return ids
}

func (mf *Manifest) sortEntries() {
	sort.SliceStable(mf.Entries, func(i, j int) bool {
		return mf.Entries[i].Seq < mf.Entries[j].Seq
	})
}

// Options configure a Manager.
type Options struct {
	// ContextFile, when set, receives a managed block of import directives
	// after every change. Relative paths resolve against the repository root.
	ContextFile string

	Logger *slog.Logger
}

// Manager serializes manifest writers within the process (mutex) and across
// processes (file lock). Each mutation rewrites the file atomically.
type Manager struct {
	base        string
	root        string
	contextFile string
	locker      *lock.Locker
	logger      *slog.Logger

	mu sync.Mutex
}

// New returns a Manager for the manifest under base. The repository root is
// base's parent; entry paths and directives are relative to it.
func New(base string, locker *lock.Locker, opts Options) *Manager {
	root := filepath.Dir(base)
	contextFile := opts.ContextFile
	if contextFile != "" && !filepath.IsAbs(contextFile) {
		contextFile = filepath.Join(root, contextFile)
	}
	return &Manager{
		base:        base,
		root:        root,
		contextFile: contextFile,
		locker:      locker,
		logger:      logging.OrDiscard(opts.Logger),
	}
}

// Path returns the manifest file path.
func (m *Manager) Path() string {
	return filepath.Join(m.base, FileName)
}

// ContextFile returns the resolved aggregated context file, or "".
func (m *Manager) ContextFile() string {
	return m.contextFile
}

// EntryPath returns the manifest path recorded for taskID's active memory.
func (m *Manager) EntryPath(taskID string) string {
	abs := filepath.Join(m.base, "active", taskID+".md")
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Load reads the manifest. A missing file is an empty manifest.
func (m *Manager) Load(ctx context.Context) (*Manifest, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return newManifest(), nil
		}
		return nil, errors.NewIOFailure("read manifest", err)
	}

	mf := &Manifest{}
	if err := json.Unmarshal(data, mf); err != nil {
		return nil, errors.NewCorrupted(m.Path(), err)
	}
	if mf.Version != Version {
		return nil, errors.NewCorrupted(m.Path(), fmt.Errorf("unsupported version %d", mf.Version))
	}
	seen := make(map[string]bool, len(mf.Entries))
	for _, e := range mf.Entries {
		if e.TaskID == "" || seen[e.TaskID] {
			return nil, errors.NewCorrupted(m.Path(), fmt.Errorf("duplicate or empty task_id %q", e.TaskID))
		}
		seen[e.TaskID] = true
		if e.Seq >= mf.NextSeq {
			mf.NextSeq = e.Seq + 1
		}
	}
	if mf.Entries == nil {
		mf.Entries = []Entry{}
	}
	mf.sortEntries()
	return mf, nil
}

// Activate lists taskID. A returning task takes back its retired position.
// Already listed is a no-op (changed=false).
func (m *Manager) Activate(ctx context.Context, taskID string) (bool, error) {
	return m.mutate(ctx, func(mf *Manifest) bool {
		if mf.Contains(taskID) {
			return false
		}
		seq, ok := mf.Retired[taskID]
		if ok {
			delete(mf.Retired, taskID)
		} else {
			seq = mf.NextSeq
			mf.NextSeq++
		}
		mf.Entries = append(mf.Entries, Entry{TaskID: taskID, Seq: seq, Path: m.EntryPath(taskID)})
		mf.sortEntries()
		return true
	})
}

// Deactivate unlists taskID, remembering its position. Absent is a no-op.
func (m *Manager) Deactivate(ctx context.Context, taskID string) (bool, error) {
	return m.mutate(ctx, func(mf *Manifest) bool {
		i := mf.index(taskID)
		if i < 0 {
			return false
		}
		if mf.Retired == nil {
			mf.Retired = make(map[string]int64)
		}
		mf.Retired[taskID] = mf.Entries[i].Seq
		mf.Entries = slices.Delete(mf.Entries, i, i+1)
		return true
	})
}

// Forget drops every trace of taskID, including its retired position.
func (m *Manager) Forget(ctx context.Context, taskID string) error {
	_, err := m.mutate(ctx, func(mf *Manifest) bool {
		changed := false
		if i := mf.index(taskID); i >= 0 {
			mf.Entries = slices.Delete(mf.Entries, i, i+1)
			changed = true
		}
		if _, ok := mf.Retired[taskID]; ok {
			delete(mf.Retired, taskID)
			changed = true
		}
		return changed
	})
	return err
}

// Render returns the import directives in activation order, relative to the
// repository root.
func (m *Manager) Render(ctx context.Context) ([]string, error) {
	mf, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return m.directives(mf, m.root), nil
}

func (m *Manager) directives(mf *Manifest, relTo string) []string {
	lines := make([]string, 0, len(mf.Entries))
	for _, e := range mf.Entries {
		p := e.Path
		if relTo != m.root {
			if rel, err := filepath.Rel(relTo, filepath.Join(m.root, filepath.FromSlash(e.Path))); err == nil {
				p = filepath.ToSlash(rel)
			}
		}
		lines = append(lines, "@"+p)
	}
	return lines
}

// Report describes differences between the manifest and the active memories.
type Report struct {
	OK bool `json:"ok"`

	// Missing are active memories the manifest does not list.
	Missing []string `json:"missing,omitempty"`

	// Stale are listed ids with no active memory.
	Stale []string `json:"stale,omitempty"`

	// Corrupted is set when the manifest file could not be parsed.
	Corrupted string `json:"corrupted,omitempty"`

	// Repaired is set by Repair when it rewrote the manifest.
	Repaired bool `json:"repaired,omitempty"`
}

// Verify compares the manifest against activeIDs without changing anything.
func (m *Manager) Verify(ctx context.Context, activeIDs []string) (*Report, error) {
	mf, err := m.Load(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrCorrupted) {
			return &Report{Corrupted: err.Error(), Missing: sortedCopy(activeIDs)}, nil
		}
		return nil, err
	}
	return diff(mf, activeIDs), nil
}

// Repair rewrites the manifest so it lists exactly activeIDs. Listed ids keep
// their order; missing ids are appended in sorted order. A corrupted manifest
// is rebuilt from scratch.
func (m *Manager) Repair(ctx context.Context, activeIDs []string) (*Report, error) {
	var report *Report
	err := m.withLock(ctx, func() error {
		mf, err := m.Load(ctx)
		corrupted := ""
		if err != nil {
			if !errors.Is(err, errors.ErrCorrupted) {
				return err
			}
			corrupted = err.Error()
			m.logger.Warn("rebuilding corrupted manifest", "path", m.Path(), "error", err)
			mf = newManifest()
		}

		report = diff(mf, activeIDs)
		report.Corrupted = corrupted
		if corrupted != "" {
			report.Missing = sortedCopy(activeIDs)
			report.OK = false
		}
		if report.OK {
			return nil
		}

		for _, id := range report.Stale {
			i := mf.index(id)
			if mf.Retired == nil {
				mf.Retired = make(map[string]int64)
			}
			mf.Retired[id] = mf.Entries[i].Seq
			mf.Entries = slices.Delete(mf.Entries, i, i+1)
		}
		for _, id := range report.Missing {
			if mf.Contains(id) {
				continue
			}
			seq, ok := mf.Retired[id]
			if ok {
				delete(mf.Retired, id)
			} else {
				seq = mf.NextSeq
				mf.NextSeq++
			}
			mf.Entries = append(mf.Entries, Entry{TaskID: id, Seq: seq, Path: m.EntryPath(id)})
		}
		for i := range mf.Entries {
			mf.Entries[i].Path = m.EntryPath(mf.Entries[i].TaskID)
		}
		mf.sortEntries()

		if err := m.save(mf); err != nil {
			return err
		}
		report.Repaired = true
		return m.writeContextBlock(mf)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// SyncContextFile regenerates the managed block from the current manifest.
func (m *Manager) SyncContextFile(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		mf, err := m.Load(ctx)
		if err != nil {
			return err
		}
		return m.writeContextBlock(mf)
	})
}

func diff(mf *Manifest, activeIDs []string) *Report {
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}
	r := &Report{}
	for _, e := range mf.Entries {
		if !active[e.TaskID] {
			r.Stale = append(r.Stale, e.TaskID)
		}
	}
	for _, id := range sortedCopy(activeIDs) {
		if !mf.Contains(id) {
			r.Missing = append(r.Missing, id)
		}
	}
	r.OK = len(r.Stale) == 0 && len(r.Missing) == 0
	return r
}

func sortedCopy(ids []string) []string {
	out := slices.Clone(ids)
	sort.Strings(out)
	return out
}

// mutate applies fn under the lock and persists the result when fn reports a change.
// The context block is regenerated on every call so a previously failed write heals.
func (m *Manager) mutate(ctx context.Context, fn func(*Manifest) bool) (changed bool, err error) {
	err = m.withLock(ctx, func() error {
		mf, err := m.Load(ctx)
		if err != nil {
			return err
		}
		if fn(mf) {
			if err := m.save(mf); err != nil {
				return err
			}
			changed = true
		}
		return m.writeContextBlock(mf)
	})
	return changed, err
}

func (m *Manager) withLock(ctx context.Context, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.locker.Lock(ctx, lockName)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (m *Manager) save(mf *Manifest) error {
	mf.Version = Version
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return errors.NewInternal(err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(m.Path(), data, 0o600); err != nil {
		return errors.NewIOFailure("write manifest", err)
	}
	return nil
}

// RenderBlock returns the managed block text for the given directives.
func RenderBlock(directives []string) string {
	var sb strings.Builder
	sb.WriteString(BeginMarker + "\n")
	for _, d := range directives {
		sb.WriteString(d + "\n")
	}
	sb.WriteString(EndMarker)
	return sb.String()
}

// ReplaceBlock swaps the managed block in text, appending one when absent.
// Text outside the markers is left untouched.
func ReplaceBlock(text, block string) string {
	start := strings.Index(text, BeginMarker)
	if start >= 0 {
		if end := strings.Index(text[start:], EndMarker); end >= 0 {
			end += start + len(EndMarker)
			return text[:start] + block + text[end:]
		}
	}
	switch {
	case text == "":
		return block + "\n"
	case strings.HasSuffix(text, "\n\n"):
		return text + block + "\n"
	case strings.HasSuffix(text, "\n"):
		return text + "\n" + block + "\n"
	default:
		return text + "\n\n" + block + "\n"
	}
}

func (m *Manager) writeContextBlock(mf *Manifest) error {
	if m.contextFile == "" {
		return nil
	}
	existing, err := os.ReadFile(m.contextFile)
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return errors.NewIOFailure("read context file", err)
	}

	block := RenderBlock(m.directives(mf, filepath.Dir(m.contextFile)))
	updated := ReplaceBlock(string(existing), block)
	if updated == string(existing) {
		return nil
	}

	perm := os.FileMode(0o644)
	if info, err := os.Stat(m.contextFile); err == nil {
		perm = info.Mode().Perm()
	}
	if err := fsutil.WriteFileAtomic(m.contextFile, []byte(updated), perm); err != nil {
		return errors.NewIOFailure("write context file", err)
	}
	m.logger.Debug("context file updated", "path", m.contextFile, "entries", len(mf.Entries))
	return nil
}
