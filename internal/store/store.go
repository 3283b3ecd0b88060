// Package store persists task memories as markdown files with YAML front-matter.
//
// Layout under the base directory:
//
//	active/<task>.md      active memories
//	archive/<task>.md     archived memories
//	snapshots/<task>.md   content captured immediately before archiving
//	quarantine/           corrupted files moved aside
//	locks/                per-task lock files
//
// Store methods do not lock. Callers that mutate a memory hold the per-task
// lock from Lock for the whole read-modify-write.
package store

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/fsutil"
	"github.com/hpungsan/taskmem/internal/lock"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/memory"
)

const (
	activeDir     = "active"
	archiveDir    = "archive"
	snapshotDir   = "snapshots"
	quarantineDir = "quarantine"
	locksDir      = "locks"

	fileExt  = ".md"
	filePerm = 0o600
)

// Observer is notified when a write leaves a memory above the size threshold.
type Observer interface {
	SizeExceeded(taskID string, size, threshold int)
}

// Options configure a Store.
type Options struct {
	// SizeWarningBytes is the threshold; 0 disables size warnings.
	SizeWarningBytes int

	// LockTimeout bounds the wait in Lock.
	LockTimeout time.Duration

	Observer Observer
	Logger   *slog.Logger

	// Now overrides the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Store is the file-backed Memory Store.
type Store struct {
	base      string
	threshold int
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	locker    *lock.Locker
}

// Open prepares the directory layout under base.
func Open(base string, opts Options) (*Store, error) {
	for _, d := range []string{activeDir, archiveDir, snapshotDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o700); err != nil {
			return nil, errors.NewIOFailure("create store dir", err)
		}
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Store{
		base:      base,
		threshold: opts.SizeWarningBytes,
		observer:  opts.Observer,
		logger:    logging.OrDiscard(opts.Logger),
		now:       now,
		locker:    lock.New(filepath.Join(base, locksDir), opts.LockTimeout),
	}, nil
}

// Base returns the store's root directory.
func (s *Store) Base() string { return s.base }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Threshold returns the size warning threshold in bytes.
func (s *Store) Threshold() int { return s.threshold }

// Locker exposes the lock manager so other components can share lock files.
func (s *Store) Locker() *lock.Locker { return s.locker }

// ActivePath returns the path of the active memory file for taskID.
func (s *Store) ActivePath(taskID string) string {
	return filepath.Join(s.base, activeDir, taskID+fileExt)
}

// ArchivePath returns the path of the archived memory file for taskID.
func (s *Store) ArchivePath(taskID string) string {
	return filepath.Join(s.base, archiveDir, taskID+fileExt)
}

// SnapshotPath returns the path of the prior-state snapshot for taskID.
func (s *Store) SnapshotPath(taskID string) string {
	return filepath.Join(s.base, snapshotDir, taskID+fileExt)
}

func (s *Store) pathFor(taskID string, state memory.State) string {
	if state == memory.StateArchived {
		return s.ArchivePath(taskID)
	}
	return s.ActivePath(taskID)
}

// Lock acquires the per-task lock. BUSY when the wait exceeds the timeout.
func (s *Store) Lock(ctx context.Context, taskID string) (func(), error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	return s.locker.Lock(ctx, taskID)
}

// Create writes a new active memory. ALREADY_EXISTS if the task has one in any state.
func (s *Store) Create(ctx context.Context, taskID, content string) (*memory.TaskMemory, error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if state, ok, err := s.locate(taskID); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.NewAlreadyExists(taskID, string(state))
	}

	now := s.now()
	m := &memory.TaskMemory{
		ID:        NewID(now),
		TaskID:    taskID,
		State:     memory.StateActive,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Read returns the memory for taskID. NOT_FOUND when absent, CORRUPTED when
// the file fails its integrity check. Read never moves files; quarantine
// happens under the task lock.
func (s *Store) Read(ctx context.Context, taskID string) (*memory.TaskMemory, error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	state, ok, err := s.locate(taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(taskID)
	}

	path := s.pathFor(taskID, state)
	m, err := s.readFile(path)
	if err != nil {
		return nil, err
	}
	if m.TaskID != taskID {
		return nil, errors.NewCorrupted(path, fmt.Errorf("front-matter task_id %q does not match file name", m.TaskID))
	}
	return m, nil
}

// Exists reports the state of taskID's memory, if any.
func (s *Store) Exists(ctx context.Context, taskID string) (memory.State, bool, error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return "", false, errors.NewInvalidRequest(err.Error())
	}
	return s.locate(taskID)
}

// Append adds delta to the end of an active memory, separated by a blank line.
func (s *Store) Append(ctx context.Context, taskID, delta string) (*memory.TaskMemory, error) {
	if strings.TrimSpace(delta) == "" {
		return nil, errors.NewInvalidRequest("content is required")
	}
	m, err := s.readActive(ctx, taskID, "append")
	if err != nil {
		return nil, err
	}
	m.Content = memory.AppendContent(m.Content, delta)
	m.UpdatedAt = s.now()
	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AppendSection inserts delta into the named section of an active memory.
// A placeholder body is replaced; otherwise delta goes after the existing body.
// Section matching is case-insensitive and synonym-aware.
func (s *Store) AppendSection(ctx context.Context, taskID, section, delta string) (*memory.TaskMemory, *memory.Section, error) {
	if strings.TrimSpace(section) == "" {
		return nil, nil, errors.NewInvalidRequest("section is required")
	}
	if strings.TrimSpace(delta) == "" {
		return nil, nil, errors.NewInvalidRequest("content is required")
	}
	m, err := s.readActive(ctx, taskID, "append")
	if err != nil {
		return nil, nil, err
	}

	sections := memory.ParseSections(m.Content)
	if len(sections) == 0 {
		return nil, nil, errors.NewInvalidRequest("memory has no sections; append without a section instead")
	}
	target := memory.FindSection(sections, section)
	if target == nil {
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("section %q not found; available: %v", section, memory.SectionNames(sections)))
	}

	hit := *target
	m.Content = memory.InsertContent(m.Content, target, delta)
	m.UpdatedAt = s.now()
	if err := s.write(m); err != nil {
		return nil, nil, err
	}
	return m, &hit, nil
}

// Replace overwrites a memory's content in place, keeping its state.
func (s *Store) Replace(ctx context.Context, taskID, content string) (*memory.TaskMemory, error) {
	m, err := s.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.UpdatedAt = s.now()
	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Archive moves an active memory to the archive. The snapshot is written
// first, then the archive file; removing the active file commits the move.
// Archiving an archived memory changes nothing and reports changed=false.
func (s *Store) Archive(ctx context.Context, taskID string) (m *memory.TaskMemory, changed bool, err error) {
	m, err = s.Read(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if m.State == memory.StateArchived {
		return m, false, nil
	}

	if err := fsutil.WriteFileAtomic(s.SnapshotPath(taskID), []byte(m.Content), filePerm); err != nil {
		return nil, false, errors.NewIOFailure("write snapshot", err)
	}

	now := s.now()
	m.State = memory.StateArchived
	m.ArchivedAt = &now
	m.ClosedAt = nil
	m.UpdatedAt = now
	if err := s.write(m); err != nil {
		return nil, false, err
	}

	if _, err := fsutil.RemoveIfExists(s.ActivePath(taskID)); err != nil {
		return nil, false, errors.NewIOFailure("remove active file", err)
	}
	if err := fsutil.SyncDir(filepath.Join(s.base, activeDir)); err != nil {
		return nil, false, errors.NewIOFailure("sync active dir", err)
	}
	return m, true, nil
}

// Restore brings an archived memory back to active with its pre-archive
// content. The snapshot is kept; it is removed only on delete.
// Restoring an active memory changes nothing and reports changed=false.
func (s *Store) Restore(ctx context.Context, taskID string) (m *memory.TaskMemory, changed bool, err error) {
	m, err = s.Read(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if m.State == memory.StateActive {
		return m, false, nil
	}

	snap, ok, err := s.Snapshot(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		m.Content = snap
	} else {
		s.logger.Warn("restore without snapshot, using archived content", "task_id", taskID)
	}

	m.State = memory.StateActive
	m.ArchivedAt = nil
	m.ClosedAt = nil
	m.UpdatedAt = s.now()
	if err := s.write(m); err != nil {
		return nil, false, err
	}

	if _, err := fsutil.RemoveIfExists(s.ArchivePath(taskID)); err != nil {
		return nil, false, errors.NewIOFailure("remove archive file", err)
	}
	if err := fsutil.SyncDir(filepath.Join(s.base, archiveDir)); err != nil {
		return nil, false, errors.NewIOFailure("sync archive dir", err)
	}
	return m, true, nil
}

// MarkClosed stamps closed_at on an archived memory. CONFLICT when active.
func (s *Store) MarkClosed(ctx context.Context, taskID string) (m *memory.TaskMemory, changed bool, err error) {
	m, err = s.Read(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if m.State != memory.StateArchived {
		return nil, false, errors.NewConflict(fmt.Sprintf("task memory %s is %s; only archived memories can be closed", taskID, m.State))
	}
	if m.ClosedAt != nil {
		return m, false, nil
	}

	now := s.now()
	m.ClosedAt = &now
	if err := s.write(m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Delete removes every file of taskID's memory. Irreversible.
// NOT_FOUND when there is nothing to delete.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}

	found := false
	for _, path := range []string{s.ActivePath(taskID), s.ArchivePath(taskID), s.SnapshotPath(taskID)} {
		removed, err := fsutil.RemoveIfExists(path)
		if err != nil {
			return errors.NewIOFailure("delete memory", err)
		}
		if removed {
			found = true
			if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
				return errors.NewIOFailure("sync dir", err)
			}
		}
	}
	if !found {
		return errors.NewNotFound(taskID)
	}
	return nil
}

// Snapshot returns the prior-state snapshot content, if present.
func (s *Store) Snapshot(ctx context.Context, taskID string) (string, bool, error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return "", false, errors.NewInvalidRequest(err.Error())
	}
	data, err := os.ReadFile(s.SnapshotPath(taskID))
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, errors.NewIOFailure("read snapshot", err)
	}
	return string(data), true, nil
}

// Put writes m as-is in its recorded state, replacing any existing memory for
// the task along with its snapshot. A nil snapshot removes the old one.
// Used by import.
func (s *Store) Put(ctx context.Context, m *memory.TaskMemory, snapshot *string) error {
	m.Recompute()
	if err := m.Validate(); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}

	if err := s.write(m); err != nil {
		return err
	}

	other := memory.StateArchived
	if m.State == memory.StateArchived {
		other = memory.StateActive
	}
	if _, err := fsutil.RemoveIfExists(s.pathFor(m.TaskID, other)); err != nil {
		return errors.NewIOFailure("remove stale memory file", err)
	}

	if snapshot == nil {
		if _, err := fsutil.RemoveIfExists(s.SnapshotPath(m.TaskID)); err != nil {
			return errors.NewIOFailure("remove stale snapshot", err)
		}
		return nil
	}
	if err := fsutil.WriteFileAtomic(s.SnapshotPath(m.TaskID), []byte(*snapshot), filePerm); err != nil {
		return errors.NewIOFailure("write snapshot", err)
	}
	return nil
}

// readActive reads taskID and rejects archived memories with CONFLICT.
func (s *Store) readActive(ctx context.Context, taskID, op string) (*memory.TaskMemory, error) {
	m, err := s.Read(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if m.State != memory.StateActive {
		return nil, errors.NewConflict(fmt.Sprintf("cannot %s: task memory %s is archived", op, taskID))
	}
	return m, nil
}

// locate finds which state file exists. The active file wins when both exist,
// which happens only if an archive was interrupted before its commit point.
func (s *Store) locate(taskID string) (memory.State, bool, error) {
	ok, err := fsutil.Exists(s.ActivePath(taskID))
	if err != nil {
		return "", false, errors.NewIOFailure("stat active file", err)
	}
	if ok {
		return memory.StateActive, true, nil
	}
	ok, err = fsutil.Exists(s.ArchivePath(taskID))
	if err != nil {
		return "", false, errors.NewIOFailure("stat archive file", err)
	}
	if ok {
		return memory.StateArchived, true, nil
	}
	return "", false, nil
}

func (s *Store) readFile(path string) (*memory.TaskMemory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, errors.NewNotFound(strings.TrimSuffix(filepath.Base(path), fileExt))
		}
		return nil, errors.NewIOFailure("read memory", err)
	}
	m, err := memory.Decode(raw)
	if err != nil {
		return nil, errors.NewCorrupted(path, err)
	}
	m.Path = path
	s.flagSize(m)
	return m, nil
}

// write recomputes derived fields, persists m atomically, and reports size warnings.
func (s *Store) write(m *memory.TaskMemory) error {
	m.Recompute()
	raw, err := memory.Encode(m)
	if err != nil {
		return errors.NewInternal(err)
	}
	path := s.pathFor(m.TaskID, m.State)
	if err := fsutil.WriteFileAtomic(path, raw, filePerm); err != nil {
		return errors.NewIOFailure("write memory", err)
	}
	m.Path = path

	if s.flagSize(m) && s.observer != nil {
		s.observer.SizeExceeded(m.TaskID, m.SizeBytes, s.threshold)
	}
	return nil
}

func (s *Store) flagSize(m *memory.TaskMemory) bool {
	m.SizeWarning = s.threshold > 0 && m.SizeBytes > s.threshold
	return m.SizeWarning
}

// Filter narrows List results.
type Filter struct {
	// State restricts to one state; empty lists both.
	State memory.State

	// Match is a glob over task ids ("auth-*", "T{1,2}").
	Match string
}

// CorruptEntry describes a file that failed to decode during List.
type CorruptEntry struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// List returns every readable memory matching filter, most recently updated
// first, plus the files that failed their integrity check.
func (s *Store) List(ctx context.Context, filter Filter) ([]*memory.TaskMemory, []CorruptEntry, error) {
	var matcher glob.Glob
	if filter.Match != "" {
		g, err := glob.Compile(filter.Match)
		if err != nil {
			return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("invalid match pattern %q: %v", filter.Match, err))
		}
		matcher = g
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("invalid state filter %q", filter.State))
	}

	var (
		mems    []*memory.TaskMemory
		corrupt []CorruptEntry
	)
	seen := make(map[string]bool)

	for _, state := range []memory.State{memory.StateActive, memory.StateArchived} {
		ids, err := s.listDir(state)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return nil, nil, errors.NewInternal(err)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			if matcher != nil && !matcher.Match(id) {
				continue
			}
			if filter.State != "" && filter.State != state {
				continue
			}

			path := s.pathFor(id, state)
			m, err := s.readFile(path)
			if err != nil {
				if errors.Is(err, errors.ErrCorrupted) {
					corrupt = append(corrupt, CorruptEntry{TaskID: id, Path: path, Error: err.Error()})
					continue
				}
				if errors.Is(err, errors.ErrNotFound) {
					continue
				}
				return nil, nil, err
			}
			mems = append(mems, m)
		}
	}

	sort.Slice(mems, func(i, j int) bool {
		if !mems[i].UpdatedAt.Equal(mems[j].UpdatedAt) {
			return mems[i].UpdatedAt.After(mems[j].UpdatedAt)
		}
		return mems[i].TaskID < mems[j].TaskID
	})
	return mems, corrupt, nil
}

// ActiveIDs returns the ids of every active memory file, sorted.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.listDir(memory.StateActive)
}

func (s *Store) listDir(state memory.State) ([]string, error) {
	dir := filepath.Join(s.base, activeDir)
	if state == memory.StateArchived {
		dir = filepath.Join(s.base, archiveDir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.NewIOFailure("list memories", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if memory.ValidateTaskID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Quarantine moves taskID's corrupted files into quarantine/ and returns
// their new paths. NOT_FOUND when the task has no files, CONFLICT when they
// are all intact.
func (s *Store) Quarantine(ctx context.Context, taskID string) ([]string, error) {
	if err := memory.ValidateTaskID(taskID); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	var moved []string
	found := false
	for _, path := range []string{s.ActivePath(taskID), s.ArchivePath(taskID)} {
		ok, err := fsutil.Exists(path)
		if err != nil {
			return nil, errors.NewIOFailure("stat memory", err)
		}
		if !ok {
			continue
		}
		found = true
		_, err = s.readFile(path)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.ErrCorrupted) {
			return nil, err
		}
		dest, err := s.moveToQuarantine(taskID, path)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("quarantined corrupted memory", "task_id", taskID, "path", dest)
		moved = append(moved, dest)
	}

	if !found {
		return nil, errors.NewNotFound(taskID)
	}
	if len(moved) == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("task memory %s is not corrupted", taskID))
	}
	return moved, nil
}

func (s *Store) moveToQuarantine(taskID, path string) (string, error) {
	dir := filepath.Join(s.base, quarantineDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.NewIOFailure("create quarantine dir", err)
	}
	dest := filepath.Join(dir, taskID+"."+NewID(s.now())+fileExt)
	if err := os.Rename(path, dest); err != nil {
		return "", errors.NewIOFailure("quarantine memory", err)
	}
	if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
		return "", errors.NewIOFailure("sync dir", err)
	}
	return dest, nil
}

// NewID returns a new ULID string for t.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0)).String()
}
