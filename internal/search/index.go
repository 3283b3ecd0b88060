// Package search is a term-frequency index over task memories, kept in SQLite.
//
// The index is derived data. It is reconciled with the store before every
// query and can be dropped and rebuilt at any time.
package search

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// FileName is the index database name under the base directory.
const FileName = "index.db"

// CurrentSchemaVersion is the latest schema version.
const CurrentSchemaVersion = 1

// Source supplies the memories to index.
type Source interface {
	List(ctx context.Context, filter store.Filter) ([]*memory.TaskMemory, []store.CorruptEntry, error)
}

// Index is the Search Index.
type Index struct {
	path   string
	src    Source
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the index at path. An unreadable database file is
// discarded and recreated.
func Open(path string, src Source, logger *slog.Logger) (*Index, error) {
	ix := &Index{path: path, src: src, logger: logging.OrDiscard(logger)}

	db, err := openDB(path)
	if err != nil {
		ix.logger.Warn("search index unreadable, recreating", "path", path, "error", err)
		if rmErr := removeDBFiles(path); rmErr != nil {
			return nil, errors.NewIOFailure("remove search index", rmErr)
		}
		db, err = openDB(path)
		if err != nil {
			return nil, errors.NewIOFailure("open search index", err)
		}
	}
	ix.db = db
	return ix, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS docs (
		  task_id    TEXT PRIMARY KEY,
		  state      TEXT NOT NULL,
		  updated_at INTEGER NOT NULL,
		  checksum   TEXT NOT NULL,
		  content    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS terms (
		  task_id TEXT NOT NULL REFERENCES docs(task_id) ON DELETE CASCADE,
		  term    TEXT NOT NULL,
		  tf      INTEGER NOT NULL,
		  PRIMARY KEY (task_id, term)
		);

		CREATE INDEX IF NOT EXISTS idx_terms_term ON terms(term);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", CurrentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func removeDBFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !stderrors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// SyncResult reports a reconciliation pass.
type SyncResult struct {
	Indexed   int                  `json:"indexed"`
	Removed   int                  `json:"removed"`
	Total     int                  `json:"total"`
	Rebuilt   bool                 `json:"rebuilt,omitempty"`
	Corrupted []store.CorruptEntry `json:"corrupted,omitempty"`
}

// Sync brings the index in line with the store: changed memories are
// re-indexed and vanished ones removed. Corrupted memories, or an index that
// SQLite cannot read, trigger a full rebuild.
func (ix *Index) Sync(ctx context.Context) (*SyncResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.syncLocked(ctx)
}

// Rebuild drops every row and indexes the store from scratch.
func (ix *Index) Rebuild(ctx context.Context) (*SyncResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	mems, corrupt, err := ix.src.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	res, err := ix.rebuildLocked(ctx, mems)
	if err != nil {
		return nil, err
	}
	res.Corrupted = corrupt
	return res, nil
}

func (ix *Index) syncLocked(ctx context.Context) (*SyncResult, error) {
	if ix.db == nil {
		return nil, errors.NewInternal(fmt.Errorf("search index is closed"))
	}
	mems, corrupt, err := ix.src.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}

	if len(corrupt) > 0 {
		res, err := ix.rebuildLocked(ctx, mems)
		if err != nil {
			return nil, err
		}
		res.Corrupted = corrupt
		return res, nil
	}

	res, err := ix.reconcile(ctx, mems)
	if err != nil {
		ix.logger.Warn("search index sync failed, rebuilding", "error", err)
		return ix.rebuildLocked(ctx, mems)
	}
	return res, nil
}

func (ix *Index) rebuildLocked(ctx context.Context, mems []*memory.TaskMemory) (*SyncResult, error) {
	res, err := ix.replaceAll(ctx, mems)
	if err != nil {
		// The database itself may be damaged; start over with a fresh file.
		ix.logger.Warn("search index rebuild failed, recreating file", "path", ix.path, "error", err)
		if ix.db != nil {
			ix.db.Close()
			ix.db = nil
		}
		if rmErr := removeDBFiles(ix.path); rmErr != nil {
			return nil, errors.NewIOFailure("remove search index", rmErr)
		}
		db, openErr := openDB(ix.path)
		if openErr != nil {
			return nil, errors.NewIOFailure("open search index", openErr)
		}
		ix.db = db
		if res, err = ix.replaceAll(ctx, mems); err != nil {
			return nil, errors.NewIOFailure("rebuild search index", err)
		}
	}
	res.Rebuilt = true
	ix.logger.Info("search index rebuilt", "documents", res.Total)
	return res, nil
}

func (ix *Index) replaceAll(ctx context.Context, mems []*memory.TaskMemory) (*SyncResult, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM terms"); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM docs"); err != nil {
		return nil, err
	}
	for _, m := range mems {
		if err := upsert(ctx, tx, m); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SyncResult{Indexed: len(mems), Total: len(mems)}, nil
}

type indexedDoc struct {
	state     string
	updatedAt int64
	checksum  string
}

func (ix *Index) reconcile(ctx context.Context, mems []*memory.TaskMemory) (*SyncResult, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT task_id, state, updated_at, checksum FROM docs")
	if err != nil {
		return nil, err
	}
	existing := make(map[string]indexedDoc)
	for rows.Next() {
		var id string
		var d indexedDoc
		if err := rows.Scan(&id, &d.state, &d.updatedAt, &d.checksum); err != nil {
			rows.Close()
			return nil, err
		}
		existing[id] = d
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	res := &SyncResult{Total: len(mems)}
	for _, m := range mems {
		d, ok := existing[m.TaskID]
		delete(existing, m.TaskID)
		if ok && d.checksum == m.Checksum && d.state == string(m.State) && d.updatedAt == m.UpdatedAt.UnixNano() {
			continue
		}
		if err := upsert(ctx, tx, m); err != nil {
			return nil, err
		}
		res.Indexed++
	}
	for id := range existing {
		if err := remove(ctx, tx, id); err != nil {
			return nil, err
		}
		res.Removed++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func upsert(ctx context.Context, tx *sql.Tx, m *memory.TaskMemory) error {
	if err := remove(ctx, tx, m.TaskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO docs (task_id, state, updated_at, checksum, content) VALUES (?, ?, ?, ?, ?)",
		m.TaskID, string(m.State), m.UpdatedAt.UnixNano(), m.Checksum, m.Content,
	); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO terms (task_id, term, tf) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for term, tf := range TermFrequencies(m.Content) {
		if _, err := stmt.ExecContext(ctx, m.TaskID, term, tf); err != nil {
			return err
		}
	}
	return nil
}

func remove(ctx context.Context, tx *sql.Tx, taskID string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM terms WHERE task_id = ?", taskID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM docs WHERE task_id = ?", taskID)
	return err
}
