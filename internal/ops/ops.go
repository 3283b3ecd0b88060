// Package ops implements the user-facing operations shared by the CLI, the
// MCP server and the web dashboard.
package ops

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hpungsan/taskmem/internal/config"
	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/manifest"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/report"
	"github.com/hpungsan/taskmem/internal/search"
	"github.com/hpungsan/taskmem/internal/store"
)

// Pagination limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Env bundles the components an operation works against.
type Env struct {
	Base     string
	Cfg      *config.Config
	Store    *store.Store
	Manifest *manifest.Manager
	Machine  *lifecycle.Machine
	Sizes    *report.Logger
	Logger   *slog.Logger

	indexOnce sync.Once
	index     *search.Index
	indexErr  error
}

// Open wires every component for the memory directory base.
func Open(base string, cfg *config.Config, logger *slog.Logger) (*Env, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	logger = logging.OrDiscard(logger)

	retention, retentionOn, err := cfg.RetentionDuration()
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	lockTimeout, err := cfg.LockTimeoutDuration()
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	sizes := report.NewLogger(logger)
	st, err := store.Open(base, store.Options{
		SizeWarningBytes: cfg.SizeWarningBytes,
		LockTimeout:      lockTimeout,
		Observer:         sizes,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	mf := manifest.New(base, st.Locker(), manifest.Options{
		ContextFile: cfg.ContextFile,
		Logger:      logger,
	})
	machine := lifecycle.New(st, mf, lifecycle.Options{
		Retention:        retention,
		RetentionEnabled: retentionOn,
		Template:         cfg.DefaultTemplate,
		Quarantine:       cfg.QuarantineCorrupted,
		Logger:           logger,
	})

	return &Env{
		Base:     base,
		Cfg:      cfg,
		Store:    st,
		Manifest: mf,
		Machine:  machine,
		Sizes:    sizes,
		Logger:   logger,
	}, nil
}

// Index returns the search index, opening it on first use.
func (e *Env) Index() (*search.Index, error) {
	e.indexOnce.Do(func() {
		e.index, e.indexErr = search.Open(filepath.Join(e.Base, search.FileName), e.Store, e.Logger)
	})
	return e.index, e.indexErr
}

// Close releases the search index if it was opened.
func (e *Env) Close() error {
	if e.index != nil {
		return e.index.Close()
	}
	return nil
}

// ExportsDir is the default directory for export and import files.
func (e *Env) ExportsDir() string {
	return filepath.Join(e.Base, "exports")
}

// requireTaskID trims and validates a task id argument.
func requireTaskID(taskID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", errors.NewInvalidRequest("task_id is required")
	}
	if err := memory.ValidateTaskID(taskID); err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid task_id: %v", err))
	}
	return taskID, nil
}

func paginate(total, limit, offset int) (int, int, Pagination) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset = max(offset, 0)
	start := min(offset, total)
	end := min(start+limit, total)
	return start, end, Pagination{
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
		Total:   total,
	}
}
