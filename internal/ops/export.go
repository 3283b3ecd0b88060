package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	// Path is the destination; default: <base>/exports/<task|all>-<timestamp>.jsonl,
	// or <base>/exports/pr-<n>.jsonl when PR is set.
	Path string

	TaskID string // optional: export a single memory
	State  string // optional filter: active | archived
	Match  string // optional glob over task ids

	// PR names the pull request the export travels with ("123", "#123", "pr-123").
	PR string
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string               `json:"path"`
	Count      int                  `json:"count"`
	ExportedAt time.Time            `json:"exported_at"`
	Corrupted  []store.CorruptEntry `json:"corrupted,omitempty"`
}

// Export writes memories, with their prior-state snapshots, to a JSONL file:
// a header line then one record per memory. The file is written to a temp
// name and renamed into place so an existing export survives a failure.
func Export(ctx context.Context, env *Env, input ExportInput) (*ExportOutput, error) {
	now := env.Store.Now()

	exportPath, err := exportPathFor(env, input, now)
	if err != nil {
		return nil, err
	}
	policy, err := env.transferPolicy()
	if err != nil {
		return nil, err
	}
	if exportPath, err = policy.resolve(exportPath, false); err != nil {
		return nil, err
	}

	mems, corrupt, err := exportSet(ctx, env, input)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0o700); err != nil {
		return nil, errors.NewIOFailure("create export directory", err)
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) {
			return nil, err
		}
		return nil, errors.NewIOFailure("create export file", err)
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)
	header := memory.ExportHeader{
		TaskmemExport: true,
		SchemaVersion: memory.ExportSchemaVersion,
		ExportedAt:    now,
	}
	if err := enc.Encode(header); err != nil {
		return nil, errors.NewIOFailure("write export header", err)
	}

	for _, m := range mems {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		var snapshot *string
		snap, ok, err := env.Store.Snapshot(ctx, m.TaskID)
		if err != nil {
			return nil, err
		}
		if ok {
			snapshot = &snap
		}
		if err := enc.Encode(memory.ToExportRecord(m, snapshot)); err != nil {
			return nil, errors.NewIOFailure("write export record", err)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewIOFailure("sync export file", err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewIOFailure("close export file", err)
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; overwriting is not supported on Windows (choose a new path or delete the existing file)")
			}
		}
		return nil, errors.NewIOFailure("finalize export", err)
	}
	success = true

	env.Logger.Info("exported task memories", "path", exportPath, "count", len(mems))
	return &ExportOutput{
		Path:       exportPath,
		Count:      len(mems),
		ExportedAt: now,
		Corrupted:  corrupt,
	}, nil
}

func exportSet(ctx context.Context, env *Env, input ExportInput) ([]*memory.TaskMemory, []store.CorruptEntry, error) {
	if strings.TrimSpace(input.TaskID) != "" {
		taskID, err := requireTaskID(input.TaskID)
		if err != nil {
			return nil, nil, err
		}
		m, err := env.Store.Read(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		return []*memory.TaskMemory{m}, nil, nil
	}
	return env.Store.List(ctx, store.Filter{
		State: memory.State(strings.TrimSpace(input.State)),
		Match: strings.TrimSpace(input.Match),
	})
}

func exportPathFor(env *Env, input ExportInput, now time.Time) (string, error) {
	if input.Path != "" {
		return input.Path, nil
	}
	if input.PR != "" {
		n, err := ParsePRNumber(input.PR)
		if err != nil {
			return "", err
		}
		return filepath.Join(env.ExportsDir(), "pr-"+n+".jsonl"), nil
	}
	name := "all"
	if id := strings.TrimSpace(input.TaskID); id != "" {
		name = fileStem(id)
	}
	return filepath.Join(env.ExportsDir(), fmt.Sprintf("%s-%s.jsonl", name, now.Format("2006-01-02T150405"))), nil
}
