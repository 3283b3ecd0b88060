package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on any collision; nothing is written
	ImportModeReplace ImportMode = "replace" // overwrite existing memories
)

// maxRecordBytes bounds a single JSONL line.
const maxRecordBytes = 16 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	// Path is a .jsonl export file. Exactly one of Path and FromPR is required.
	Path string

	// FromPR resolves a pull request reference ("123", "#123", "pr-123") to
	// <base>/exports/pr-<n>.jsonl. A value ending in .jsonl is used as a path.
	FromPR string

	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Path     string        `json:"path"`
	Imported int           `json:"imported"`
	Replaced int           `json:"replaced"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes a record that was not imported.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type importRecord struct {
	line   int
	record memory.ExportRecord
}

// Import restores memories from a JSONL export. Each memory is written under
// its task lock and the manifest is brought in line with its state, so an
// imported active memory is aggregated like any other.
func Import(ctx context.Context, env *Env, input ImportInput) (*ImportOutput, error) {
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	if input.Mode != ImportModeError && input.Mode != ImportModeReplace {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace")
	}

	path := strings.TrimSpace(input.Path)
	if ref := strings.TrimSpace(input.FromPR); ref != "" {
		if path != "" {
			return nil, errors.NewInvalidRequest("specify either path or from_pr, not both")
		}
		resolved, err := ResolvePRRef(ref, env.ExportsDir())
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	if path == "" {
		return nil, errors.NewInvalidRequest("path or from_pr is required")
	}
	policy, err := env.transferPolicy()
	if err != nil {
		return nil, err
	}
	if path, err = policy.resolve(path, true); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(path)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewIOFailure("open import file", err)
	}
	defer file.Close()

	records, parseErrors := parseExportFile(file)
	out := &ImportOutput{Path: path, Errors: parseErrors}
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}

	if input.Mode == ImportModeError {
		if len(parseErrors) > 0 {
			out.Skipped = len(records)
			return out, nil
		}
		collisions, err := findCollisions(ctx, env.Store, records)
		if err != nil {
			return nil, err
		}
		if len(collisions) > 0 {
			out.Errors = collisions
			out.Skipped = len(records)
			return out, nil
		}
	}

	for _, r := range records {
		replaced, err := importOne(ctx, env, r.record, input.Mode)
		if err != nil {
			me, ok := errors.As(err)
			if !ok {
				return nil, err
			}
			out.Errors = append(out.Errors, ImportError{Line: r.line, TaskID: r.record.TaskID, Code: string(me.Code), Message: me.Message})
			out.Skipped++
			continue
		}
		out.Imported++
		if replaced {
			out.Replaced++
		}
	}

	env.Logger.Info("imported task memories", "path", path, "imported", out.Imported, "replaced", out.Replaced, "skipped", out.Skipped)
	return out, nil
}

func importOne(ctx context.Context, env *Env, rec memory.ExportRecord, mode ImportMode) (replaced bool, err error) {
	unlock, err := env.Store.Lock(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	state, exists, err := env.Store.Exists(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}
	if exists && mode == ImportModeError {
		return false, errors.NewAlreadyExists(rec.TaskID, string(state))
	}

	m := rec.ToTaskMemory()
	if m.ID == "" {
		m.ID = store.NewID(env.Store.Now())
	}
	if err := env.Store.Put(ctx, m, rec.Snapshot); err != nil {
		return false, err
	}

	if m.State == memory.StateActive {
		_, err = env.Manifest.Activate(ctx, m.TaskID)
	} else {
		_, err = env.Manifest.Deactivate(ctx, m.TaskID)
	}
	if err != nil {
		return false, err
	}
	return exists, nil
}

func findCollisions(ctx context.Context, st *store.Store, records []importRecord) ([]ImportError, error) {
	var out []ImportError
	for _, r := range records {
		state, ok, err := st.Exists(ctx, r.record.TaskID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ImportError{
				Line:    r.line,
				TaskID:  r.record.TaskID,
				Code:    string(errors.ErrAlreadyExists),
				Message: fmt.Sprintf("task memory %s already exists (%s)", r.record.TaskID, state),
			})
		}
	}
	return out, nil
}

// parseExportFile reads JSONL records, skipping the header line.
func parseExportFile(r io.Reader) ([]importRecord, []ImportError) {
	var records []importRecord
	var parseErrors []ImportError
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var record memory.ExportRecord
		if err := json.Unmarshal(line, &record); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if record.TaskmemExport {
			continue
		}

		if msg := validateRecord(&record); msg != "" {
			parseErrors = append(parseErrors, ImportError{Line: lineNum, TaskID: record.TaskID, Code: "INVALID_RECORD", Message: msg})
			continue
		}
		if first, dup := seen[record.TaskID]; dup {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				TaskID:  record.TaskID,
				Code:    "INVALID_RECORD",
				Message: fmt.Sprintf("duplicate task_id (first on line %d)", first),
			})
			continue
		}
		seen[record.TaskID] = lineNum
		records = append(records, importRecord{line: lineNum, record: record})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}
	return records, parseErrors
}

func validateRecord(r *memory.ExportRecord) string {
	if r.TaskID == "" {
		return "missing task_id field"
	}
	if err := memory.ValidateTaskID(r.TaskID); err != nil {
		return err.Error()
	}
	if !r.State.Valid() {
		return fmt.Sprintf("invalid state %q", r.State)
	}
	if r.State == memory.StateArchived && r.ArchivedAt == nil {
		return "archived record without archived_at"
	}
	return ""
}

// ResolvePRRef maps a pull request reference to its export file.
func ResolvePRRef(ref, exportsDir string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasSuffix(strings.ToLower(ref), ".jsonl") {
		return ref, nil
	}
	n, err := ParsePRNumber(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(exportsDir, "pr-"+n+".jsonl"), nil
}

// ParsePRNumber accepts "123", "#123", "pr-123" or "PR123" and returns "123".
func ParsePRNumber(ref string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(ref))
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "pr")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "#")

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || s == "" || strings.ContainsAny(s, "+-") {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid pull request reference %q", ref))
	}
	return strconv.Itoa(n), nil
}
