package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/hpungsan/taskmem/internal/errors"
)

// exportExt is the only extension accepted for export and import files.
const exportExt = ".jsonl"

// transferPolicy decides which files export may write and import may read.
// A file must sit directly in the exports directory or in one of the
// configured allowed_paths; no subdirectories, so only the final component
// can be swapped for a symlink, and the O_NOFOLLOW opens cover that.
type transferPolicy struct {
	dirs   []string
	unsafe bool
}

func (e *Env) transferPolicy() (*transferPolicy, error) {
	p := &transferPolicy{unsafe: e.Cfg.AllowUnsafePaths}
	if p.unsafe {
		return p, nil
	}
	exports, err := filepath.Abs(e.ExportsDir())
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid base directory: %v", err))
	}
	// Relative allowed_paths entries are ignored.
	candidates := []string{exports}
	for _, d := range e.Cfg.AllowedPaths {
		if filepath.IsAbs(d) {
			candidates = append(candidates, d)
		}
	}
	for _, d := range candidates {
		dir := filepath.Clean(d)
		if info, err := os.Lstat(dir); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve allowed path %s: %v", d, err))
			}
			dir = resolved
		}
		p.dirs = append(p.dirs, dir)
	}
	return p, nil
}

// resolve validates path and returns it absolute. When reading, the file
// must exist.
func (p *transferPolicy) resolve(path string, reading bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.NewInvalidRequest("path is required")
	}
	if hasParentRef(path) {
		return "", errors.NewInvalidRequest("path must not contain '..'")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}
	if filepath.Ext(abs) != exportExt {
		return "", errors.NewInvalidRequest("path must have " + exportExt + " extension")
	}

	if !p.unsafe {
		parent := filepath.Dir(abs)
		if !p.allows(parent) {
			return "", errors.NewInvalidRequest(fmt.Sprintf("file must be directly in the exports directory or an allowed_paths entry; allowed: %v", p.dirs))
		}
		if info, err := os.Lstat(parent); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", errors.NewInvalidRequest("parent directory must not be a symlink")
		}
	}

	info, err := os.Lstat(abs)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		// Even with allow_unsafe_paths.
		return "", errors.NewInvalidRequest("path must not be a symlink")
	case os.IsNotExist(err) && reading:
		return "", errors.NewFileNotFound(path)
	}
	return abs, nil
}

func (p *transferPolicy) allows(dir string) bool {
	for _, d := range p.dirs {
		if dir == d {
			return true
		}
	}
	return false
}

// hasParentRef reports whether any component of path is "..", splitting on
// both separators.
func hasParentRef(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// fileStem turns a task id into a file name stem. Task ids are already
// free of separators; this also drops control runes and spaces.
func fileStem(taskID string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			return r
		case unicode.IsControl(r):
			return -1
		default:
			return '-'
		}
	}, taskID)
	stem = strings.Trim(stem, "-.")
	if stem == "" {
		return "task"
	}
	return stem
}
