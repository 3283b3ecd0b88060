package ops

import (
	"context"

	"github.com/hpungsan/taskmem/internal/manifest"
)

// RenderOutput contains the import directives in manifest order.
type RenderOutput struct {
	Directives  []string `json:"directives"`
	Block       string   `json:"block"`
	ContextFile string   `json:"context_file,omitempty"`
}

// ManifestRender returns the directives the assistant should import, and
// brings the context file's managed block up to date when one is configured.
func ManifestRender(ctx context.Context, env *Env) (*RenderOutput, error) {
	if env.Manifest.ContextFile() != "" {
		if err := env.Manifest.SyncContextFile(ctx); err != nil {
			return nil, err
		}
	}
	lines, err := env.Manifest.Render(ctx)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []string{}
	}
	return &RenderOutput{
		Directives:  lines,
		Block:       manifest.RenderBlock(lines),
		ContextFile: env.Manifest.ContextFile(),
	}, nil
}

// ManifestVerify compares the manifest with the active memories on disk.
func ManifestVerify(ctx context.Context, env *Env) (*manifest.Report, error) {
	ids, err := env.Store.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	return env.Manifest.Verify(ctx, ids)
}

// ManifestRepair rewrites the manifest to list exactly the active memories.
func ManifestRepair(ctx context.Context, env *Env) (*manifest.Report, error) {
	ids, err := env.Store.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := env.Manifest.Repair(ctx, ids)
	if err != nil {
		return nil, err
	}
	if rep.Repaired {
		env.Logger.Warn("manifest repaired", "missing", rep.Missing, "stale", rep.Stale, "corrupted", rep.Corrupted)
	}
	return rep, nil
}
