package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/search"
)

// SearchInput contains parameters for the Search operation.
type SearchInput struct {
	Query string // required
	State string // optional: active | archived
	Match string // optional glob over task ids
	Limit int    // default: 20, max: 100
}

// Search ranks active and archived memories against a free-text query.
func Search(ctx context.Context, env *Env, input SearchInput) (*search.Results, error) {
	ix, err := env.Index()
	if err != nil {
		return nil, err
	}
	res, err := ix.Search(ctx, search.Query{
		Text:  input.Query,
		Limit: input.Limit,
		State: memory.State(strings.TrimSpace(input.State)),
		Match: strings.TrimSpace(input.Match),
	})
	if err != nil {
		return nil, err
	}
	if res.Hits == nil {
		res.Hits = []search.Hit{}
	}
	return res, nil
}

// RebuildIndex drops the search index and rebuilds it from the store.
func RebuildIndex(ctx context.Context, env *Env) (*search.SyncResult, error) {
	ix, err := env.Index()
	if err != nil {
		return nil, err
	}
	return ix.Rebuild(ctx)
}
