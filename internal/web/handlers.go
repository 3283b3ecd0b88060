package web

import (
	"net/http"
	"strconv"

	"github.com/hpungsan/taskmem/internal/ops"
)

// Handlers contains HTTP route handlers for the dashboard. Every route is
// read-only.
type Handlers struct {
	env      *ops.Env
	renderer *Renderer
}

// HandleList handles GET /memories.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	input := ops.ListInput{
		State:  q.Get("state"),
		Match:  q.Get("match"),
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}

	result, err := ops.List(r.Context(), h.env, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.render(w, r, "list", ListPageData{
		PageData:   h.renderer.page("Memories", "memories"),
		Items:      result.Items,
		Corrupted:  result.Corrupted,
		Pagination: result.Pagination,
		State:      input.State,
		Match:      input.Match,
	}, result)
}

// HandleDetail handles GET /memories/{task_id}.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Show(r.Context(), h.env, r.PathValue("task_id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.render(w, r, "detail", DetailPageData{
		PageData:     h.renderer.page(result.TaskID, "memories"),
		Memory:       result,
		RenderedHTML: renderMarkdown(result.Content),
	}, result)
}

// HandleSearch handles GET /memories/search. An empty query shows the form.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := SearchPageData{
		PageData: h.renderer.page("Search", "search"),
		Query:    q.Get("q"),
		State:    q.Get("state"),
		HasQuery: q.Get("q") != "",
	}

	if !data.HasQuery {
		h.renderer.render(w, r, "search", data, map[string]any{"hits": []any{}})
		return
	}

	result, err := ops.Search(r.Context(), h.env, ops.SearchInput{
		Query: data.Query,
		State: data.State,
		Match: q.Get("match"),
		Limit: parseIntParam(r, "limit", 20),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	data.Hits = result.Hits
	h.renderer.render(w, r, "search", data, result)
}

// HandleStats handles GET /memories/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := ops.Stats(r.Context(), h.env)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.render(w, r, "stats", StatsPageData{
		PageData: h.renderer.page("Stats", "stats"),
		Stats:    stats,
	}, stats)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
