package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
	"github.com/hpungsan/taskmem/internal/store"
)

// Search limits
const (
	DefaultLimit    = 20
	MaxLimit        = 100
	MaxQueryChars   = 500
	MaxSnippetChars = 200
)

// Query narrows a search.
type Query struct {
	Text  string
	Limit int // default: 20, max: 100

	// State restricts hits to one state; empty returns both.
	State memory.State

	// Match is a glob over task ids.
	Match string
}

// Hit is one ranked search result.
type Hit struct {
	TaskID    string       `json:"task_id"`
	State     memory.State `json:"state"`
	Score     int          `json:"score"`
	Snippet   string       `json:"snippet"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Results is the outcome of Search.
type Results struct {
	Query     string               `json:"query"`
	Hits      []Hit                `json:"hits"`
	Rebuilt   bool                 `json:"rebuilt,omitempty"`
	Corrupted []store.CorruptEntry `json:"corrupted,omitempty"`
}

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TermFrequencies counts each token of s.
func TermFrequencies(s string) map[string]int {
	tf := make(map[string]int)
	for _, t := range Tokenize(s) {
		tf[t]++
	}
	return tf
}

// Search syncs the index with the store and ranks matching memories by the
// summed frequency of the query terms. Ties go to the most recently updated
// memory, then to the smaller task id.
func (ix *Index) Search(ctx context.Context, q Query) (*Results, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	if utf8.RuneCountInString(text) > MaxQueryChars {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("query exceeds maximum length of %d characters", MaxQueryChars))
	}
	if q.State != "" && !q.State.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid state %q", q.State))
	}
	var matcher glob.Glob
	if q.Match != "" {
		g, err := glob.Compile(q.Match)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid match pattern %q: %v", q.Match, err))
		}
		matcher = g
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	terms := uniqueTerms(Tokenize(text))
	if len(terms) == 0 {
		return nil, errors.NewInvalidRequest("query has no searchable terms")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	synced, err := ix.syncLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := &Results{Query: text, Rebuilt: synced.Rebuilt, Corrupted: synced.Corrupted}

	hits, err := ix.rank(ctx, terms)
	if err != nil {
		ix.logger.Warn("search query failed, rebuilding index", "error", err)
		mems, _, listErr := ix.src.List(ctx, store.Filter{})
		if listErr != nil {
			return nil, listErr
		}
		if _, err := ix.rebuildLocked(ctx, mems); err != nil {
			return nil, err
		}
		out.Rebuilt = true
		if hits, err = ix.rank(ctx, terms); err != nil {
			return nil, errors.NewIOFailure("search index query", err)
		}
	}

	out.Hits = make([]Hit, 0, min(len(hits), limit))
	for _, h := range hits {
		if q.State != "" && h.State != q.State {
			continue
		}
		if matcher != nil && !matcher.Match(h.TaskID) {
			continue
		}
		out.Hits = append(out.Hits, h)
		if len(out.Hits) == limit {
			break
		}
	}
	return out, nil
}

func (ix *Index) rank(ctx context.Context, terms []string) ([]Hit, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(terms)), ", ")
	query := fmt.Sprintf(`
		SELECT d.task_id, d.state, d.updated_at, d.content, SUM(t.tf) AS score
		FROM terms t
		JOIN docs d ON d.task_id = t.task_id
		WHERE t.term IN (%s)
		GROUP BY d.task_id
		ORDER BY score DESC, d.updated_at DESC, d.task_id ASC`, placeholders)

	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h         Hit
			state     string
			updatedAt int64
			content   string
		)
		if err := rows.Scan(&h.TaskID, &state, &updatedAt, &content, &h.Score); err != nil {
			return nil, err
		}
		h.State = memory.State(state)
		h.UpdatedAt = time.Unix(0, updatedAt).UTC()
		h.Snippet = Snippet(content, terms, MaxSnippetChars)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// SQLite already orders; keep the contract explicit for equal scores.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].TaskID < hits[j].TaskID
	})
	return hits, nil
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Snippet returns the first line of content containing one of terms, trimmed
// and truncated to about maxChars bytes.
func Snippet(content string, terms []string, maxChars int) string {
	for _, line := range strings.Split(content, "\n") {
		for _, tok := range Tokenize(line) {
			if containsTerm(terms, tok) {
				return truncateSnippet(strings.TrimSpace(line), maxChars)
			}
		}
	}
	return ""
}

func containsTerm(terms []string, tok string) bool {
	for _, t := range terms {
		if t == tok {
			return true
		}
	}
	return false
}

// truncateSnippet cuts s to about maxChars bytes without splitting a rune,
// preferring a word boundary.
func truncateSnippet(s string, maxChars int) string {
	if maxChars <= 0 {
		return "..."
	}
	if len(s) <= maxChars {
		return s
	}

	truncateAt := maxChars
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	if truncateAt == 0 {
		return "..."
	}

	truncated := s[:truncateAt]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > truncateAt/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
