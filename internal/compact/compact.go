// Package compact shrinks task memory content without losing its structure.
//
// Rules, applied outside decision sections:
//   - repeated sections with the same name merge into the first occurrence
//   - exact duplicate entries are dropped, keeping the first
//   - for "- key: value" entries only the last value per key survives
//   - runs of blank lines collapse to one
//
// Decision sections are copied byte for byte. A fenced code block is always a
// single entry. The result is never longer than the input, and compacting it
// again changes nothing.
package compact

import (
	"regexp"
	"strings"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/memory"
)

var (
	listItemPattern  = regexp.MustCompile(`^[ ]{0,3}([-*+]|\d+[.)])[ \t]`)
	keyedPattern     = regexp.MustCompile(`^[ ]{0,3}[-*+][ \t]+([^:\n]{1,64}?):[ \t]+\S`)
	fenceOpenPattern = regexp.MustCompile("^[ ]{0,3}(`{3,}|~{3,})")
)

// Compact returns the compacted content. It fails with NOTHING_TO_COMPACT
// when content is already minimal.
func Compact(content string) (string, error) {
	out := compact(content)
	if out == content || len(out) >= len(content) {
		return content, errors.NewNothingToCompact("")
	}
	return out, nil
}

type entryKind int

const (
	paragraph entryKind = iota
	listItem
	fence
)

type entry struct {
	text        string
	kind        entryKind
	blankBefore bool
	key         string

	// open marks a fence with no closing line; it runs to the end of the text.
	open bool
}

type block struct {
	// header is the header line without its newline; empty for the preamble.
	header string

	// raw is the verbatim text of a decision section.
	raw      string
	verbatim bool

	leadingBlank  bool
	entries       []entry
	trailingBlank bool
}

func compact(content string) string {
	sections := memory.ParseSections(content)

	var blocks []*block
	if len(sections) == 0 {
		blocks = append(blocks, parseBody("", content))
	} else {
		if pre := content[:sections[0].HeaderStart]; pre != "" {
			blocks = append(blocks, parseBody("", pre))
		}
		merged := make(map[string]*block)
		for _, sec := range sections {
			if sec.IsDecisions() {
				blocks = append(blocks, &block{raw: content[sec.HeaderStart:sec.ContentEnd], verbatim: true})
				continue
			}

			body := ""
			if sec.ContentStart < sec.ContentEnd {
				body = content[sec.ContentStart:sec.ContentEnd]
			}
			b := parseBody(sec.Header, body)

			key := mergeKey(sec)
			if first, ok := merged[key]; ok && !b.hasOpenFence() {
				for i, e := range b.entries {
					if i == 0 {
						e.blankBefore = true
					}
					first.entries = append(first.entries, e)
				}
				continue
			}
			merged[key] = b
			blocks = append(blocks, b)
		}
	}

	var sb strings.Builder
	sb.Grow(len(content))
	for i, b := range blocks {
		if b.verbatim {
			sb.WriteString(b.raw)
			continue
		}
		b.entries = dedupe(b.entries)
		b.render(&sb, i == len(blocks)-1)
	}
	return sb.String()
}

func mergeKey(sec memory.Section) string {
	if sec.Canonical != "" {
		return "canonical:" + sec.Canonical
	}
	return "custom:" + strings.Repeat("#", sec.Level) + " " + memory.Normalize(sec.HeaderName)
}

// parseBody splits a section body into entries: fenced blocks, list items
// with their indented continuation lines, and paragraphs.
func parseBody(header, body string) *block {
	b := &block{header: header}
	if body == "" {
		return b
	}
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")

	blank := false
	seenEntry := false
	for i := 0; i < len(lines); {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			blank = true
			i++
			continue
		}

		var (
			text string
			next int
			key  string
			kind = paragraph
			open bool
		)
		switch {
		case fenceOpenPattern.MatchString(line):
			kind = fence
			text, next, open = takeFence(lines, i)
		case listItemPattern.MatchString(line):
			kind = listItem
			text, next = takeListItem(lines, i)
			if next == i+1 {
				if m := keyedPattern.FindStringSubmatch(line); m != nil {
					key = memory.Normalize(m[1])
				}
			}
		default:
			text, next = takeParagraph(lines, i)
		}

		if !seenEntry {
			b.leadingBlank = blank
			seenEntry = true
		}
		b.entries = append(b.entries, entry{text: text, kind: kind, blankBefore: blank && len(b.entries) > 0, key: key, open: open})
		blank = false
		i = next
	}

	if seenEntry {
		b.trailingBlank = blank
	} else {
		b.leadingBlank = blank
	}
	return b
}

// takeFence closes on the same rule as memory.FencedRanges: a fence line of
// the opening character at least as long as the opener.
func takeFence(lines []string, start int) (string, int, bool) {
	opener := fenceOpenPattern.FindStringSubmatch(lines[start])[1]
	for i := start + 1; i < len(lines); i++ {
		m := fenceOpenPattern.FindStringSubmatch(lines[i])
		if m != nil && m[1][0] == opener[0] && len(m[1]) >= len(opener) {
			return strings.Join(lines[start:i+1], "\n"), i + 1, false
		}
	}
	return strings.Join(lines[start:], "\n"), len(lines), true
}

func takeListItem(lines []string, start int) (string, int) {
	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if strings.TrimSpace(line) == "" || fenceOpenPattern.MatchString(line) {
			break
		}
		if !strings.HasPrefix(line, "  ") && !strings.HasPrefix(line, "\t") {
			break
		}
		i++
	}
	return strings.Join(lines[start:i], "\n"), i
}

func takeParagraph(lines []string, start int) (string, int) {
	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if strings.TrimSpace(line) == "" || fenceOpenPattern.MatchString(line) || listItemPattern.MatchString(line) {
			break
		}
		i++
	}
	return strings.Join(lines[start:i], "\n"), i
}

// dedupe keeps the last entry per key and the first of each exact duplicate.
func dedupe(entries []entry) []entry {
	lastByKey := make(map[string]int)
	for i, e := range entries {
		if e.key != "" {
			lastByKey[e.key] = i
		}
	}

	seen := make(map[string]bool)
	out := make([]entry, 0, len(entries))
	for i, e := range entries {
		if e.key != "" && lastByKey[e.key] != i {
			continue
		}
		norm := normalizeEntry(e.text)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		if len(out) == 0 {
			e.blankBefore = false
		}
		out = append(out, e)
	}
	return out
}

func normalizeEntry(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

func (b *block) hasOpenFence() bool {
	for _, e := range b.entries {
		if e.open {
			return true
		}
	}
	return false
}

// needsBreak reports whether cur must be preceded by a blank line to parse
// back as its own entry after prev. Parsed input never needs one; it matters
// once dedupe has removed the entry that used to separate them.
func needsBreak(prev, cur entry) bool {
	switch {
	case cur.kind == fence:
		return false
	case prev.kind == paragraph:
		return cur.kind == paragraph
	case prev.kind == listItem:
		first, _, _ := strings.Cut(cur.text, "\n")
		return strings.HasPrefix(first, "  ") || strings.HasPrefix(first, "\t")
	}
	return false
}

func (b *block) render(sb *strings.Builder, last bool) {
	if b.header != "" {
		sb.WriteString(b.header)
		sb.WriteString("\n")
	}
	if len(b.entries) == 0 {
		if (b.leadingBlank || b.trailingBlank) && !last {
			sb.WriteString("\n")
		}
		return
	}
	if b.leadingBlank {
		sb.WriteString("\n")
	}
	for i, e := range b.entries {
		if i > 0 && (e.blankBefore || needsBreak(b.entries[i-1], e)) {
			sb.WriteString("\n")
		}
		sb.WriteString(e.text)
		sb.WriteString("\n")
	}
	if b.trailingBlank && !last {
		sb.WriteString("\n")
	}
}
