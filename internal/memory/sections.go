package memory

import (
	"regexp"
	"slices"
	"strings"
)

// Canonical section names recognized in task memories.
const (
	SectionSummary       = "Summary"
	SectionDecisions     = "Decisions"
	SectionOpenQuestions = "Open questions"
	SectionNextSteps     = "Next steps"
	SectionKeyLocations  = "Key locations"
	SectionNotes         = "Notes"
)

// canonicalSections lists recognized sections in template order.
var canonicalSections = []string{
	SectionSummary,
	SectionDecisions,
	SectionOpenQuestions,
	SectionNextSteps,
	SectionKeyLocations,
	SectionNotes,
}

// sectionSynonyms maps canonical names to accepted header spellings (lowercase).
var sectionSynonyms = map[string][]string{
	SectionSummary:       {"summary", "status", "current status", "progress", "log", "timeline"},
	SectionDecisions:     {"decisions", "decision log", "decision records", "adr", "adrs", "decisions / constraints", "constraints"},
	SectionOpenQuestions: {"open questions", "questions", "risks", "unknowns", "open questions / risks"},
	SectionNextSteps:     {"next steps", "next actions", "todo", "action items", "tasks"},
	SectionKeyLocations:  {"key locations", "locations", "files", "paths", "references"},
	SectionNotes:         {"notes", "scratch", "scratchpad", "context"},
}

// CanonicalSections returns the recognized section names in template order.
func CanonicalSections() []string {
	return slices.Clone(canonicalSections)
}

// MatchCanonical returns the canonical section for a header name, or "" for custom headers.
func MatchCanonical(headerName string) string {
	name := Normalize(headerName)
	for _, canonical := range canonicalSections {
		if slices.Contains(sectionSynonyms[canonical], name) {
			return canonical
		}
	}
	return ""
}

// Section represents a parsed section boundary.
type Section struct {
	Header        string // full header line "## Decisions"
	HeaderName    string // "Decisions"
	Level         int    // number of '#'
	Canonical     string // canonical name, empty for custom headers
	HeaderStart   int    // byte offset of header start
	HeaderEnd     int    // byte offset after header text (before \n)
	ContentStart  int    // byte offset where content starts
	ContentEnd    int    // byte offset where content ends
	IsPlaceholder bool   // content is empty or a placeholder such as "(none)"
}

// IsDecisions reports whether the section holds decision records.
func (s Section) IsDecisions() bool {
	return s.Canonical == SectionDecisions
}

// headerPattern matches ATX headers; trailing spaces are not part of the name.
var headerPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+([^\n]+?)[ \t]*$`)

// fencePattern matches fence delimiters with up to 3 spaces of indentation.
var fencePattern = regexp.MustCompile("(?m)^[ ]{0,3}(`{3,}|~{3,})")

// FencedRanges returns [start, end) byte ranges of fenced code blocks.
// A closing fence uses the same character and is at least as long as the opener.
// An unclosed fence runs to the end of text.
func FencedRanges(text string) [][2]int {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var ranges [][2]int
	var openChar byte
	var openLen, openStart int
	inFence := false

	for _, m := range matches {
		fence := text[m[2]:m[3]]
		switch {
		case !inFence:
			openChar, openLen, openStart = fence[0], len(fence), m[0]
			inFence = true
		case fence[0] == openChar && len(fence) >= openLen:
			ranges = append(ranges, [2]int{openStart, m[1]})
			inFence = false
		}
	}
	if inFence {
		ranges = append(ranges, [2]int{openStart, len(text)})
	}
	return ranges
}

func insideFence(pos int, ranges [][2]int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

// placeholderPatterns are values treated as "no content yet" (lowercase, trimmed).
var placeholderPatterns = []string{
	"(pending)", "(none)", "(empty)", "(tbd)", "(n/a)",
	"tbd", "n/a", "none", "pending", "-",
}

// ParseSections finds markdown headers outside fenced code blocks.
// Returns nil when the text has no headers.
func ParseSections(text string) []Section {
	all := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return nil
	}

	fences := FencedRanges(text)
	matches := all[:0:0]
	for _, m := range all {
		if !insideFence(m[0], fences) {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sections := make([]Section, len(matches))
	for i, m := range matches {
		contentStart := m[1]
		if contentStart < len(text) && text[contentStart] == '\n' {
			contentStart++
		}
		contentEnd := len(text)
		if i+1 < len(matches) {
			contentEnd = matches[i+1][0]
		}

		name := text[m[4]:m[5]]
		content := ""
		if contentStart < contentEnd {
			content = text[contentStart:contentEnd]
		}

		sections[i] = Section{
			Header:        text[m[0]:m[1]],
			HeaderName:    name,
			Level:         m[3] - m[2],
			Canonical:     MatchCanonical(name),
			HeaderStart:   m[0],
			HeaderEnd:     m[1],
			ContentStart:  contentStart,
			ContentEnd:    contentEnd,
			IsPlaceholder: isPlaceholderContent(content),
		}
	}
	return sections
}

// FindSection finds a section by name, synonym-aware, falling back to an exact
// case-insensitive header match.
func FindSection(sections []Section, name string) *Section {
	if canonical := MatchCanonical(name); canonical != "" {
		for i := range sections {
			if sections[i].Canonical == canonical {
				return &sections[i]
			}
		}
	}
	return FindSectionExact(sections, name)
}

// FindSectionExact finds a section by exact header name (case-insensitive).
func FindSectionExact(sections []Section, name string) *Section {
	want := strings.ToLower(strings.TrimSpace(name))
	for i := range sections {
		if strings.ToLower(strings.TrimSpace(sections[i].HeaderName)) == want {
			return &sections[i]
		}
	}
	return nil
}

// SectionNames returns the header names, for error messages.
func SectionNames(sections []Section) []string {
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = s.HeaderName
	}
	return names
}

// InsertContent replaces a placeholder section body, or appends to it after a blank line.
func InsertContent(text string, section *Section, content string) string {
	content = strings.TrimRight(content, "\n")
	if section.IsPlaceholder {
		rest := text[section.ContentEnd:]
		sep := "\n"
		if rest != "" {
			sep = "\n\n"
		}
		return text[:section.ContentStart] + content + sep + rest
	}

	existing := strings.TrimRight(text[section.ContentStart:section.ContentEnd], " \t\n")
	rest := text[section.ContentEnd:]
	sep := "\n"
	if rest != "" {
		sep = "\n\n"
	}
	return text[:section.ContentStart] + existing + "\n\n" + content + sep + rest
}

// AppendContent appends delta to the end of text, separated by a blank line.
func AppendContent(text, delta string) string {
	delta = strings.TrimRight(delta, "\n")
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" {
		return delta + "\n"
	}
	return trimmed + "\n\n" + delta + "\n"
}

// DefaultTemplate renders the initial content for a new memory.
func DefaultTemplate(taskID string) string {
	var sb strings.Builder
	sb.WriteString("# Task " + taskID + "\n")
	for _, name := range []string{SectionSummary, SectionDecisions, SectionOpenQuestions, SectionNextSteps} {
		sb.WriteString("\n## " + name + "\n\n(none)\n")
	}
	return sb.String()
}

func isPlaceholderContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	return slices.Contains(placeholderPatterns, strings.ToLower(trimmed))
}
