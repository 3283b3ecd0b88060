package memory

import (
	"strings"
	"testing"
)

var testMemory = `# Task T1

## Summary
Started the auth refactor

## Decisions
(pending)

## Open questions
- Do we keep sessions?

## Next steps
- Write tests
`

func TestParseSections_StandardMemory(t *testing.T) {
	sections := ParseSections(testMemory)
	if len(sections) != 5 {
		t.Fatalf("Expected 5 sections, got %d", len(sections))
	}

	expected := []string{"Task T1", "Summary", "Decisions", "Open questions", "Next steps"}
	for i, want := range expected {
		if sections[i].HeaderName != want {
			t.Errorf("Section %d: HeaderName = %q, want %q", i, sections[i].HeaderName, want)
		}
	}
	if sections[0].Level != 1 || sections[1].Level != 2 {
		t.Errorf("Levels = %d,%d, want 1,2", sections[0].Level, sections[1].Level)
	}
}

func TestParseSections_CanonicalMatch(t *testing.T) {
	text := "## Status\nok\n## ADR\nx\n## Design Reviews\ny\n"
	sections := ParseSections(text)
	if len(sections) != 3 {
		t.Fatalf("Expected 3 sections, got %d", len(sections))
	}

	if sections[0].Canonical != SectionSummary {
		t.Errorf("Status canonical = %q, want %q", sections[0].Canonical, SectionSummary)
	}
	if !sections[1].IsDecisions() {
		t.Errorf("ADR should be a decisions section")
	}
	if sections[2].Canonical != "" {
		t.Errorf("Design Reviews should have no canonical match, got %q", sections[2].Canonical)
	}
}

func TestParseSections_IgnoresHeadersInFences(t *testing.T) {
	text := "## Summary\n```\n## not a header\n```\n## Notes\nn\n"
	sections := ParseSections(text)
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d: %v", len(sections), SectionNames(sections))
	}
	if sections[1].HeaderName != "Notes" {
		t.Errorf("second section = %q, want Notes", sections[1].HeaderName)
	}
}

func TestParseSections_Placeholder(t *testing.T) {
	sections := ParseSections(testMemory)

	if !FindSection(sections, "decisions").IsPlaceholder {
		t.Error("Decisions with (pending) should be a placeholder")
	}
	if FindSection(sections, "summary").IsPlaceholder {
		t.Error("Summary has real content")
	}
}

func TestParseSections_NoHeaders(t *testing.T) {
	if sections := ParseSections("draft"); sections != nil {
		t.Errorf("expected nil, got %v", sections)
	}
}

func TestFencedRanges_Unclosed(t *testing.T) {
	text := "a\n```\n## inside\n"
	ranges := FencedRanges(text)
	if len(ranges) != 1 || ranges[0][1] != len(text) {
		t.Fatalf("unclosed fence should run to EOF, got %v", ranges)
	}
}

func TestFindSection_Synonym(t *testing.T) {
	sections := ParseSections(testMemory)

	s := FindSection(sections, "todo")
	if s == nil || s.HeaderName != "Next steps" {
		t.Fatalf("FindSection(todo) = %v, want Next steps", s)
	}
	if FindSectionExact(sections, "todo") != nil {
		t.Error("FindSectionExact must not resolve synonyms")
	}
}

func TestInsertContent_ReplacesPlaceholder(t *testing.T) {
	sections := ParseSections(testMemory)
	s := FindSection(sections, "Decisions")

	out := InsertContent(testMemory, s, "- Use JWT")
	if strings.Contains(out, "(pending)") {
		t.Errorf("placeholder not replaced:\n%s", out)
	}
	if !strings.Contains(out, "## Decisions\n- Use JWT\n\n## Open questions") {
		t.Errorf("unexpected layout:\n%s", out)
	}
}

func TestInsertContent_Appends(t *testing.T) {
	sections := ParseSections(testMemory)
	s := FindSection(sections, "Summary")

	out := InsertContent(testMemory, s, "Added middleware")
	if !strings.Contains(out, "Started the auth refactor\n\nAdded middleware\n\n## Decisions") {
		t.Errorf("unexpected layout:\n%s", out)
	}
}

func TestInsertContent_LastSection(t *testing.T) {
	sections := ParseSections(testMemory)
	s := FindSection(sections, "Next steps")

	out := InsertContent(testMemory, s, "- Ship it")
	if !strings.HasSuffix(out, "- Write tests\n\n- Ship it\n") {
		t.Errorf("unexpected tail:\n%q", out)
	}
}

func TestAppendContent(t *testing.T) {
	if got := AppendContent("", "draft"); got != "draft\n" {
		t.Errorf("AppendContent(empty) = %q", got)
	}
	if got := AppendContent("draft\n\n", "more\n"); got != "draft\n\nmore\n" {
		t.Errorf("AppendContent = %q", got)
	}
}

func TestDefaultTemplate(t *testing.T) {
	text := DefaultTemplate("T9")
	sections := ParseSections(text)

	if sections[0].HeaderName != "Task T9" {
		t.Errorf("title = %q", sections[0].HeaderName)
	}
	for _, name := range []string{SectionSummary, SectionDecisions, SectionOpenQuestions, SectionNextSteps} {
		s := FindSection(sections, name)
		if s == nil {
			t.Fatalf("template missing %s", name)
		}
		if !s.IsPlaceholder {
			t.Errorf("%s should start as a placeholder", name)
		}
	}
}
