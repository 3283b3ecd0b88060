package memory

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple lowercase", input: "In Progress", want: "in progress"},
		{name: "trim whitespace", input: "  done  ", want: "done"},
		{name: "collapse internal whitespace", input: "to    do", want: "to do"},
		{name: "tabs and newlines", input: "in\t\n progress", want: "in progress"},
		{name: "empty string", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCountBytes_MultiByte(t *testing.T) {
	// Size is measured in bytes, not runes.
	if got := CountBytes("héllo"); got != 6 {
		t.Errorf("CountBytes = %d, want 6", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"draft", 2},
		{"one two three", 4},
		{strings.Repeat("word ", 10), 13},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestChecksum_Stable(t *testing.T) {
	a := Checksum("draft")
	b := Checksum("draft")
	if a != b {
		t.Fatalf("checksum not stable: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Errorf("checksum %q missing algorithm prefix", a)
	}
	if Checksum("draft\n") == a {
		t.Error("checksum must change with content")
	}
}

func TestValidateTaskID(t *testing.T) {
	valid := []string{"T1", "PROJ-123", "task_9.v2", "a"}
	for _, id := range valid {
		if err := ValidateTaskID(id); err != nil {
			t.Errorf("ValidateTaskID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "../etc", "a/b", `a\b`, ".hidden", "-flag", "a..b", strings.Repeat("x", 129)}
	for _, id := range invalid {
		if err := ValidateTaskID(id); err == nil {
			t.Errorf("ValidateTaskID(%q) = nil, want error", id)
		}
	}
}
