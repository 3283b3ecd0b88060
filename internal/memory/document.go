package memory

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// frontMatter is the YAML header of a memory file.
type frontMatter struct {
	ID            string     `yaml:"id"`
	TaskID        string     `yaml:"task_id"`
	State         State      `yaml:"state"`
	CreatedAt     time.Time  `yaml:"created_at"`
	UpdatedAt     time.Time  `yaml:"updated_at"`
	ArchivedAt    *time.Time `yaml:"archived_at,omitempty"`
	ClosedAt      *time.Time `yaml:"closed_at,omitempty"`
	SizeBytes     int        `yaml:"size_bytes"`
	TokenEstimate int        `yaml:"token_estimate"`
	Checksum      string     `yaml:"checksum"`
}

// Encode renders a memory to its on-disk form: front-matter, closing
// delimiter, one newline, then the content verbatim.
func Encode(m *TaskMemory) ([]byte, error) {
	fm := frontMatter{
		ID:            m.ID,
		TaskID:        m.TaskID,
		State:         m.State,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		ArchivedAt:    m.ArchivedAt,
		ClosedAt:      m.ClosedAt,
		SizeBytes:     m.SizeBytes,
		TokenEstimate: m.TokenEstimate,
		Checksum:      m.Checksum,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("memory: encode front-matter: %w", err)
	}

	var sb strings.Builder
	sb.Grow(len(header) + len(m.Content) + 16)
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(header)
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.WriteString(m.Content)
	return []byte(sb.String()), nil
}

// Decode parses a memory file and verifies its integrity.
func Decode(raw []byte) (*TaskMemory, error) {
	s := string(raw)
	if !strings.HasPrefix(s, frontMatterDelimiter+"\n") {
		return nil, fmt.Errorf("memory: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter)+1:]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter+"\n")
	if idx == -1 {
		return nil, fmt.Errorf("memory: unclosed front-matter block")
	}
	header := rest[:idx+1]
	content := rest[idx+len("\n"+frontMatterDelimiter+"\n"):]

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("memory: front-matter parse error: %w", err)
	}

	m := &TaskMemory{
		ID:            fm.ID,
		TaskID:        fm.TaskID,
		State:         fm.State,
		Content:       content,
		SizeBytes:     fm.SizeBytes,
		TokenEstimate: fm.TokenEstimate,
		CreatedAt:     fm.CreatedAt,
		UpdatedAt:     fm.UpdatedAt,
		ArchivedAt:    fm.ArchivedAt,
		ClosedAt:      fm.ClosedAt,
		Checksum:      fm.Checksum,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks required fields and that derived fields match the content.
func (m *TaskMemory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory: missing id")
	}
	if err := ValidateTaskID(m.TaskID); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if !m.State.Valid() {
		return fmt.Errorf("memory: invalid state %q", m.State)
	}
	if m.State == StateArchived && m.ArchivedAt == nil {
		return fmt.Errorf("memory: archived without archived_at")
	}
	if got := Checksum(m.Content); got != m.Checksum {
		return fmt.Errorf("memory: checksum mismatch (have %s, content is %s)", m.Checksum, got)
	}
	if m.SizeBytes != CountBytes(m.Content) {
		return fmt.Errorf("memory: size_bytes %d does not match content (%d)", m.SizeBytes, CountBytes(m.Content))
	}
	return nil
}
