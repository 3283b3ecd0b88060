// Package memory defines the task memory domain type, its on-disk codec,
// and the markdown section model shared by the store and the compaction engine.
package memory

import "time"

// State is the lifecycle state of a task memory.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"

	// StateDeleted is never persisted. A deleted memory is physically absent.
	StateDeleted State = "deleted"
)

// Valid reports whether s is a persisted state.
func (s State) Valid() bool {
	return s == StateActive || s == StateArchived
}

// TaskMemory is the per-task scratch context tracked by the store.
type TaskMemory struct {
	// ID is a ULID assigned at creation. It survives archive and restore.
	ID string

	// TaskID is the task registry's identifier; the unique key.
	TaskID string

	State State

	// Content is the markdown body, stored verbatim.
	Content string

	// SizeBytes and TokenEstimate are derived from Content on every mutation.
	SizeBytes     int
	TokenEstimate int

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time

	// ClosedAt is set when the task moved past Done; retention counts from ArchivedAt.
	ClosedAt *time.Time

	// Checksum is "sha256:<hex>" of Content.
	Checksum string

	// Path is where the memory was read from. Not persisted.
	Path string

	// SizeWarning is set when SizeBytes exceeds the configured threshold. Not persisted.
	SizeWarning bool
}

// Recompute refreshes every field derived from Content.
func (m *TaskMemory) Recompute() {
	m.SizeBytes = CountBytes(m.Content)
	m.TokenEstimate = EstimateTokens(m.Content)
	m.Checksum = Checksum(m.Content)
}

// Clone returns a deep copy.
func (m *TaskMemory) Clone() *TaskMemory {
	c := *m
	if m.ArchivedAt != nil {
		t := *m.ArchivedAt
		c.ArchivedAt = &t
	}
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Summary is a TaskMemory without its content, used for listings.
type Summary struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	State         State      `json:"state"`
	SizeBytes     int        `json:"size_bytes"`
	TokenEstimate int        `json:"token_estimate"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	SizeWarning   bool       `json:"size_warning,omitempty"`
}

// ToSummary strips the content.
func (m *TaskMemory) ToSummary() Summary {
	return Summary{
		ID:            m.ID,
		TaskID:        m.TaskID,
		State:         m.State,
		SizeBytes:     m.SizeBytes,
		TokenEstimate: m.TokenEstimate,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		ArchivedAt:    m.ArchivedAt,
		ClosedAt:      m.ClosedAt,
		SizeWarning:   m.SizeWarning,
	}
}
