package memory

import "time"

// ExportSchemaVersion is written into the JSONL header line.
const ExportSchemaVersion = "1.0"

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	TaskmemExport bool      `json:"_taskmem_export"`
	SchemaVersion string    `json:"schema_version"`
	ExportedAt    time.Time `json:"exported_at"`
}

// ExportRecord is one memory in JSONL export format. Derived fields are written
// for readers but recomputed on import.
type ExportRecord struct {
	// Header detection; true only on the header line.
	TaskmemExport bool   `json:"_taskmem_export,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`

	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	State         State      `json:"state"`
	Content       string     `json:"content"`
	SizeBytes     int        `json:"size_bytes"`     // IGNORED on import, recomputed
	TokenEstimate int        `json:"token_estimate"` // IGNORED on import, recomputed
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`

	// Snapshot is the prior-state snapshot kept for rollback, if any.
	Snapshot *string `json:"snapshot,omitempty"`
}

// ToTaskMemory converts a record, recomputing derived fields.
func (r *ExportRecord) ToTaskMemory() *TaskMemory {
	m := &TaskMemory{
		ID:         r.ID,
		TaskID:     r.TaskID,
		State:      r.State,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ArchivedAt: r.ArchivedAt,
		ClosedAt:   r.ClosedAt,
	}
	m.Recompute()
	return m
}

// ToExportRecord converts a memory and its optional snapshot for export.
func ToExportRecord(m *TaskMemory, snapshot *string) *ExportRecord {
	return &ExportRecord{
		ID:            m.ID,
		TaskID:        m.TaskID,
		State:         m.State,
		Content:       m.Content,
		SizeBytes:     m.SizeBytes,
		TokenEstimate: m.TokenEstimate,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		ArchivedAt:    m.ArchivedAt,
		ClosedAt:      m.ClosedAt,
		Snapshot:      snapshot,
	}
}
