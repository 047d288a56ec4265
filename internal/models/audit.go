package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one entry in a tenant's hash chain. Records are immutable
// once persisted: there is no update or delete anywhere in this codebase,
// and retention/purge is a separately privileged external process.
//
// TenantID is empty only for the platform-scope stream (cross-tenant
// operations), which carries no sequence numbers or hash linkage.
type AuditRecord struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorID        string          `json:"actor_id"`
	ActorRole      string          `json:"actor_role"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  *uuid.UUID      `json:"correlation_id,omitempty"`
	PreviousHash   string          `json:"previous_hash,omitempty"`
	CurrentHash    string          `json:"current_hash,omitempty"`
}

// IsPlatformScope reports whether the record belongs to the unchained
// cross-tenant stream.
func (r *AuditRecord) IsPlatformScope() bool {
	return r.TenantID == ""
}

// Verification finding reasons.
const (
	FindingHashMismatch      = "hash_mismatch"      // stored current_hash != recomputed digest
	FindingLinkBroken        = "link_broken"        // previous_hash != predecessor's current_hash
	FindingSequenceGap       = "sequence_gap"       // missing sequence number inside the range
	FindingSequenceDuplicate = "sequence_duplicate" // same sequence number seen twice
	FindingAnchorMismatch    = "anchor_mismatch"    // first record's previous_hash != supplied anchor
)

type VerificationFinding struct {
	SequenceNumber int64  `json:"sequence_number"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
}

// VerificationReport is the outcome of walking a contiguous sequence range.
// Tampering is data, not an error: a broken chain yields Valid=false with
// findings, never a failed call.
type VerificationReport struct {
	TenantID      string                `json:"tenant_id"`
	StartSequence int64                 `json:"start_sequence"`
	EndSequence   int64                 `json:"end_sequence"`
	Valid         bool                  `json:"valid"`
	CheckedCount  int64                 `json:"checked_count"`
	Findings      []VerificationFinding `json:"findings"`
}

// Export job statuses.
const (
	ExportStatusPending   = "pending"
	ExportStatusRunning   = "running"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
)

// Export formats.
const (
	ExportFormatCSV   = "csv"
	ExportFormatJSONL = "jsonl"
)

func IsValidExportFormat(format string) bool {
	return format == ExportFormatCSV || format == ExportFormatJSONL
}

// ExportJob tracks an asynchronous compliance export. Result sets small
// enough for a synchronous response never create a job.
type ExportJob struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	RequestedBy string          `json:"requested_by"`
	Format      string          `json:"format"`
	Filter      json.RawMessage `json:"filter"`
	Status      string          `json:"status"`
	RowEstimate int64           `json:"row_estimate"`
	FilePath    *string         `json:"file_path,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExportArtifact is a synchronously produced deliverable.
type ExportArtifact struct {
	Content     []byte `json:"-"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	RowCount    int64  `json:"row_count"`
}

// Aggregate shapes served by the query engine.

type DayActivity struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

type ActorActivity struct {
	ActorID  string    `json:"actor_id"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}
