package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/models"
)

func fixedRecord(payload string) *models.AuditRecord {
	return &models.AuditRecord{
		ID:             uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		TenantID:       "oakland-unified",
		SequenceNumber: 7,
		Timestamp:      time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		ActorID:        "staff-441",
		ActorRole:      "registrar",
		Action:         "student_record_updated",
		EntityType:     "student",
		EntityID:       "stu-1009",
		Payload:        json.RawMessage(payload),
		PreviousHash:   "deadbeef",
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	rec := fixedRecord(`{"field":"grade","old":"B","new":"A"}`)
	first := ComputeHash(rec.PreviousHash, Canonicalize(rec))
	second := ComputeHash(rec.PreviousHash, Canonicalize(rec))
	if first != second {
		t.Fatalf("same input produced different digests: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("digest is not 64 hex chars: %q", first)
	}
}

func TestCanonicalizePayloadKeyOrder(t *testing.T) {
	a := fixedRecord(`{"old":"B","new":"A","field":"grade"}`)
	b := fixedRecord(`{"field":"grade","new":"A","old":"B"}`)
	if ComputeHash(a.PreviousHash, Canonicalize(a)) != ComputeHash(b.PreviousHash, Canonicalize(b)) {
		t.Fatal("semantically identical payloads hashed differently")
	}
}

func TestCanonicalizeFieldSensitivity(t *testing.T) {
	base := fixedRecord(`{"k":"v"}`)
	baseHash := ComputeHash(base.PreviousHash, Canonicalize(base))

	tests := []struct {
		name   string
		mutate func(*models.AuditRecord)
	}{
		{"action", func(r *models.AuditRecord) { r.Action = "student_record_deleted" }},
		{"actor", func(r *models.AuditRecord) { r.ActorID = "staff-442" }},
		{"timestamp", func(r *models.AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Microsecond) }},
		{"sequence", func(r *models.AuditRecord) { r.SequenceNumber = 8 }},
		{"entity_id", func(r *models.AuditRecord) { r.EntityID = "stu-1010" }},
		{"tenant", func(r *models.AuditRecord) { r.TenantID = "berkeley-unified" }},
		{"payload", func(r *models.AuditRecord) { r.Payload = json.RawMessage(`{"k":"w"}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fixedRecord(`{"k":"v"}`)
			tt.mutate(rec)
			if ComputeHash(rec.PreviousHash, Canonicalize(rec)) == baseHash {
				t.Errorf("changing %s did not change the digest", tt.name)
			}
		})
	}
}

// Length prefixes must keep adjacent fields from bleeding into each other:
// ("ab","c") and ("a","bc") concatenate identically without them.
func TestCanonicalizeFieldBoundaries(t *testing.T) {
	a := fixedRecord(`{}`)
	a.ActorID = "ab"
	a.ActorRole = "c"
	b := fixedRecord(`{}`)
	b.ActorID = "a"
	b.ActorRole = "bc"
	if ComputeHash(a.PreviousHash, Canonicalize(a)) == ComputeHash(b.PreviousHash, Canonicalize(b)) {
		t.Fatal("field boundary shift did not change the digest")
	}
}

// TIMESTAMPTZ keeps microseconds; a digest must not depend on precision the
// store cannot return.
func TestCanonicalizeSurvivesStoreRoundTrip(t *testing.T) {
	rec := fixedRecord(`{"k":"v"}`)
	if rec.Timestamp.Nanosecond()%1000 == 0 {
		t.Fatal("fixture timestamp has no sub-microsecond digits")
	}
	stored := *rec
	stored.Timestamp = stored.Timestamp.Truncate(time.Microsecond)

	before := ComputeHash(rec.PreviousHash, Canonicalize(rec))
	after := ComputeHash(stored.PreviousHash, Canonicalize(&stored))
	if before != after {
		t.Fatalf("digest changed across the store round trip: %s vs %s", before, after)
	}
}

func TestSentinelCannotCollide(t *testing.T) {
	if len(SentinelHash) == 64 {
		t.Fatal("sentinel has digest length, could collide with a real hash")
	}
}

func TestNewRecordComputesVerifiableDigest(t *testing.T) {
	correlation := uuid.New()
	rec := NewRecord(RecordParams{
		TenantID:      "oakland-unified",
		ActorID:       "staff-441",
		ActorRole:     "registrar",
		Action:        "enrollment_created",
		EntityType:    "enrollment",
		EntityID:      "enr-77",
		Payload:       json.RawMessage(`{"term":"fall"}`),
		CorrelationID: &correlation,
		Timestamp:     time.Now(),
	}, 1, SentinelHash)

	if rec.SequenceNumber != 1 || rec.PreviousHash != SentinelHash {
		t.Fatalf("genesis record misassembled: %+v", rec)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Fatal("record timestamp not normalized to UTC")
	}
	if rec.Timestamp.Nanosecond()%1000 != 0 {
		t.Fatal("record timestamp carries sub-microsecond precision the store would drop")
	}
	if got := ComputeHash(rec.PreviousHash, Canonicalize(rec)); got != rec.CurrentHash {
		t.Fatalf("stored digest %s does not recompute, got %s", rec.CurrentHash, got)
	}
}

func TestNewPlatformRecordUnchained(t *testing.T) {
	rec := NewPlatformRecord(RecordParams{
		ActorID:    "ops-1",
		ActorRole:  "platform_operator",
		Action:     "tenant_provisioned",
		EntityType: "tenant",
		EntityID:   "oakland-unified",
		Timestamp:  time.Now(),
	})
	if rec.TenantID != "" || rec.SequenceNumber != 0 {
		t.Fatalf("platform record must not carry tenant chain fields: %+v", rec)
	}
	if rec.PreviousHash != "" || rec.CurrentHash != "" {
		t.Fatalf("platform record must not carry hashes: %+v", rec)
	}
}
