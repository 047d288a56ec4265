package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/models"
)

// SentinelHash is the previous-hash value of every sequence-1 record. Seven
// characters, so it can never equal a 64-character hex digest.
const SentinelHash = "GENESIS"

// RecordParams carries the caller-supplied fields of a new record. Sequence
// number and hashes are assigned by the sequencer and factory, never by the
// caller.
type RecordParams struct {
	TenantID      string
	ActorID       string
	ActorRole     string
	Action        string
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	CorrelationID *uuid.UUID
	Timestamp     time.Time
}

// NewRecord builds an immutable chained record: all fields set once, digest
// computed internally. There is no "set hash later" step; the hash must
// exist before the store's compare-and-swap runs. The timestamp is truncated
// to microseconds, the finest precision the backing store round-trips.
func NewRecord(p RecordParams, sequenceNumber int64, previousHash string) *models.AuditRecord {
	rec := &models.AuditRecord{
		ID:             uuid.New(),
		TenantID:       p.TenantID,
		SequenceNumber: sequenceNumber,
		Timestamp:      p.Timestamp.UTC().Truncate(time.Microsecond),
		ActorID:        p.ActorID,
		ActorRole:      p.ActorRole,
		Action:         p.Action,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Payload:        p.Payload,
		CorrelationID:  p.CorrelationID,
		PreviousHash:   previousHash,
	}
	rec.CurrentHash = ComputeHash(previousHash, Canonicalize(rec))
	return rec
}

// NewPlatformRecord builds an unchained record for the cross-tenant stream:
// no sequence number, no hash linkage.
func NewPlatformRecord(p RecordParams) *models.AuditRecord {
	return &models.AuditRecord{
		ID:            uuid.New(),
		Timestamp:     p.Timestamp.UTC().Truncate(time.Microsecond),
		ActorID:       p.ActorID,
		ActorRole:     p.ActorRole,
		Action:        p.Action,
		EntityType:    p.EntityType,
		EntityID:      p.EntityID,
		Payload:       p.Payload,
		CorrelationID: p.CorrelationID,
	}
}

// Canonicalize serializes every immutable record field into a stable byte
// sequence: fixed field order, each field prefixed with its decimal byte
// length. Length prefixes leave no delimiter that could also occur inside a
// field value, so two distinct field sets can never encode to the same
// bytes. Timestamps are folded in as UTC microsecond decimals: TIMESTAMPTZ
// keeps microseconds, so hashing anything finer would raise a false tamper
// alarm on every read-back.
func Canonicalize(r *models.AuditRecord) []byte {
	var buf bytes.Buffer
	writeField(&buf, r.TenantID)
	writeField(&buf, strconv.FormatInt(r.SequenceNumber, 10))
	writeField(&buf, strconv.FormatInt(r.Timestamp.UTC().UnixMicro(), 10))
	writeField(&buf, r.ActorID)
	writeField(&buf, r.ActorRole)
	writeField(&buf, r.Action)
	writeField(&buf, r.EntityType)
	writeField(&buf, r.EntityID)
	if r.CorrelationID != nil {
		writeField(&buf, r.CorrelationID.String())
	} else {
		writeField(&buf, "")
	}
	buf.Write(canonicalJSON(r.Payload))
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s", len(s), s)
}

// canonicalJSON normalizes an opaque payload so key order and whitespace
// cannot change the digest. json.Marshal sorts map keys, which makes the
// round trip deterministic for semantically identical payloads.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// ComputeHash produces the chain digest: SHA-256 over the previous hash and
// the canonical record bytes, hex encoded. Pure and deterministic. The hex
// encoding is fixed for the lifetime of a deployment; changing it would
// invalidate verification of all prior history.
func ComputeHash(previousHash string, canonical []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s", len(previousHash), previousHash)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
