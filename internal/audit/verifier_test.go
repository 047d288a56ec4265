package audit

import (
	"context"
	"testing"
	"time"

	"github.com/northstar-et/backend/internal/models"
)

const verifyTenant = "oakland-unified"

func findingReasons(report *models.VerificationReport) map[int64][]string {
	out := make(map[int64][]string)
	for _, f := range report.Findings {
		out[f.SequenceNumber] = append(out[f.SequenceNumber], f.Reason)
	}
	return out
}

func hasFinding(report *models.VerificationReport, seq int64, reason string) bool {
	for _, f := range report.Findings {
		if f.SequenceNumber == seq && f.Reason == reason {
			return true
		}
	}
	return false
}

func TestVerifySoundness(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 25)

	// Batch size smaller than the range exercises the windowed walk.
	v := NewVerifier(store, 4)
	report, err := v.Verify(context.Background(), verifyTenant, 1, 25, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("untampered chain reported invalid: %+v", report.Findings)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("untampered chain has findings: %+v", report.Findings)
	}
	if report.CheckedCount != 25 {
		t.Fatalf("checked %d records, want 25", report.CheckedCount)
	}
}

// Simulates the TIMESTAMPTZ read-back: stored timestamps come back with
// microsecond precision, and an untampered chain must still verify clean.
func TestVerifySurvivesTimestampRoundTrip(t *testing.T) {
	store := NewMemStore()
	recs := appendChain(t, store, verifyTenant, 5)

	for _, rec := range recs {
		store.Tamper(verifyTenant, rec.SequenceNumber, func(r *models.AuditRecord) {
			r.Timestamp = r.Timestamp.Truncate(time.Microsecond)
		})
	}

	report, err := NewVerifier(store, 100).Verify(context.Background(), verifyTenant, 1, 5, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("microsecond round trip reported as tampering: %+v", report.Findings)
	}
}

func TestVerifyCompletenessTamperedHash(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 5)

	store.Tamper(verifyTenant, 3, func(rec *models.AuditRecord) {
		rec.CurrentHash = "0000000000000000000000000000000000000000000000000000000000000000"
	})

	report, err := NewVerifier(store, 100).Verify(context.Background(), verifyTenant, 1, 5, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if !hasFinding(report, 3, models.FindingHashMismatch) {
		t.Fatalf("no hash mismatch finding at sequence 3: %v", findingReasons(report))
	}
	// The successor's previous hash no longer matches either.
	if !hasFinding(report, 4, models.FindingLinkBroken) {
		t.Fatalf("no broken link finding at sequence 4: %v", findingReasons(report))
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 4)

	store.Tamper(verifyTenant, 2, func(rec *models.AuditRecord) {
		rec.Payload = []byte(`{"n":999}`)
	})

	report, err := NewVerifier(store, 100).Verify(context.Background(), verifyTenant, 1, 4, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || !hasFinding(report, 2, models.FindingHashMismatch) {
		t.Fatalf("payload edit not detected: %v", findingReasons(report))
	}
}

func TestVerifySequenceGap(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 5)
	store.Drop(verifyTenant, 3)

	report, err := NewVerifier(store, 2).Verify(context.Background(), verifyTenant, 1, 5, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || !hasFinding(report, 3, models.FindingSequenceGap) {
		t.Fatalf("missing record not reported as gap: %v", findingReasons(report))
	}
}

func TestVerifyTrailingGap(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 5)
	store.Drop(verifyTenant, 5)

	report, err := NewVerifier(store, 100).Verify(context.Background(), verifyTenant, 1, 5, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || !hasFinding(report, 5, models.FindingSequenceGap) {
		t.Fatalf("trailing gap below head not reported: %v", findingReasons(report))
	}
}

func TestVerifyWithAnchor(t *testing.T) {
	store := NewMemStore()
	recs := appendChain(t, store, verifyTenant, 5)
	v := NewVerifier(store, 100)

	// Sub-range verification against a known checkpoint, no re-hash of
	// earlier history.
	report, err := v.Verify(context.Background(), verifyTenant, 4, 5, recs[2].CurrentHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("anchored sub-range invalid: %+v", report.Findings)
	}

	report, err = v.Verify(context.Background(), verifyTenant, 4, 5, "not-the-anchor")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || !hasFinding(report, 4, models.FindingAnchorMismatch) {
		t.Fatalf("wrong anchor not reported: %v", findingReasons(report))
	}
}

func TestVerifyRangePastHead(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 5)

	report, err := NewVerifier(store, 100).Verify(context.Background(), verifyTenant, 1, 100, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.CheckedCount != 5 {
		t.Fatalf("range past head: valid=%v checked=%d", report.Valid, report.CheckedCount)
	}
}

func TestVerifyInvalidRange(t *testing.T) {
	v := NewVerifier(NewMemStore(), 100)
	if _, err := v.Verify(context.Background(), verifyTenant, 5, 2, ""); err == nil {
		t.Fatal("inverted range accepted")
	}
}

func TestVerifyCancellation(t *testing.T) {
	store := NewMemStore()
	appendChain(t, store, verifyTenant, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewVerifier(store, 2).Verify(ctx, verifyTenant, 1, 10, ""); err == nil {
		t.Fatal("cancelled verification did not error")
	}
}
