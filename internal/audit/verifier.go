package audit

import (
	"context"
	"fmt"

	"github.com/northstar-et/backend/internal/models"
)

const defaultVerifyBatchSize = 500

// Verifier walks a contiguous sequence range and reports integrity breaks.
// Detected tampering is returned as findings, never as an error; only
// infrastructure failures (store unreachable, cancelled context) error out.
// The walk is windowed, so memory stays bounded by the batch size no matter
// how long the range is, and no lock is held against concurrent appends.
type Verifier struct {
	store     Store
	batchSize int
}

func NewVerifier(store Store, batchSize int) *Verifier {
	if batchSize <= 0 {
		batchSize = defaultVerifyBatchSize
	}
	return &Verifier{store: store, batchSize: batchSize}
}

// Verify checks [startSeq, endSeq] for the tenant. The first record in the
// range is checked against anchorHash when supplied (incremental
// verification without re-hashing history) or against the sentinel when
// startSeq is 1. endSeq past the committed head is not a finding; the walk
// simply stops at the head.
func (v *Verifier) Verify(ctx context.Context, tenantID string, startSeq, endSeq int64, anchorHash string) (*models.VerificationReport, error) {
	if tenantID == "" {
		return nil, ErrMissingTenantContext
	}
	if startSeq < 1 {
		startSeq = 1
	}
	if endSeq < startSeq {
		return nil, &ValidationError{Field: "end_sequence", Reason: fmt.Sprintf("must be >= start sequence %d", startSeq)}
	}

	report := &models.VerificationReport{
		TenantID:      tenantID,
		StartSequence: startSeq,
		EndSequence:   endSeq,
		Findings:      []models.VerificationFinding{},
	}

	var (
		prevHash string
		first    = true
		expected = startSeq
		cursor   = startSeq
	)

	for cursor <= endSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := v.store.Range(ctx, tenantID, cursor, endSeq, v.batchSize)
		if err != nil {
			return nil, fmt.Errorf("read sequence range: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			report.CheckedCount++

			switch {
			case rec.SequenceNumber > expected:
				report.Findings = append(report.Findings, models.VerificationFinding{
					SequenceNumber: expected,
					Reason:         models.FindingSequenceGap,
					Detail:         fmt.Sprintf("expected sequence %d, next stored is %d", expected, rec.SequenceNumber),
				})
			case rec.SequenceNumber < expected:
				report.Findings = append(report.Findings, models.VerificationFinding{
					SequenceNumber: rec.SequenceNumber,
					Reason:         models.FindingSequenceDuplicate,
					Detail:         fmt.Sprintf("sequence %d seen again after %d", rec.SequenceNumber, expected-1),
				})
			}

			if first {
				if anchorHash != "" && rec.PreviousHash != anchorHash {
					report.Findings = append(report.Findings, models.VerificationFinding{
						SequenceNumber: rec.SequenceNumber,
						Reason:         models.FindingAnchorMismatch,
						Detail:         "previous hash does not match the supplied anchor",
					})
				} else if anchorHash == "" && rec.SequenceNumber == 1 && rec.PreviousHash != SentinelHash {
					report.Findings = append(report.Findings, models.VerificationFinding{
						SequenceNumber: 1,
						Reason:         models.FindingLinkBroken,
						Detail:         "sequence 1 previous hash is not the sentinel",
					})
				}
			} else if rec.PreviousHash != prevHash {
				report.Findings = append(report.Findings, models.VerificationFinding{
					SequenceNumber: rec.SequenceNumber,
					Reason:         models.FindingLinkBroken,
					Detail:         "previous hash does not match predecessor's current hash",
				})
			}

			if recomputed := ComputeHash(rec.PreviousHash, Canonicalize(rec)); recomputed != rec.CurrentHash {
				report.Findings = append(report.Findings, models.VerificationFinding{
					SequenceNumber: rec.SequenceNumber,
					Reason:         models.FindingHashMismatch,
					Detail:         "stored current hash does not match recomputed digest",
				})
			}

			prevHash = rec.CurrentHash
			first = false
			expected = rec.SequenceNumber + 1
		}
		cursor = batch[len(batch)-1].SequenceNumber + 1
	}

	// Records missing at the tail of the range are a gap only when the
	// committed head says they should exist.
	if expected <= endSeq {
		head, err := v.store.Head(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		if head.SequenceNumber >= expected {
			report.Findings = append(report.Findings, models.VerificationFinding{
				SequenceNumber: expected,
				Reason:         models.FindingSequenceGap,
				Detail:         fmt.Sprintf("records %d..%d missing below head %d", expected, min64(endSeq, head.SequenceNumber), head.SequenceNumber),
			})
		}
	}

	report.Valid = len(report.Findings) == 0
	return report, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
