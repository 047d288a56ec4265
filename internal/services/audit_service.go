package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/events"
	"github.com/northstar-et/backend/internal/models"
	"go.uber.org/zap"
)

const maxIdentifierLen = 128

// SubmitInput is the tuple the triggering domain logic hands over. Tenant
// and actor come from the caller's resolved context; this service performs
// no tenant inference of its own.
type SubmitInput struct {
	TenantID      string
	ActorID       string
	ActorRole     string
	Action        string
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	CorrelationID *uuid.UUID
}

// AuditService owns the append path: validation, slot reservation, digest
// computation, the bounded retry loop, and the decoupled post-append
// notification. An audit-worthy event either commits or surfaces an
// explicit error, never a silent drop.
type AuditService struct {
	store     audit.Store
	sequencer *audit.Sequencer
	verifier  *audit.Verifier
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewAuditService(store audit.Store, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *AuditService {
	return &AuditService{
		store:     store,
		sequencer: audit.NewSequencer(store),
		verifier:  audit.NewVerifier(store, cfg.VerifyBatchSize),
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Submit appends one chained record to the tenant's trail. Sequence
// conflicts from concurrent writers and transient store failures are retried
// with exponential backoff up to the configured attempt count, then
// escalated.
func (s *AuditService) Submit(ctx context.Context, in SubmitInput) (*models.AuditRecord, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}
	if in.TenantID == "" {
		return nil, audit.ErrMissingTenantContext
	}

	params := audit.RecordParams{
		TenantID:      in.TenantID,
		ActorID:       in.ActorID,
		ActorRole:     in.ActorRole,
		Action:        in.Action,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		Payload:       audit.SanitizePayload(in.Payload),
		CorrelationID: in.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}

	backoff := s.cfg.AppendBackoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.AppendMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		seq, prevHash, err := s.sequencer.Reserve(ctx, in.TenantID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Store reads are retried on the same bounded schedule.
			lastErr = err
			s.log.Warn("chain head read failed, retrying",
				zap.String("tenant_id", in.TenantID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		rec := audit.NewRecord(params, seq, prevHash)

		err = s.store.Append(ctx, rec)
		if err == nil {
			s.log.Info("audit record appended",
				zap.String("tenant_id", rec.TenantID),
				zap.Int64("sequence", rec.SequenceNumber),
				zap.String("action", rec.Action),
				zap.String("entity_type", rec.EntityType))
			s.publishAppended(ctx, rec)
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, audit.ErrSequenceConflict) {
			s.log.Debug("append lost sequence race, retrying",
				zap.String("tenant_id", in.TenantID),
				zap.Int64("sequence", seq),
				zap.Int("attempt", attempt+1))
		} else {
			s.log.Warn("append store error, retrying",
				zap.String("tenant_id", in.TenantID),
				zap.Int64("sequence", seq),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("append audit record after %d attempts: %w", s.cfg.AppendMaxAttempts, lastErr)
}

// SubmitPlatform appends to the unchained cross-tenant stream. No sequence
// numbers or hash linkage there.
func (s *AuditService) SubmitPlatform(ctx context.Context, in SubmitInput) (*models.AuditRecord, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}
	if in.TenantID != "" {
		return nil, &audit.ValidationError{Field: "tenant_id", Reason: "platform-scope records must not carry a tenant"}
	}

	rec := audit.NewPlatformRecord(audit.RecordParams{
		ActorID:       in.ActorID,
		ActorRole:     in.ActorRole,
		Action:        in.Action,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		Payload:       audit.SanitizePayload(in.Payload),
		CorrelationID: in.CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
	if err := s.store.AppendPlatform(ctx, rec); err != nil {
		return nil, fmt.Errorf("append platform audit record: %w", err)
	}
	s.log.Info("platform audit record appended",
		zap.String("action", rec.Action),
		zap.String("entity_type", rec.EntityType))
	s.publishAppended(ctx, rec)
	return rec, nil
}

// VerifyChain checks chain integrity over [startSeq, endSeq]. endSeq 0 means
// "up to the committed head".
func (s *AuditService) VerifyChain(ctx context.Context, tenantID string, startSeq, endSeq int64, anchorHash string) (*models.VerificationReport, error) {
	if tenantID == "" {
		return nil, audit.ErrMissingTenantContext
	}
	if endSeq == 0 {
		head, err := s.store.Head(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		if head.SequenceNumber == 0 {
			return &models.VerificationReport{
				TenantID:      tenantID,
				StartSequence: startSeq,
				EndSequence:   0,
				Valid:         true,
				Findings:      []models.VerificationFinding{},
			}, nil
		}
		endSeq = head.SequenceNumber
	}
	return s.verifier.Verify(ctx, tenantID, startSeq, endSeq, anchorHash)
}

// publishAppended fires the post-append hook. Failures are logged and
// swallowed: notification is decoupled from the committed append.
func (s *AuditService) publishAppended(ctx context.Context, rec *models.AuditRecord) {
	event := events.Event{
		Type: events.EventAuditRecordAppended,
		Payload: map[string]any{
			"record_id":   rec.ID.String(),
			"tenant_id":   rec.TenantID,
			"sequence":    rec.SequenceNumber,
			"action":      rec.Action,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
		},
	}
	if err := s.publisher.Publish(ctx, events.StreamAudit, event); err != nil {
		s.log.Warn("audit event publish failed", zap.Error(err))
	}
}

func validateSubmit(in SubmitInput) error {
	if in.Action == "" {
		return &audit.ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if in.EntityType == "" {
		return &audit.ValidationError{Field: "entity_type", Reason: "must not be empty"}
	}
	if in.ActorID == "" {
		return &audit.ValidationError{Field: "actor_id", Reason: "must not be empty"}
	}
	if err := validateIdentifier(in.EntityID); err != nil {
		return err
	}
	return nil
}

func validateIdentifier(id string) error {
	if id == "" {
		return &audit.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if len(id) > maxIdentifierLen {
		return &audit.ValidationError{Field: "entity_id", Reason: fmt.Sprintf("longer than %d bytes", maxIdentifierLen)}
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return &audit.ValidationError{Field: "entity_id", Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}
