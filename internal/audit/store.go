package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/models"
)

var (
	// ErrSequenceConflict reports that another writer advanced the tenant's
	// head between reservation and commit. Callers re-reserve and retry.
	ErrSequenceConflict = errors.New("audit: sequence conflict")

	// ErrRecordNotFound reports a lookup miss.
	ErrRecordNotFound = errors.New("audit: record not found")

	// ErrMissingTenantContext reports a chained operation attempted without
	// a resolvable tenant. This package performs no tenant inference.
	ErrMissingTenantContext = errors.New("audit: missing tenant context")
)

// ValidationError reports malformed submit input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audit: invalid %s: %s", e.Field, e.Reason)
}

// Head is the last committed position of one tenant's chain. An empty chain
// has SequenceNumber 0 and CurrentHash equal to the sentinel.
type Head struct {
	SequenceNumber int64
	CurrentHash    string
}

// Filter narrows reads. Zero values mean no constraint. PlatformScope
// selects the unchained cross-tenant stream instead of a tenant's chain.
// MaxSequence is an inclusive upper bound on chained reads; since records
// are never mutated, the matched set below a pinned bound is immutable no
// matter how many appends land during a batched walk.
type Filter struct {
	EntityType    string
	EntityID      string
	ActorID       string
	Action        string
	From          *time.Time
	To            *time.Time
	MaxSequence   int64
	PlatformScope bool
}

// Store is the append-only persistence contract. Implementations enforce
// uniqueness of (tenant, sequence) and reject appends whose previous hash no
// longer matches the committed head. No update or delete methods exist.
type Store interface {
	// Append persists a chained record. Returns ErrSequenceConflict when the
	// slot is already taken or the previous hash does not match the head at
	// commit time.
	Append(ctx context.Context, rec *models.AuditRecord) error

	// AppendPlatform persists an unchained platform-scope record.
	AppendPlatform(ctx context.Context, rec *models.AuditRecord) error

	// Head returns the tenant's last committed position.
	Head(ctx context.Context, tenantID string) (Head, error)

	// GetByID returns one record or ErrRecordNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error)

	// Range returns up to limit records with fromSeq <= seq <= toSeq,
	// ascending by sequence.
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.AuditRecord, error)

	// Query returns one page of matching records, sequence descending
	// (timestamp descending for the platform stream).
	Query(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]models.AuditRecord, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, tenantID string, f Filter) (int64, error)

	// Aggregations run as group-bys inside the store; callers never receive
	// the unaggregated record set.
	CountByDay(ctx context.Context, tenantID string, f Filter) ([]models.DayActivity, error)
	CountByAction(ctx context.Context, tenantID string, f Filter) ([]models.ActionCount, error)
	ActorRollup(ctx context.Context, tenantID string, f Filter) ([]models.ActorActivity, error)
}
