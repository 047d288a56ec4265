package audit

import (
	"context"
	"fmt"
)

// Sequencer reserves the next chain slot for a tenant. Reservations are
// optimistic: the store's guarded insert is the real ordering point, and a
// lost race surfaces as ErrSequenceConflict so the caller re-reserves
// against the new head. Different tenants never contend with each other.
type Sequencer struct {
	store Store
}

func NewSequencer(store Store) *Sequencer {
	return &Sequencer{store: store}
}

// Reserve proposes (head.seq+1, head.hash) for the tenant's next record.
// A tenant with no records gets sequence 1 and the sentinel previous hash.
func (s *Sequencer) Reserve(ctx context.Context, tenantID string) (int64, string, error) {
	if tenantID == "" {
		return 0, "", ErrMissingTenantContext
	}
	head, err := s.store.Head(ctx, tenantID)
	if err != nil {
		return 0, "", fmt.Errorf("read chain head: %w", err)
	}
	if head.SequenceNumber == 0 {
		return 1, SentinelHash, nil
	}
	return head.SequenceNumber + 1, head.CurrentHash, nil
}
