package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/models"
)

// MemStore is an in-memory Store implementation. It backs the package tests
// and mirrors the semantics of the Postgres adapter exactly: guarded chained
// appends, ascending ranges, descending queries.
type MemStore struct {
	mu       sync.RWMutex
	chains   map[string]map[int64]models.AuditRecord
	heads    map[string]Head
	platform []models.AuditRecord
	byID     map[uuid.UUID]models.AuditRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		chains: make(map[string]map[int64]models.AuditRecord),
		heads:  make(map[string]Head),
		byID:   make(map[uuid.UUID]models.AuditRecord),
	}
}

func (m *MemStore) Append(ctx context.Context, rec *models.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.heads[rec.TenantID]
	if !ok {
		head = Head{SequenceNumber: 0, CurrentHash: SentinelHash}
	}
	if rec.SequenceNumber != head.SequenceNumber+1 || rec.PreviousHash != head.CurrentHash {
		return ErrSequenceConflict
	}
	chain := m.chains[rec.TenantID]
	if chain == nil {
		chain = make(map[int64]models.AuditRecord)
		m.chains[rec.TenantID] = chain
	}
	if _, exists := chain[rec.SequenceNumber]; exists {
		return ErrSequenceConflict
	}
	chain[rec.SequenceNumber] = *rec
	m.heads[rec.TenantID] = Head{SequenceNumber: rec.SequenceNumber, CurrentHash: rec.CurrentHash}
	m.byID[rec.ID] = *rec
	return nil
}

func (m *MemStore) AppendPlatform(ctx context.Context, rec *models.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platform = append(m.platform, *rec)
	m.byID[rec.ID] = *rec
	return nil
}

func (m *MemStore) Head(ctx context.Context, tenantID string) (Head, error) {
	if err := ctx.Err(); err != nil {
		return Head{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if head, ok := m.heads[tenantID]; ok {
		return head, nil
	}
	return Head{SequenceNumber: 0, CurrentHash: SentinelHash}, nil
}

func (m *MemStore) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.byID[id]; ok {
		out := rec
		return &out, nil
	}
	return nil, ErrRecordNotFound
}

func (m *MemStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	var out []models.AuditRecord
	for seq := fromSeq; seq <= toSeq; seq++ {
		if rec, ok := chain[seq]; ok {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) Query(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]models.AuditRecord, error) {
	matched, err := m.matching(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemStore) Count(ctx context.Context, tenantID string, f Filter) (int64, error) {
	matched, err := m.matching(ctx, tenantID, f)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (m *MemStore) CountByDay(ctx context.Context, tenantID string, f Filter) ([]models.DayActivity, error) {
	matched, err := m.matching(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]int64)
	for _, rec := range matched {
		byDay[rec.Timestamp.UTC().Truncate(24*time.Hour)]++
	}
	out := make([]models.DayActivity, 0, len(byDay))
	for day, count := range byDay {
		out = append(out, models.DayActivity{Day: day, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *MemStore) CountByAction(ctx context.Context, tenantID string, f Filter) ([]models.ActionCount, error) {
	matched, err := m.matching(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	byAction := make(map[string]int64)
	for _, rec := range matched {
		byAction[rec.Action]++
	}
	out := make([]models.ActionCount, 0, len(byAction))
	for action, count := range byAction {
		out = append(out, models.ActionCount{Action: action, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

func (m *MemStore) ActorRollup(ctx context.Context, tenantID string, f Filter) ([]models.ActorActivity, error) {
	matched, err := m.matching(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	type rollup struct {
		count    int64
		lastSeen time.Time
	}
	byActor := make(map[string]rollup)
	for _, rec := range matched {
		r := byActor[rec.ActorID]
		r.count++
		if rec.Timestamp.After(r.lastSeen) {
			r.lastSeen = rec.Timestamp
		}
		byActor[rec.ActorID] = r
	}
	out := make([]models.ActorActivity, 0, len(byActor))
	for actor, r := range byActor {
		out = append(out, models.ActorActivity{ActorID: actor, Count: r.count, LastSeen: r.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out, nil
}

// matching returns filtered records in query order: sequence descending for
// a tenant chain, timestamp descending for the platform stream.
func (m *MemStore) matching(ctx context.Context, tenantID string, f Filter) ([]models.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AuditRecord
	if f.PlatformScope {
		for _, rec := range m.platform {
			if matchesFilter(&rec, f) {
				out = append(out, rec)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
		return out, nil
	}

	for _, rec := range m.chains[tenantID] {
		if matchesFilter(&rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber > out[j].SequenceNumber })
	return out, nil
}

func matchesFilter(rec *models.AuditRecord, f Filter) bool {
	if f.EntityType != "" && rec.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.From != nil && rec.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.Timestamp.After(*f.To) {
		return false
	}
	if f.MaxSequence > 0 && rec.SequenceNumber > f.MaxSequence {
		return false
	}
	return true
}

// Tamper mutates a stored record in place, bypassing the append-only
// contract. Test support only: it exists so verification tests can corrupt
// a chain the way an attacker with storage access would.
func (m *MemStore) Tamper(tenantID string, seq int64, mutate func(*models.AuditRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain := m.chains[tenantID]; chain != nil {
		if rec, ok := chain[seq]; ok {
			mutate(&rec)
			chain[seq] = rec
		}
	}
}

// Drop removes a stored record, simulating an out-of-band deletion. Test
// support only.
func (m *MemStore) Drop(tenantID string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain := m.chains[tenantID]; chain != nil {
		delete(chain, seq)
	}
}
