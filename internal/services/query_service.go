package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/models"
	"go.uber.org/zap"
)

// RecordPage is one page of query results, sequence descending. Sequence
// numbers are unique per tenant, so the ordering is deterministic.
type RecordPage struct {
	Records  []models.AuditRecord `json:"records"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	Total    int64                `json:"total"`
}

// QueryService serves filtered paginated reads over the store's indexes.
// Page sizes are clamped to the configured hard cap, never executed
// unbounded.
type QueryService struct {
	store audit.Store
	cfg   *config.Config
	log   *zap.Logger
}

func NewQueryService(store audit.Store, cfg *config.Config, log *zap.Logger) *QueryService {
	return &QueryService{store: store, cfg: cfg, log: log}
}

func (s *QueryService) Query(ctx context.Context, tenantID string, f audit.Filter, page, pageSize int) (*RecordPage, error) {
	if tenantID == "" && !f.PlatformScope {
		return nil, audit.ErrMissingTenantContext
	}
	if page < 1 {
		page = 1
	}
	pageSize = s.clampPageSize(pageSize)

	total, err := s.store.Count(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	records, err := s.store.Query(ctx, tenantID, f, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return &RecordPage{Records: records, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *QueryService) GetRecord(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	return s.store.GetByID(ctx, id)
}

func (s *QueryService) ActivityByDay(ctx context.Context, tenantID string, f audit.Filter) ([]models.DayActivity, error) {
	if tenantID == "" && !f.PlatformScope {
		return nil, audit.ErrMissingTenantContext
	}
	return s.store.CountByDay(ctx, tenantID, f)
}

func (s *QueryService) ActionCounts(ctx context.Context, tenantID string, f audit.Filter) ([]models.ActionCount, error) {
	if tenantID == "" && !f.PlatformScope {
		return nil, audit.ErrMissingTenantContext
	}
	return s.store.CountByAction(ctx, tenantID, f)
}

func (s *QueryService) ActorRollups(ctx context.Context, tenantID string, f audit.Filter) ([]models.ActorActivity, error) {
	if tenantID == "" && !f.PlatformScope {
		return nil, audit.ErrMissingTenantContext
	}
	return s.store.ActorRollup(ctx, tenantID, f)
}

func (s *QueryService) clampPageSize(n int) int {
	if n <= 0 {
		return s.cfg.DefaultPageSize
	}
	if n > s.cfg.PageSizeMax {
		return s.cfg.PageSizeMax
	}
	return n
}
