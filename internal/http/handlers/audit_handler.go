package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/http/dto"
	"github.com/northstar-et/backend/internal/middleware"
	"github.com/northstar-et/backend/internal/services"
	"go.uber.org/zap"
)

type AuditHandler struct {
	auditService *services.AuditService
	queryService *services.QueryService
	log          *zap.Logger
}

func NewAuditHandler(auditService *services.AuditService, queryService *services.QueryService, log *zap.Logger) *AuditHandler {
	return &AuditHandler{auditService: auditService, queryService: queryService, log: log}
}

func (h *AuditHandler) Submit(c *fiber.Ctx) error {
	var req dto.SubmitAuditRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	in := services.SubmitInput{
		TenantID:   middleware.GetTenantID(c),
		ActorID:    middleware.GetActorID(c),
		ActorRole:  middleware.GetActorRole(c),
		Action:     req.Action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
	}
	if req.CorrelationID != nil {
		id, err := uuid.Parse(*req.CorrelationID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid correlation_id"})
		}
		in.CorrelationID = &id
	}

	rec, err := h.auditService.Submit(c.Context(), in)
	if err != nil {
		return h.submitError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// SubmitPlatform records a cross-tenant operation on the unchained platform
// stream. Requires the platform role; the token must carry no tenant.
func (h *AuditHandler) SubmitPlatform(c *fiber.Ctx) error {
	var req dto.SubmitAuditRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	in := services.SubmitInput{
		ActorID:    middleware.GetActorID(c),
		ActorRole:  middleware.GetActorRole(c),
		Action:     req.Action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
	}
	if req.CorrelationID != nil {
		id, err := uuid.Parse(*req.CorrelationID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid correlation_id"})
		}
		in.CorrelationID = &id
	}

	rec, err := h.auditService.SubmitPlatform(c.Context(), in)
	if err != nil {
		return h.submitError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *AuditHandler) Query(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 0)

	result, err := h.queryService.Query(c.Context(), middleware.GetTenantID(c), filter, page, pageSize)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: result})
}

func (h *AuditHandler) QueryPlatform(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	filter.PlatformScope = true
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 0)

	result, err := h.queryService.Query(c.Context(), "", filter, page, pageSize)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: result})
}

func (h *AuditHandler) GetRecord(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid record id"})
	}

	rec, err := h.queryService.GetRecord(c.Context(), id)
	if errors.Is(err, audit.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "record not found"})
	}
	if err != nil {
		h.log.Error("get audit record failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	// Records from another tenant's chain are invisible, not forbidden.
	if rec.TenantID != middleware.GetTenantID(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "record not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *AuditHandler) Verify(c *fiber.Ctx) error {
	var req dto.VerifyChainRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	report, err := h.auditService.VerifyChain(c.Context(), middleware.GetTenantID(c), req.StartSequence, req.EndSequence, req.AnchorHash)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *AuditHandler) ActivityByDay(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	out, err := h.queryService.ActivityByDay(c.Context(), middleware.GetTenantID(c), filter)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *AuditHandler) ActionCounts(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	out, err := h.queryService.ActionCounts(c.Context(), middleware.GetTenantID(c), filter)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *AuditHandler) ActorRollups(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	out, err := h.queryService.ActorRollups(c.Context(), middleware.GetTenantID(c), filter)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *AuditHandler) submitError(c *fiber.Ctx, err error) error {
	var verr *audit.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: verr.Error()})
	case errors.Is(err, audit.ErrMissingTenantContext):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "no tenant resolvable from token"})
	case errors.Is(err, audit.ErrSequenceConflict):
		// Internal retries exhausted under sustained contention.
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "audit append contention, retry"})
	default:
		h.log.Error("audit submit failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}

func (h *AuditHandler) queryError(c *fiber.Ctx, err error) error {
	var verr *audit.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: verr.Error()})
	case errors.Is(err, audit.ErrMissingTenantContext):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "no tenant resolvable from token"})
	default:
		h.log.Error("audit query failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}

func parseFilter(c *fiber.Ctx) (audit.Filter, error) {
	f := audit.Filter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		ActorID:    c.Query("actor_id"),
		Action:     c.Query("action"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid from timestamp, want RFC3339")
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid to timestamp, want RFC3339")
		}
		f.To = &t
	}
	return f, nil
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
