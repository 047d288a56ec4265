package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/http/dto"
	"github.com/northstar-et/backend/internal/middleware"
	"github.com/northstar-et/backend/internal/models"
	"github.com/northstar-et/backend/internal/services"
	"go.uber.org/zap"
)

type ExportHandler struct {
	exportService *services.ExportService
	log           *zap.Logger
}

func NewExportHandler(exportService *services.ExportService, log *zap.Logger) *ExportHandler {
	return &ExportHandler{exportService: exportService, log: log}
}

// CreateExport returns the artifact inline for small result sets, or 202
// with a job handle when the export runs in the background.
func (h *ExportHandler) CreateExport(c *fiber.Ctx) error {
	var req dto.CreateExportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.Format == "" {
		req.Format = models.ExportFormatCSV
	}

	filter, err := exportFilter(req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	artifact, job, err := h.exportService.Export(c.Context(), middleware.GetTenantID(c), filter, req.Format, middleware.GetActorID(c))
	if err != nil {
		var verr *audit.ValidationError
		switch {
		case errors.As(err, &verr):
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: verr.Error()})
		case errors.Is(err, audit.ErrMissingTenantContext):
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "no tenant resolvable from token"})
		default:
			h.log.Error("export failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	}

	if job != nil {
		return c.Status(fiber.StatusAccepted).JSON(dto.ExportJobResponse{
			OK:     true,
			JobID:  job.ID.String(),
			Status: job.Status,
			Rows:   job.RowEstimate,
		})
	}

	c.Set(fiber.HeaderContentType, artifact.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	return c.Send(artifact.Content)
}

func (h *ExportHandler) GetExportJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid job id"})
	}

	job, err := h.exportService.GetJob(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "export job not found"})
	}
	if job.TenantID != middleware.GetTenantID(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "export job not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: job})
}

func exportFilter(req dto.CreateExportRequest) (audit.Filter, error) {
	f := audit.Filter{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    req.ActorID,
		Action:     req.Action,
	}
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return f, errors.New("invalid from timestamp, want RFC3339")
		}
		f.From = &t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return f, errors.New("invalid to timestamp, want RFC3339")
		}
		f.To = &t
	}
	return f, nil
}
