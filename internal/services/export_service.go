package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/events"
	"github.com/northstar-et/backend/internal/models"
	"go.uber.org/zap"
)

// csvHeader embeds both hashes so a recipient can re-verify the chain
// without access to this system.
var csvHeader = []string{
	"id", "tenant_id", "sequence_number", "timestamp", "actor_id", "actor_role",
	"action", "entity_type", "entity_id", "correlation_id", "payload",
	"previous_hash", "current_hash",
}

// ExportJobStore is the persistence contract for async export jobs.
type ExportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExportJob, error)
	ClaimNextPending(ctx context.Context) (*models.ExportJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, filePath string, rowCount int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// ExportService produces compliance deliverables. Result sets up to the
// configured row limit are rendered synchronously; larger ones become a
// persisted job picked up by the worker, so no request is held open for a
// million-row export.
type ExportService struct {
	store     audit.Store
	jobs      ExportJobStore
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewExportService(store audit.Store, jobs ExportJobStore, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *ExportService {
	return &ExportService{store: store, jobs: jobs, publisher: publisher, cfg: cfg, log: log}
}

// Export returns either an inline artifact or a job handle, never both.
func (s *ExportService) Export(ctx context.Context, tenantID string, f audit.Filter, format, requestedBy string) (*models.ExportArtifact, *models.ExportJob, error) {
	if tenantID == "" && !f.PlatformScope {
		return nil, nil, audit.ErrMissingTenantContext
	}
	if !models.IsValidExportFormat(format) {
		return nil, nil, &audit.ValidationError{Field: "format", Reason: fmt.Sprintf("%q is not a supported export format", format)}
	}

	total, err := s.store.Count(ctx, tenantID, f)
	if err != nil {
		return nil, nil, fmt.Errorf("count export rows: %w", err)
	}

	if total > s.cfg.ExportSyncRowLimit {
		job, err := s.enqueueJob(ctx, tenantID, f, format, requestedBy, total)
		if err != nil {
			return nil, nil, err
		}
		return nil, job, nil
	}

	var buf bytes.Buffer
	rows, err := s.render(ctx, &buf, tenantID, f, format)
	if err != nil {
		return nil, nil, err
	}
	artifact := &models.ExportArtifact{
		Content:     buf.Bytes(),
		ContentType: contentTypeFor(format),
		Filename:    exportFilename(tenantID, format),
		RowCount:    rows,
	}
	return artifact, nil, nil
}

func (s *ExportService) GetJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	return s.jobs.GetByID(ctx, id)
}

// RunNextJob claims and executes one pending job. Returns false when the
// queue is empty. Called by the worker loop.
func (s *ExportService) RunNextJob(ctx context.Context) (bool, error) {
	job, err := s.jobs.ClaimNextPending(ctx)
	if err != nil {
		return false, fmt.Errorf("claim export job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := s.runJob(ctx, job); err != nil {
		s.log.Error("export job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		if markErr := s.jobs.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			s.log.Error("export job failure not recorded", zap.String("job_id", job.ID.String()), zap.Error(markErr))
		}
		s.publishJobEvent(ctx, events.EventExportFailed, job, err.Error())
		return true, nil
	}
	return true, nil
}

func (s *ExportService) runJob(ctx context.Context, job *models.ExportJob) error {
	var f audit.Filter
	if len(job.Filter) > 0 {
		if err := json.Unmarshal(job.Filter, &f); err != nil {
			return fmt.Errorf("decode job filter: %w", err)
		}
	}

	if err := os.MkdirAll(s.cfg.ExportDir, 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(s.cfg.ExportDir, fmt.Sprintf("%s_%s", job.ID, exportFilename(job.TenantID, job.Format)))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}

	rows, err := s.render(ctx, file, job.TenantID, f, job.Format)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}

	if err := s.jobs.MarkCompleted(ctx, job.ID, path, rows); err != nil {
		return fmt.Errorf("mark export job completed: %w", err)
	}
	s.log.Info("export job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("path", path),
		zap.Int64("rows", rows))
	s.publishJobEvent(ctx, events.EventExportCompleted, job, "")
	return nil
}

// render streams the filtered record set in store batches. Both formats go
// through the same store.Query path the query engine uses, so an export and
// a query over the same filter always agree on the record set. The set is
// pinned to the chain head (or the current time for the platform stream)
// before the walk: appends landing mid-export fall past the bound, so batch
// offsets never shift and no row is duplicated or skipped.
func (s *ExportService) render(ctx context.Context, w io.Writer, tenantID string, f audit.Filter, format string) (int64, error) {
	var (
		csvW  *csv.Writer
		jsonW *json.Encoder
	)
	switch format {
	case models.ExportFormatCSV:
		csvW = csv.NewWriter(w)
		if err := csvW.Write(csvHeader); err != nil {
			return 0, err
		}
	case models.ExportFormatJSONL:
		jsonW = json.NewEncoder(w)
	default:
		return 0, &audit.ValidationError{Field: "format", Reason: fmt.Sprintf("%q is not a supported export format", format)}
	}

	if f.PlatformScope {
		if f.To == nil {
			now := time.Now().UTC()
			f.To = &now
		}
	} else if f.MaxSequence == 0 {
		head, err := s.store.Head(ctx, tenantID)
		if err != nil {
			return 0, fmt.Errorf("pin export bound: %w", err)
		}
		if head.SequenceNumber == 0 {
			// Nothing committed at export start.
			if csvW != nil {
				csvW.Flush()
				return 0, csvW.Error()
			}
			return 0, nil
		}
		f.MaxSequence = head.SequenceNumber
	}

	var written int64
	batchSize := s.cfg.ExportBatchSize
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch, err := s.store.Query(ctx, tenantID, f, batchSize, offset)
		if err != nil {
			return written, fmt.Errorf("read export batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			if csvW != nil {
				if err := csvW.Write(csvRow(rec)); err != nil {
					return written, err
				}
			} else {
				if err := jsonW.Encode(rec); err != nil {
					return written, err
				}
			}
			written++
		}
		if len(batch) < batchSize {
			break
		}
	}
	if csvW != nil {
		csvW.Flush()
		if err := csvW.Error(); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *ExportService) enqueueJob(ctx context.Context, tenantID string, f audit.Filter, format, requestedBy string, total int64) (*models.ExportJob, error) {
	filterJSON, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode export filter: %w", err)
	}
	job := &models.ExportJob{
		ID:          uuid.New(),
		TenantID:    tenantID,
		RequestedBy: requestedBy,
		Format:      format,
		Filter:      filterJSON,
		Status:      models.ExportStatusPending,
		RowEstimate: total,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	s.log.Info("export deferred to job",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.Int64("rows", total))
	s.publishJobEvent(ctx, events.EventExportRequested, job, "")
	return job, nil
}

func (s *ExportService) publishJobEvent(ctx context.Context, eventType string, job *models.ExportJob, reason string) {
	payload := map[string]any{
		"job_id":    job.ID.String(),
		"tenant_id": job.TenantID,
		"format":    job.Format,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.publisher.Publish(ctx, events.StreamExport, events.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("export event publish failed", zap.Error(err))
	}
}

// csvRow escapes nothing by hand: encoding/csv applies RFC 4180 quoting, so
// embedded commas, quotes, and newlines in payloads cannot corrupt columns.
func csvRow(rec *models.AuditRecord) []string {
	correlation := ""
	if rec.CorrelationID != nil {
		correlation = rec.CorrelationID.String()
	}
	return []string{
		rec.ID.String(),
		rec.TenantID,
		strconv.FormatInt(rec.SequenceNumber, 10),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.ActorID,
		rec.ActorRole,
		rec.Action,
		rec.EntityType,
		rec.EntityID,
		correlation,
		string(rec.Payload),
		rec.PreviousHash,
		rec.CurrentHash,
	}
}

func contentTypeFor(format string) string {
	if format == models.ExportFormatJSONL {
		return "application/x-ndjson"
	}
	return "text/csv"
}

func exportFilename(tenantID, format string) string {
	scope := tenantID
	if scope == "" {
		scope = "platform"
	}
	ext := format
	if format == models.ExportFormatJSONL {
		ext = "jsonl"
	}
	return fmt.Sprintf("audit_%s_%s.%s", scope, time.Now().UTC().Format("20060102T150405Z"), ext)
}
