package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/events"
	"github.com/northstar-et/backend/internal/models"
	"go.uber.org/zap"
)

// memJobStore is an in-memory ExportJobStore for worker-path tests.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ExportJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*models.ExportJob)}
}

func (m *memJobStore) Create(ctx context.Context, job *models.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, audit.ErrRecordNotFound
}

func (m *memJobStore) ClaimNextPending(ctx context.Context) (*models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Status == models.ExportStatusPending {
			job.Status = models.ExportStatusRunning
			job.UpdatedAt = time.Now().UTC()
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memJobStore) MarkCompleted(ctx context.Context, id uuid.UUID, filePath string, rowCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return audit.ErrRecordNotFound
	}
	now := time.Now().UTC()
	job.Status = models.ExportStatusCompleted
	job.FilePath = &filePath
	job.RowEstimate = rowCount
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

func (m *memJobStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return audit.ErrRecordNotFound
	}
	job.Status = models.ExportStatusFailed
	job.Error = &reason
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func seedForExport(t *testing.T, store audit.Store, n int) {
	t.Helper()
	seedRecords(t, store, "oakland-unified", n, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestExportSyncCSV(t *testing.T) {
	store := audit.NewMemStore()
	svc := NewAuditService(store, events.NopPublisher{}, testConfig(), zap.NewNop())
	ctx := context.Background()

	// A payload full of CSV metacharacters must survive intact.
	in := submitInput("oakland-unified", 0)
	in.Payload = json.RawMessage(`{"note":"a,b \"quoted\" c"}`)
	if _, err := svc.Submit(ctx, in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 1; i < 3; i++ {
		if _, err := svc.Submit(ctx, submitInput("oakland-unified", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	exp := NewExportService(store, newMemJobStore(), events.NopPublisher{}, testConfig(), zap.NewNop())
	artifact, job, err := exp.Export(ctx, "oakland-unified", audit.Filter{}, models.ExportFormatCSV, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job != nil {
		t.Fatal("small export produced a job instead of an inline artifact")
	}
	if artifact.RowCount != 3 {
		t.Fatalf("row count = %d, want 3", artifact.RowCount)
	}
	if artifact.ContentType != "text/csv" {
		t.Fatalf("content type = %q", artifact.ContentType)
	}

	rows, err := csv.NewReader(bytes.NewReader(artifact.Content)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("csv has %d rows, want header + 3", len(rows))
	}
	if rows[0][0] != "id" || rows[0][len(rows[0])-1] != "current_hash" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	// Records export sequence descending, so the metacharacter payload
	// (sequence 1) is the last data row.
	payloadCol := len(csvHeader) - 3
	if got := rows[3][payloadCol]; got != `{"note":"a,b \"quoted\" c"}` {
		t.Fatalf("payload cell corrupted: %q", got)
	}
	for _, row := range rows[1:] {
		if len(row) != len(csvHeader) {
			t.Fatalf("row has %d columns, want %d", len(row), len(csvHeader))
		}
	}
}

func TestExportSyncJSONL(t *testing.T) {
	store := audit.NewMemStore()
	seedForExport(t, store, 5)
	exp := NewExportService(store, newMemJobStore(), events.NopPublisher{}, testConfig(), zap.NewNop())

	artifact, job, err := exp.Export(context.Background(), "oakland-unified", audit.Filter{}, models.ExportFormatJSONL, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job != nil {
		t.Fatal("small export produced a job")
	}
	if artifact.ContentType != "application/x-ndjson" {
		t.Fatalf("content type = %q", artifact.ContentType)
	}

	lines := strings.Split(strings.TrimRight(string(artifact.Content), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	for i, line := range lines {
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if rec.TenantID != "oakland-unified" || rec.CurrentHash == "" {
			t.Fatalf("line %d decoded badly: %+v", i, rec)
		}
	}
}

func TestExportValidation(t *testing.T) {
	exp := NewExportService(audit.NewMemStore(), newMemJobStore(), events.NopPublisher{}, testConfig(), zap.NewNop())
	ctx := context.Background()

	_, _, err := exp.Export(ctx, "oakland-unified", audit.Filter{}, "xml", "auditor-1")
	var verr *audit.ValidationError
	if !errors.As(err, &verr) || verr.Field != "format" {
		t.Fatalf("err = %v, want format validation error", err)
	}

	if _, _, err := exp.Export(ctx, "", audit.Filter{}, models.ExportFormatCSV, "auditor-1"); !errors.Is(err, audit.ErrMissingTenantContext) {
		t.Fatalf("err = %v, want missing tenant context", err)
	}
}

func TestExportOverThresholdBecomesJob(t *testing.T) {
	store := audit.NewMemStore()
	seedForExport(t, store, 8)
	cfg := testConfig()
	cfg.ExportSyncRowLimit = 5
	pub := newCapturePublisher()
	exp := NewExportService(store, newMemJobStore(), pub, cfg, zap.NewNop())

	artifact, job, err := exp.Export(context.Background(), "oakland-unified", audit.Filter{}, models.ExportFormatCSV, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if artifact != nil {
		t.Fatal("over-threshold export rendered inline")
	}
	if job == nil || job.Status != models.ExportStatusPending {
		t.Fatalf("job = %+v, want pending", job)
	}
	if job.RowEstimate != 8 {
		t.Fatalf("row estimate = %d, want 8", job.RowEstimate)
	}

	requested := pub.published(events.StreamExport)
	if len(requested) != 1 || requested[0].Type != events.EventExportRequested {
		t.Fatalf("published %v, want one export_requested", requested)
	}
}

func TestRunNextJob(t *testing.T) {
	store := audit.NewMemStore()
	seedForExport(t, store, 8)
	cfg := testConfig()
	cfg.ExportSyncRowLimit = 5
	cfg.ExportBatchSize = 3
	cfg.ExportDir = t.TempDir()
	pub := newCapturePublisher()
	jobs := newMemJobStore()
	exp := NewExportService(store, jobs, pub, cfg, zap.NewNop())
	ctx := context.Background()

	_, job, err := exp.Export(ctx, "oakland-unified", audit.Filter{}, models.ExportFormatCSV, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	ran, err := exp.RunNextJob(ctx)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if !ran {
		t.Fatal("pending job not claimed")
	}

	done, err := exp.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != models.ExportStatusCompleted {
		reason := ""
		if done.Error != nil {
			reason = *done.Error
		}
		t.Fatalf("status = %q, want completed (error: %s)", done.Status, reason)
	}
	if done.RowEstimate != 8 {
		t.Fatalf("row count = %d, want 8", done.RowEstimate)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed job has no completion time")
	}
	if done.FilePath == nil {
		t.Fatal("completed job has no file path")
	}

	content, err := os.ReadFile(*done.FilePath)
	if err != nil {
		t.Fatalf("read export file: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
	if err != nil {
		t.Fatalf("parse export file: %v", err)
	}
	if len(rows) != 9 {
		t.Fatalf("file has %d rows, want header + 8", len(rows))
	}

	types := []string{}
	for _, ev := range pub.published(events.StreamExport) {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[1] != events.EventExportCompleted {
		t.Fatalf("event types = %v, want [export_requested export_completed]", types)
	}

	ran, err = exp.RunNextJob(ctx)
	if err != nil {
		t.Fatalf("run on empty queue: %v", err)
	}
	if ran {
		t.Fatal("empty queue reported a claimed job")
	}
}

func TestExportAgreesWithQuery(t *testing.T) {
	store := audit.NewMemStore()
	seedForExport(t, store, 12)
	cfg := testConfig()
	query := NewQueryService(store, cfg, zap.NewNop())
	exp := NewExportService(store, newMemJobStore(), events.NopPublisher{}, cfg, zap.NewNop())
	ctx := context.Background()

	f := audit.Filter{Action: "grade_changed"}
	page, err := query.Query(ctx, "oakland-unified", f, 1, 100)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	artifact, _, err := exp.Export(ctx, "oakland-unified", f, models.ExportFormatCSV, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Same filter, same record membership in both directions.
	queried := make(map[string]bool)
	for _, rec := range page.Records {
		queried[strconv.FormatInt(rec.SequenceNumber, 10)] = true
	}
	rows, err := csv.NewReader(bytes.NewReader(artifact.Content)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	exported := make(map[string]bool)
	for _, row := range rows[1:] {
		seq := row[2]
		if exported[seq] {
			t.Fatalf("sequence %s exported twice", seq)
		}
		exported[seq] = true
		if !queried[seq] {
			t.Fatalf("exported sequence %s missing from query results", seq)
		}
	}
	for seq := range queried {
		if !exported[seq] {
			t.Fatalf("queried sequence %s missing from export", seq)
		}
	}
}

// racingStore appends one record between export batches, the way a live
// tenant would.
type racingStore struct {
	*audit.MemStore
	t       *testing.T
	queries int
}

func (s *racingStore) Query(ctx context.Context, tenantID string, f audit.Filter, limit, offset int) ([]models.AuditRecord, error) {
	s.queries++
	if s.queries == 2 {
		s.appendOne(tenantID)
	}
	return s.MemStore.Query(ctx, tenantID, f, limit, offset)
}

func (s *racingStore) appendOne(tenantID string) {
	s.t.Helper()
	ctx := context.Background()
	num, prevHash, err := audit.NewSequencer(s.MemStore).Reserve(ctx, tenantID)
	if err != nil {
		s.t.Fatalf("reserve racing append: %v", err)
	}
	rec := audit.NewRecord(audit.RecordParams{
		TenantID:   tenantID,
		ActorID:    "staff-9",
		ActorRole:  "registrar",
		Action:     "student_record_updated",
		EntityType: "student",
		EntityID:   "stu-9",
		Payload:    json.RawMessage(`{"n":99}`),
		Timestamp:  time.Now(),
	}, num, prevHash)
	if err := s.MemStore.Append(ctx, rec); err != nil {
		s.t.Fatalf("racing append: %v", err)
	}
}

func TestExportStableUnderConcurrentAppends(t *testing.T) {
	ms := audit.NewMemStore()
	seedRecords(t, ms, "oakland-unified", 6, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := &racingStore{MemStore: ms, t: t}
	cfg := testConfig()
	cfg.ExportBatchSize = 2
	exp := NewExportService(store, newMemJobStore(), events.NopPublisher{}, cfg, zap.NewNop())

	artifact, job, err := exp.Export(context.Background(), "oakland-unified", audit.Filter{}, models.ExportFormatJSONL, "auditor-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job != nil {
		t.Fatal("export deferred unexpectedly")
	}

	seen := make(map[int64]int)
	lines := strings.Split(strings.TrimRight(string(artifact.Content), "\n"), "\n")
	for _, line := range lines {
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		seen[rec.SequenceNumber]++
	}
	if len(lines) != 6 {
		t.Fatalf("exported %d rows, want the 6 committed at export start (all: %v)", len(lines), seen)
	}
	for seq := int64(1); seq <= 6; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("sequence %d exported %d times after a concurrent append (all: %v)", seq, seen[seq], seen)
		}
	}
	if seen[7] != 0 {
		t.Fatalf("record appended mid-export leaked into the artifact (all: %v)", seen)
	}
}
