package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/northstar-et/backend/internal/audit"
	"github.com/northstar-et/backend/internal/models"
)

const pgUniqueViolation = "23505"

const auditColumns = `id, COALESCE(tenant_id, ''), COALESCE(sequence_number, 0), occurred_at,
	actor_id, actor_role, action, entity_type, entity_id, payload, correlation_id,
	COALESCE(previous_hash, ''), COALESCE(current_hash, '')`

// AuditRepo is the Postgres adapter of the append-only store contract.
// The chained insert is guarded twice: a partial unique index on
// (tenant_id, sequence_number) and a head-hash comparison in the insert
// itself, so a race the sequencer's optimistic read missed still fails with
// a sequence conflict instead of forking the chain.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Append(ctx context.Context, rec *models.AuditRecord) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO audit_records (id, tenant_id, sequence_number, occurred_at, actor_id, actor_role,
			action, entity_type, entity_id, payload, correlation_id, previous_hash, current_hash)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		WHERE COALESCE((
			SELECT current_hash FROM audit_records
			WHERE tenant_id = $2
			ORDER BY sequence_number DESC LIMIT 1
		), $14) = $12
	`, rec.ID, rec.TenantID, rec.SequenceNumber, rec.Timestamp, rec.ActorID, rec.ActorRole,
		rec.Action, rec.EntityType, rec.EntityID, []byte(rec.Payload), rec.CorrelationID,
		rec.PreviousHash, rec.CurrentHash, audit.SentinelHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return audit.ErrSequenceConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrSequenceConflict
	}
	return nil
}

func (r *AuditRepo) AppendPlatform(ctx context.Context, rec *models.AuditRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_records (id, tenant_id, occurred_at, actor_id, actor_role,
			action, entity_type, entity_id, payload, correlation_id)
		VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.Timestamp, rec.ActorID, rec.ActorRole,
		rec.Action, rec.EntityType, rec.EntityID, []byte(rec.Payload), rec.CorrelationID)
	return err
}

func (r *AuditRepo) Head(ctx context.Context, tenantID string) (audit.Head, error) {
	var h audit.Head
	err := r.pool.QueryRow(ctx, `
		SELECT sequence_number, current_hash FROM audit_records
		WHERE tenant_id = $1
		ORDER BY sequence_number DESC LIMIT 1
	`, tenantID).Scan(&h.SequenceNumber, &h.CurrentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Head{SequenceNumber: 0, CurrentHash: audit.SentinelHash}, nil
	}
	if err != nil {
		return audit.Head{}, err
	}
	return h, nil
}

func (r *AuditRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audit_records WHERE id = $1
	`, id)
	rec, err := scanAuditRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *AuditRepo) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.AuditRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_records
		WHERE tenant_id = $1 AND sequence_number BETWEEN $2 AND $3
		ORDER BY sequence_number ASC LIMIT $4
	`, tenantID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

func (r *AuditRepo) Query(ctx context.Context, tenantID string, f audit.Filter, limit, offset int) ([]models.AuditRecord, error) {
	where, args := buildAuditWhere(tenantID, f)
	order := "sequence_number DESC"
	if f.PlatformScope {
		order = "occurred_at DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_records %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		auditColumns, where, order, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

func (r *AuditRepo) Count(ctx context.Context, tenantID string, f audit.Filter) (int64, error) {
	where, args := buildAuditWhere(tenantID, f)
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM audit_records `+where, args...).Scan(&count)
	return count, err
}

func (r *AuditRepo) CountByDay(ctx context.Context, tenantID string, f audit.Filter) ([]models.DayActivity, error) {
	where, args := buildAuditWhere(tenantID, f)
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('day', occurred_at) AS day, count(*)
		FROM audit_records `+where+`
		GROUP BY 1 ORDER BY 1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DayActivity
	for rows.Next() {
		var d models.DayActivity
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *AuditRepo) CountByAction(ctx context.Context, tenantID string, f audit.Filter) ([]models.ActionCount, error) {
	where, args := buildAuditWhere(tenantID, f)
	rows, err := r.pool.Query(ctx, `
		SELECT action, count(*)
		FROM audit_records `+where+`
		GROUP BY action ORDER BY count(*) DESC, action
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActionCount
	for rows.Next() {
		var a models.ActionCount
		if err := rows.Scan(&a.Action, &a.Count); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AuditRepo) ActorRollup(ctx context.Context, tenantID string, f audit.Filter) ([]models.ActorActivity, error) {
	where, args := buildAuditWhere(tenantID, f)
	rows, err := r.pool.Query(ctx, `
		SELECT actor_id, count(*), max(occurred_at)
		FROM audit_records `+where+`
		GROUP BY actor_id ORDER BY count(*) DESC, actor_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActorActivity
	for rows.Next() {
		var a models.ActorActivity
		if err := rows.Scan(&a.ActorID, &a.Count, &a.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func buildAuditWhere(tenantID string, f audit.Filter) (string, []any) {
	args := []any{}
	where := []string{}

	if f.PlatformScope {
		where = append(where, "tenant_id IS NULL")
	} else {
		args = append(args, tenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		where = append(where, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	if f.MaxSequence > 0 {
		args = append(args, f.MaxSequence)
		where = append(where, fmt.Sprintf("sequence_number <= $%d", len(args)))
	}

	clause := "WHERE " + where[0]
	for _, w := range where[1:] {
		clause += " AND " + w
	}
	return clause, args
}

func scanAuditRecord(row pgx.Row) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	var payload []byte
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SequenceNumber, &rec.Timestamp,
		&rec.ActorID, &rec.ActorRole, &rec.Action, &rec.EntityType, &rec.EntityID,
		&payload, &rec.CorrelationID, &rec.PreviousHash, &rec.CurrentHash)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

func collectAuditRecords(rows pgx.Rows) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
