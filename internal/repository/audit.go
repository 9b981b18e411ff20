package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

var auditColumns = []string{
	"action_type", "entity_type", "entity_id", "performed_by", "action_details", "request_id", "created_at",
}

// InsertAuditRecordsTx bulk-loads audit records with COPY
func (r *Repository) InsertAuditRecordsTx(ctx context.Context, tx pgx.Tx, records []db.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"audit_trail"},
		auditColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			return []any{
				rec.ActionType,
				rec.EntityType,
				rec.EntityID,
				rec.PerformedBy,
				rec.ActionDetails,
				nullable(rec.RequestID),
				rec.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy audit records: %w", MapError(err))
	}
	if int(n) != len(records) {
		return fmt.Errorf("audit copy wrote %d of %d records", n, len(records))
	}
	return nil
}

// InsertAnalytics stores metric snapshots in one transaction
func (r *Repository) InsertAnalytics(ctx context.Context, records []db.AnalyticsRecord) error {
	query := `
		INSERT INTO analytics (metric_name, metric_value, metric_data, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5)
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.MetricName, db.Numeric(rec.MetricValue), rec.MetricData, rec.PeriodStart, rec.PeriodEnd)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to insert analytics: %w", err)
	}
	return nil
}

// Stats is the aggregate view over submissions, devices and registrants
type Stats struct {
	Submissions map[workflow.SubmissionStatus]int64 `json:"submissions"`
	ApprovedKWh decimal.Decimal                     `json:"approved_kwh"`
	Devices     map[workflow.ApprovalStatus]int64   `json:"devices"`
	Registrants map[workflow.ApprovalStatus]int64   `json:"registrants"`
}

// Stats computes counts by status and the approved energy total
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		Submissions: make(map[workflow.SubmissionStatus]int64, len(workflow.SubmissionStatuses)),
		Devices:     make(map[workflow.ApprovalStatus]int64, len(workflow.ApprovalStatuses)),
		Registrants: make(map[workflow.ApprovalStatus]int64, len(workflow.ApprovalStatuses)),
	}
	for _, st := range workflow.SubmissionStatuses {
		s.Submissions[st] = 0
	}
	for _, st := range workflow.ApprovalStatuses {
		s.Devices[st] = 0
		s.Registrants[st] = 0
	}

	counts, err := r.countByStatus(ctx, "issuance_submissions")
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		s.Submissions[workflow.SubmissionStatus(status)] = n
	}

	if counts, err = r.countByStatus(ctx, "devices"); err != nil {
		return nil, err
	}
	for status, n := range counts {
		s.Devices[workflow.ApprovalStatus(status)] = n
	}

	if counts, err = r.countByStatus(ctx, "registrants"); err != nil {
		return nil, err
	}
	for status, n := range counts {
		s.Registrants[workflow.ApprovalStatus(status)] = n
	}

	var total pgtype.Numeric
	query := `SELECT COALESCE(SUM(total_kwh), 0) FROM issuance_submissions WHERE status = $1`
	if err := r.pool.QueryRow(ctx, query, string(workflow.StatusApproved)).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to sum approved kwh: %w", err)
	}
	if s.ApprovedKWh, err = db.Decimal(total); err != nil {
		return nil, err
	}

	return s, nil
}

// countByStatus groups a table by its status column. table is never caller input.
func (r *Repository) countByStatus(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", table, err)
		}
		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return counts, nil
}
