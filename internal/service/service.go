// Package service implements the registry, issuance and review operations.
// Each operation runs in one database transaction and publishes its domain
// events only after the commit.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/logging"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/workflow"
	"go.uber.org/zap"
)

// Domain event routing keys
const (
	EventRegistrantApplied   = "registrant.applied"
	EventRegistrantReviewed  = "registrant.reviewed"
	EventDevicesSubmitted    = "device.submitted"
	EventDeviceReviewed      = "device.reviewed"
	EventSubmissionIngested  = "submission.ingested"
	EventSubmissionDuplicate = "submission.duplicate_detected"
	EventSubmissionClaimed   = "submission.claimed"
	EventSubmissionApproved  = "submission.approved"
	EventSubmissionRejected  = "submission.rejected"
	EventSubmissionDeleted   = "submission.deleted"
)

// EventPublisher publishes domain events
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
}

// Event is the payload of every domain event
type Event struct {
	Type       string      `json:"type"`
	EntityType string      `json:"entity_type"`
	EntityID   int64       `json:"entity_id"`
	Status     string      `json:"status,omitempty"`
	RequestID  string      `json:"request_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data,omitempty"`
}

// Meta identifies the command an operation runs for
type Meta struct {
	RequestID string
	// AdminID is the staff member issuing the command, 0 for registrant commands
	AdminID int64
}

type base struct {
	repo      Store
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func newBase(repo Store, publisher EventPublisher, m *metrics.Metrics, logger *zap.Logger) base {
	return base{repo: repo, publisher: publisher, metrics: m, logger: logger, now: time.Now}
}

// actor resolves the staff member behind a command
func (b *base) actor(ctx context.Context, meta Meta) (workflow.Actor, error) {
	if meta.AdminID == 0 {
		return workflow.Actor{}, apperr.Forbidden("staff_required", "this action requires a verifier or administrator")
	}
	admin, err := b.repo.GetAdmin(ctx, meta.AdminID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return workflow.Actor{}, apperr.Forbidden("unknown_admin", fmt.Sprintf("admin %d does not exist", meta.AdminID))
		}
		return workflow.Actor{}, err
	}
	return workflow.Actor{AdminID: admin.ID, Role: admin.Role}, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds
func (b *base) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := b.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// writeAudit stores records in their own transaction, for outcomes whose main
// transaction was rolled back
func (b *base) writeAudit(ctx context.Context, records []db.AuditRecord) error {
	return b.inTx(ctx, func(tx pgx.Tx) error {
		return b.repo.InsertAuditRecordsTx(ctx, tx, records)
	})
}

// publish sends events after a commit. Failures are logged, not returned:
// the state change is already durable.
func (b *base) publish(ctx context.Context, logger *zap.Logger, events ...Event) {
	for _, event := range events {
		if err := b.publisher.Publish(ctx, event.Type, event); err != nil {
			logger.Error("failed to publish event",
				zap.Error(err),
				zap.String("event", event.Type),
				zap.Int64("entity_id", event.EntityID),
			)
		}
	}
}

func (b *base) requestLogger(meta Meta) *zap.Logger {
	return logging.WithRequestID(b.logger, meta.RequestID)
}

func adminRef(meta Meta) *int64 {
	if meta.AdminID == 0 {
		return nil
	}
	id := meta.AdminID
	return &id
}
