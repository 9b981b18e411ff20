// Package commands decodes command messages, dispatches them by routing key
// and builds the replies sent back to callers.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/idempotency"
	"github.com/zeitec/verifier-worker/internal/logging"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/mq"
	"go.uber.org/zap"
)

// Envelope is the body of every command message
type Envelope struct {
	RequestID string          `json:"request_id"`
	Actor     Actor           `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
}

// Actor identifies the caller: a staff member or a registrant
type Actor struct {
	AdminID int64  `json:"admin_id,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Reply is the body sent back to the caller
type Reply struct {
	OK     bool          `json:"ok"`
	Result interface{}   `json:"result,omitempty"`
	Error  *apperr.Error `json:"error,omitempty"`
}

// HandlerFunc runs one command
type HandlerFunc func(ctx context.Context, env Envelope) (interface{}, error)

// ReplyStore remembers replies by message id
type ReplyStore interface {
	Get(key string) (*idempotency.Entry, error)
	Save(key, routingKey string, reply []byte, now time.Time) (*idempotency.Entry, bool, error)
}

// Router dispatches deliveries to registered handlers
type Router struct {
	handlers map[string]HandlerFunc
	store    ReplyStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewRouter creates a router. store may be nil, which disables replay.
func NewRouter(store ReplyStore, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		store:    store,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Register binds a handler to a routing key
func (r *Router) Register(routingKey string, h HandlerFunc) {
	r.handlers[routingKey] = h
}

// RoutingKeys lists the registered routing keys
func (r *Router) RoutingKeys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Handle runs the command carried by d and returns the encoded reply. Domain
// errors become error replies; only infrastructure failures are returned.
func (r *Router) Handle(ctx context.Context, d mq.Delivery) ([]byte, error) {
	start := time.Now()
	logger := logging.WithCommand(r.logger, d.RoutingKey, d.MessageID)

	if d.MessageID != "" && r.store != nil {
		entry, err := r.store.Get(d.MessageID)
		switch {
		case err == nil:
			r.metrics.RecordCommandReplay()
			logger.Info("answering redelivered command from idempotency store",
				zap.Bool("redelivered", d.Redelivered),
				zap.Time("stored_at", entry.StoredAt),
			)
			return entry.Reply, nil
		case !errors.Is(err, idempotency.ErrNotFound):
			return nil, fmt.Errorf("failed to read idempotency store: %w", err)
		}
	}

	result, requestID, err := r.dispatch(ctx, d)
	if requestID != "" {
		logger = logging.WithRequestID(logger, requestID)
	}
	outcome := "ok"
	reply := Reply{OK: true, Result: result}
	if err != nil {
		e := apperr.As(err)
		outcome = string(e.Kind)
		if e.Kind == apperr.KindInternal {
			r.metrics.RecordCommand(d.RoutingKey, outcome, time.Since(start))
			logger.Error("command failed", zap.Error(err))
			return nil, err
		}
		logger.Warn("command rejected",
			zap.String("kind", string(e.Kind)),
			zap.String("code", e.Code),
			zap.String("message", e.Message),
		)
		reply = Reply{OK: false, Error: e}
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}

	if d.MessageID != "" && r.store != nil {
		stored, _, err := r.store.Save(d.MessageID, d.RoutingKey, body, r.now())
		if err != nil {
			return nil, fmt.Errorf("failed to store reply: %w", err)
		}
		body = stored.Reply
	}

	r.metrics.RecordCommand(d.RoutingKey, outcome, time.Since(start))
	logger.Info("command handled", zap.String("outcome", outcome), zap.Duration("duration", time.Since(start)))
	return body, nil
}

// dispatch decodes the envelope and runs its handler. It returns the request
// id once the envelope is known.
func (r *Router) dispatch(ctx context.Context, d mq.Delivery) (interface{}, string, error) {
	h, ok := r.handlers[d.RoutingKey]
	if !ok {
		return nil, "", apperr.Validation("unknown_command", fmt.Sprintf("no command is bound to %q", d.RoutingKey))
	}

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, "", apperr.Validation("malformed_envelope", "command body is not a valid envelope").
			WithMetadata("error", err.Error())
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	result, err := h(ctx, env)
	return result, env.RequestID, err
}

// decode unmarshals a command payload, reporting bad JSON as a validation error
func decode(env Envelope, v interface{}) error {
	if !hasPayload(env) {
		return apperr.Validation("missing_payload", "command payload is required")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return apperr.Validation("malformed_payload", "command payload could not be decoded").
			WithMetadata("error", err.Error())
	}
	return nil
}

func hasPayload(env Envelope) bool {
	return len(env.Payload) > 0 && string(env.Payload) != "null"
}
