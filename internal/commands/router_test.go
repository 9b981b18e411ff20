package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/idempotency"
	"github.com/zeitec/verifier-worker/internal/metrics"
	"github.com/zeitec/verifier-worker/internal/mq"
	"go.uber.org/zap"
)

type memoryStore struct {
	entries map[string]*idempotency.Entry
	saves   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*idempotency.Entry)}
}

func (s *memoryStore) Get(key string) (*idempotency.Entry, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) Save(key, routingKey string, reply []byte, now time.Time) (*idempotency.Entry, bool, error) {
	s.saves++
	if e, ok := s.entries[key]; ok {
		return e, false, nil
	}
	e := &idempotency.Entry{Key: key, RoutingKey: routingKey, Reply: reply, StoredAt: now}
	s.entries[key] = e
	return e, true, nil
}

func delivery(t *testing.T, routingKey, messageID string, env Envelope) mq.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}
	return mq.Delivery{MessageID: messageID, RoutingKey: routingKey, Body: body}
}

func decodeReply(t *testing.T, body []byte) Reply {
	t.Helper()
	var r struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *apperr.Error   `json:"error"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("Failed to decode reply %s: %v", body, err)
	}
	return Reply{OK: r.OK, Result: r.Result, Error: r.Error}
}

func TestHandleSuccess(t *testing.T) {
	router := NewRouter(newMemoryStore(), metrics.NewMetrics(), zap.NewNop())
	router.Register("verifier.test.echo", func(ctx context.Context, env Envelope) (interface{}, error) {
		var p map[string]string
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return map[string]string{"echo": p["value"], "request_id": env.RequestID}, nil
	})

	d := delivery(t, "verifier.test.echo", "msg-1", Envelope{
		RequestID: "req-1",
		Payload:   json.RawMessage(`{"value":"hello"}`),
	})
	body, err := router.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	reply := decodeReply(t, body)
	if !reply.OK {
		t.Fatalf("Expected ok reply, got error %+v", reply.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(reply.Result.(json.RawMessage), &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result["echo"] != "hello" || result["request_id"] != "req-1" {
		t.Errorf("Unexpected result %v", result)
	}
}

func TestHandleDomainErrorBecomesReply(t *testing.T) {
	store := newMemoryStore()
	router := NewRouter(store, metrics.NewMetrics(), zap.NewNop())
	router.Register("verifier.test.fail", func(ctx context.Context, env Envelope) (interface{}, error) {
		return nil, apperr.Conflict("terminal_state", "submission is already approved")
	})

	body, err := router.Handle(context.Background(), delivery(t, "verifier.test.fail", "msg-2", Envelope{}))
	if err != nil {
		t.Fatalf("Expected domain error to be replied, got %v", err)
	}

	reply := decodeReply(t, body)
	if reply.OK {
		t.Fatal("Expected error reply")
	}
	if reply.Error.Kind != apperr.KindConflict || reply.Error.Code != "terminal_state" {
		t.Errorf("Unexpected error %+v", reply.Error)
	}
	if _, ok := store.entries["msg-2"]; !ok {
		t.Error("Expected error reply to be stored")
	}
}

func TestHandleInternalErrorIsReturned(t *testing.T) {
	store := newMemoryStore()
	router := NewRouter(store, metrics.NewMetrics(), zap.NewNop())
	cause := errors.New("connection reset")
	router.Register("verifier.test.broken", func(ctx context.Context, env Envelope) (interface{}, error) {
		return nil, cause
	})

	_, err := router.Handle(context.Background(), delivery(t, "verifier.test.broken", "msg-3", Envelope{}))
	if !errors.Is(err, cause) {
		t.Fatalf("Expected internal error to be returned, got %v", err)
	}
	if store.saves != 0 {
		t.Errorf("Expected no stored reply for internal failure, got %d saves", store.saves)
	}
}

func TestHandleReplaysStoredReply(t *testing.T) {
	store := newMemoryStore()
	router := NewRouter(store, metrics.NewMetrics(), zap.NewNop())
	calls := 0
	router.Register("verifier.test.count", func(ctx context.Context, env Envelope) (interface{}, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	})

	d := delivery(t, "verifier.test.count", "msg-4", Envelope{RequestID: "req-4"})
	first, err := router.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("First Handle failed: %v", err)
	}
	d.Redelivered = true
	second, err := router.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("Second Handle failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("Expected handler to run once, ran %d times", calls)
	}
	if string(first) != string(second) {
		t.Errorf("Expected identical replies, got %s and %s", first, second)
	}
}

func TestHandleRejectsBadInput(t *testing.T) {
	router := NewRouter(nil, metrics.NewMetrics(), zap.NewNop())
	router.Register("verifier.test.payload", func(ctx context.Context, env Envelope) (interface{}, error) {
		var p struct {
			ID int64 `json:"id"`
		}
		return nil, decode(env, &p)
	})

	tests := []struct {
		name     string
		delivery mq.Delivery
		wantCode string
	}{
		{
			name:     "unknown routing key",
			delivery: mq.Delivery{MessageID: "a", RoutingKey: "verifier.test.missing", Body: []byte(`{}`)},
			wantCode: "unknown_command",
		},
		{
			name:     "malformed envelope",
			delivery: mq.Delivery{MessageID: "b", RoutingKey: "verifier.test.payload", Body: []byte(`not json`)},
			wantCode: "malformed_envelope",
		},
		{
			name:     "missing payload",
			delivery: mq.Delivery{MessageID: "c", RoutingKey: "verifier.test.payload", Body: []byte(`{"request_id":"r"}`)},
			wantCode: "missing_payload",
		},
		{
			name:     "malformed payload",
			delivery: mq.Delivery{MessageID: "d", RoutingKey: "verifier.test.payload", Body: []byte(`{"payload":{"id":"seven"}}`)},
			wantCode: "malformed_payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := router.Handle(context.Background(), tt.delivery)
			if err != nil {
				t.Fatalf("Expected validation reply, got %v", err)
			}
			reply := decodeReply(t, body)
			if reply.OK || reply.Error == nil {
				t.Fatalf("Expected error reply, got %s", body)
			}
			if reply.Error.Kind != apperr.KindValidation || reply.Error.Code != tt.wantCode {
				t.Errorf("Expected validation/%s, got %s/%s", tt.wantCode, reply.Error.Kind, reply.Error.Code)
			}
		})
	}
}
