package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSessionClosed is returned when a finished session is used again
var ErrSessionClosed = errors.New("ledger session already closed")

// Memory is an in-process ledger. A session holds the ledger lock from Begin
// until Commit or Rollback, so check-and-insert is atomic across sessions.
type Memory struct {
	mu     sync.Mutex
	byKey  map[key]*Entry
	byFP   map[string]*Entry
	nextID int64
	now    func() time.Time
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[key]*Entry),
		byFP:  make(map[string]*Entry),
		now:   time.Now,
	}
}

// Begin opens a session, blocking while another session is open
func (m *Memory) Begin(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	return &memorySession{
		ledger: m,
		byKey:  make(map[key]*Entry),
		byFP:   make(map[string]*Entry),
	}, nil
}

// Release removes every entry owned by the submission and returns how many
// were removed.
func (m *Memory) Release(submissionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.byKey {
		if e.SubmissionID != submissionID {
			continue
		}
		delete(m.byKey, k)
		delete(m.byFP, e.AuditTrailID)
		removed++
	}
	return removed
}

// Entries returns a snapshot of the committed ledger ordered by id
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.byKey))
	for _, e := range m.byKey {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntriesForSubmission returns the committed entries owned by a submission
func (m *Memory) EntriesForSubmission(submissionID int64) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.SubmissionID == submissionID {
			out = append(out, e)
		}
	}
	return out
}

type memorySession struct {
	ledger *Memory
	byKey  map[key]*Entry
	byFP   map[string]*Entry
	closed bool
}

func (s *memorySession) lookup(r Reading) *Entry {
	if e, ok := s.byFP[r.Fingerprint]; ok {
		return e
	}
	if e, ok := s.ledger.byFP[r.Fingerprint]; ok {
		return e
	}
	if e, ok := s.byKey[r.key()]; ok {
		return e
	}
	if e, ok := s.ledger.byKey[r.key()]; ok {
		return e
	}
	return nil
}

func (s *memorySession) CheckAndInsert(ctx context.Context, r Reading, submissionID int64) (Decision, error) {
	if s.closed {
		return Decision{}, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if existing := s.lookup(r); existing != nil {
		found := *existing
		return Decision{Reading: r, Outcome: classify(r, existing), Existing: &found}, nil
	}

	s.ledger.nextID++
	e := &Entry{
		ID:           s.ledger.nextID,
		AuditTrailID: r.Fingerprint,
		DeviceID:     r.DeviceID,
		Timestamp:    r.Timestamp,
		KWh:          r.KWh,
		SubmissionID: submissionID,
		CreatedAt:    s.ledger.now().UTC(),
	}
	s.byKey[r.key()] = e
	s.byFP[r.Fingerprint] = e
	return Decision{Reading: r, Outcome: Inserted}, nil
}

func (s *memorySession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	for k, e := range s.byKey {
		s.ledger.byKey[k] = e
	}
	for fp, e := range s.byFP {
		s.ledger.byFP[fp] = e
	}
	s.close()
	return nil
}

func (s *memorySession) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.close()
	return nil
}

func (s *memorySession) close() {
	s.closed = true
	s.byKey = nil
	s.byFP = nil
	s.ledger.mu.Unlock()
}
