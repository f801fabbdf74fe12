package pipeline

import (
	"context"
	"sync"
	"time"
)

// fixedClock advances a fixed step on every Now call so timestamps are
// distinct but deterministic.
type fixedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFixedClock() *fixedClock {
	return &fixedClock{
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		step: time.Second,
	}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type stubSource struct {
	mu         sync.Mutex
	files      []FileRecord
	listErr    error
	fetchErr   map[string]error
	fetchCalls map[string]int
}

func newStubSource(files ...FileRecord) *stubSource {
	return &stubSource{
		files:      files,
		fetchErr:   map[string]error{},
		fetchCalls: map[string]int{},
	}
}

func (s *stubSource) List(context.Context, string) ([]FileRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.files, nil
}

func (s *stubSource) Fetch(_ context.Context, fileID string) ([]byte, string, error) {
	s.mu.Lock()
	s.fetchCalls[fileID]++
	err := s.fetchErr[fileID]
	s.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return []byte("raw bytes"), "image/jpeg", nil
}

func (s *stubSource) fetched(fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls[fileID]
}

type stubRecognizer struct {
	mu        sync.Mutex
	calls     int
	inFlight  int
	maxActive int
	hook      func(ctx context.Context, call int) (string, error)
}

func (r *stubRecognizer) Recognize(ctx context.Context, _ []byte, _ string) (string, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.inFlight++
	if r.inFlight > r.maxActive {
		r.maxActive = r.inFlight
	}
	hook := r.hook
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if hook != nil {
		return hook(ctx, call)
	}
	return "RECEIPT TEXT", nil
}

func (r *stubRecognizer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubExtractor struct {
	mu      sync.Mutex
	calls   int
	receipt func() *StructuredReceipt
	err     error
}

func (e *stubExtractor) Extract(_ context.Context, rawText string) (*StructuredReceipt, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.receipt != nil {
		return e.receipt(), nil
	}
	total := 42.75
	return &StructuredReceipt{
		MerchantName: "CVS Pharmacy",
		Date:         "2025-05-30",
		TotalAmount:  &total,
		Currency:     "TWD",
		Confidence:   0.95,
		RawText:      rawText,
	}, nil
}

type stubSink struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (s *stubSink) Write(_ context.Context, _ *StructuredReceipt, file FileRecord) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, file.ID)
	return "Sheet1!A" + file.ID, nil
}

func (s *stubSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// memStore is an in-memory ProcessedStore with injectable failures.
type memStore struct {
	mu        sync.Mutex
	outcomes  map[string]Outcome
	readErr   error
	recordErr error
}

func newMemStore() *memStore {
	return &memStore{outcomes: map[string]Outcome{}}
}

func (m *memStore) HasSucceeded(fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	o, ok := m.outcomes[fileID]
	return ok && o.Status == StatusSuccess, nil
}

func (m *memStore) Record(o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	if prior, ok := m.outcomes[o.FileID]; ok && prior.Timestamp.After(o.Timestamp) {
		return nil
	}
	m.outcomes[o.FileID] = o
	return nil
}

func (m *memStore) History() ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcomes := make([]Outcome, 0, len(m.outcomes))
	for _, o := range m.outcomes {
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (m *memStore) get(fileID string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[fileID]
	return o, ok
}

func testFile(id, name string) FileRecord {
	return FileRecord{
		ID:           id,
		Name:         name,
		ContentType:  "image/jpeg",
		Size:         1024,
		ModifiedTime: time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
	}
}
