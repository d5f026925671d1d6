package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offerforge/offerforge/core/offer"
)

const (
	// DefaultCapacity bounds the retained run history.
	DefaultCapacity = 1000

	defaultListLimit = 50
)

// Tracker owns run state. Implementations are safe for concurrent use; run
// mutation goes through Create/Update/AttachFeedback only.
type Tracker interface {
	Create(ctx context.Context, mode string, req offer.Context) (string, error)
	// Update merges terminal fields into a run. Unknown ids are ignored.
	Update(ctx context.Context, runID string, up Update) error
	Get(ctx context.Context, runID string) (*Run, error)
	// ListRecent returns up to limit runs, newest first. limit<=0 means 50.
	ListRecent(ctx context.Context, limit int) ([]*Run, error)
	AttachFeedback(ctx context.Context, runID string, fb Feedback) error

	// Advisory active-run marker, last writer wins.
	SetActive(ctx context.Context, runID string) error
	ClearActive(ctx context.Context) error
	ActiveRunID(ctx context.Context) (string, error)
}

// MemoryTracker keeps runs in process memory, evicting the oldest beyond its
// capacity.
type MemoryTracker struct {
	mu       sync.Mutex
	runs     map[string]*Run
	order    []string // creation order, oldest first
	capacity int
	active   string
	now      func() time.Time
}

func NewMemoryTracker(capacity int) *MemoryTracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryTracker{
		runs:     map[string]*Run{},
		capacity: capacity,
		now:      time.Now,
	}
}

func (t *MemoryTracker) Create(_ context.Context, mode string, req offer.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.runs[id] = &Run{
		RunID:     id,
		Status:    StatusRunning,
		Mode:      mode,
		StartedAt: t.now().UTC(),
		Request:   req,
	}
	t.order = append(t.order, id)
	for len(t.order) > t.capacity {
		evicted := t.order[0]
		t.order = t.order[1:]
		delete(t.runs, evicted)
	}
	return id, nil
}

func (t *MemoryTracker) Update(_ context.Context, runID string, up Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		up.apply(r)
	}
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, runID string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok {
		return nil, offer.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *MemoryTracker) ListRecent(_ context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Run, 0, len(t.runs))
	for _, r := range t.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *MemoryTracker) AttachFeedback(_ context.Context, runID string, fb Feedback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok {
		return offer.ErrRunNotFound
	}
	if fb.At.IsZero() {
		fb.At = t.now().UTC()
	}
	r.Feedback = &fb
	return nil
}

func (t *MemoryTracker) SetActive(_ context.Context, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = runID
	return nil
}

func (t *MemoryTracker) ClearActive(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = ""
	return nil
}

func (t *MemoryTracker) ActiveRunID(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, nil
}
