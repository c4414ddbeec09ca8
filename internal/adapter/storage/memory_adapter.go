package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

type memoryCheckout struct {
	quotation domain.Quotation
	createdAt time.Time
}

// MemoryCheckoutStore keeps checkouts in process. Entries older than the
// TTL read as absent and are dropped by Sweep.
type MemoryCheckoutStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryCheckout
	now     func() time.Time
}

func NewMemoryCheckoutStore(ttl time.Duration) *MemoryCheckoutStore {
	return &MemoryCheckoutStore{
		ttl:     ttl,
		entries: make(map[string]memoryCheckout),
		now:     time.Now,
	}
}

func (s *MemoryCheckoutStore) Save(_ context.Context, q domain.Quotation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.entries[id] = memoryCheckout{quotation: q, createdAt: s.now()}
	return id, nil
}

func (s *MemoryCheckoutStore) Get(_ context.Context, id string) (*domain.Quotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, nil
	}
	q := e.quotation
	return &q, nil
}

func (s *MemoryCheckoutStore) Remove(_ context.Context, id string) (*domain.Quotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	delete(s.entries, id)
	if !ok {
		return nil, nil
	}
	q := e.quotation
	return &q, nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryCheckoutStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryCheckoutStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// must hold mu
func (s *MemoryCheckoutStore) live(id string) (memoryCheckout, bool) {
	if strings.TrimSpace(id) == "" {
		return memoryCheckout{}, false
	}
	e, ok := s.entries[id]
	if !ok || s.expired(e, s.now()) {
		return memoryCheckout{}, false
	}
	return e, true
}

func (s *MemoryCheckoutStore) expired(e memoryCheckout, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.createdAt) >= s.ttl
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is a keyed mutex for single-process deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*lockSlot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// MemoryDeduper remembers keys for a fixed window.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{ttl: idempotencyKeyTTL, keys: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.keys[key]
	return ok && d.now().Sub(at) < d.ttl, nil
}

func (d *MemoryDeduper) SetIdempotency(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.keys[key]; ok && now.Sub(at) < d.ttl {
		return false, nil
	}
	d.keys[key] = now
	return true, nil
}

// Sweep forgets keys past the window.
func (d *MemoryDeduper) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, at := range d.keys {
		if now.Sub(at) >= d.ttl {
			delete(d.keys, k)
			removed++
		}
	}
	return removed
}
