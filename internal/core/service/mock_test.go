package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockRepo is an in-memory implementation of every repository port. Ledger
// calls are atomic under mu, mirroring one database transaction each.
type mockRepo struct {
	mu sync.Mutex

	nextID    int64
	lines     map[int64]domain.CartLine
	products  map[int64]*domain.Product
	workshops map[int64]*domain.Workshop

	purchases    []domain.Purchase
	reservations []domain.Reservation

	plans   map[domain.BillingPlan]domain.SubscriptionPlan
	periods []domain.SubscriptionPeriod

	failCommit error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		lines:     make(map[int64]domain.CartLine),
		products:  make(map[int64]*domain.Product),
		workshops: make(map[int64]*domain.Workshop),
		plans: map[domain.BillingPlan]domain.SubscriptionPlan{
			domain.BillingMonthly: {ID: 1, Plan: domain.BillingMonthly, Price: decimal.RequireFromString("5.00")},
			domain.BillingYearly:  {ID: 2, Plan: domain.BillingYearly, Price: decimal.RequireFromString("50.00")},
		},
	}
}

func (m *mockRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *mockRepo) addProduct(price string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.products[id] = &domain.Product{ID: id, Title: "product", Category: "ceramics", Price: decimal.RequireFromString(price)}
	return id
}

func (m *mockRepo) addWorkshop(price string, capacity int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.workshops[id] = &domain.Workshop{
		ID: id, Title: "workshop", Location: "Studio", Price: decimal.RequireFromString(price),
		Capacity: capacity, RemainingCapacity: capacity,
	}
	return id
}

func (m *mockRepo) remaining(workshopID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workshops[workshopID].RemainingCapacity
}

func (m *mockRepo) purchaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.purchases)
}

func (m *mockRepo) reservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

func (m *mockRepo) periodCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.periods)
}

func (m *mockRepo) AddLine(_ context.Context, line domain.CartLine) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line.ID = m.id()
	m.lines[line.ID] = line
	return line.ID, nil
}

func (m *mockRepo) GetLine(_ context.Context, id int64) (*domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line, ok := m.lines[id]
	if !ok {
		return nil, nil
	}
	return &line, nil
}

func (m *mockRepo) ListLines(_ context.Context, userID int64) ([]domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CartLine
	for _, l := range m.lines {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) matching(userID int64, ref domain.LineRef) []int64 {
	var ids []int64
	kind, byItem := ref.LineKind()
	for id, l := range m.lines {
		if l.UserID != userID {
			continue
		}
		if (byItem && l.Kind == kind && l.ItemID == ref.ID) || (!byItem && id == ref.ID) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *mockRepo) UpdateQuantity(_ context.Context, userID int64, ref domain.LineRef, quantity int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.matching(userID, ref)
	for _, id := range ids {
		l := m.lines[id]
		l.Quantity = quantity
		m.lines[id] = l
	}
	return int64(len(ids)), nil
}

func (m *mockRepo) RemoveLines(_ context.Context, userID int64, ref domain.LineRef) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.matching(userID, ref)
	for _, id := range ids {
		delete(m.lines, id)
	}
	return int64(len(ids)), nil
}

func (m *mockRepo) ClearCart(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.lines {
		if l.UserID == userID {
			delete(m.lines, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) GetWorkshop(_ context.Context, id int64) (*domain.Workshop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workshops[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *mockRepo) CommitPurchase(_ context.Context, userID, productID int64) (*domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return nil, m.failCommit
	}
	p, ok := m.products[productID]
	if !ok {
		return nil, port.ErrNotFound
	}
	for _, pu := range m.purchases {
		if pu.UserID == userID && pu.ProductID == productID {
			return nil, port.ErrDuplicate
		}
	}
	if p.Sold {
		return nil, port.ErrConflict
	}
	p.Sold = true
	purchase := domain.Purchase{ID: m.id(), UserID: userID, ProductID: productID, CreatedAt: time.Now()}
	m.purchases = append(m.purchases, purchase)
	return &purchase, nil
}

func (m *mockRepo) CommitReservation(_ context.Context, userID, workshopID int64) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return nil, m.failCommit
	}
	w, ok := m.workshops[workshopID]
	if !ok {
		return nil, port.ErrNotFound
	}
	for _, r := range m.reservations {
		if r.UserID == userID && r.WorkshopID == workshopID && r.Status == domain.ReservationStatusReserved {
			return nil, port.ErrDuplicate
		}
	}
	if w.RemainingCapacity <= 0 {
		return nil, port.ErrConflict
	}
	w.RemainingCapacity--
	r := domain.Reservation{ID: m.id(), UserID: userID, WorkshopID: workshopID, Status: domain.ReservationStatusReserved}
	m.reservations = append(m.reservations, r)
	return &r, nil
}

func (m *mockRepo) CancelReservation(_ context.Context, userID, workshopID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.reservations {
		if r.UserID == userID && r.WorkshopID == workshopID && r.Status == domain.ReservationStatusReserved {
			m.reservations[i].Status = domain.ReservationStatusCanceled
			w := m.workshops[workshopID]
			if w.RemainingCapacity < w.Capacity {
				w.RemainingCapacity++
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) ReservedWorkshops(_ context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, r := range m.reservations {
		if r.UserID == userID && r.Status == domain.ReservationStatusReserved {
			ids = append(ids, r.WorkshopID)
		}
	}
	return ids, nil
}

func (m *mockRepo) GetPlan(_ context.Context, plan domain.BillingPlan) (*domain.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[plan]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockRepo) PaymentApplied(_ context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.PaymentID == paymentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) LatestPeriod(_ context.Context, userID int64) (*domain.SubscriptionPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.SubscriptionPeriod
	for i := range m.periods {
		p := m.periods[i]
		if p.UserID == userID && (latest == nil || p.PeriodEnd.After(latest.PeriodEnd)) {
			latest = &p
		}
	}
	return latest, nil
}

func (m *mockRepo) CreatePeriod(_ context.Context, period domain.SubscriptionPeriod) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.PaymentID == period.PaymentID {
			return 0, port.ErrDuplicate
		}
	}
	period.ID = m.id()
	m.periods = append(m.periods, period)
	return period.ID, nil
}

// mockStore is a map-backed checkout store.
type mockStore struct {
	mu      sync.Mutex
	n       int
	entries map[string]domain.Quotation
}

func newMockStore() *mockStore {
	return &mockStore{entries: make(map[string]domain.Quotation)}
}

func (s *mockStore) Save(_ context.Context, q domain.Quotation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	id := fmt.Sprintf("chk-%d", s.n)
	s.entries[id] = q
	return id, nil
}

func (s *mockStore) Get(_ context.Context, id string) (*domain.Quotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *mockStore) Remove(_ context.Context, id string) (*domain.Quotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.entries[id]
	delete(s.entries, id)
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *mockStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// mockLocker is a keyed mutex.
type mockLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMockLocker() *mockLocker {
	return &mockLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *mockLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

type mockDeduper struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockDeduper() *mockDeduper {
	return &mockDeduper{keys: make(map[string]bool)}
}

func (d *mockDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key], nil
}

func (d *mockDeduper) SetIdempotency(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

type mockVerifier struct {
	mu       sync.Mutex
	payments map[string]*port.PaymentVerification
	err      error
	calls    int
}

func (v *mockVerifier) Verify(_ context.Context, paymentID string) (*port.PaymentVerification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	p, ok := v.payments[paymentID]
	if !ok {
		return nil, port.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []port.Event
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, e port.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *mockPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires every service over the mocks.
type harness struct {
	repo      *mockRepo
	store     *mockStore
	deduper   *mockDeduper
	verifier  *mockVerifier
	publisher *mockPublisher

	cart         *CartService
	checkout     *CheckoutService
	subs         *SubscriptionService
	payments     *PaymentService
	reservations *ReservationService
}

func newHarness() *harness {
	h := &harness{
		repo:      newMockRepo(),
		store:     newMockStore(),
		deduper:   newMockDeduper(),
		verifier:  &mockVerifier{payments: make(map[string]*port.PaymentVerification)},
		publisher: &mockPublisher{},
	}
	locker := newMockLocker()
	h.cart = NewCartService(h.repo, h.repo, discardLog)
	h.checkout = NewCheckoutService(h.repo, h.repo, h.repo, h.store, h.publisher, discardLog)
	h.subs = NewSubscriptionService(h.repo, locker, h.publisher, discardLog)
	h.payments = NewPaymentService(h.checkout, h.store, h.subs, h.verifier, locker, h.deduper, 100, discardLog)
	h.reservations = NewReservationService(h.repo, discardLog)
	return h
}

func (h *harness) add(userID int64, kind domain.LineKind, itemID int64) {
	if _, err := h.cart.AddLine(context.Background(), userID, AddLineRequest{Kind: kind, ItemID: itemID, Quantity: 1}); err != nil {
		panic(err)
	}
}
