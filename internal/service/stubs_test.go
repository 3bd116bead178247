package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/govalues/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/coingate"
	"github.com/mmeshcher/coingate-gateway/internal/model"
	"github.com/mmeshcher/coingate-gateway/internal/repository"
)

// memStore повторяет гарантии PostgresRepository: уникальность ключей и запрет выхода из терминальных статусов.
type memStore struct {
	mu sync.Mutex

	orders   map[string]*model.Order
	payments map[string]*model.PaymentRecord
	events   map[string]bool
	logs     []model.WebhookLog

	transitions int
	nextID      int64
	getOrders   int

	getOrderErr error
	claimErr    error
	paymentErr  error
}

func newMemStore(orders ...*model.Order) *memStore {
	s := &memStore{
		orders:   make(map[string]*model.Order),
		payments: make(map[string]*model.PaymentRecord),
		events:   make(map[string]bool),
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *memStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrders++
	if s.getOrderErr != nil {
		return nil, s.getOrderErr
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) SetOrderStatus(ctx context.Context, id string, status model.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status.IsTerminal() {
		return false, nil
	}
	if o.Status != status {
		s.transitions++
	}
	o.Status = status
	return true, nil
}

func (s *memStore) status(id string) model.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func (s *memStore) GetOrCreatePayment(ctx context.Context, p model.PaymentRecord) (*model.PaymentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paymentErr != nil {
		return nil, false, s.paymentErr
	}
	if existing, ok := s.payments[p.RefID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	s.nextID++
	p.ID = s.nextID
	p.CreatedAt = time.Now()
	s.payments[p.RefID] = &p
	cp := p
	return &cp, true, nil
}

func (s *memStore) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *memStore) IsNotificationProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[dedupeKey], nil
}

func (s *memStore) ClaimNotification(ctx context.Context, n *model.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return false, s.claimErr
	}
	key := n.DedupeKey()
	if s.events[key] {
		return false, nil
	}
	s.events[key] = true
	return true, nil
}

func (s *memStore) ReleaseNotification(ctx context.Context, dedupeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, dedupeKey)
	return nil
}

func (s *memStore) isClaimed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[key]
}

func (s *memStore) SaveWebhookLog(ctx context.Context, entry model.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *memStore) webhookLogs() []model.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WebhookLog(nil), s.logs...)
}

type stubClient struct {
	mu        sync.Mutex
	snapshots map[string]*model.RemoteOrder
	err       error
	block     bool
	calls     atomic.Int32
}

func newStubClient(snapshots ...*model.RemoteOrder) *stubClient {
	c := &stubClient{snapshots: make(map[string]*model.RemoteOrder)}
	for _, s := range snapshots {
		c.snapshots[s.ID] = s
	}
	return c
}

func (c *stubClient) FindOrder(ctx context.Context, id string) (*model.RemoteOrder, error) {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coingate.ErrOrderNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (c *stubClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// stubFulfiller переводит заказ в PAID через хранилище и считает успешные завершения.
type stubFulfiller struct {
	mu        sync.Mutex
	store     *memStore
	err       error
	completed map[string]int
	attempts  int
	// hook вызывается при каждой попытке, до проверки err.
	hook func()
}

func newStubFulfiller(store *memStore) *stubFulfiller {
	return &stubFulfiller{store: store, completed: make(map[string]int)}
}

func (f *stubFulfiller) CompletePurchase(ctx context.Context, order *model.Order, payment *model.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return f.err
	}
	transitioned, err := f.store.SetOrderStatus(ctx, order.ID, model.OrderStatusPaid)
	if err != nil {
		return err
	}
	if !transitioned && f.store.status(order.ID) != model.OrderStatusPaid {
		return model.ErrOrderNotPayable
	}
	f.completed[payment.RefID]++
	return nil
}

func (f *stubFulfiller) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *stubFulfiller) completions(refID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[refID]
}

type stubCache struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newStubCache() *stubCache {
	return &stubCache{keys: make(map[string]bool)}
}

func (c *stubCache) IsSeen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.keys[key], nil
}

func (c *stubCache) MarkSeen(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys[key] = true
	return nil
}

func (c *stubCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key]
}

var errUnavailable = errors.New("connection refused")

type testEnv struct {
	store      *memStore
	client     *stubClient
	fulfiller  *stubFulfiller
	verifier   *Verifier
	engine     *Engine
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, store *memStore, client *stubClient, cache SeenCache, opts ...VerifierOption) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	fulfiller := newStubFulfiller(store)
	if cache != nil {
		opts = append(opts, WithSeenCache(cache))
	}

	verifier := NewVerifier(coingate.NewSource(), store, store, client, logger, opts...)
	engine := NewEngine(store, store, fulfiller, logger)
	dispatcher := NewDispatcher(verifier, engine, store, cache, store, logger)

	return &testEnv{
		store:      store,
		client:     client,
		fulfiller:  fulfiller,
		verifier:   verifier,
		engine:     engine,
		dispatcher: dispatcher,
	}
}

func pendingOrder() *model.Order {
	return &model.Order{
		ID:         "42",
		Token:      "abc",
		BalanceDue: decimal.MustParse("100.00"),
		Currency:   "USD",
		Status:     model.OrderStatusPending,
	}
}

func formPayload(body string) model.RawNotification {
	return model.RawNotification{
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(body),
	}
}

const paidPayload = "id=R1&order_id=42&status=paid&token=abc&price_amount=100.00&price_currency=USD"

func paidSnapshot() *model.RemoteOrder {
	return &model.RemoteOrder{ID: "R1", OrderID: "42", Status: "paid", Token: "abc"}
}
