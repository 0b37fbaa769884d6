package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/risk"
	"autotrader/pkg/fixed"
)

// ============================================================
// OrderStore
// ============================================================

// fakeOrderStore - хранилище ордеров в памяти; наружу отдаются копии
type fakeOrderStore struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[int64]*models.Order
	createErr error
	updateErr error
	findErr   error
	updates   int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[int64]*models.Order)}
}

func (s *fakeOrderStore) Create(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	order.ID = s.nextID
	s.orders[order.ID] = order.Clone()
	return nil
}

// put кладёт ордер напрямую (подготовка теста)
func (s *fakeOrderStore) put(order *models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == 0 {
		s.nextID++
		order.ID = s.nextID
	} else if order.ID > s.nextID {
		s.nextID = order.ID
	}
	s.orders[order.ID] = order.Clone()
	return order
}

func (s *fakeOrderStore) get(id int64) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return o.Clone()
	}
	return nil
}

func (s *fakeOrderStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *fakeOrderStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	if o := s.get(id); o != nil {
		return o, nil
	}
	return nil, repository.ErrOrderNotFound
}

func (s *fakeOrderStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if clientOrderID != "" && o.ClientOrderID == clientOrderID {
			return o.Clone(), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *fakeOrderStore) GetByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if exchangeOrderID != "" && o.ExchangeOrderID == exchangeOrderID {
			return o.Clone(), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func matchesFilter(o *models.Order, f models.OrderFilter) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Category != "" && o.Category != f.Category {
		return false
	}
	if f.Strategy != "" && o.Strategy != f.Strategy {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if o.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *fakeOrderStore) Find(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []*models.Order
	for id := int64(1); id <= s.nextID; id++ {
		o, ok := s.orders[id]
		if ok && matchesFilter(o, filter) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *fakeOrderStore) Update(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.orders[order.ID]; !ok {
		return repository.ErrOrderNotFound
	}
	s.updates++
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *fakeOrderStore) UpdateStatusByFilter(ctx context.Context, filter models.OrderFilter, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(filter.Statuses) == 0 {
		filter.Statuses = models.ActiveOrderStatuses
	}
	var n int64
	for _, o := range s.orders {
		if matchesFilter(o, filter) {
			o.Status = status
			n++
		}
	}
	return n, nil
}

// ============================================================
// SignalStore / NotificationStore / RiskStateStore
// ============================================================

type fakeSignalStore struct {
	mu      sync.Mutex
	signals []*models.Signal
	err     error
}

func (s *fakeSignalStore) Create(ctx context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	sig.ID = int64(len(s.signals) + 1)
	s.signals = append(s.signals, sig)
	return nil
}

func (s *fakeSignalStore) Find(ctx context.Context, filter models.SignalFilter) ([]*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Signal(nil), s.signals...), nil
}

func (s *fakeSignalStore) all() []*models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Signal(nil), s.signals...)
}

type fakeNotificationStore struct {
	mu    sync.Mutex
	items []*models.Notification
	err   error
}

func (s *fakeNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, n)
	return nil
}

func (s *fakeNotificationStore) all() []*models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Notification(nil), s.items...)
}

type fakeRiskStateStore struct {
	mu      sync.Mutex
	state   risk.DrawdownState
	found   bool
	loadErr error
	saveErr error
	saves   int
}

func (s *fakeRiskStateStore) Load(ctx context.Context) (risk.DrawdownState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.found, s.loadErr
}

func (s *fakeRiskStateStore) Save(ctx context.Context, state risk.DrawdownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.state = state
	s.found = true
	s.saves++
	return nil
}

func (s *fakeRiskStateStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// ============================================================
// Gateway
// ============================================================

var errExchangeDown = &exchange.ExchangeError{Exchange: "fake", Kind: exchange.KindNetwork, Message: "connection reset"}

// fakeGateway - управляемая реализация exchange.Gateway
type fakeGateway struct {
	mu sync.Mutex

	placeResult *exchange.PlaceOrderResult
	placeErr    error
	placed      []exchange.PlaceOrderRequest
	onPlace     func(req exchange.PlaceOrderRequest) // вызывается до ответа биржи

	cancelErr    map[string]error // по exchange id
	cancelled    []exchange.CancelRequest
	cancelAllErr error
	cancelAll    int

	openOrders map[string][]*exchange.OrderUpdate
	openErr    error

	positions    map[string][]models.Position
	positionsErr error

	balance    *models.AccountState
	balanceErr error

	subscribeErr error
	handler      func(*exchange.PushEvent)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		placeResult: &exchange.PlaceOrderResult{ExchangeOrderID: "EX-1"},
		cancelErr:   make(map[string]error),
		openOrders:  make(map[string][]*exchange.OrderUpdate),
		positions:   make(map[string][]models.Position),
	}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, error) {
	if g.onPlace != nil {
		g.onPlace(req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	res := *g.placeResult
	res.ClientOrderID = req.ClientOrderID
	return &res, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, req exchange.CancelRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.cancelErr[req.ExchangeOrderID]; err != nil {
		return err
	}
	g.cancelled = append(g.cancelled, req)
	return nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, category, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelAllErr != nil {
		return g.cancelAllErr
	}
	g.cancelAll++
	return nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, category string) ([]*exchange.OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	out := make([]*exchange.OrderUpdate, 0, len(g.openOrders[category]))
	for _, u := range g.openOrders[category] {
		c := *u
		out = append(out, &c)
	}
	return out, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, category string) ([]models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionsErr != nil {
		return nil, g.positionsErr
	}
	return append([]models.Position(nil), g.positions[category]...), nil
}

func (g *fakeGateway) GetBalance(ctx context.Context) (*models.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if g.balance == nil {
		return nil, errors.New("no balance")
	}
	b := *g.balance
	return &b, nil
}

func (g *fakeGateway) Subscribe(handler func(*exchange.PushEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subscribeErr != nil {
		return g.subscribeErr
	}
	g.handler = handler
	return nil
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) push(ev *exchange.PushEvent) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (g *fakeGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.cancelled))
	for _, c := range g.cancelled {
		ids = append(ids, c.ExchangeOrderID)
	}
	return ids
}

// ============================================================
// Общие помощники
// ============================================================

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) OnEvent(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) last(eventType string) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

func dec(s string) fixed.Decimal { return fixed.MustNew(s) }

// newTestEngine - риск-контур с параметрами по умолчанию и заданным equity
func newTestEngine(equity string) *risk.Engine {
	e := risk.NewEngine(risk.DefaultParams(), nil)
	if equity != "" {
		eq := dec(equity)
		e.UpdateAccountState(risk.AccountUpdate{Equity: &eq, Positions: []models.Position{}})
	}
	return e
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// waitFor ждёт выполнения условия (для фоновых горутин)
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
