package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/events"
	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/risk"
	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// SourceOrderManager - источник событий OrderManager
const SourceOrderManager = "order_manager"

// Ошибки валидации сигнала
var (
	ErrUnknownAction   = errors.New("unknown signal action")
	ErrInvalidQuantity = errors.New("signal quantity must be positive")
)

// Результаты отправки (поле result в событии order_submitted)
const (
	SubmitResultSubmitted = "submitted"
	SubmitResultFailed    = "failed"
)

// maxSeenExecs - сколько последних exec id помнить для отсева повторных fill
const maxSeenExecs = 2048

// OrderManagerConfig - настройки OrderManager
type OrderManagerConfig struct {
	SessionID       string
	DefaultCategory string
}

// OrderManager владеет жизненным циклом ордеров:
// допуск через risk.Engine, отправка на биржу, сохранение, приём push-обновлений.
//
// Все изменения локальных ордеров идут под mu: сохранение pending-записи и
// итога отправки, push-обработчики и отмена. Сам PlaceOrder выполняется без mu;
// push, пришедший во время вызова, находит pending-запись по ClientOrderID.
type OrderManager struct {
	gateway exchange.Gateway
	engine  *risk.Engine
	orders  OrderStore
	signals SignalStore
	cfg     OrderManagerConfig

	mu        sync.Mutex
	seenExecs map[string]struct{}
	execOrder []string

	bus      *events.Bus
	logger   *utils.Logger
	newToken func() string
	now      func() time.Time
}

// NewOrderManager создаёт менеджер ордеров
func NewOrderManager(
	gateway exchange.Gateway,
	engine *risk.Engine,
	orders OrderStore,
	signals SignalStore,
	cfg OrderManagerConfig,
	logger *utils.Logger,
) *OrderManager {
	if logger == nil {
		logger = utils.NewNop()
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = models.CategoryLinear
	}
	return &OrderManager{
		gateway:   gateway,
		engine:    engine,
		orders:    orders,
		signals:   signals,
		cfg:       cfg,
		seenExecs: make(map[string]struct{}),
		bus:       events.NewBus(logger),
		logger:    logger.WithComponent(SourceOrderManager),
		newToken:  uuid.NewString,
		now:       time.Now,
	}
}

// Events - шина order_submitted / order_filled / order_cancelled
func (om *OrderManager) Events() *events.Bus { return om.bus }

// Locker - mutex локальных ордеров для RecoveryManager
func (om *OrderManager) Locker() sync.Locker { return &om.mu }

// resolveAction переводит действие сигнала в сторону ордера, сторону позиции и reduce-only
func resolveAction(action string) (side, positionSide string, reduceOnly bool, err error) {
	switch action {
	case models.ActionOpenLong:
		return models.SideBuy, models.PositionSideLong, false, nil
	case models.ActionOpenShort:
		return models.SideSell, models.PositionSideShort, false, nil
	case models.ActionCloseLong:
		return models.SideSell, models.PositionSideLong, true, nil
	case models.ActionCloseShort:
		return models.SideBuy, models.PositionSideShort, true, nil
	default:
		return "", "", false, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// ============================================================
// Отправка
// ============================================================

// SubmitOrder проводит сигнал через риск-контур и выставляет ордер.
//
// Возвращает:
//   - nil, nil - ордер отклонён риск-контуром (сигнал сохранён в аудит)
//   - order(failed), nil - биржа не приняла ордер
//   - order(open), nil - ордер принят биржей (или уже продвинут push-обновлением)
//   - nil, err - сигнал некорректен
func (om *OrderManager) SubmitOrder(ctx context.Context, sig models.TradeSignal) (*models.Order, error) {
	side, positionSide, reduceOnly, err := resolveAction(sig.Action)
	if err != nil {
		return nil, err
	}
	if !sig.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if sig.Category == "" {
		sig.Category = om.cfg.DefaultCategory
	}
	if sig.OrderType == "" {
		sig.OrderType = models.OrderTypeMarket
	}

	decision := om.engine.ValidateOrder(risk.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        side,
		Quantity:    sig.Quantity,
		Price:       sig.Price,
		ReduceOnly:  reduceOnly,
		RiskPerUnit: sig.RiskPerUnit,
	})
	if !decision.Approved {
		om.recordSignal(ctx, sig, false, decision.RejectReason, nil)
		return nil, nil
	}

	qty := decision.FinalQty(sig.Quantity)
	order := &models.Order{
		ClientOrderID: om.newToken(),
		Symbol:        sig.Symbol,
		Category:      sig.Category,
		Side:          side,
		PositionSide:  positionSide,
		OrderType:     sig.OrderType,
		Quantity:      qty,
		Price:         sig.Price,
		Status:        models.OrderStatusPending,
		ReduceOnly:    reduceOnly,
		TakeProfit:    sig.TakeProfit,
		StopLoss:      sig.StopLoss,
		SessionID:     om.cfg.SessionID,
		Strategy:      sig.Strategy,
	}
	for k, v := range sig.Metadata {
		order.SetMeta(k, v)
	}
	if decision.AdjustedQty != nil {
		order.SetMeta("requestedQty", sig.Quantity.String())
	}

	log := om.logger.With(utils.Symbol(order.Symbol), utils.ClientOrderID(order.ClientOrderID))

	// pending-запись сохраняется до вызова биржи: push по ClientOrderID её
	// найдёт, а mu не держится на время повторов PlaceOrder
	om.mu.Lock()
	if err := om.orders.Create(ctx, order); err != nil {
		log.Error("failed to persist pending order", utils.Err(err))
	}
	om.mu.Unlock()

	start := om.now()
	res, placeErr := om.gateway.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Category:      order.Category,
		Symbol:        order.Symbol,
		Side:          order.Side,
		PositionSide:  order.PositionSide,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		Price:         order.Price,
		ReduceOnly:    order.ReduceOnly,
		ClientOrderID: order.ClientOrderID,
		TakeProfit:    order.TakeProfit,
		StopLoss:      order.StopLoss,
	})
	RecordGatewayLatency("place_order", om.now().Sub(start))

	result := SubmitResultSubmitted
	if placeErr != nil {
		result = SubmitResultFailed
		log.Error("place order failed", utils.Err(placeErr))
	}

	om.mu.Lock()
	order = om.settlePlacementLocked(ctx, order, res, placeErr)
	om.mu.Unlock()

	var orderID *int64
	if order.ID != 0 {
		id := order.ID
		orderID = &id
	}
	om.recordSignal(ctx, sig, true, "", orderID)

	if placeErr == nil {
		log.Info("order submitted",
			utils.OrderID(order.ExchangeOrderID),
			utils.Side(order.Side),
			utils.Qty(order.Quantity),
		)
	}

	om.bus.Publish(events.Event{
		Type:    events.TypeOrderSubmitted,
		Source:  SourceOrderManager,
		Message: "order " + result,
		Meta: map[string]interface{}{
			"orderId":         order.ID,
			"clientOrderId":   order.ClientOrderID,
			"exchangeOrderId": order.ExchangeOrderID,
			"symbol":          order.Symbol,
			"side":            order.Side,
			"positionSide":    order.PositionSide,
			"qty":             order.Quantity.String(),
			"reduceOnly":      order.ReduceOnly,
			"status":          order.Status,
			"result":          result,
		},
	})

	return order, nil
}

// settlePlacementLocked применяет результат PlaceOrder к записи ордера.
// Статус, до которого запись уже довели push-обновления за время вызова,
// не откатывается. Ошибка сохранения не откатывает ордер на бирже: живой
// ордер без записи найдёт OrphanCleaner или StateRecovery.
func (om *OrderManager) settlePlacementLocked(ctx context.Context, order *models.Order, res *exchange.PlaceOrderResult, placeErr error) *models.Order {
	log := om.logger.With(utils.Symbol(order.Symbol), utils.ClientOrderID(order.ClientOrderID))

	if order.ID == 0 {
		applyPlacement(order, res, placeErr)
		if err := om.orders.Create(ctx, order); err != nil {
			log.Error("failed to persist order", utils.Status(order.Status), utils.OrderID(order.ExchangeOrderID), utils.Err(err))
		}
		return order
	}

	if current, err := om.orders.GetByClientOrderID(ctx, order.ClientOrderID); err == nil {
		order = current
	} else {
		log.Warn("order reload failed, using submitted copy", utils.Err(err))
	}
	applyPlacement(order, res, placeErr)
	if err := om.orders.Update(ctx, order); err != nil {
		log.Error("failed to update order", utils.Status(order.Status), utils.OrderID(order.ExchangeOrderID), utils.Err(err))
	}
	return order
}

func applyPlacement(order *models.Order, res *exchange.PlaceOrderResult, placeErr error) {
	if placeErr != nil {
		if order.Status == models.OrderStatusPending {
			order.Status = models.OrderStatusFailed
			order.ErrorMessage = placeErr.Error()
		}
		return
	}
	if order.ExchangeOrderID == "" && res != nil {
		order.ExchangeOrderID = res.ExchangeOrderID
	}
	if order.Status == models.OrderStatusPending {
		order.Status = models.OrderStatusOpen
	}
}

// recordSignal сохраняет аудит-запись сигнала; ошибка только логируется
func (om *OrderManager) recordSignal(ctx context.Context, sig models.TradeSignal, approved bool, reason string, orderID *int64) {
	if om.signals == nil {
		return
	}
	rec := &models.Signal{
		SessionID:    om.cfg.SessionID,
		Strategy:     sig.Strategy,
		Symbol:       sig.Symbol,
		Category:     sig.Category,
		Action:       sig.Action,
		Quantity:     sig.Quantity,
		Price:        sig.Price,
		Approved:     approved,
		RejectReason: reason,
		OrderID:      orderID,
		Metadata:     sig.Metadata,
	}
	if err := om.signals.Create(ctx, rec); err != nil {
		om.logger.Error("failed to persist signal", utils.Symbol(sig.Symbol), utils.Err(err))
	}
}

// ============================================================
// Push-обновления
// ============================================================

// pendingEffects - то, что выполняется после снятия mu
type pendingEffects struct {
	events []events.Event
	trade  *risk.Trade
}

func (om *OrderManager) apply(fx pendingEffects) {
	if fx.trade != nil {
		om.engine.RecordTrade(*fx.trade)
	}
	for _, e := range fx.events {
		om.bus.Publish(e)
	}
}

// lookup ищет ордер по client id, затем по exchange id
func (om *OrderManager) lookup(ctx context.Context, clientOrderID, exchangeOrderID string) (*models.Order, error) {
	if clientOrderID != "" {
		order, err := om.orders.GetByClientOrderID(ctx, clientOrderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
	}
	if exchangeOrderID != "" {
		return om.orders.GetByExchangeOrderID(ctx, exchangeOrderID)
	}
	return nil, repository.ErrOrderNotFound
}

// HandleOrderUpdate применяет снимок ордера с биржи.
// Обновления терминальных ордеров отбрасываются, накопленные объём и комиссия
// только растут.
func (om *OrderManager) HandleOrderUpdate(ctx context.Context, u *exchange.OrderUpdate) {
	if u == nil {
		return
	}
	status, ok := MapExchangeStatus(u.Status)
	if !ok {
		om.logger.Warn("unknown exchange order status",
			utils.Status(u.Status),
			utils.OrderID(u.ExchangeOrderID),
		)
		return
	}

	om.mu.Lock()
	fx := om.applyOrderUpdateLocked(ctx, u, status)
	om.mu.Unlock()

	om.apply(fx)
}

func (om *OrderManager) applyOrderUpdateLocked(ctx context.Context, u *exchange.OrderUpdate, status string) pendingEffects {
	log := om.logger.With(utils.OrderID(u.ExchangeOrderID), utils.ClientOrderID(u.ClientOrderID))

	order, err := om.lookup(ctx, u.ClientOrderID, u.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			log.Debug("update for untracked order", utils.Symbol(u.Symbol))
		} else {
			log.Error("order lookup failed", utils.Err(err))
		}
		return pendingEffects{}
	}
	if order.IsTerminal() {
		RecordStaleUpdate(exchange.TopicOrder)
		log.Debug("update for terminal order dropped", utils.Status(order.Status), utils.String("incoming", status))
		return pendingEffects{}
	}

	prev := order.Status
	changed := false

	if order.ExchangeOrderID == "" && u.ExchangeOrderID != "" {
		order.ExchangeOrderID = u.ExchangeOrderID
		changed = true
	}
	if u.FilledQty.GreaterThan(order.FilledQty) {
		order.FilledQty = u.FilledQty
		if u.AvgFillPrice.IsPositive() {
			order.AvgFillPrice = u.AvgFillPrice
		}
		changed = true
	}
	if u.Fee.GreaterThan(order.Fee) {
		order.Fee = u.Fee
		changed = true
	}
	if status != prev {
		if CanTransitionOrder(prev, status) {
			order.Status = status
			changed = true
		} else {
			log.Warn("invalid order transition ignored", utils.String("from", prev), utils.String("to", status))
		}
	}
	if order.Status == models.OrderStatusRejected && u.RejectReason != "" {
		order.ErrorMessage = u.RejectReason
	}
	if !changed {
		return pendingEffects{}
	}

	return om.persistTransitionLocked(ctx, order, prev)
}

// HandleFill применяет одно исполнение.
//
// Топик order присылает накопленные объём и комиссию, топик execution - отдельные
// исполнения, и оба описывают одни и те же сделки. Сумма исполнений ведётся в
// метаданных (execQty, execFee), а FilledQty и Fee берут максимум из двух
// источников, поэтому одна сделка не учитывается дважды.
func (om *OrderManager) HandleFill(ctx context.Context, f *exchange.Fill) {
	if f == nil || !f.Quantity.IsPositive() {
		return
	}

	om.mu.Lock()
	fx := om.applyFillLocked(ctx, f)
	om.mu.Unlock()

	om.apply(fx)
}

func (om *OrderManager) applyFillLocked(ctx context.Context, f *exchange.Fill) pendingEffects {
	log := om.logger.With(utils.OrderID(f.ExchangeOrderID), utils.String("exec_id", f.ExecID))

	if f.ExecID != "" {
		if _, seen := om.seenExecs[f.ExecID]; seen {
			log.Debug("duplicate fill dropped")
			return pendingEffects{}
		}
	}

	order, err := om.lookup(ctx, f.ClientOrderID, f.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			log.Debug("fill for untracked order", utils.Symbol(f.Symbol))
		} else {
			log.Error("order lookup failed", utils.Err(err))
		}
		return pendingEffects{}
	}
	if order.IsTerminal() {
		RecordStaleUpdate(exchange.TopicFill)
		log.Debug("fill for terminal order dropped", utils.Status(order.Status))
		return pendingEffects{}
	}

	om.rememberExec(f.ExecID)

	prev := order.Status
	execQty := fixed.NewOrZero(order.MetaString(models.MetaExecQty)).Add(f.Quantity)
	execFee := fixed.NewOrZero(order.MetaString(models.MetaExecFee)).Add(f.Fee)
	order.SetMeta(models.MetaExecQty, execQty.String())
	order.SetMeta(models.MetaExecFee, execFee.String())

	if execQty.GreaterThan(order.FilledQty) {
		delta := execQty.Sub(order.FilledQty)
		order.AvgFillPrice = utils.WeightedAveragePrice(order.FilledQty, order.AvgFillPrice, delta, f.Price)
		order.FilledQty = execQty
	}
	if execFee.GreaterThan(order.Fee) {
		order.Fee = execFee
	}

	next := models.OrderStatusPartiallyFilled
	if order.FilledQty.GreaterOrEqual(order.Quantity) {
		next = models.OrderStatusFilled
	}
	if next != prev && CanTransitionOrder(prev, next) {
		order.Status = next
	}

	return om.persistTransitionLocked(ctx, order, prev)
}

func (om *OrderManager) rememberExec(execID string) {
	if execID == "" {
		return
	}
	om.seenExecs[execID] = struct{}{}
	om.execOrder = append(om.execOrder, execID)
	if len(om.execOrder) > maxSeenExecs {
		delete(om.seenExecs, om.execOrder[0])
		om.execOrder = om.execOrder[1:]
	}
}

// persistTransitionLocked сохраняет ордер и готовит события.
// Для перехода в filled считает реализованный PNL reduce-only ордера.
func (om *OrderManager) persistTransitionLocked(ctx context.Context, order *models.Order, prev string) pendingEffects {
	var fx pendingEffects
	justFilled := order.Status == models.OrderStatusFilled && prev != models.OrderStatusFilled

	if justFilled {
		if order.FilledQty.IsZero() {
			order.FilledQty = order.Quantity
		}
		if pnl := om.realizedPnl(order); pnl != nil {
			order.RealizedPnl = pnl
			fx.trade = &risk.Trade{Symbol: order.Symbol, PnL: *pnl, ClosedAt: om.now()}
		}
	}

	if err := om.orders.Update(ctx, order); err != nil {
		om.logger.Error("failed to update order",
			utils.LocalID(order.ID),
			utils.Status(order.Status),
			utils.Err(err),
		)
	}

	if order.Status != prev {
		om.logger.Info("order status changed",
			utils.LocalID(order.ID),
			utils.Symbol(order.Symbol),
			utils.String("from", prev),
			utils.Status(order.Status),
			utils.Qty(order.FilledQty),
		)
	}

	switch {
	case justFilled:
		var pnl interface{}
		if order.RealizedPnl != nil {
			pnl = order.RealizedPnl.String()
		}
		fx.events = append(fx.events, events.Event{
			Type:    events.TypeOrderFilled,
			Source:  SourceOrderManager,
			Message: "order filled",
			Meta: map[string]interface{}{
				"orderId":         order.ID,
				"clientOrderId":   order.ClientOrderID,
				"exchangeOrderId": order.ExchangeOrderID,
				"symbol":          order.Symbol,
				"side":            order.Side,
				"positionSide":    order.PositionSide,
				"filledQty":       order.FilledQty.String(),
				"avgPrice":        order.AvgFillPrice.String(),
				"fee":             order.Fee.String(),
				"reduceOnly":      order.ReduceOnly,
				"pnl":             pnl,
			},
		})
	case order.Status == models.OrderStatusCancelled && prev != models.OrderStatusCancelled:
		fx.events = append(fx.events, cancelledEvent(order, "exchange"))
	}
	return fx
}

// realizedPnl - PNL закрытия для reduce-only ордера.
// Цена входа берётся из Metadata["entryPrice"]; без неё PNL не считается.
func (om *OrderManager) realizedPnl(order *models.Order) *fixed.Decimal {
	if !order.ReduceOnly {
		return nil
	}
	raw := order.MetaString(models.MetaEntryPrice)
	if raw == "" {
		om.logger.Debug("entry price unknown, realized pnl skipped", utils.LocalID(order.ID))
		return nil
	}
	entry, err := fixed.New(raw)
	if err != nil {
		om.logger.Warn("invalid entry price in metadata", utils.LocalID(order.ID), utils.String("entry", raw))
		return nil
	}
	exit := order.AvgFillPrice
	if exit.IsZero() {
		exit = order.Price
	}
	pnl := utils.RealizedPNL(order.PositionSide, entry, exit, order.FilledQty, order.Fee)
	return &pnl
}

func cancelledEvent(order *models.Order, by string) events.Event {
	return events.Event{
		Type:    events.TypeOrderCancelled,
		Source:  SourceOrderManager,
		Message: "order cancelled",
		Meta: map[string]interface{}{
			"orderId":         order.ID,
			"clientOrderId":   order.ClientOrderID,
			"exchangeOrderId": order.ExchangeOrderID,
			"symbol":          order.Symbol,
			"filledQty":       order.FilledQty.String(),
			"by":              by,
		},
	}
}

// ============================================================
// Отмена
// ============================================================

// CancelOrder отменяет ордер на бирже и помечает локальную запись cancelled.
// Отсутствие локальной записи не ошибка.
func (om *OrderManager) CancelOrder(ctx context.Context, req exchange.CancelRequest) error {
	if req.Category == "" {
		req.Category = om.cfg.DefaultCategory
	}
	if err := om.gateway.CancelOrder(ctx, req); err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", req.ExchangeOrderID, req.ClientOrderID, err)
	}

	om.mu.Lock()
	order, err := om.lookup(ctx, req.ClientOrderID, req.ExchangeOrderID)
	if err != nil {
		om.mu.Unlock()
		if errors.Is(err, repository.ErrOrderNotFound) {
			om.logger.Warn("cancelled order has no local record",
				utils.OrderID(req.ExchangeOrderID),
				utils.ClientOrderID(req.ClientOrderID),
			)
			return nil
		}
		om.logger.Error("order lookup failed after cancel", utils.OrderID(req.ExchangeOrderID), utils.Err(err))
		return nil
	}
	if order.IsTerminal() {
		om.mu.Unlock()
		return nil
	}

	order.Status = models.OrderStatusCancelled
	if err := om.orders.Update(ctx, order); err != nil {
		om.logger.Error("failed to update cancelled order", utils.LocalID(order.ID), utils.Err(err))
	}
	om.mu.Unlock()

	om.logger.Info("order cancelled", utils.LocalID(order.ID), utils.OrderID(order.ExchangeOrderID))
	om.bus.Publish(cancelledEvent(order, "user"))
	return nil
}

// CancelAllOrders отменяет все ордера категории (symbol опционален) и
// помечает активные локальные записи cancelled. Возвращает число записей.
func (om *OrderManager) CancelAllOrders(ctx context.Context, category, symbol string) (int64, error) {
	if category == "" {
		category = om.cfg.DefaultCategory
	}
	if err := om.gateway.CancelAllOrders(ctx, category, symbol); err != nil {
		return 0, fmt.Errorf("cancel all orders: %w", err)
	}

	om.mu.Lock()
	n, err := om.orders.UpdateStatusByFilter(ctx, models.OrderFilter{Category: category, Symbol: symbol}, models.OrderStatusCancelled)
	om.mu.Unlock()
	if err != nil {
		om.logger.Error("failed to mark orders cancelled", utils.Category(category), utils.Err(err))
		return 0, nil
	}

	om.logger.Info("all orders cancelled", utils.Category(category), utils.Symbol(symbol), utils.Int64("records", n))
	om.bus.Publish(events.Event{
		Type:    events.TypeOrderCancelled,
		Source:  SourceOrderManager,
		Message: "all orders cancelled",
		Meta: map[string]interface{}{
			"category": category,
			"symbol":   symbol,
			"count":    n,
			"by":       "bulk",
		},
	})
	return n, nil
}

// ============================================================
// Чтение
// ============================================================

// GetOpenOrders возвращает нетерминальные ордера
func (om *OrderManager) GetOpenOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	filter.Statuses = models.ActiveOrderStatuses
	return om.orders.Find(ctx, filter)
}

// GetTradeHistory возвращает ордера по фильтру; без статусов - только исполненные
func (om *OrderManager) GetTradeHistory(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []string{models.OrderStatusFilled}
	}
	return om.orders.Find(ctx, filter)
}
