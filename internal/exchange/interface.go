package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"autotrader/internal/models"
	"autotrader/pkg/fixed"
)

// Gateway определяет интерфейс биржи, которым пользуется торговое ядро.
// Реализации не хранят локальное состояние ордеров: только транспорт и нормализация.
type Gateway interface {
	// Name возвращает имя биржи (для логов и метрик)
	Name() string

	// PlaceOrder размещает ордер. ClientOrderID обязателен (токен идемпотентности)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error)

	// CancelOrder отменяет ордер по exchange id или client id
	CancelOrder(ctx context.Context, req CancelRequest) error

	// CancelAllOrders отменяет все ордера категории (symbol опционален)
	CancelAllOrders(ctx context.Context, category, symbol string) error

	// GetOpenOrders возвращает все активные ордера категории
	GetOpenOrders(ctx context.Context, category string) ([]*OrderUpdate, error)

	// GetPositions возвращает позиции с ненулевым объёмом
	GetPositions(ctx context.Context, category string) ([]models.Position, error)

	// GetBalance возвращает состояние счёта
	GetBalance(ctx context.Context) (*models.AccountState, error)

	// Subscribe подключает приватный поток; handler вызывается из горутины чтения
	Subscribe(handler func(*PushEvent)) error

	// Close закрывает соединения
	Close() error
}

// PlaceOrderRequest - параметры нового ордера
type PlaceOrderRequest struct {
	Category      string
	Symbol        string
	Side          string // buy, sell
	PositionSide  string // long, short
	OrderType     string // limit, market
	Quantity      fixed.Decimal
	Price         fixed.Decimal // только для limit
	ReduceOnly    bool
	ClientOrderID string
	TakeProfit    *fixed.Decimal
	StopLoss      *fixed.Decimal
}

// PlaceOrderResult - ответ биржи на размещение
type PlaceOrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
}

// CancelRequest - идентификация отменяемого ордера (достаточно одного из id)
type CancelRequest struct {
	Category        string
	Symbol          string
	ExchangeOrderID string
	ClientOrderID   string
}

// OrderUpdate - снимок ордера на бирже (REST open orders и push топик order).
// Status содержит словарь биржи, перевод во внутренние статусы делает OrderManager.
type OrderUpdate struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Category        string
	Side            string // buy, sell
	PositionSide    string
	OrderType       string
	Quantity        fixed.Decimal
	Price           fixed.Decimal
	FilledQty       fixed.Decimal // накопленный объём исполнения
	AvgFillPrice    fixed.Decimal
	Fee             fixed.Decimal // накопленная комиссия
	ReduceOnly      bool
	Status          string
	RejectReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill - одно исполнение (push топик execution)
type Fill struct {
	ExecID          string
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Category        string
	Side            string
	Price           fixed.Decimal
	Quantity        fixed.Decimal
	Fee             fixed.Decimal
	IsMaker         bool
	ExecutedAt      time.Time
}

// Топики нормализованного push-потока
const (
	TopicOrder    = "order"
	TopicFill     = "fill"
	TopicPosition = "position"
	TopicAccount  = "account"
)

// PushEvent - нормализованное событие приватного потока.
// Заполнено ровно одно из полей Order, Fill, Position, Account.
type PushEvent struct {
	Topic     string
	Symbol    string
	InstType  string // категория продукта
	Timestamp time.Time

	Order    *OrderUpdate
	Fill     *Fill
	Position *models.Position
	Account  *models.AccountState
}

// ============================================================
// Ошибки
// ============================================================

// ErrorKind - класс транспортной ошибки, определяет политику повторов
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindAPI       ErrorKind = "api"
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Kind     ErrorKind
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": " + string(e.Kind) + " error " + e.Code + ": " + e.Message
	}
	return e.Exchange + ": " + string(e.Kind) + " error: " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Classify приводит произвольную ошибку транспорта к *ExchangeError.
// Сетевые ошибки (таймауты, разрывы, DNS) получают KindNetwork,
// всё неопознанное - KindAPI. Ошибки контекста возвращаются как есть.
func Classify(exchangeName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return err
	}

	kind := KindAPI
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		kind = KindNetwork
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		kind = KindNetwork
	}

	return &ExchangeError{
		Exchange: exchangeName,
		Kind:     kind,
		Message:  err.Error(),
		Original: err,
	}
}

// IsRetryable - повторяется всё, кроме ошибок аутентификации и отмены контекста.
// Неклассифицированная ошибка считается как KindAPI (см. Classify).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		return true
	}
	return exErr.Kind != KindAuth
}

// IsAuthError проверяет, что ошибка вызвана неверными ключами или правами
func IsAuthError(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && exErr.Kind == KindAuth
}

// Стороны ордера на уровне биржевого протокола
const (
	SideBuy  = models.SideBuy
	SideSell = models.SideSell
)
