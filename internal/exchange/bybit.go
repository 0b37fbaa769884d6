package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/models"
	"autotrader/pkg/fixed"
	"autotrader/pkg/ratelimit"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitName           = "bybit"
	bybitBaseURL        = "https://api.bybit.com"
	bybitTestnetURL     = "https://api-testnet.bybit.com"
	bybitWSPrivate      = "wss://stream.bybit.com/v5/private"
	bybitWSPrivateTest  = "wss://stream-testnet.bybit.com/v5/private"
	bybitRecvWindow     = "5000"
	bybitSettleCoin     = "USDT"
	bybitPageLimit      = "50"
	bybitMaxPages       = 20
	rateGroupTrade      = "trade"
	rateGroupQuery      = "query"
	defaultTradeRateRPS = 10
	defaultQueryRateRPS = 20
)

// BybitConfig - параметры подключения к Bybit v5
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool

	// BaseURL и WSURL переопределяют адреса (тесты, прокси)
	BaseURL string
	WSURL   string

	// Лимиты запросов в секунду по группам эндпоинтов
	TradeRate float64
	QueryRate float64

	HTTPClient *http.Client
	Stream     StreamConfig
}

// Bybit реализует Gateway для Bybit Unified Trading Account (API v5)
type Bybit struct {
	apiKey    string
	secretKey string
	baseURL   string
	wsURL     string

	httpClient *http.Client
	limiter    *ratelimit.MultiLimiter
	logger     *utils.Logger
	now        func() time.Time

	streamCfg StreamConfig
	stream    *ReconnectingStream
	handler   func(*PushEvent)
	mu        sync.Mutex
}

// NewBybit создаёт gateway. Соединения не открываются до первого вызова.
func NewBybit(cfg BybitConfig, logger *utils.Logger) *Bybit {
	if logger == nil {
		logger = utils.NewNop()
	}

	baseURL, wsURL := bybitBaseURL, bybitWSPrivate
	if cfg.Testnet {
		baseURL, wsURL = bybitTestnetURL, bybitWSPrivateTest
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.WSURL != "" {
		wsURL = cfg.WSURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPClientConfig())
	}

	tradeRate, queryRate := cfg.TradeRate, cfg.QueryRate
	if tradeRate <= 0 {
		tradeRate = defaultTradeRateRPS
	}
	if queryRate <= 0 {
		queryRate = defaultQueryRateRPS
	}
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(rateGroupTrade, tradeRate, tradeRate)
	limiter.Add(rateGroupQuery, queryRate, queryRate)

	streamCfg := cfg.Stream
	if streamCfg.InitialDelay == 0 {
		streamCfg = DefaultStreamConfig()
	}

	return &Bybit{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.APISecret,
		baseURL:    baseURL,
		wsURL:      wsURL,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.WithExchange(bybitName),
		now:        time.Now,
		streamCfg:  streamCfg,
	}
}

func (b *Bybit) Name() string {
	return bybitName
}

// sign создает подпись для запроса к Bybit API v5:
// HMAC_SHA256(timestamp + apiKey + recvWindow + payload)
func (b *Bybit) sign(timestamp string, payload string) string {
	return hmacSHA256(b.secretKey, timestamp+b.apiKey+bybitRecvWindow+payload)
}

// bybitResponse - общая обёртка ответа v5
type bybitResponse struct {
	RetCode int                 `json:"retCode"`
	RetMsg  string              `json:"retMsg"`
	Result  jsoniter.RawMessage `json:"result"`
}

// doRequest выполняет запрос к Bybit API и возвращает поле result.
// GET параметры идут в query string, POST - JSON телом; подписывается ровно то, что отправлено.
func (b *Bybit) doRequest(ctx context.Context, method, endpoint, group string, params map[string]interface{}, signed bool) (jsoniter.RawMessage, error) {
	if err := b.limiter.Wait(ctx, group); err != nil {
		return nil, err
	}

	var payload string
	reqURL := b.baseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, fmt.Sprint(v))
		}
		payload = query.Encode()
		if payload != "" {
			reqURL += "?" + payload
		}
	} else if len(params) > 0 {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		payload = string(body)
	}

	var body io.Reader
	if method != http.MethodGet {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, payload))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	start := b.now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, Classify(bybitName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(bybitName, err)
	}

	b.logger.Debug("bybit request",
		utils.String("method", method),
		utils.String("endpoint", endpoint),
		utils.Int("http_status", resp.StatusCode),
		utils.Latency(b.now().Sub(start)),
	)

	if kind, ok := httpStatusKind(resp.StatusCode); ok {
		return nil, &ExchangeError{
			Exchange: bybitName,
			Kind:     kind,
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  strings.TrimSpace(string(raw)),
		}
	}

	var base bybitResponse
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "malformed response", Original: err}
	}

	if base.RetCode != 0 {
		return nil, &ExchangeError{
			Exchange: bybitName,
			Kind:     bybitErrorKind(base.RetCode),
			Code:     strconv.Itoa(base.RetCode),
			Message:  base.RetMsg,
		}
	}

	return base.Result, nil
}

func httpStatusKind(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth, true
	case status >= 500:
		return KindNetwork, true
	case status >= 400:
		return KindAPI, true
	}
	return "", false
}

// bybitErrorKind классифицирует retCode Bybit v5
func bybitErrorKind(code int) ErrorKind {
	switch code {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		// неверный ключ, подпись, права, IP, истёкший ключ
		return KindAuth
	case 10006, 10018, 10429:
		return KindRateLimit
	case 10000, 10002, 10016:
		// таймаут сервера, рассинхрон времени, внутренняя ошибка
		return KindNetwork
	default:
		return KindAPI
	}
}

// ============================================================
// Торговые операции
// ============================================================

func (b *Bybit) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if req.ClientOrderID == "" {
		return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "client order id is required"}
	}

	params := map[string]interface{}{
		"category":    categoryOrDefault(req.Category),
		"symbol":      req.Symbol,
		"side":        toBybitSide(req.Side),
		"qty":         req.Quantity.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.OrderType == models.OrderTypeLimit {
		params["orderType"] = "Limit"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	} else {
		params["orderType"] = "Market"
		params["timeInForce"] = "IOC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.TakeProfit != nil {
		params["takeProfit"] = req.TakeProfit.String()
	}
	if req.StopLoss != nil {
		params["stopLoss"] = req.StopLoss.String()
	}

	result, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", rateGroupTrade, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "malformed order response", Original: err}
	}

	return &PlaceOrderResult{ExchangeOrderID: resp.OrderID, ClientOrderID: resp.OrderLinkID}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, req CancelRequest) error {
	params := map[string]interface{}{
		"category": categoryOrDefault(req.Category),
		"symbol":   req.Symbol,
	}
	switch {
	case req.ExchangeOrderID != "":
		params["orderId"] = req.ExchangeOrderID
	case req.ClientOrderID != "":
		params["orderLinkId"] = req.ClientOrderID
	default:
		return &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "order id or client order id is required"}
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", rateGroupTrade, params, true)
	return err
}

func (b *Bybit) CancelAllOrders(ctx context.Context, category, symbol string) error {
	category = categoryOrDefault(category)
	params := map[string]interface{}{"category": category}
	if symbol != "" {
		params["symbol"] = symbol
	} else if category != models.CategorySpot {
		params["settleCoin"] = bybitSettleCoin
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel-all", rateGroupTrade, params, true)
	return err
}

// ============================================================
// Запросы состояния
// ============================================================

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Category     string `json:"category"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	ReduceOnly   bool   `json:"reduceOnly"`
	PositionIdx  int    `json:"positionIdx"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (o bybitOrder) toUpdate(category string) *OrderUpdate {
	if o.Category != "" {
		category = o.Category
	}
	side := fromBybitSide(o.Side)
	reason := o.RejectReason
	if reason == "EC_NoError" {
		reason = ""
	}
	return &OrderUpdate{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Symbol:          o.Symbol,
		Category:        category,
		Side:            side,
		PositionSide:    orderPositionSide(side, o.ReduceOnly, o.PositionIdx),
		OrderType:       strings.ToLower(o.OrderType),
		Quantity:        fixed.NewOrZero(o.Qty),
		Price:           fixed.NewOrZero(o.Price),
		FilledQty:       fixed.NewOrZero(o.CumExecQty),
		AvgFillPrice:    fixed.NewOrZero(o.AvgPrice),
		Fee:             fixed.NewOrZero(o.CumExecFee),
		ReduceOnly:      o.ReduceOnly,
		Status:          o.OrderStatus,
		RejectReason:    reason,
		CreatedAt:       parseMillis(o.CreatedTime),
		UpdatedAt:       parseMillis(o.UpdatedTime),
	}
}

// GetOpenOrders возвращает все активные ордера категории, проходя страницы по cursor
func (b *Bybit) GetOpenOrders(ctx context.Context, category string) ([]*OrderUpdate, error) {
	category = categoryOrDefault(category)
	orders := make([]*OrderUpdate, 0)

	cursor := ""
	for page := 0; page < bybitMaxPages; page++ {
		params := map[string]interface{}{
			"category": category,
			"openOnly": "0",
			"limit":    bybitPageLimit,
		}
		if category != models.CategorySpot {
			params["settleCoin"] = bybitSettleCoin
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		result, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", rateGroupQuery, params, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			List           []bybitOrder `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "malformed open orders response", Original: err}
		}

		for _, o := range resp.List {
			orders = append(orders, o.toUpdate(category))
		}

		if resp.NextPageCursor == "" || len(resp.List) == 0 {
			break
		}
		cursor = resp.NextPageCursor
	}

	return orders, nil
}

type bybitPosition struct {
	Symbol        string `json:"symbol"`
	Category      string `json:"category"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	TradeMode     int    `json:"tradeMode"`
	LiqPrice      string `json:"liqPrice"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

func (p bybitPosition) toPosition(category string) models.Position {
	if p.Category != "" {
		category = p.Category
	}
	entry := p.EntryPrice
	if entry == "" {
		entry = p.AvgPrice
	}
	marginMode := "cross"
	if p.TradeMode == 1 {
		marginMode = "isolated"
	}
	return models.Position{
		Symbol:           p.Symbol,
		Category:         category,
		PositionSide:     positionSide(p.Side, p.PositionIdx),
		Quantity:         fixed.NewOrZero(p.Size),
		EntryPrice:       fixed.NewOrZero(entry),
		MarkPrice:        fixed.NewOrZero(p.MarkPrice),
		UnrealizedPnl:    fixed.NewOrZero(p.UnrealisedPnl),
		Leverage:         fixed.NewOrZero(p.Leverage),
		MarginMode:       marginMode,
		LiquidationPrice: fixed.NewOrZero(p.LiqPrice),
		UpdatedAt:        parseMillis(p.UpdatedTime),
	}
}

// GetPositions возвращает позиции с ненулевым объёмом
func (b *Bybit) GetPositions(ctx context.Context, category string) ([]models.Position, error) {
	category = categoryOrDefault(category)
	positions := make([]models.Position, 0)

	cursor := ""
	for page := 0; page < bybitMaxPages; page++ {
		params := map[string]interface{}{
			"category":   category,
			"settleCoin": bybitSettleCoin,
			"limit":      "200",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		result, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", rateGroupQuery, params, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			List           []bybitPosition `json:"list"`
			NextPageCursor string          `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "malformed positions response", Original: err}
		}

		for _, p := range resp.List {
			pos := p.toPosition(category)
			if pos.Quantity.IsZero() {
				continue
			}
			positions = append(positions, pos)
		}

		if resp.NextPageCursor == "" || len(resp.List) == 0 {
			break
		}
		cursor = resp.NextPageCursor
	}

	return positions, nil
}

type bybitWallet struct {
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	TotalPerpUPL          string `json:"totalPerpUPL"`
}

func (w bybitWallet) toAccount(ts time.Time) *models.AccountState {
	return &models.AccountState{
		Equity:           fixed.NewOrZero(w.TotalEquity),
		AvailableBalance: fixed.NewOrZero(w.TotalAvailableBalance),
		UnrealizedPnl:    fixed.NewOrZero(w.TotalPerpUPL),
		UpdatedAt:        ts,
	}
}

// GetBalance возвращает состояние единого торгового аккаунта
func (b *Bybit) GetBalance(ctx context.Context) (*models.AccountState, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}

	result, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", rateGroupQuery, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []bybitWallet `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &ExchangeError{Exchange: bybitName, Kind: KindAPI, Message: "malformed wallet response", Original: err}
	}
	if len(resp.List) == 0 {
		return &models.AccountState{UpdatedAt: b.now()}, nil
	}

	return resp.List[0].toAccount(b.now()), nil
}

// ============================================================
// Вспомогательные функции
// ============================================================

func categoryOrDefault(category string) string {
	if category == "" {
		return models.CategoryLinear
	}
	return category
}

func toBybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

func fromBybitSide(side string) string {
	switch side {
	case "Buy":
		return SideBuy
	case "Sell":
		return SideSell
	}
	return ""
}

// positionSide: в hedge mode сторону задаёт positionIdx (1 long, 2 short),
// в one-way mode - поле side позиции. Закрытая позиция в one-way mode приходит
// с пустым side, тогда сторона неизвестна и возвращается "".
func positionSide(side string, positionIdx int) string {
	switch positionIdx {
	case 1:
		return models.PositionSideLong
	case 2:
		return models.PositionSideShort
	}
	switch side {
	case "Buy":
		return models.PositionSideLong
	case "Sell":
		return models.PositionSideShort
	}
	return ""
}

// orderPositionSide выводит сторону позиции ордера: покупка открывает long
// или закрывает short, продажа - наоборот
func orderPositionSide(side string, reduceOnly bool, positionIdx int) string {
	switch positionIdx {
	case 1:
		return models.PositionSideLong
	case 2:
		return models.PositionSideShort
	}
	buy := side == SideBuy
	if buy != reduceOnly {
		return models.PositionSideLong
	}
	return models.PositionSideShort
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return utils.FromUnixMillis(ms)
}
