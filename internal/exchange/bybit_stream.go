package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// Топики приватного потока Bybit v5
var bybitPrivateTopics = []string{"order", "execution", "position", "wallet"}

// Subscribe подключает приватный поток и подписывается на ордера, исполнения,
// позиции и кошелёк. Повторный вызов только заменяет handler.
func (b *Bybit) Subscribe(handler func(*PushEvent)) error {
	b.mu.Lock()
	b.handler = handler
	if b.stream != nil {
		b.mu.Unlock()
		return nil
	}

	stream := NewReconnectingStream("bybit-private", b.wsURL, b.streamCfg, b.logger)
	stream.SetAuthFunc(b.authenticateWebSocket)
	stream.SetOnMessage(b.handlePrivateMessage)
	stream.SetOnConnect(func() {
		b.logger.Info("private stream connected")
	})
	stream.SetOnDisconnect(func(err error) {
		// пропущенные за время разрыва события догоняет опрос позиций
		b.logger.Warn("private stream disconnected", utils.Err(err), utils.Int("retries", stream.RetryCount()))
	})
	stream.AddSubscription(map[string]interface{}{
		"op":   "subscribe",
		"args": bybitPrivateTopics,
	})
	b.stream = stream
	b.mu.Unlock()

	if err := stream.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to connect to private WebSocket: %w", err)
	}
	return nil
}

func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := b.now().UnixMilli() + 10000

	h := hmacSHA256(b.secretKey, fmt.Sprintf("GET/realtime%d", expires))
	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, h},
	}
	data, err := json.Marshal(authMsg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

type bybitPushMessage struct {
	Op           string                `json:"op"`
	Success      *bool                 `json:"success"`
	RetMsg       string                `json:"ret_msg"`
	Topic        string                `json:"topic"`
	CreationTime int64                 `json:"creationTime"`
	Data         []jsoniter.RawMessage `json:"data"`
}

// handlePrivateMessage разбирает одно сообщение приватного потока
// и передаёт нормализованные события в handler
func (b *Bybit) handlePrivateMessage(message []byte) {
	var msg bybitPushMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		b.logger.Warn("malformed push message", utils.Err(err))
		return
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			b.logger.Error("private stream op failed", utils.String("op", msg.Op), utils.String("ret_msg", msg.RetMsg))
		}
		return
	}

	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}

	for _, ev := range b.parsePush(msg) {
		handler(ev)
	}
}

func (b *Bybit) parsePush(msg bybitPushMessage) []*PushEvent {
	ts := utils.FromUnixMillis(msg.CreationTime)
	if ts.IsZero() {
		ts = b.now()
	}

	out := make([]*PushEvent, 0, len(msg.Data))
	for _, raw := range msg.Data {
		switch msg.Topic {
		case "order":
			var o bybitOrder
			if err := json.Unmarshal(raw, &o); err != nil {
				b.logger.Warn("malformed order push", utils.Err(err))
				continue
			}
			u := o.toUpdate("")
			out = append(out, &PushEvent{Topic: TopicOrder, Symbol: u.Symbol, InstType: u.Category, Timestamp: ts, Order: u})

		case "execution":
			var e struct {
				Category    string `json:"category"`
				Symbol      string `json:"symbol"`
				ExecID      string `json:"execId"`
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
				Side        string `json:"side"`
				ExecPrice   string `json:"execPrice"`
				ExecQty     string `json:"execQty"`
				ExecFee     string `json:"execFee"`
				IsMaker     bool   `json:"isMaker"`
				ExecTime    string `json:"execTime"`
			}
			if err := json.Unmarshal(raw, &e); err != nil {
				b.logger.Warn("malformed execution push", utils.Err(err))
				continue
			}
			f := &Fill{
				ExecID:          e.ExecID,
				ExchangeOrderID: e.OrderID,
				ClientOrderID:   e.OrderLinkID,
				Symbol:          e.Symbol,
				Category:        e.Category,
				Side:            fromBybitSide(e.Side),
				Price:           fixed.NewOrZero(e.ExecPrice),
				Quantity:        fixed.NewOrZero(e.ExecQty),
				Fee:             fixed.NewOrZero(e.ExecFee),
				IsMaker:         e.IsMaker,
				ExecutedAt:      parseMillis(e.ExecTime),
			}
			out = append(out, &PushEvent{Topic: TopicFill, Symbol: f.Symbol, InstType: f.Category, Timestamp: ts, Fill: f})

		case "position":
			var p bybitPosition
			if err := json.Unmarshal(raw, &p); err != nil {
				b.logger.Warn("malformed position push", utils.Err(err))
				continue
			}
			pos := p.toPosition("")
			out = append(out, &PushEvent{Topic: TopicPosition, Symbol: pos.Symbol, InstType: pos.Category, Timestamp: ts, Position: &pos})

		case "wallet":
			var w bybitWallet
			if err := json.Unmarshal(raw, &w); err != nil {
				b.logger.Warn("malformed wallet push", utils.Err(err))
				continue
			}
			out = append(out, &PushEvent{Topic: TopicAccount, Timestamp: ts, Account: w.toAccount(ts)})
		}
	}
	return out
}

// Close закрывает приватный поток и idle соединения HTTP клиента
func (b *Bybit) Close() error {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()

	CloseIdle(b.httpClient)
	if stream != nil {
		return stream.Close()
	}
	return nil
}

func hmacSHA256(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
