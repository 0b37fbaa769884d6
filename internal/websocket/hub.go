// Package websocket - трансляция событий риск-контура и ордеров панели оператора.
package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/events"
	"autotrader/internal/risk"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// broadcastBufferSize - очередь сообщений между шиной и циклом Hub
const broadcastBufferSize = 256

// statusEventTypes - события, после которых клиентам отправляется свежий снимок риск-контура
var statusEventTypes = map[string]bool{
	events.TypeCircuitBreak:    true,
	events.TypeCircuitReset:    true,
	events.TypeDrawdownHalt:    true,
	events.TypeDrawdownReset:   true,
	events.TypeDrawdownWarning: true,
}

// Hub управляет всеми активными WebSocket соединениями.
//
// Hub подписывается на шины событий (events.Listener) и рассылает каждое
// событие всем клиентам. Публикация не блокирует шину: при переполнении
// очереди сообщение отбрасывается и учитывается в DroppedMessages.
// Клиент, который не успевает читать, отключается.
//
// Использование:
// 1. hub := NewHub(engine.Status, origins, logger)
// 2. go hub.Run()
// 3. engine.Subscribe(hub), router.HandleFunc("/ws/events", hub.ServeWS)
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	status  func() risk.Status
	origins *OriginChecker
	logger  *utils.Logger

	dropped atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub создает Hub. status может быть nil: тогда снимки не отправляются.
// Пустой allowedOrigins разрешает любой Origin.
func NewHub(status func() risk.Status, allowedOrigins []string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		status:     status,
		origins:    NewOriginChecker(allowedOrigins),
		logger:     logger.WithComponent("ws_hub"),
		stopCh:     make(chan struct{}),
	}
}

// Run запускает главный цикл Hub. Должен запускаться в отдельной горутине.
//
// Список клиентов копируется под коротким RLock, отправка идёт без
// блокировки, медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.sendStatus(client)
			h.logger.Info("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
			}
		}
	}
}

// Stop останавливает цикл и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// OnEvent реализует events.Listener
func (h *Hub) OnEvent(e events.Event) {
	h.Broadcast(NewEventMessage(e))
	if statusEventTypes[e.Type] && h.status != nil {
		h.Broadcast(NewStatusMessage(h.status()))
	}
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки без блокировки.
// Возвращает false, если сообщение отброшено.
func (h *Hub) Broadcast(message interface{}) bool {
	data, err := encode(message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", utils.Err(err))
		return false
	}

	select {
	case h.broadcast <- data:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// sendStatus отправляет снимок одному клиенту; вызывается из Run
func (h *Hub) sendStatus(client *Client) {
	if h.status == nil {
		return
	}
	data, err := encode(NewStatusMessage(h.status()))
	if err != nil {
		h.logger.Error("failed to marshal status message", utils.Err(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, отброшенные из-за переполнения очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

// encode сериализует сообщение через пул буферов
func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	// Encode добавляет перевод строки
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})

	// буфер вернётся в пул
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
