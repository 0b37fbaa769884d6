package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"autotrader/pkg/utils"
)

// StreamConfig - параметры переподключения WebSocket
type StreamConfig struct {
	InitialDelay   time.Duration // первая задержка перед переподключением
	MaxDelay       time.Duration // потолок exponential backoff
	MaxRetries     int           // 0 = бесконечно
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultStreamConfig: задержки 2s, 4s, 8s, 16s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// StreamState - состояние соединения
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrStreamClosed = errors.New("stream is closed")

// ReconnectingStream держит WebSocket соединение с биржей и переподключается
// при разрыве с exponential backoff.
//
// После каждого (пере)подключения выполняется authFunc (приватные каналы),
// затем повторно отправляются все подписки из AddSubscription.
// Сообщения доставляются в onMessage из горутины чтения по одному.
type ReconnectingStream struct {
	name   string
	url    string
	config StreamConfig
	logger *utils.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex
	// writeMu сериализует запись: gorilla не допускает конкурентных writer'ов
	writeMu sync.Mutex

	state      atomic.Int32
	retryCount atomic.Int32
	closeCh    chan struct{}
	closeOnce  sync.Once

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	authFunc     func(*websocket.Conn) error
	callbackMu   sync.RWMutex

	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex
}

// NewReconnectingStream создаёт поток; соединение открывается в Connect
func NewReconnectingStream(name, url string, config StreamConfig, logger *utils.Logger) *ReconnectingStream {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &ReconnectingStream{
		name:    name,
		url:     url,
		config:  config,
		logger:  logger.WithComponent("ws_stream").With(utils.String("stream", name)),
		closeCh: make(chan struct{}),
	}
}

func (s *ReconnectingStream) SetOnMessage(handler func([]byte)) {
	s.callbackMu.Lock()
	s.onMessage = handler
	s.callbackMu.Unlock()
}

func (s *ReconnectingStream) SetOnConnect(handler func()) {
	s.callbackMu.Lock()
	s.onConnect = handler
	s.callbackMu.Unlock()
}

func (s *ReconnectingStream) SetOnDisconnect(handler func(error)) {
	s.callbackMu.Lock()
	s.onDisconnect = handler
	s.callbackMu.Unlock()
}

// SetAuthFunc - аутентификация сразу после dial, до восстановления подписок
func (s *ReconnectingStream) SetAuthFunc(authFunc func(*websocket.Conn) error) {
	s.callbackMu.Lock()
	s.authFunc = authFunc
	s.callbackMu.Unlock()
}

// AddSubscription запоминает подписку для восстановления после переподключения
func (s *ReconnectingStream) AddSubscription(sub interface{}) {
	s.subscriptionsMu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.subscriptionsMu.Unlock()
}

func (s *ReconnectingStream) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *ReconnectingStream) IsConnected() bool {
	return s.State() == StreamConnected
}

func (s *ReconnectingStream) RetryCount() int {
	return int(s.retryCount.Load())
}

func (s *ReconnectingStream) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Connect устанавливает первое соединение. Ошибка первого подключения
// возвращается вызывающему, последующие разрывы обрабатываются внутри.
func (s *ReconnectingStream) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	s.state.Store(int32(StreamConnecting))
	if err := s.dial(ctx); err != nil {
		s.state.Store(int32(StreamDisconnected))
		return err
	}
	s.onConnected()
	s.logger.Info("websocket connected", utils.String("url", s.url))
	return nil
}

func (s *ReconnectingStream) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return Classify(s.name, fmt.Errorf("dial %s: %w", s.url, err))
	}

	s.callbackMu.RLock()
	auth := s.authFunc
	s.callbackMu.RUnlock()

	if auth != nil {
		if err := auth(conn); err != nil {
			conn.Close()
			return &ExchangeError{Exchange: s.name, Kind: KindAuth, Message: "websocket auth failed", Original: err}
		}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PingInterval + s.config.PongTimeout))
	})

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.resubscribe(); err != nil {
		// подписки будут восстановлены при следующем переподключении
		s.logger.Warn("resubscribe failed", utils.Err(err))
	}
	return nil
}

func (s *ReconnectingStream) onConnected() {
	s.state.Store(int32(StreamConnected))
	s.retryCount.Store(0)

	s.callbackMu.RLock()
	onConnect := s.onConnect
	s.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	go s.readPump(conn)
	go s.pingPump(conn)
}

func (s *ReconnectingStream) resubscribe() error {
	s.subscriptionsMu.RLock()
	subs := make([]interface{}, len(s.subscriptions))
	copy(subs, s.subscriptions)
	s.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := s.write(sub); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		s.logger.Debug("resubscribed", utils.Int("channels", len(subs)))
	}
	return nil
}

// readPump читает сообщения текущего соединения до ошибки
func (s *ReconnectingStream) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		s.callbackMu.RLock()
		onMessage := s.onMessage
		s.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (s *ReconnectingStream) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.connMu.RLock()
			current := s.conn
			s.connMu.RUnlock()
			if current != conn {
				return
			}

			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.PongTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect закрывает соединение и запускает переподключение.
// Повторный вызов для того же соединения игнорируется.
func (s *ReconnectingStream) handleDisconnect(conn *websocket.Conn, err error) {
	if s.isClosed() {
		return
	}

	s.connMu.Lock()
	if s.conn != conn {
		s.connMu.Unlock()
		return
	}
	s.conn = nil
	s.connMu.Unlock()
	conn.Close()

	s.state.Store(int32(StreamReconnecting))

	s.callbackMu.RLock()
	onDisconnect := s.onDisconnect
	s.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	s.logger.Warn("websocket disconnected", utils.Err(err))
	go s.reconnectLoop()
}

func (s *ReconnectingStream) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		attempt := int(s.retryCount.Add(1))
		if s.config.MaxRetries > 0 && attempt > s.config.MaxRetries {
			s.logger.Error("max reconnect attempts reached", utils.Int("max", s.config.MaxRetries))
			s.state.Store(int32(StreamDisconnected))
			return
		}

		s.logger.Info("reconnecting", utils.Attempt(attempt), utils.Dur("delay", delay))

		select {
		case <-s.closeCh:
			return
		case <-time.After(delay):
		}

		if err := s.dial(context.Background()); err != nil {
			s.logger.Warn("reconnect failed", utils.Attempt(attempt), utils.Err(err))
			if IsAuthError(err) {
				// неверные ключи не исправятся повтором
				s.state.Store(int32(StreamDisconnected))
				return
			}
			delay *= 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		if s.isClosed() {
			return
		}
		s.onConnected()
		s.logger.Info("websocket reconnected")
		return
	}
}

// Send отправляет сообщение в текущее соединение
func (s *ReconnectingStream) Send(msg interface{}) error {
	if s.State() != StreamConnected {
		return fmt.Errorf("%s: not connected (state: %s)", s.name, s.State())
	}
	return s.write(msg)
}

func (s *ReconnectingStream) write(msg interface{}) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: no connection", s.name)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close закрывает соединение и останавливает переподключение
func (s *ReconnectingStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.state.Store(int32(StreamClosed))

		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	})
	return err
}
