package bot

import (
	"context"
	"sync"
	"testing"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

// recordingHandlers считает вызовы обработчиков; panicOn - топик, на котором обработчик паникует
type recordingHandlers struct {
	mu       sync.Mutex
	calls    []string
	panicOn  string
	panicked bool
}

func (h *recordingHandlers) record(topic string) {
	h.mu.Lock()
	shouldPanic := topic == h.panicOn && !h.panicked
	if shouldPanic {
		h.panicked = true
	}
	h.calls = append(h.calls, topic)
	h.mu.Unlock()
	if shouldPanic {
		panic("boom")
	}
}

func (h *recordingHandlers) HandleOrderUpdate(ctx context.Context, u *exchange.OrderUpdate) {
	h.record(exchange.TopicOrder)
}

func (h *recordingHandlers) HandleFill(ctx context.Context, f *exchange.Fill) {
	h.record(exchange.TopicFill)
}

func (h *recordingHandlers) HandlePosition(p *models.Position) {
	h.record(exchange.TopicPosition)
}

func (h *recordingHandlers) HandleAccount(a *models.AccountState) {
	h.record(exchange.TopicAccount)
}

func (h *recordingHandlers) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestStreamRouter_DispatchesByTopic(t *testing.T) {
	gw := newFakeGateway()
	h := &recordingHandlers{panicOn: exchange.TopicOrder}
	r := NewStreamRouter(gw, h, h, 16, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	// первый order паникует, цикл должен продолжить работу
	gw.push(&exchange.PushEvent{Topic: exchange.TopicOrder, Order: &exchange.OrderUpdate{}})
	gw.push(&exchange.PushEvent{Topic: exchange.TopicFill, Fill: &exchange.Fill{}})
	gw.push(&exchange.PushEvent{Topic: exchange.TopicPosition, Position: &models.Position{}})
	gw.push(&exchange.PushEvent{Topic: exchange.TopicAccount, Account: &models.AccountState{}})
	gw.push(&exchange.PushEvent{Topic: "ticker"})
	gw.push(&exchange.PushEvent{Topic: exchange.TopicOrder}) // без payload
	gw.push(&exchange.PushEvent{Topic: exchange.TopicOrder, Order: &exchange.OrderUpdate{}})

	want := []string{
		exchange.TopicOrder,
		exchange.TopicFill,
		exchange.TopicPosition,
		exchange.TopicAccount,
		exchange.TopicOrder,
	}
	if !waitFor(func() bool { return len(h.snapshot()) == len(want) }) {
		t.Fatalf("calls = %v, want %v", h.snapshot(), want)
	}
	for i, topic := range h.snapshot() {
		if topic != want[i] {
			t.Errorf("call %d = %s, want %s", i, topic, want[i])
		}
	}
}

func TestStreamRouter_DropsWhenFull(t *testing.T) {
	h := &recordingHandlers{}
	r := NewStreamRouter(newFakeGateway(), h, h, 2, nil)

	// цикл не запущен, очередь не разбирается
	ev := &exchange.PushEvent{Topic: exchange.TopicFill, Fill: &exchange.Fill{}}
	if !r.Enqueue(ev) || !r.Enqueue(ev) {
		t.Fatal("first two events must be accepted")
	}
	if r.Enqueue(ev) {
		t.Error("third event must be dropped")
	}
	if r.Enqueue(nil) {
		t.Error("nil event must be rejected")
	}
}

func TestStreamRouter_SubscribeError(t *testing.T) {
	gw := newFakeGateway()
	gw.subscribeErr = errExchangeDown
	h := &recordingHandlers{}
	r := NewStreamRouter(gw, h, h, 0, nil)

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
	if cap(r.queue) != DefaultStreamBuffer {
		t.Errorf("buffer = %d, want default", cap(r.queue))
	}
	// повторный Stop безопасен
	r.Stop()
}
