package risk

import (
	"time"

	"autotrader/internal/events"
	"autotrader/pkg/fixed"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type eventLog struct {
	events []events.Event
}

func (l *eventLog) OnEvent(e events.Event) { l.events = append(l.events, e) }

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) last(eventType string) (events.Event, bool) {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

func dec(s string) fixed.Decimal { return fixed.MustNew(s) }

func decPtr(s string) *fixed.Decimal {
	d := fixed.MustNew(s)
	return &d
}
