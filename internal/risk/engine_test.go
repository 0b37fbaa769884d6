package risk

import (
	"testing"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/models"
)

func newTestEngine(mutate func(*Params)) (*Engine, *fakeClock, *eventLog) {
	params := DefaultParams()
	params.MaxPositionSizePercent = 5
	if mutate != nil {
		mutate(&params)
	}
	e := NewEngine(params, nil)
	clock := newFakeClock()
	e.breaker.now = clock.Now
	e.drawdown.now = clock.Now
	log := &eventLog{}
	e.Subscribe(log)
	return e, clock, log
}

func TestEngine_EquityNotInitialized(t *testing.T) {
	e, _, log := newTestEngine(nil)

	d := e.ValidateOrder(OrderRequest{Symbol: "BTCUSDT", Side: "buy", Quantity: dec("1"), Price: dec("100")})
	if d.Approved || d.RejectReason != ReasonEquityNotInitialized || d.Source != SourceEquityGuard {
		t.Errorf("decision = %+v", d)
	}

	e.UpdateAccountState(AccountUpdate{Equity: decPtr("0")})
	d = e.ValidateOrder(OrderRequest{Symbol: "BTCUSDT", Quantity: dec("1"), Price: dec("100")})
	if d.RejectReason != ReasonEquityNotInitialized {
		t.Errorf("zero equity decision = %+v", d)
	}

	evt, ok := log.last(events.TypeOrderRejected)
	if !ok || evt.Meta["reason"] != ReasonEquityNotInitialized || evt.Meta["source"] != SourceEquityGuard {
		t.Errorf("order_rejected event = %+v", evt)
	}
}

func TestEngine_AdjustsPositionSize(t *testing.T) {
	e, _, log := newTestEngine(nil)
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})

	d := e.ValidateOrder(OrderRequest{Symbol: "BTCUSDT", Side: "buy", Quantity: dec("1"), Price: dec("1000")})
	if !d.Approved || d.AdjustedQty == nil {
		t.Fatalf("decision = %+v", d)
	}
	if notional := d.AdjustedQty.Mul(dec("1000")); !notional.Equal(dec("500")) {
		t.Errorf("adjusted notional = %s, want 500", notional)
	}

	evt, ok := log.last(events.TypeOrderValidated)
	if !ok || evt.Meta["reason"] != ReasonQtyAdjusted {
		t.Errorf("order_validated event = %+v", evt)
	}
	if log.count(events.TypeExposureAdjusted) != 1 {
		t.Error("exposure_adjusted must be relayed through the engine")
	}
}

func TestEngine_PlainApproval(t *testing.T) {
	e, _, log := newTestEngine(nil)
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})

	d := e.ValidateOrder(OrderRequest{Symbol: "BTCUSDT", Quantity: dec("0.1"), Price: dec("1000")})
	if !d.Approved || d.AdjustedQty != nil {
		t.Fatalf("decision = %+v", d)
	}
	if !d.FinalQty(dec("0.1")).Equal(dec("0.1")) {
		t.Error("FinalQty should return the requested quantity")
	}
	if evt, _ := log.last(events.TypeOrderValidated); evt.Meta["reason"] != nil {
		t.Errorf("plain approval must not carry a reason: %+v", evt.Meta)
	}
}

func TestEngine_CheckOrder(t *testing.T) {
	// Breaker проверяется раньше просадки
	e, clock, _ := newTestEngine(nil)
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})

	for i := 0; i < 5; i++ {
		e.RecordTrade(Trade{Symbol: "BTCUSDT", PnL: dec("-10")})
	}
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("8000")})

	req := OrderRequest{Symbol: "BTCUSDT", Quantity: dec("0.01"), Price: dec("1000")}
	if d := e.ValidateOrder(req); d.RejectReason != ReasonCircuitBreakerActive || d.Source != SourceCircuitBreaker {
		t.Fatalf("decision = %+v, want breaker rejection", d)
	}

	clock.Advance(31 * time.Minute)
	if d := e.ValidateOrder(req); d.RejectReason != ReasonMaxDrawdownExceeded || d.Source != SourceDrawdown {
		t.Fatalf("decision = %+v, want drawdown rejection after cooldown", d)
	}
}

func TestEngine_RelaysSubcomponentEvents(t *testing.T) {
	e, _, log := newTestEngine(nil)
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})

	for i := 0; i < 5; i++ {
		e.RecordTrade(Trade{PnL: dec("-1")})
	}
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("8000")})

	if log.count(events.TypeCircuitBreak) != 1 {
		t.Error("circuit_break not relayed")
	}
	if log.count(events.TypeDrawdownHalt) != 1 {
		t.Error("drawdown_halt not relayed")
	}
}

func TestEngine_EmergencyStop(t *testing.T) {
	e, _, _ := newTestEngine(nil)
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})

	e.EmergencyStop("")

	st := e.Status()
	if !st.Breaker.Tripped || !st.Drawdown.Halted || st.Drawdown.HaltReason != ReasonEmergencyStop {
		t.Fatalf("status = %+v", st)
	}

	// Дневной сброс не снимает аварийную остановку
	e.ResetDaily()
	if e.Drawdown().Check().Allowed {
		t.Error("ResetDaily lifted emergency halt")
	}

	// Сброс просадки не снимает breaker
	e.ResetDrawdown(nil)
	req := OrderRequest{Symbol: "BTCUSDT", Quantity: dec("0.01"), Price: dec("100")}
	if d := e.ValidateOrder(req); d.Approved || d.RejectReason != ReasonCircuitBreakerActive {
		t.Errorf("after ResetDrawdown decision = %+v, want breaker rejection", d)
	}
	if e.Drawdown().State().Halted {
		t.Error("ResetDrawdown left the drawdown halt")
	}
	if !e.Drawdown().State().PeakEquity.Equal(dec("10000")) {
		t.Error("ResetDrawdown(nil) should use current equity")
	}

	e.Breaker().Reset()
	if d := e.ValidateOrder(req); !d.Approved {
		t.Errorf("after breaker reset decision = %+v", d)
	}
}

func TestEngine_UpdateAccountStatePositions(t *testing.T) {
	e, _, _ := newTestEngine(func(p *Params) { p.MaxTotalExposurePercent = 10 })
	e.UpdateAccountState(AccountUpdate{
		Equity:    decPtr("10000"),
		Positions: []models.Position{{Symbol: "ETHUSDT", PositionSide: "long", Quantity: dec("1"), MarkPrice: dec("900")}},
	})

	req := OrderRequest{Symbol: "BTCUSDT", Quantity: dec("0.2"), Price: dec("1000")}
	if d := e.ValidateOrder(req); d.RejectReason != ReasonTotalExposureExceeded {
		t.Fatalf("decision = %+v", d)
	}

	// nil позиции - без изменений
	e.UpdateAccountState(AccountUpdate{Equity: decPtr("10000")})
	if e.Status().Positions != 1 {
		t.Error("nil Positions must keep the cached positions")
	}

	// пустой срез - позиций нет
	e.UpdateAccountState(AccountUpdate{Positions: []models.Position{}})
	if d := e.ValidateOrder(req); !d.Approved {
		t.Errorf("decision after positions cleared = %+v", d)
	}
}

func TestEngine_UpdateParams(t *testing.T) {
	e, _, _ := newTestEngine(nil)

	ignored := e.UpdateParams(map[string]interface{}{
		"consecutiveLossLimit":   3,
		"cooldownMinutes":        "5",
		"maxPositionSizePercent": 20.0,
		"bogusKey":               1,
		"maxDrawdownPercent":     true,
	})

	if len(ignored) != 2 || ignored[0] != "bogusKey" || ignored[1] != "maxDrawdownPercent" {
		t.Errorf("ignored = %v", ignored)
	}

	p := e.Params()
	if p.ConsecutiveLossLimit != 3 || p.Cooldown != 5*time.Minute || p.MaxPositionSizePercent != 20 {
		t.Errorf("params = %+v", p)
	}

	for i := 0; i < 3; i++ {
		e.RecordTrade(Trade{PnL: dec("-1")})
	}
	if !e.Breaker().IsTripped() {
		t.Error("new consecutive loss limit not applied to breaker")
	}
}

func TestEngine_UpdateParamsRejectsInvalidSet(t *testing.T) {
	e, _, _ := newTestEngine(nil)
	before := e.Params()

	ignored := e.UpdateParams(map[string]interface{}{"maxDrawdownPercent": -1, "consecutiveLossLimit": 2})
	if len(ignored) != 2 {
		t.Errorf("ignored = %v, want both keys", ignored)
	}
	if e.Params() != before {
		t.Error("invalid update must leave params unchanged")
	}
}
