package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"autotrader/internal/models"
	"autotrader/pkg/retry"
)

// fakeGateway возвращает ошибки из очереди, затем успех
type fakeGateway struct {
	errs  []error
	calls int
}

func (f *fakeGateway) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeGateway) Name() string { return "fake" }
func (f *fakeGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &PlaceOrderResult{ExchangeOrderID: "ex-1", ClientOrderID: req.ClientOrderID}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, req CancelRequest) error { return f.next() }
func (f *fakeGateway) CancelAllOrders(ctx context.Context, category, symbol string) error {
	return f.next()
}
func (f *fakeGateway) GetOpenOrders(ctx context.Context, category string) ([]*OrderUpdate, error) {
	return nil, f.next()
}
func (f *fakeGateway) GetPositions(ctx context.Context, category string) ([]models.Position, error) {
	return nil, f.next()
}
func (f *fakeGateway) GetBalance(ctx context.Context) (*models.AccountState, error) {
	return &models.AccountState{}, f.next()
}
func (f *fakeGateway) Subscribe(handler func(*PushEvent)) error { return nil }
func (f *fakeGateway) Close() error                             { return nil }

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 4, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestRetryingGateway(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
		wantKind  ErrorKind
	}{
		{
			name:      "network errors are retried",
			errs:      []error{netErr, netErr},
			wantCalls: 3,
		},
		{
			name:      "rate limit is retried",
			errs:      []error{&ExchangeError{Exchange: "fake", Kind: KindRateLimit}},
			wantCalls: 2,
		},
		{
			name:      "auth aborts immediately",
			errs:      []error{&ExchangeError{Exchange: "fake", Kind: KindAuth, Message: "bad key"}},
			wantCalls: 1,
			wantErr:   true,
			wantKind:  KindAuth,
		},
		{
			name:      "api error is retried",
			errs:      []error{&ExchangeError{Exchange: "fake", Kind: KindAPI}},
			wantCalls: 2,
		},
		{
			name:      "unclassified error is retried as api",
			errs:      []error{errors.New("unexpected payload")},
			wantCalls: 2,
		},
		{
			name:      "gives up after four attempts",
			errs:      []error{io.EOF, io.EOF, io.EOF, io.EOF, io.EOF},
			wantCalls: 4,
			wantErr:   true,
			wantKind:  KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &fakeGateway{errs: tt.errs}
			g := NewRetryingGatewayWithConfig(inner, fastRetry(), nil)

			retries := 0
			g.SetRetryObserver(func(op string, err error) {
				if op != "place_order" {
					t.Errorf("op = %s", op)
				}
				retries++
			})

			res, err := g.PlaceOrder(context.Background(), PlaceOrderRequest{ClientOrderID: "cl-1"})
			if inner.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", inner.calls, tt.wantCalls)
			}
			if retries != tt.wantCalls-1 && !tt.wantErr {
				t.Errorf("retries observed = %d", retries)
			}

			if !tt.wantErr {
				if err != nil || res.ClientOrderID != "cl-1" {
					t.Fatalf("unexpected result %+v, %v", res, err)
				}
				return
			}

			var exErr *ExchangeError
			if !errors.As(err, &exErr) {
				t.Fatalf("expected *ExchangeError, got %v", err)
			}
			if exErr.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", exErr.Kind, tt.wantKind)
			}
		})
	}
}

func TestRetryingGatewayStopsOnContextCancel(t *testing.T) {
	inner := &fakeGateway{errs: []error{io.EOF, io.EOF, io.EOF}}
	cfg := fastRetry()
	cfg.InitialDelay = time.Second
	g := NewRetryingGatewayWithConfig(inner, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.CancelOrder(ctx, CancelRequest{ExchangeOrderID: "1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{"net op error", &net.OpError{Op: "read", Err: errors.New("reset")}, KindNetwork},
		{"eof", io.EOF, KindNetwork},
		{"wrapped eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), KindNetwork},
		{"plain error", errors.New("weird"), KindAPI},
		{"already classified", &ExchangeError{Kind: KindRateLimit}, KindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exErr *ExchangeError
			if !errors.As(Classify("bybit", tt.err), &exErr) {
				t.Fatal("expected *ExchangeError")
			}
			if exErr.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", exErr.Kind, tt.wantKind)
			}
		})
	}

	if Classify("bybit", nil) != nil {
		t.Error("nil must stay nil")
	}
	if !errors.Is(Classify("bybit", context.Canceled), context.Canceled) {
		t.Error("context errors must pass through")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context errors are not retryable")
	}
}
