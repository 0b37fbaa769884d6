package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"autotrader/internal/models"
	"autotrader/pkg/fixed"
)

func TestSignalRepositoryCreate(t *testing.T) {
	orderID := int64(42)

	tests := []struct {
		name        string
		signal      *models.Signal
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "approved signal with order",
			signal: &models.Signal{
				SessionID: "s-1",
				Strategy:  "breakout",
				Symbol:    "BTCUSDT",
				Category:  "linear",
				Action:    models.ActionOpenLong,
				Quantity:  fixed.MustNew("0.5"),
				Price:     fixed.MustNew("41000"),
				Approved:  true,
				OrderID:   &orderID,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO signals`).
					WithArgs("s-1", "breakout", "BTCUSDT", "linear", "open_long", fixed.MustNew("0.5"), fixed.MustNew("41000"),
						true, "", &orderID, []byte(nil), fixedNow()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
			},
		},
		{
			name: "rejected signal",
			signal: &models.Signal{
				Symbol:       "ETHUSDT",
				Category:     "linear",
				Action:       models.ActionOpenShort,
				Quantity:     fixed.MustNew("3"),
				RejectReason: "max_positions",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO signals`).
					WithArgs("", "", "ETHUSDT", "linear", "open_short", fixed.MustNew("3"), fixed.Zero,
						false, "max_positions", (*int64)(nil), []byte(nil), fixedNow()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
			},
		},
		{
			name:   "database error",
			signal: &models.Signal{Symbol: "BTCUSDT"},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO signals`).WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewSignalRepository(db)
			repo.now = fixedNow
			err = repo.Create(context.Background(), tt.signal)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else if err != nil || tt.signal.ID != 9 {
				t.Errorf("unexpected result: id=%d err=%v", tt.signal.ID, err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSignalRepositoryFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	approved := false
	rows := sqlmock.NewRows([]string{"id", "session_id", "strategy", "symbol", "category", "action", "quantity", "price",
		"approved", "reject_reason", "order_id", "metadata", "created_at"}).
		AddRow(3, "s-1", "breakout", "BTCUSDT", "linear", "open_long", "1", "0", false, "circuit_open", nil, nil, fixedNow())

	mock.ExpectQuery(`FROM signals WHERE symbol = \$1 AND approved = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("BTCUSDT", false, 20).
		WillReturnRows(rows)

	repo := NewSignalRepository(db)
	result, err := repo.Find(context.Background(), models.SignalFilter{Symbol: "BTCUSDT", Approved: &approved, Limit: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(result))
	}
	if result[0].OrderID != nil {
		t.Error("OrderID should be nil")
	}
	if result[0].RejectReason != "circuit_open" {
		t.Errorf("RejectReason = %s", result[0].RejectReason)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
