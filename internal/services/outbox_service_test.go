package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flowpay/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOutboxService_Enqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOutboxService(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, _ := db.Begin()
	err = service.Enqueue(tx, models.DomainEvent{
		TransactionID: "txn-1",
		Type:          models.TxDeposit,
		Status:        models.TxCompleted,
		WalletIDs:     []string{"wallet-1"},
		Amount:        decimal.NewFromInt(250),
		Currency:      "NGN",
		Timestamp:     time.Now(),
	})
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxService_DispatchOnce(t *testing.T) {
	t.Run("delivers claimed batch", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		// No brokers configured: events are logged and marked delivered.
		service := NewOutboxService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, payload FROM outbox_events").
			WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}).
				AddRow(1, []byte(`{"transaction_id":"txn-1"}`)).
				AddRow(2, []byte(`{"transaction_id":"txn-2"}`)))
		mock.ExpectExec("UPDATE outbox_events SET delivered_at").
			WithArgs(sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE outbox_events SET delivered_at").
			WithArgs(sqlmock.AnyArg(), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = service.DispatchOnce(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch commits immediately", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewOutboxService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, payload FROM outbox_events").
			WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}))
		mock.ExpectCommit()

		err = service.DispatchOnce(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
