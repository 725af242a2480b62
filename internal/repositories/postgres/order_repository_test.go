package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/repositories"
)

func newMockRepo(t *testing.T) (*OrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo, err := NewOrderRepository(db)
	require.NoError(t, err)
	return repo, mock
}

func sampleOrder(now time.Time) domain.Order {
	return domain.Order{
		ID:         "o1",
		MerchantID: "merch_1",
		AgentID:    "agent_1",
		Lines: []domain.OrderLine{{
			ProductID: "prod_42",
			Title:     "Joggers",
			Quantity:  1,
			UnitPrice: domain.Money{Amount: 4800, Currency: "USD"},
		}},
		Total:     domain.Money{Amount: 4800, Currency: "USD"},
		Status:    domain.OrderStatusPendingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderRepository_Insert(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WithArgs("merch_1", "o1", "agent_1", sqlmock.AnyArg(), int64(4800), "USD", "pending_payment", "", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.Insert(context.Background(), sampleOrder(now)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_InsertDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})

	err := repo.Insert(context.Background(), sampleOrder(now))
	assert.ErrorIs(t, err, repositories.ErrConflict)
}

func TestOrderRepository_FindByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("SELECT agent_id, lines, total_minor, currency, status, payment_reference, created_at, updated_at FROM orders WHERE merchant_id = $1 AND order_id = $2")

	rows := sqlmock.NewRows([]string{"agent_id", "lines", "total_minor", "currency", "status", "payment_reference", "created_at", "updated_at"}).
		AddRow("agent_1", []byte(`[{"product_id":"prod_42","quantity":2,"unit_minor":4800,"currency":"USD"}]`), int64(9600), "USD", "paid", "pi_1", now, now)
	mock.ExpectQuery(query).WithArgs("merch_1", "o1").WillReturnRows(rows)

	order, err := repo.FindByID(context.Background(), "merch_1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, "pi_1", order.PaymentReference)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, 2, order.Lines[0].Quantity)
	assert.Equal(t, domain.Money{Amount: 4800, Currency: "USD"}, order.Lines[0].UnitPrice)

	mock.ExpectQuery(query).WithArgs("merch_1", "missing").WillReturnError(sql.ErrNoRows)
	_, err = repo.FindByID(context.Background(), "merch_1", "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestOrderRepository_UpdateStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("UPDATE orders SET status = $3")

	mock.ExpectExec(query).
		WithArgs("merch_1", "o1", "paid", "pi_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.UpdateStatus(context.Background(), "merch_1", "o1", domain.OrderStatusPaid, "pi_1", now))

	mock.ExpectExec(query).
		WithArgs("merch_1", "ghost", "paid", "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateStatus(context.Background(), "merch_1", "ghost", domain.OrderStatusPaid, "", now)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
