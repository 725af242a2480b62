package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	domain "github.com/agentcommerce/gateway/internal/domain"
	"github.com/agentcommerce/gateway/internal/repositories"
)

// Schema creates the orders table used by OrderRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	merchant_id       TEXT        NOT NULL,
	order_id          TEXT        NOT NULL,
	agent_id          TEXT        NOT NULL,
	lines             JSONB       NOT NULL,
	total_minor       BIGINT      NOT NULL,
	currency          TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	payment_reference TEXT        NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (merchant_id, order_id)
)`

const uniqueViolation = "23505"

// OrderRepository stores orders in PostgreSQL, scoped by merchant.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository wraps an open database handle.
func NewOrderRepository(db *sql.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires database handle")
	}
	return &OrderRepository{db: db}, nil
}

// Open connects using the lib/pq driver and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate orders: %w", err)
	}
	return db, nil
}

type orderLineRow struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitMinor int64  `json:"unit_minor"`
	Currency  string `json:"currency"`
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	lines := make([]orderLineRow, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineRow{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Title:     line.Title,
			Quantity:  line.Quantity,
			UnitMinor: line.UnitPrice.Amount,
			Currency:  line.UnitPrice.Currency,
		})
	}
	encoded, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode order lines: %w", err)
	}

	query := `
		INSERT INTO orders (merchant_id, order_id, agent_id, lines, total_minor, currency, status, payment_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		order.MerchantID, order.ID, order.AgentID, string(encoded),
		order.Total.Amount, order.Total.Currency, string(order.Status), order.PaymentReference,
		order.CreatedAt.UTC(), order.UpdatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: order %s already exists", repositories.ErrConflict, order.ID)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, merchantID, orderID string) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT agent_id, lines, total_minor, currency, status, payment_reference, created_at, updated_at FROM orders WHERE merchant_id = $1 AND order_id = $2",
		merchantID, orderID)

	var (
		order   = domain.Order{ID: orderID, MerchantID: merchantID}
		rawJSON []byte
		status  string
	)
	err := row.Scan(&order.AgentID, &rawJSON, &order.Total.Amount, &order.Total.Currency, &status,
		&order.PaymentReference, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %s", repositories.ErrNotFound, orderID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	var lines []orderLineRow
	if err := json.Unmarshal(rawJSON, &lines); err != nil {
		return domain.Order{}, fmt.Errorf("decode order lines: %w", err)
	}
	for _, line := range lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Title:     line.Title,
			Quantity:  line.Quantity,
			UnitPrice: domain.Money{Amount: line.UnitMinor, Currency: line.Currency},
		})
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, merchantID, orderID string, status domain.OrderStatus, paymentReference string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE orders SET status = $3, payment_reference = $4, updated_at = $5 WHERE merchant_id = $1 AND order_id = $2",
		merchantID, orderID, string(status), paymentReference, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s", repositories.ErrNotFound, orderID)
	}
	return nil
}
