package db

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies a migration file. Migrations are written to be re-runnable.
func (db *DB) Migrate(ctx context.Context, path string) error {
	sql, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", path, err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, address, passwordHash, role string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, address, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id, username, address, password_hash, role, created_at",
		username, address, passwordHash, role).Scan(&user.ID, &user.Username, &user.Address, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("user %q or address %q already exists: %w", username, address, models.ErrStateConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, address, password_hash, role, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.Address, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SaveOrder upserts an order. Fill state only moves forward: a stale
// snapshot never overwrites a newer or terminal one.
func (db *DB) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO orders (id, trader, base_token, quote_token, side, type, price, quantity, filled_quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			status = EXCLUDED.status,
			updated_at = NOW()
		WHERE orders.status NOT IN ('FILLED', 'CANCELED')
			AND orders.filled_quantity <= EXCLUDED.filled_quantity`,
		o.ID, o.Trader, o.BaseToken, o.QuoteToken, side(o.IsBuy), o.Type.String(),
		o.Price.Dec(), o.Quantity.Dec(), o.FilledQuantity.Dec(), o.Status.String(), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order %d: %w", o.ID, err)
	}
	return nil
}

// SaveSettlement upserts a settlement. Only the processed flag can change,
// and only from false to true.
func (db *DB) SaveSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO settlements (id, taker_order_id, maker_order_id, taker, maker, base_token, quote_token, taker_is_buy, quantity, price, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12)
		ON CONFLICT (id) DO UPDATE SET processed = settlements.processed OR EXCLUDED.processed`,
		s.ID, s.TakerOrderID, s.MakerOrderID, s.Taker, s.Maker, s.Pair.Base, s.Pair.Quote, s.TakerIsBuy,
		s.Quantity.Dec(), s.Price.Dec(), s.Processed, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settlement %d: %w", s.ID, err)
	}
	return nil
}

const orderColumns = "id, trader, base_token, quote_token, side, type, price::text, quantity::text, filled_quantity::text, status, created_at"

// GetOrder retrieves one order
func (db *DB) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return orders[0], nil
}

// GetTraderOrders retrieves all orders of a trader, oldest first
func (db *DB) GetTraderOrders(ctx context.Context, trader string) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+orderColumns+" FROM orders WHERE trader = $1 ORDER BY id", trader)
	if err != nil {
		return nil, fmt.Errorf("failed to get trader orders: %w", err)
	}
	return scanOrders(rows)
}

// GetOpenOrders retrieves every order that may still rest on a book, in id order
func (db *DB) GetOpenOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return scanOrders(rows)
}

// GetSettlement retrieves one settlement
func (db *DB) GetSettlement(ctx context.Context, id uint64) (*models.Settlement, error) {
	s := &models.Settlement{}
	var qty, price string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, taker_order_id, maker_order_id, taker, maker, base_token, quote_token, taker_is_buy,
			quantity::text, price::text, processed, created_at
		FROM settlements WHERE id = $1`, id).Scan(
		&s.ID, &s.TakerOrderID, &s.MakerOrderID, &s.Taker, &s.Maker, &s.Pair.Base, &s.Pair.Quote, &s.TakerIsBuy,
		&qty, &price, &s.Processed, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	if s.Quantity, err = uint256.FromDecimal(qty); err != nil {
		return nil, fmt.Errorf("failed to parse settlement %d quantity: %w", id, err)
	}
	if s.Price, err = uint256.FromDecimal(price); err != nil {
		return nil, fmt.Errorf("failed to parse settlement %d price: %w", id, err)
	}
	return s, nil
}

// LastOrderID returns the highest stored order id, or 0
func (db *DB) LastOrderID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM orders").Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get last order id: %w", err)
	}
	return id, nil
}

// LastSettlementID returns the highest stored settlement id, or 0
func (db *DB) LastSettlementID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM settlements").Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get last settlement id: %w", err)
	}
	return id, nil
}

// UnprocessedSettlements counts settlements still waiting on the ledger
func (db *DB) UnprocessedSettlements(ctx context.Context) (int, error) {
	var n int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM settlements WHERE NOT processed").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unprocessed settlements: %w", err)
	}
	return n, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var (
			o                    models.Order
			sideStr, typ, status string
			price, qty, filled   string
		)
		if err := rows.Scan(&o.ID, &o.Trader, &o.BaseToken, &o.QuoteToken, &sideStr, &typ,
			&price, &qty, &filled, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if err := decodeOrder(&o, sideStr, typ, status, price, qty, filled); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

func decodeOrder(o *models.Order, sideStr, typ, status, price, qty, filled string) error {
	var err error
	o.IsBuy = sideStr == "buy"
	if o.Type, err = models.ParseOrderType(typ); err != nil {
		return fmt.Errorf("order %d: %w", o.ID, err)
	}
	if o.Status, err = models.ParseOrderStatus(status); err != nil {
		return fmt.Errorf("order %d: %w", o.ID, err)
	}
	if o.Price, err = uint256.FromDecimal(price); err != nil {
		return fmt.Errorf("failed to parse order %d price: %w", o.ID, err)
	}
	if o.Quantity, err = uint256.FromDecimal(qty); err != nil {
		return fmt.Errorf("failed to parse order %d quantity: %w", o.ID, err)
	}
	if o.FilledQuantity, err = uint256.FromDecimal(filled); err != nil {
		return fmt.Errorf("failed to parse order %d filled quantity: %w", o.ID, err)
	}
	return nil
}

func side(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
