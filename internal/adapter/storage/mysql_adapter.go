package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) AddLine(ctx context.Context, line domain.CartLine) (int64, error) {
	price := decimal.NullDecimal{Decimal: line.UnitPrice, Valid: line.PriceSet}

	result, err := m.db.ExecContext(ctx, `
		INSERT INTO cart_lines (user_id, kind, item_id, quantity, title, unit_price, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		line.UserID, line.Kind, line.ItemID, line.Quantity, line.Title, price,
		nullString(line.Meta), line.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert cart line: %w", err)
	}

	return result.LastInsertId()
}

const cartLineColumns = `id, user_id, kind, item_id, quantity, title, unit_price, meta, created_at`

func (m *MySQLAdapter) GetLine(ctx context.Context, id int64) (*domain.CartLine, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+cartLineColumns+` FROM cart_lines WHERE id = ?`, id)

	line, err := scanCartLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart line: %w", err)
	}
	return &line, nil
}

func (m *MySQLAdapter) ListLines(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+cartLineColumns+`
		FROM cart_lines WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		line, err := scanCartLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (m *MySQLAdapter) UpdateQuantity(ctx context.Context, userID int64, ref domain.LineRef, quantity int) (int64, error) {
	where, args := refClause(ref)

	result, err := m.db.ExecContext(ctx,
		`UPDATE cart_lines SET quantity = ? WHERE user_id = ? AND `+where,
		append([]any{quantity, userID}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("update cart line: %w", err)
	}

	// Rows already at the requested quantity are not reported as changed.
	n, _ := result.RowsAffected()
	if n > 0 {
		return n, nil
	}
	return m.countLines(ctx, userID, ref)
}

func (m *MySQLAdapter) RemoveLines(ctx context.Context, userID int64, ref domain.LineRef) (int64, error) {
	where, args := refClause(ref)

	result, err := m.db.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE user_id = ? AND `+where,
		append([]any{userID}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete cart line: %w", err)
	}
	return result.RowsAffected()
}

func (m *MySQLAdapter) ClearCart(ctx context.Context, userID int64) (int64, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM cart_lines WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}
	return result.RowsAffected()
}

func (m *MySQLAdapter) countLines(ctx context.Context, userID int64, ref domain.LineRef) (int64, error) {
	where, args := refClause(ref)

	var n int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cart_lines WHERE user_id = ? AND `+where,
		append([]any{userID}, args...)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cart lines: %w", err)
	}
	return n, nil
}

func refClause(ref domain.LineRef) (string, []any) {
	if kind, ok := ref.LineKind(); ok {
		return "kind = ? AND item_id = ?", []any{kind, ref.ID}
	}
	return "id = ?", []any{ref.ID}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCartLine(row scanner) (domain.CartLine, error) {
	var (
		line  domain.CartLine
		price decimal.NullDecimal
		meta  sql.NullString
	)
	err := row.Scan(&line.ID, &line.UserID, &line.Kind, &line.ItemID, &line.Quantity,
		&line.Title, &price, &meta, &line.CreatedAt)
	if err != nil {
		return domain.CartLine{}, err
	}
	line.UnitPrice = price.Decimal
	line.PriceSet = price.Valid
	line.Meta = meta.String
	return line, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// GetProduct returns nil when the product does not exist.
func (m *MySQLAdapter) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, title, category, price, sold, created_at, updated_at
		FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Category, &p.Price, &p.Sold, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

// GetWorkshop returns nil when the workshop does not exist.
func (m *MySQLAdapter) GetWorkshop(ctx context.Context, id int64) (*domain.Workshop, error) {
	var (
		w        domain.Workshop
		startsAt sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, title, location, starts_at, price, capacity, remaining_capacity, created_at, updated_at
		FROM workshops WHERE id = ?`, id,
	).Scan(&w.ID, &w.Title, &w.Location, &startsAt, &w.Price, &w.Capacity, &w.RemainingCapacity,
		&w.CreatedAt, &w.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workshop: %w", err)
	}
	w.StartsAt = startsAt.Time
	return &w, nil
}

func (m *MySQLAdapter) CreateProduct(ctx context.Context, p domain.Product) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO products (title, category, price, sold) VALUES (?, ?, ?, ?)`,
		p.Title, p.Category, p.Price, p.Sold,
	)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return result.LastInsertId()
}

// CreateWorkshop inserts a workshop with all of its capacity free.
func (m *MySQLAdapter) CreateWorkshop(ctx context.Context, w domain.Workshop) (int64, error) {
	startsAt := sql.NullTime{Time: w.StartsAt, Valid: !w.StartsAt.IsZero()}

	result, err := m.db.ExecContext(ctx, `
		INSERT INTO workshops (title, location, starts_at, price, capacity, remaining_capacity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.Title, w.Location, startsAt, w.Price, w.Capacity, w.Capacity,
	)
	if err != nil {
		return 0, fmt.Errorf("insert workshop: %w", err)
	}
	return result.LastInsertId()
}
