package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/marketplace-checkout/internal/core/domain"
	"github.com/rl1809/marketplace-checkout/internal/port"
)

// CommitPurchase flips the sold flag and inserts the purchase in one
// transaction. The conditional update is the guard against selling twice.
// A user re-buying a product they already own gets ErrDuplicate, not
// ErrConflict.
func (m *MySQLAdapter) CommitPurchase(ctx context.Context, userID, productID int64) (*domain.Purchase, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	owned, err := exists(ctx, tx, `
		SELECT 1 FROM purchases WHERE user_id = ? AND product_id = ?`, userID, productID)
	if err != nil {
		return nil, fmt.Errorf("check purchase: %w", err)
	}
	if owned {
		return nil, port.ErrDuplicate
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE products SET sold = 1, updated_at = NOW(6)
		WHERE id = ? AND sold = 0`, productID)
	if err != nil {
		return nil, fmt.Errorf("mark product sold: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, missingOrConflict(ctx, tx, `SELECT 1 FROM products WHERE id = ?`, productID)
	}

	now := time.Now().UTC()
	result, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (user_id, product_id, created_at) VALUES (?, ?, ?)`,
		userID, productID, now)
	if isDuplicate(err) {
		return nil, port.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("purchase id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}

	return &domain.Purchase{ID: id, UserID: userID, ProductID: productID, CreatedAt: now}, nil
}

// CommitReservation takes one seat and inserts the reservation in one
// transaction. Capacity never goes below zero.
func (m *MySQLAdapter) CommitReservation(ctx context.Context, userID, workshopID int64) (*domain.Reservation, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	held, err := exists(ctx, tx, `
		SELECT 1 FROM reservations WHERE user_id = ? AND workshop_id = ? AND status = ?`,
		userID, workshopID, domain.ReservationStatusReserved)
	if err != nil {
		return nil, fmt.Errorf("check reservation: %w", err)
	}
	if held {
		return nil, port.ErrDuplicate
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE workshops
		SET remaining_capacity = remaining_capacity - 1, updated_at = NOW(6)
		WHERE id = ? AND remaining_capacity > 0`, workshopID)
	if err != nil {
		return nil, fmt.Errorf("take workshop seat: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, missingOrConflict(ctx, tx, `SELECT 1 FROM workshops WHERE id = ?`, workshopID)
	}

	now := time.Now().UTC()
	result, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (user_id, workshop_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, workshopID, domain.ReservationStatusReserved, now, now)
	if isDuplicate(err) {
		return nil, port.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reservation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	return &domain.Reservation{
		ID:         id,
		UserID:     userID,
		WorkshopID: workshopID,
		Status:     domain.ReservationStatusReserved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (m *MySQLAdapter) CancelReservation(ctx context.Context, userID, workshopID int64) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = NOW(6)
		WHERE user_id = ? AND workshop_id = ? AND status = ?`,
		domain.ReservationStatusCanceled, userID, workshopID, domain.ReservationStatusReserved)
	if err != nil {
		return false, fmt.Errorf("cancel reservation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workshops
		SET remaining_capacity = remaining_capacity + 1, updated_at = NOW(6)
		WHERE id = ? AND remaining_capacity < capacity`, workshopID)
	if err != nil {
		return false, fmt.Errorf("release workshop seat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) ReservedWorkshops(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT workshop_id FROM reservations
		WHERE user_id = ? AND status = ? ORDER BY workshop_id`,
		userID, domain.ReservationStatusReserved)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// missingOrConflict tells an unknown row apart from a failed guard.
func missingOrConflict(ctx context.Context, tx *sql.Tx, query string, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, query, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return port.ErrNotFound
	case err != nil:
		return fmt.Errorf("lookup %d: %w", id, err)
	}
	return port.ErrConflict
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
