package repo

import (
	"context"
	"database/sql"
	"strings"

	"worktab/internal/domain"
)

const orderColumns = `ref, source_text, quantity, requester_id, status, paid, worker_id, worker_name, requested_at, completed_at`

func scanOrder(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	var requester, workerID, workerName, completedAt sql.NullString
	var paid int
	if err := scan(&o.Ref, &o.SourceText, &o.Quantity, &requester, &o.Status, &paid, &workerID, &workerName, &o.RequestedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return o, ErrNotFound
		}
		return o, err
	}
	o.Paid = paid != 0
	if requester.Valid {
		o.RequesterID = &requester.String
	}
	if workerID.Valid {
		o.WorkerID = &workerID.String
	}
	if workerName.Valid {
		o.WorkerName = &workerName.String
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.String
	}
	return o, nil
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders(ref, source_text, quantity, requester_id, status, paid, requested_at) VALUES (?,?,?,?,?,?,?)`,
		o.Ref, o.SourceText, o.Quantity, nullablePtr(o.RequesterID), o.Status, boolInt(o.Paid), o.RequestedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, ref string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE ref=?`, ref)
	return scanOrder(row.Scan)
}

func (r Repo) OrderExistsTx(ctx context.Context, tx *sql.Tx, ref string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE ref=? LIMIT 1`, ref).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CompleteOrderTx transitions a pending, unpaid order to completed.
// Already-completed, paid or unknown refs leave zero rows affected and
// report ErrNotFound, which makes duplicate completion events no-ops.
func (r Repo) CompleteOrderTx(ctx context.Context, tx *sql.Tx, ref, workerID, workerName, completedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status=?, worker_id=?, worker_name=?, completed_at=?
		 WHERE ref=? AND status=? AND paid=0`,
		domain.OrderCompleted, nullable(workerID), nullable(workerName), completedAt, ref, domain.OrderPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OrderFilter struct {
	Status   string
	Paid     *bool
	WorkerID string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Paid != nil {
		conds = append(conds, "paid=?")
		args = append(args, boolInt(*f.Paid))
	}
	if f.WorkerID != "" {
		conds = append(conds, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY requested_at, ref`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CompletedUnpaidBetween returns completed, unpaid orders whose
// completion timestamp falls inside [start, end]. Bounds are full
// RFC3339 timestamps; the caller widens the end date to end-of-day.
func (r Repo) CompletedUnpaidBetween(ctx context.Context, start, end, workerID string) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status=? AND paid=0 AND completed_at IS NOT NULL AND completed_at>=? AND completed_at<=?`
	args := []any{domain.OrderCompleted, start, end}
	if workerID != "" {
		query += ` AND worker_id=?`
		args = append(args, workerID)
	}
	query += ` ORDER BY completed_at, ref`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// MarkPaidTx flips completed, unpaid orders to paid, optionally scoped
// to one worker, and returns how many orders and quantity units were
// archived.
func (r Repo) MarkPaidTx(ctx context.Context, tx *sql.Tx, workerID string) (int, int, error) {
	where := ` WHERE status=? AND paid=0`
	args := []any{domain.OrderCompleted}
	if workerID != "" {
		where += ` AND worker_id=?`
		args = append(args, workerID)
	}
	var count int
	var total sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), SUM(quantity) FROM orders`+where, args...).Scan(&count, &total); err != nil {
		return 0, 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET paid=1`+where, args...); err != nil {
		return 0, 0, err
	}
	return count, int(total.Int64), nil
}

// DeleteUnpaidOrdersTx discards all unpaid orders, keeping paid history.
func (r Repo) DeleteUnpaidOrdersTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE paid=0`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAllOrdersTx discards the entire order set.
func (r Repo) DeleteAllOrdersTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM orders`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StalePending returns pending orders requested before the cutoff.
func (r Repo) StalePending(ctx context.Context, cutoff string) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status=? AND paid=0 AND requested_at<? ORDER BY requested_at, ref`,
		domain.OrderPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
