package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"worktab/internal/domain"
)

const workerColumns = `id, name, rate, roles_json, created_at`

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var rate, rolesJSON string
	if err := scan(&w.ID, &w.Name, &rate, &rolesJSON, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return w, ErrNotFound
		}
		return w, err
	}
	var err error
	w.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return w, fmt.Errorf("worker %s has invalid rate %q: %w", w.ID, rate, err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &w.Roles); err != nil {
		return w, fmt.Errorf("worker %s has invalid roles: %w", w.ID, err)
	}
	return w, nil
}

func rolesJSON(roles []string) (string, error) {
	if len(roles) == 0 {
		roles = []string{domain.RoleWorker}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpsertWorkerTx inserts the worker or replaces name, rate and roles
// for an existing id.
func (r Repo) UpsertWorkerTx(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	roles, err := rolesJSON(w.Roles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workers(id, name, rate, roles_json, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, rate=excluded.rate, roles_json=excluded.roles_json`,
		w.ID, w.Name, w.Rate.String(), roles, w.CreatedAt)
	return err
}

// EnsureWorkerTx inserts the worker only when the id is not yet
// registered, leaving existing rows untouched.
func (r Repo) EnsureWorkerTx(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	roles, err := rolesJSON(w.Roles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO workers(id, name, rate, roles_json, created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.Rate.String(), roles, w.CreatedAt)
	return err
}

func (r Repo) DeleteWorkerTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkerRateTx(ctx context.Context, tx *sql.Tx, id string, rate decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET rate=? WHERE id=?`, rate.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkerRolesTx(ctx context.Context, tx *sql.Tx, id string, roles []string) error {
	encoded, err := rolesJSON(roles)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workers SET roles_json=? WHERE id=?`, encoded, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
