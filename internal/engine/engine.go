package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"worktab/internal/config"
	"worktab/internal/domain"
	"worktab/internal/events"
	"worktab/internal/payroll"
	"worktab/internal/quantity"
	"worktab/internal/repo"
	"worktab/internal/roles"
)

// Engine owns the order ledger state machine. Every mutation runs as
// one transaction together with its audit event, so a crash never
// leaves a half-updated order.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) evaluator() roles.Evaluator {
	var ownerID string
	if e.Config != nil {
		ownerID = e.Config.Owner
	}
	return roles.Evaluator{OwnerID: ownerID}
}

// NoQuantityError marks a request whose text carried no extractable
// quantity. Callers escalate it to admins instead of dropping the
// request silently.
type NoQuantityError struct {
	Ref  string
	Text string
}

func (e NoQuantityError) Error() string {
	return fmt.Sprintf("no quantity found in request %s", e.Ref)
}

// ForbiddenError indicates a failed role check. The message stays
// terse on purpose.
type ForbiddenError struct {
	Role roles.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// ErrConfirmRequired gates the destructive reset behind an explicit
// confirm step.
var ErrConfirmRequired = errors.New("reset requires explicit confirmation")

// requireRole loads the user and checks it holds at least want.
// Unknown users fail the check the same way as underprivileged ones.
func (e Engine) requireRole(ctx context.Context, userID string, want roles.Role) (domain.Worker, error) {
	w, err := e.Repo.GetWorker(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Worker{}, ForbiddenError{Role: want}
	}
	if err != nil {
		return domain.Worker{}, err
	}
	if !e.evaluator().Has(w, want) {
		return domain.Worker{}, ForbiddenError{Role: want}
	}
	return w, nil
}

// CreateOrder records a new pending order from an inbound request
// event. The requester must be a registered worker when authorship is
// tracked; an empty requesterID skips the gate for deployments that do
// not track it. Text without an extractable quantity never creates an
// order: a NoQuantityError is returned after recording an
// order.unparsed audit event so admins get alerted.
func (e Engine) CreateOrder(ctx context.Context, requesterID, orderRef, text string) (domain.Order, error) {
	if orderRef == "" {
		return domain.Order{}, errors.New("order ref is required")
	}
	if text == "" {
		return domain.Order{}, errors.New("text is required")
	}
	if requesterID != "" {
		if _, err := e.requireRole(ctx, requesterID, roles.Worker); err != nil {
			return domain.Order{}, err
		}
	}

	qty, ok := quantity.Extract(text)
	if !ok {
		noQty := NoQuantityError{Ref: orderRef, Text: text}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Order{}, err
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "order.unparsed", "order", orderRef, requesterID,
			events.EventPayload{"text": text}); err != nil {
			return domain.Order{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Order{}, err
		}
		return domain.Order{}, noQty
	}

	o := domain.Order{
		Ref:         orderRef,
		SourceText:  text,
		Quantity:    qty,
		Status:      domain.OrderPending,
		RequestedAt: e.nowRFC3339(),
	}
	if requesterID != "" {
		o.RequesterID = &requesterID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.OrderExistsTx(ctx, tx, orderRef)
	if err != nil {
		return domain.Order{}, err
	}
	if exists {
		return domain.Order{}, fmt.Errorf("order %s already exists", orderRef)
	}
	if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.created", "order", o.Ref, requesterID,
		events.EventPayload{"quantity": qty}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// CompleteOrder transitions the referenced pending order to completed,
// stamping the worker identity and timestamp. The transition is
// one-way and at-most-once: a duplicate or unknown ref reports
// repo.ErrNotFound and changes nothing, so correction replies and
// concurrent retries cannot double-count.
func (e Engine) CompleteOrder(ctx context.Context, orderRef, workerID string) (domain.Order, error) {
	if orderRef == "" {
		return domain.Order{}, errors.New("order ref is required")
	}
	w, err := e.requireRole(ctx, workerID, roles.Worker)
	if err != nil {
		return domain.Order{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	completedAt := e.nowRFC3339()
	if err := e.Repo.CompleteOrderTx(ctx, tx, orderRef, w.ID, w.Name, completedAt); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.completed", "order", orderRef, workerID, nil); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	return e.Repo.GetOrder(ctx, orderRef)
}

// MarkPaid archives completed, unpaid orders, excluding them from all
// future payroll aggregation. An empty workerID archives for every
// worker. Admin or owner only.
func (e Engine) MarkPaid(ctx context.Context, actorID, workerID string) (domain.PaidSummary, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Admin); err != nil {
		return domain.PaidSummary{}, err
	}
	scope := "all"
	if workerID != "" {
		scope = "worker:" + workerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaidSummary{}, err
	}
	defer tx.Rollback()
	count, total, err := e.Repo.MarkPaidTx(ctx, tx, workerID)
	if err != nil {
		return domain.PaidSummary{}, err
	}
	if err := e.Events.Append(ctx, tx, "orders.paid", "ledger", "", actorID,
		events.EventPayload{"scope": scope, "count": count, "total_quantity": total}); err != nil {
		return domain.PaidSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaidSummary{}, err
	}
	return domain.PaidSummary{Count: count, TotalQuantity: total, Scope: scope}, nil
}

const (
	ResetUnpaid = "unpaid"
	ResetAll    = "all"
)

// Reset discards orders. Scope "unpaid" keeps paid history; "all"
// wipes the order set. Owner only, irreversible, and refused unless
// the caller already confirmed.
func (e Engine) Reset(ctx context.Context, actorID, scope string, confirmed bool) (int64, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Owner); err != nil {
		return 0, err
	}
	if scope != ResetUnpaid && scope != ResetAll {
		return 0, fmt.Errorf("invalid reset scope %q", scope)
	}
	if !confirmed {
		return 0, ErrConfirmRequired
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var removed int64
	if scope == ResetAll {
		removed, err = e.Repo.DeleteAllOrdersTx(ctx, tx)
	} else {
		removed, err = e.Repo.DeleteUnpaidOrdersTx(ctx, tx)
	}
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.reset", "ledger", "", actorID,
		events.EventPayload{"scope": scope, "removed": removed}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Report builds a payroll report. Workers may request their own
// report; the cross-worker view needs admin or owner.
func (e Engine) Report(ctx context.Context, actorID, start, end, workerID string) (domain.Report, error) {
	want := roles.Admin
	if workerID != "" && workerID == actorID {
		want = roles.Worker
	}
	if _, err := e.requireRole(ctx, actorID, want); err != nil {
		return domain.Report{}, err
	}
	window, err := payroll.ParseRange(start, end, e.now())
	if err != nil {
		return domain.Report{}, err
	}
	return payroll.Build(ctx, e.Repo, window, workerID)
}

// AddWorker registers or updates a worker. Admin or owner only.
func (e Engine) AddWorker(ctx context.Context, actorID, id, name string, rate decimal.Decimal, roleNames []string) (domain.Worker, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Admin); err != nil {
		return domain.Worker{}, err
	}
	if id == "" {
		return domain.Worker{}, errors.New("worker id is required")
	}
	if rate.IsNegative() {
		return domain.Worker{}, errors.New("rate must be non-negative")
	}
	if len(roleNames) == 0 {
		roleNames = []string{domain.RoleWorker}
	}
	for _, roleName := range roleNames {
		if _, err := roles.Parse(roleName); err != nil {
			return domain.Worker{}, err
		}
	}
	w := domain.Worker{ID: id, Name: name, Rate: rate, Roles: roleNames, CreatedAt: e.nowRFC3339()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorkerTx(ctx, tx, w); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Events.Append(ctx, tx, "worker.added", "worker", id, actorID,
		events.EventPayload{"name": name, "rate": rate.String()}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return e.Repo.GetWorker(ctx, id)
}

// RemoveWorker drops a worker from the registry. The configured owner
// cannot be removed. Unknown ids report repo.ErrNotFound.
func (e Engine) RemoveWorker(ctx context.Context, actorID, id string) error {
	if _, err := e.requireRole(ctx, actorID, roles.Admin); err != nil {
		return err
	}
	if e.Config != nil && id == e.Config.Owner {
		return errors.New("cannot remove the owner")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWorkerTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "worker.removed", "worker", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRate changes a worker's wage rate. Historical orders are billed
// at the rate current when a report runs, not at completion time.
func (e Engine) SetRate(ctx context.Context, actorID, id string, rate decimal.Decimal) (domain.Worker, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Admin); err != nil {
		return domain.Worker{}, err
	}
	if rate.IsNegative() {
		return domain.Worker{}, errors.New("rate must be non-negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkerRateTx(ctx, tx, id, rate); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Events.Append(ctx, tx, "worker.rate_set", "worker", id, actorID,
		events.EventPayload{"rate": rate.String()}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return e.Repo.GetWorker(ctx, id)
}

// Promote grants admin to a worker. Owner only. Promoting someone who
// is already admin or owner succeeds without change.
func (e Engine) Promote(ctx context.Context, actorID, id string) (domain.Worker, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Owner); err != nil {
		return domain.Worker{}, err
	}
	w, err := e.Repo.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	if e.evaluator().Has(w, roles.Admin) {
		return w, nil
	}
	updated := append(append([]string{}, w.Roles...), domain.RoleAdmin)
	return e.setRoles(ctx, actorID, id, updated, "worker.promoted")
}

// Demote revokes admin from a worker. Owner only. Demoting the owner
// is forbidden; demoting a plain worker succeeds without change.
func (e Engine) Demote(ctx context.Context, actorID, id string) (domain.Worker, error) {
	if _, err := e.requireRole(ctx, actorID, roles.Owner); err != nil {
		return domain.Worker{}, err
	}
	w, err := e.Repo.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	if e.evaluator().Has(w, roles.Owner) {
		return domain.Worker{}, errors.New("cannot demote the owner")
	}
	if !e.evaluator().Has(w, roles.Admin) {
		return w, nil
	}
	var updated []string
	for _, name := range w.Roles {
		if name != domain.RoleAdmin {
			updated = append(updated, name)
		}
	}
	return e.setRoles(ctx, actorID, id, updated, "worker.demoted")
}

func (e Engine) setRoles(ctx context.Context, actorID, id string, roleNames []string, evtType string) (domain.Worker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkerRolesTx(ctx, tx, id, roleNames); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "worker", id, actorID,
		events.EventPayload{"roles": roleNames}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return e.Repo.GetWorker(ctx, id)
}
