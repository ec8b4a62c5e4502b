package domain

import "github.com/shopspring/decimal"

// Role names stored in a worker's role set. Admins and owners are
// implicitly workers; the deployment owner is additionally pinned by
// configuration.
const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

type Worker struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Rate      decimal.Decimal `json:"rate"`
	Roles     []string        `json:"roles"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
)

// Order is one tracked unit of work. Ref correlates the originating
// request message with its completion reply and is unique within the
// ledger. Paid is independent of Status: a completed order stays
// unpaid until archived by a mark-paid operation.
type Order struct {
	Ref         string  `json:"ref"`
	SourceText  string  `json:"source_text"`
	Quantity    int     `json:"quantity"`
	RequesterID *string `json:"requester_id,omitempty"`
	Status      string  `json:"status" enum:"pending,completed"`
	Paid        bool    `json:"paid"`
	WorkerID    *string `json:"worker_id,omitempty"`
	WorkerName  *string `json:"worker_name,omitempty"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// UnknownWorkerBucket groups report rows for completed orders whose
// worker identity is missing; inconsistent data is surfaced, not dropped.
const UnknownWorkerBucket = "unknown"

type ReportRow struct {
	WorkerID      string          `json:"worker_id"`
	WorkerName    string          `json:"worker_name"`
	OrderCount    int             `json:"order_count"`
	TotalQuantity int             `json:"total_quantity"`
	Wage          decimal.Decimal `json:"wage"`
}

// Report aggregates completed, unpaid orders over an inclusive date
// window. Wage per row is (total_quantity / 100) * the worker's rate
// at report time.
type Report struct {
	Start         string          `json:"start"`
	End           string          `json:"end"`
	Rows          []ReportRow     `json:"rows"`
	TotalQuantity int             `json:"total_quantity"`
	TotalWage     decimal.Decimal `json:"total_wage"`
}

type PaidSummary struct {
	Count         int    `json:"count"`
	TotalQuantity int    `json:"total_quantity"`
	Scope         string `json:"scope"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
