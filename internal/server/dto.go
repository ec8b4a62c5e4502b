package server

import (
	"worktab/internal/domain"
)

// RequestEvent is the inbound work-request shape supplied by the
// transport. MessageRef must be a stable reference the transport can
// later repeat in a completion reply.
type RequestEvent struct {
	SenderID   string `json:"sender_id,omitempty"`
	Text       string `json:"text"`
	MessageRef string `json:"message_ref"`
}

// CompletionEvent is the inbound completion reply shape.
type CompletionEvent struct {
	SenderID          string `json:"sender_id"`
	ReplyToMessageRef string `json:"reply_to_message_ref"`
}

type AddWorkerRequest struct {
	CallerID string   `json:"caller_id,omitempty"`
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Rate     string   `json:"rate,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type SetRateRequest struct {
	CallerID string `json:"caller_id,omitempty"`
	Rate     string `json:"rate"`
}

type RoleChangeRequest struct {
	CallerID string `json:"caller_id,omitempty"`
}

type MarkPaidRequest struct {
	CallerID string `json:"caller_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

type ResetRequest struct {
	CallerID  string `json:"caller_id,omitempty"`
	Scope     string `json:"scope,omitempty" enum:"unpaid,all,"`
	Confirmed bool   `json:"confirmed"`
}

type ResetResponse struct {
	Scope   string `json:"scope"`
	Removed int64  `json:"removed"`
}

type WorkerResponse struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Rate  string   `json:"rate"`
	Roles []string `json:"roles"`
}

type OrderResponse struct {
	Ref         string  `json:"ref"`
	Quantity    int     `json:"quantity"`
	Status      string  `json:"status"`
	Paid        bool    `json:"paid"`
	RequesterID *string `json:"requester_id,omitempty"`
	WorkerID    *string `json:"worker_id,omitempty"`
	WorkerName  *string `json:"worker_name,omitempty"`
	RequestedAt string  `json:"requested_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type ReportRowResponse struct {
	WorkerID      string `json:"worker_id"`
	WorkerName    string `json:"worker_name"`
	OrderCount    int    `json:"order_count"`
	TotalQuantity int    `json:"total_quantity"`
	Wage          string `json:"wage"`
}

type ReportResponse struct {
	Start         string              `json:"start"`
	End           string              `json:"end"`
	Rows          []ReportRowResponse `json:"rows"`
	TotalQuantity int                 `json:"total_quantity"`
	TotalWage     string              `json:"total_wage"`
}

type PaidSummaryResponse struct {
	Count         int    `json:"count"`
	TotalQuantity int    `json:"total_quantity"`
	Scope         string `json:"scope"`
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{ID: w.ID, Name: w.Name, Rate: w.Rate.String(), Roles: w.Roles}
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		Ref:         o.Ref,
		Quantity:    o.Quantity,
		Status:      o.Status,
		Paid:        o.Paid,
		RequesterID: o.RequesterID,
		WorkerID:    o.WorkerID,
		WorkerName:  o.WorkerName,
		RequestedAt: o.RequestedAt,
		CompletedAt: o.CompletedAt,
	}
}

func reportResponse(rep domain.Report) ReportResponse {
	res := ReportResponse{
		Start:         rep.Start,
		End:           rep.End,
		Rows:          make([]ReportRowResponse, 0, len(rep.Rows)),
		TotalQuantity: rep.TotalQuantity,
		TotalWage:     rep.TotalWage.StringFixed(2),
	}
	for _, row := range rep.Rows {
		res.Rows = append(res.Rows, ReportRowResponse{
			WorkerID:      row.WorkerID,
			WorkerName:    row.WorkerName,
			OrderCount:    row.OrderCount,
			TotalQuantity: row.TotalQuantity,
			Wage:          row.Wage.StringFixed(2),
		})
	}
	return res
}
