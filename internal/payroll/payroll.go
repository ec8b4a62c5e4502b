// Package payroll aggregates completed, unpaid orders into per-worker
// wage reports over an inclusive date window.
package payroll

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"worktab/internal/domain"
	"worktab/internal/repo"
)

const dateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// Range is a resolved report window. End is inclusive: a single-day
// report for day D covers all of day D.
type Range struct {
	Start time.Time
	End   time.Time
}

// ParseRange resolves start/end date strings (YYYY-MM-DD). Empty
// strings default to today in UTC.
func ParseRange(start, end string, now time.Time) (Range, error) {
	today := now.UTC().Format(dateLayout)
	if start == "" {
		start = today
	}
	if end == "" {
		end = today
	}
	s, err := time.ParseInLocation(dateLayout, start, time.UTC)
	if err != nil {
		return Range{}, fmt.Errorf("invalid start date %q: expected YYYY-MM-DD", start)
	}
	e, err := time.ParseInLocation(dateLayout, end, time.UTC)
	if err != nil {
		return Range{}, fmt.Errorf("invalid end date %q: expected YYYY-MM-DD", end)
	}
	if e.Before(s) {
		return Range{}, fmt.Errorf("invalid range: end %s before start %s", end, start)
	}
	return Range{Start: s, End: e}, nil
}

// Wage computes (quantity / 100) * rate.
func Wage(quantity int, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(quantity)).Mul(rate).Div(hundred)
}

// ParseRate parses a non-negative decimal wage rate. Empty means zero.
func ParseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q", raw)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid rate %q: must be non-negative", raw)
	}
	return rate, nil
}

// Build filters completed, unpaid orders completed inside the window
// and aggregates them per worker. Wages use each worker's rate at
// report time. Orders missing a worker identity land in the "unknown"
// bucket. An empty result is a valid report.
func Build(ctx context.Context, r repo.Repo, window Range, workerID string) (domain.Report, error) {
	report := domain.Report{
		Start:     window.Start.Format(dateLayout),
		End:       window.End.Format(dateLayout),
		TotalWage: decimal.Zero,
	}
	lowBound := window.Start.Format(time.RFC3339)
	highBound := window.End.Add(24*time.Hour - time.Second).Format(time.RFC3339)
	orders, err := r.CompletedUnpaidBetween(ctx, lowBound, highBound, workerID)
	if err != nil {
		return domain.Report{}, err
	}
	if len(orders) == 0 {
		return report, nil
	}

	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return domain.Report{}, err
	}
	registry := make(map[string]domain.Worker, len(workers))
	for _, w := range workers {
		registry[w.ID] = w
	}

	rows := map[string]*domain.ReportRow{}
	for _, o := range orders {
		id := domain.UnknownWorkerBucket
		if o.WorkerID != nil && *o.WorkerID != "" {
			id = *o.WorkerID
		}
		row, ok := rows[id]
		if !ok {
			row = &domain.ReportRow{WorkerID: id, WorkerName: workerName(id, o, registry)}
			rows[id] = row
		}
		row.OrderCount++
		row.TotalQuantity += o.Quantity
	}
	for id, row := range rows {
		rate := decimal.Zero
		if w, ok := registry[id]; ok {
			rate = w.Rate
		}
		row.Wage = Wage(row.TotalQuantity, rate)
		report.Rows = append(report.Rows, *row)
		report.TotalQuantity += row.TotalQuantity
		report.TotalWage = report.TotalWage.Add(row.Wage)
	}
	sort.Slice(report.Rows, func(i, j int) bool {
		if report.Rows[i].TotalQuantity != report.Rows[j].TotalQuantity {
			return report.Rows[i].TotalQuantity > report.Rows[j].TotalQuantity
		}
		return report.Rows[i].WorkerID < report.Rows[j].WorkerID
	})
	return report, nil
}

func workerName(id string, o domain.Order, registry map[string]domain.Worker) string {
	if w, ok := registry[id]; ok && w.Name != "" {
		return w.Name
	}
	if o.WorkerName != nil && *o.WorkerName != "" {
		return *o.WorkerName
	}
	return id
}
