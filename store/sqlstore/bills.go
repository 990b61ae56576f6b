package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

const chargeColumns = `base_amount, arrears_amount, penalty_amount, interest_amount,
	total_amount, paid_amount, balance_amount, due_date, status`

func chargeArgs(ch billing.Charge) []any {
	return []any{
		money(ch.BaseAmount), money(ch.ArrearsAmount), money(ch.PenaltyAmount), money(ch.InterestAmount),
		money(ch.TotalAmount), money(ch.PaidAmount), money(ch.BalanceAmount), date(ch.DueDate), string(ch.Status),
	}
}

// chargeDest returns scan targets for chargeColumns; call finish after Scan.
func chargeDest(ch *billing.Charge) (dest []any, finish func()) {
	var due, status string
	dest = []any{
		&ch.BaseAmount, &ch.ArrearsAmount, &ch.PenaltyAmount, &ch.InterestAmount,
		&ch.TotalAmount, &ch.PaidAmount, &ch.BalanceAmount, &due, &status,
	}
	return dest, func() {
		ch.DueDate = parseDate(due)
		ch.Status = billing.Status(status)
	}
}

// filterQuery accumulates WHERE clauses.
type filterQuery struct {
	where []string
	args  []any
}

func (f *filterQuery) add(clause string, args ...any) {
	f.where = append(f.where, clause)
	f.args = append(f.args, args...)
}

func (f *filterQuery) statuses(col string, ss []billing.Status) {
	if len(ss) == 0 {
		return
	}
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = string(s)
	}
	f.add(col+" IN ("+placeholders(len(ss))+")", args...)
}

func (f *filterQuery) sql() string {
	if len(f.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.where, " AND ")
}

func unpaidArgs() []any {
	args := make([]any, len(billing.UnpaidStatuses))
	for i, s := range billing.UnpaidStatuses {
		args[i] = string(s)
	}
	return args
}

// =============================================================================
// DEMANDS
// =============================================================================

const demandColumns = `id, number, subject_id, service_type, period, ` + chargeColumns + `,
	remarks, generated_by, created_at, updated_at`

func scanDemand(row scanner) (*billing.Demand, error) {
	var d billing.Demand
	var service, created, updated string
	charge, finish := chargeDest(&d.Charge)
	dest := append([]any{&d.ID, &d.Number, &d.SubjectID, &service, &d.Period}, charge...)
	dest = append(dest, &d.Remarks, &d.GeneratedBy, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	d.ServiceType = billing.ServiceType(service)
	d.CreatedAt = parseTS(created)
	d.UpdatedAt = parseTS(updated)
	return &d, nil
}

func (c *conn) queryDemands(ctx context.Context, query string, args ...any) ([]billing.Demand, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, classify("query demands", err)
	}
	defer rows.Close()

	var out []billing.Demand
	for rows.Next() {
		d, err := scanDemand(rows)
		if err != nil {
			return nil, classify("scan demand", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *conn) demand(ctx context.Context, lock, where string, args ...any) (*billing.Demand, error) {
	d, err := scanDemand(c.queryRow(ctx, `SELECT `+demandColumns+` FROM demands WHERE `+where+lock, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrDemandNotFound
	}
	if err != nil {
		return nil, classify("get demand", err)
	}
	return d, nil
}

func (c *conn) GetDemand(ctx context.Context, id string) (*billing.Demand, error) {
	return c.demand(ctx, "", "id = ?", id)
}

func (c *conn) LockDemand(ctx context.Context, id string) (*billing.Demand, error) {
	return c.demand(ctx, c.forUpdate(), "id = ?", id)
}

func (c *conn) FindOpenDemand(ctx context.Context, subjectID billing.SubjectID, service billing.ServiceType, period string) (*billing.Demand, error) {
	return c.demand(ctx, "",
		"subject_id = ? AND service_type = ? AND period = ? AND status <> ?",
		int64(subjectID), string(service), period, string(billing.StatusCancelled))
}

func (c *conn) UnpaidDemands(ctx context.Context, subjectID billing.SubjectID, service billing.ServiceType, excludePeriod string) ([]billing.Demand, error) {
	args := append([]any{int64(subjectID), string(service), excludePeriod}, unpaidArgs()...)
	return c.queryDemands(ctx, `
		SELECT `+demandColumns+` FROM demands
		WHERE subject_id = ? AND service_type = ? AND period <> ?
		  AND status IN (`+placeholders(len(billing.UnpaidStatuses))+`)
		ORDER BY period, number
	`, args...)
}

func (c *conn) InsertDemand(ctx context.Context, d *billing.Demand) error {
	args := append([]any{d.ID, d.Number, int64(d.SubjectID), string(d.ServiceType), d.Period}, chargeArgs(d.Charge)...)
	args = append(args, d.Remarks, d.GeneratedBy, ts(d.CreatedAt), ts(d.UpdatedAt))
	_, err := c.exec(ctx, `
		INSERT INTO demands (`+demandColumns+`)
		VALUES (`+placeholders(len(args))+`)
	`, args...)
	if err != nil {
		return insertError("insert demand", err, billing.ErrDuplicateDemand)
	}
	return nil
}

func (c *conn) UpdateDemand(ctx context.Context, d *billing.Demand) error {
	args := append(chargeArgs(d.Charge), d.Remarks, ts(d.UpdatedAt), d.ID)
	res, err := c.exec(ctx, `
		UPDATE demands SET
			base_amount = ?, arrears_amount = ?, penalty_amount = ?, interest_amount = ?,
			total_amount = ?, paid_amount = ?, balance_amount = ?, due_date = ?, status = ?,
			remarks = ?, updated_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return insertError("update demand", err, billing.ErrDuplicateDemand)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrDemandNotFound
	}
	return nil
}

func (c *conn) ListDemands(ctx context.Context, f billing.DemandFilter) ([]billing.Demand, error) {
	var q filterQuery
	if len(f.SubjectIDs) > 0 {
		ids := make([]any, len(f.SubjectIDs))
		for i, id := range f.SubjectIDs {
			ids[i] = int64(id)
		}
		q.add("subject_id IN ("+placeholders(len(ids))+")", ids...)
	}
	if f.Ward != "" {
		q.add("subject_id IN (SELECT id FROM billing_subjects WHERE ward = ?)", f.Ward)
	}
	if f.ServiceType != "" {
		q.add("service_type = ?", string(f.ServiceType))
	}
	if f.Period != "" {
		q.add("period = ?", f.Period)
	}
	q.statuses("status", f.Statuses)
	if !f.DueBefore.IsZero() {
		q.add("due_date < ?", date(f.DueBefore))
	}

	query := `SELECT ` + demandColumns + ` FROM demands` + q.sql() + ` ORDER BY created_at, number`
	if f.Limit > 0 {
		query += " LIMIT ?"
		q.args = append(q.args, f.Limit)
	}
	return c.queryDemands(ctx, query, q.args...)
}

// =============================================================================
// WATER BILLS
// =============================================================================

const waterBillColumns = `id, number, connection_id, billing_period, consumption, rate, ` + chargeColumns + `,
	generated_by, created_at, updated_at`

func scanWaterBill(row scanner) (*billing.WaterBill, error) {
	var b billing.WaterBill
	var created, updated string
	charge, finish := chargeDest(&b.Charge)
	dest := append([]any{&b.ID, &b.Number, &b.ConnectionID, &b.BillingPeriod, &b.Consumption, &b.Rate}, charge...)
	dest = append(dest, &b.GeneratedBy, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	b.CreatedAt = parseTS(created)
	b.UpdatedAt = parseTS(updated)
	return &b, nil
}

func (c *conn) queryWaterBills(ctx context.Context, query string, args ...any) ([]billing.WaterBill, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, classify("query water bills", err)
	}
	defer rows.Close()

	var out []billing.WaterBill
	for rows.Next() {
		b, err := scanWaterBill(rows)
		if err != nil {
			return nil, classify("scan water bill", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (c *conn) waterBill(ctx context.Context, lock, where string, args ...any) (*billing.WaterBill, error) {
	b, err := scanWaterBill(c.queryRow(ctx, `SELECT `+waterBillColumns+` FROM water_bills WHERE `+where+lock, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrWaterBillNotFound
	}
	if err != nil {
		return nil, classify("get water bill", err)
	}
	return b, nil
}

func (c *conn) GetWaterBill(ctx context.Context, id string) (*billing.WaterBill, error) {
	return c.waterBill(ctx, "", "id = ?", id)
}

func (c *conn) LockWaterBill(ctx context.Context, id string) (*billing.WaterBill, error) {
	return c.waterBill(ctx, c.forUpdate(), "id = ?", id)
}

func (c *conn) FindOpenWaterBill(ctx context.Context, connectionID billing.ConnectionID, period string) (*billing.WaterBill, error) {
	return c.waterBill(ctx, "", "connection_id = ? AND billing_period = ? AND status <> ?",
		int64(connectionID), period, string(billing.StatusCancelled))
}

func (c *conn) UnpaidWaterBills(ctx context.Context, connectionID billing.ConnectionID, excludePeriod string) ([]billing.WaterBill, error) {
	args := append([]any{int64(connectionID), excludePeriod}, unpaidArgs()...)
	return c.queryWaterBills(ctx, `
		SELECT `+waterBillColumns+` FROM water_bills
		WHERE connection_id = ? AND billing_period <> ?
		  AND status IN (`+placeholders(len(billing.UnpaidStatuses))+`)
		ORDER BY billing_period, number
	`, args...)
}

func (c *conn) InsertWaterBill(ctx context.Context, b *billing.WaterBill) error {
	args := append([]any{b.ID, b.Number, int64(b.ConnectionID), b.BillingPeriod, b.Consumption.String(), money(b.Rate)}, chargeArgs(b.Charge)...)
	args = append(args, b.GeneratedBy, ts(b.CreatedAt), ts(b.UpdatedAt))
	_, err := c.exec(ctx, `
		INSERT INTO water_bills (`+waterBillColumns+`)
		VALUES (`+placeholders(len(args))+`)
	`, args...)
	if err != nil {
		return insertError("insert water bill", err, billing.ErrDuplicateWaterBill)
	}
	return nil
}

func (c *conn) UpdateWaterBill(ctx context.Context, b *billing.WaterBill) error {
	args := append(chargeArgs(b.Charge), ts(b.UpdatedAt), b.ID)
	res, err := c.exec(ctx, `
		UPDATE water_bills SET
			base_amount = ?, arrears_amount = ?, penalty_amount = ?, interest_amount = ?,
			total_amount = ?, paid_amount = ?, balance_amount = ?, due_date = ?, status = ?,
			updated_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return insertError("update water bill", err, billing.ErrDuplicateWaterBill)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrWaterBillNotFound
	}
	return nil
}

func (c *conn) ListWaterBills(ctx context.Context, f billing.WaterBillFilter) ([]billing.WaterBill, error) {
	var q filterQuery
	if f.ConnectionID != 0 {
		q.add("connection_id = ?", int64(f.ConnectionID))
	}
	q.statuses("status", f.Statuses)
	if !f.DueBefore.IsZero() {
		q.add("due_date < ?", date(f.DueBefore))
	}

	query := `SELECT ` + waterBillColumns + ` FROM water_bills` + q.sql() + ` ORDER BY created_at, number`
	if f.Limit > 0 {
		query += " LIMIT ?"
		q.args = append(q.args, f.Limit)
	}
	return c.queryWaterBills(ctx, query, q.args...)
}
