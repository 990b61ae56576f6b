package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// =============================================================================
// PAYMENTS (append-only)
// =============================================================================

const paymentColumns = `id, target_kind, target_id, amount, mode, payment_date,
	receipt_number, payment_number, external_ref, collected_by, created_at`

func (c *conn) InsertPayment(ctx context.Context, p *billing.Payment) error {
	_, err := c.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, string(p.Target.Kind), p.Target.ID, money(p.Amount), string(p.Mode), date(p.PaymentDate),
		p.ReceiptNumber, p.PaymentNumber, nullString(p.ExternalRef), p.CollectedBy, ts(p.CreatedAt))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return billing.ErrDuplicateNumber
		}
		return classify("insert payment", err)
	}
	return nil
}

func (c *conn) ListPayments(ctx context.Context, target billing.ChargeRef) ([]billing.Payment, error) {
	rows, err := c.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE target_kind = ? AND target_id = ?
		ORDER BY created_at, payment_number
	`, string(target.Kind), target.ID)
	if err != nil {
		return nil, classify("query payments", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var p billing.Payment
		var kind, mode, payDate, created string
		var ext sql.NullString
		if err := rows.Scan(&p.ID, &kind, &p.Target.ID, &p.Amount, &mode, &payDate,
			&p.ReceiptNumber, &p.PaymentNumber, &ext, &p.CollectedBy, &created); err != nil {
			return nil, classify("scan payment", err)
		}
		p.Target.Kind = billing.ChargeKind(kind)
		p.Mode = billing.PaymentMode(mode)
		p.PaymentDate = parseDate(payDate)
		p.ExternalRef = ext.String
		p.CreatedAt = parseTS(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// NOTICES
// =============================================================================

const noticeColumns = `id, number, demand_id, notice_type, status, previous_notice_id, delivery_mode,
	generated_by, created_at, updated_at, sent_at, viewed_at, resolved_at`

func scanNotice(row scanner) (*billing.Notice, error) {
	var n billing.Notice
	var typ, status, created, updated string
	var prev, mode, sent, viewed, resolved sql.NullString
	if err := row.Scan(&n.ID, &n.Number, &n.DemandID, &typ, &status, &prev, &mode,
		&n.GeneratedBy, &created, &updated, &sent, &viewed, &resolved); err != nil {
		return nil, err
	}
	n.NoticeType = billing.NoticeType(typ)
	n.Status = billing.NoticeStatus(status)
	n.PreviousNoticeID = prev.String
	n.DeliveryMode = billing.DeliveryMode(mode.String)
	n.CreatedAt = parseTS(created)
	n.UpdatedAt = parseTS(updated)
	n.SentAt = tsPtr(sent)
	n.ViewedAt = tsPtr(viewed)
	n.ResolvedAt = tsPtr(resolved)
	return &n, nil
}

func (c *conn) notice(ctx context.Context, id, lock string) (*billing.Notice, error) {
	n, err := scanNotice(c.queryRow(ctx, `SELECT `+noticeColumns+` FROM notices WHERE id = ?`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNoticeNotFound
	}
	if err != nil {
		return nil, classify("get notice", err)
	}
	return n, nil
}

func (c *conn) GetNotice(ctx context.Context, id string) (*billing.Notice, error) {
	return c.notice(ctx, id, "")
}

func (c *conn) LockNotice(ctx context.Context, id string) (*billing.Notice, error) {
	return c.notice(ctx, id, c.forUpdate())
}

func (c *conn) InsertNotice(ctx context.Context, n *billing.Notice) error {
	_, err := c.exec(ctx, `
		INSERT INTO notices (`+noticeColumns+`, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Number, n.DemandID, string(n.NoticeType), string(n.Status),
		nullString(n.PreviousNoticeID), nullString(string(n.DeliveryMode)),
		n.GeneratedBy, ts(n.CreatedAt), ts(n.UpdatedAt),
		nullTS(n.SentAt), nullTS(n.ViewedAt), nullTS(n.ResolvedAt), n.NoticeType.Severity())
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return billing.ErrDuplicateNumber
		}
		return classify("insert notice", err)
	}
	return nil
}

func (c *conn) UpdateNotice(ctx context.Context, n *billing.Notice) error {
	res, err := c.exec(ctx, `
		UPDATE notices SET
			status = ?, delivery_mode = ?, updated_at = ?,
			sent_at = ?, viewed_at = ?, resolved_at = ?
		WHERE id = ?
	`, string(n.Status), nullString(string(n.DeliveryMode)), ts(n.UpdatedAt),
		nullTS(n.SentAt), nullTS(n.ViewedAt), nullTS(n.ResolvedAt), n.ID)
	if err != nil {
		return classify("update notice", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNoticeNotFound
	}
	return nil
}

func (c *conn) ListNotices(ctx context.Context, demandID string) ([]billing.Notice, error) {
	rows, err := c.query(ctx, `
		SELECT `+noticeColumns+` FROM notices
		WHERE demand_id = ?
		ORDER BY created_at, severity
	`, demandID)
	if err != nil {
		return nil, classify("query notices", err)
	}
	defer rows.Close()

	var out []billing.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, classify("scan notice", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
