package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// =============================================================================
// SUBJECTS
// =============================================================================

const subjectColumns = `id, kind, ward, owner_name, status, created_at`

func scanSubject(row scanner) (*billing.BillingSubject, error) {
	var s billing.BillingSubject
	var kind, created string
	if err := row.Scan(&s.ID, &kind, &s.Ward, &s.OwnerName, &s.Status, &created); err != nil {
		return nil, err
	}
	s.Kind = billing.SubjectKind(kind)
	s.CreatedAt = parseTS(created)
	return &s, nil
}

func (c *conn) GetSubject(ctx context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	return c.subject(ctx, id, "")
}

func (c *conn) LockSubject(ctx context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	return c.subject(ctx, id, c.forUpdate())
}

func (c *conn) subject(ctx context.Context, id billing.SubjectID, lock string) (*billing.BillingSubject, error) {
	row := c.queryRow(ctx, `SELECT `+subjectColumns+` FROM billing_subjects WHERE id = ?`+lock, int64(id))
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubjectNotFound
	}
	if err != nil {
		return nil, classify("get subject", err)
	}
	return s, nil
}

func (c *conn) SaveSubject(ctx context.Context, s *billing.BillingSubject) error {
	if s.ID == 0 {
		var id int64
		err := c.queryRow(ctx, `
			INSERT INTO billing_subjects (kind, ward, owner_name, status, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id
		`, string(s.Kind), s.Ward, s.OwnerName, s.Status, ts(s.CreatedAt)).Scan(&id)
		if err != nil {
			return classify("insert subject", err)
		}
		s.ID = billing.SubjectID(id)
		return nil
	}
	_, err := c.exec(ctx, `
		INSERT INTO billing_subjects (id, kind, ward, owner_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			ward = excluded.ward,
			owner_name = excluded.owner_name,
			status = excluded.status
	`, int64(s.ID), string(s.Kind), s.Ward, s.OwnerName, s.Status, ts(s.CreatedAt))
	if err != nil {
		return classify("save subject", err)
	}
	return c.syncIdentity(ctx, "billing_subjects")
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

func (c *conn) GetAssessment(ctx context.Context, subjectID billing.SubjectID, period string) (*billing.Assessment, error) {
	var a billing.Assessment
	var status string
	err := c.queryRow(ctx, `
		SELECT subject_id, period, annual_tax_amount, status
		FROM assessments WHERE subject_id = ? AND period = ?
	`, int64(subjectID), period).Scan(&a.SubjectID, &a.Period, &a.AnnualTaxAmount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSourceNotFound
	}
	if err != nil {
		return nil, classify("get assessment", err)
	}
	a.Status = billing.AssessmentStatus(status)
	return &a, nil
}

func (c *conn) SaveAssessment(ctx context.Context, a *billing.Assessment) error {
	_, err := c.exec(ctx, `
		INSERT INTO assessments (subject_id, period, annual_tax_amount, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_id, period) DO UPDATE SET
			annual_tax_amount = excluded.annual_tax_amount,
			status = excluded.status
	`, int64(a.SubjectID), a.Period, money(a.AnnualTaxAmount), string(a.Status))
	if err != nil {
		return classify("save assessment", err)
	}
	return nil
}

// =============================================================================
// WATER CONNECTIONS
// =============================================================================

const connectionColumns = `id, subject_id, connection_type, rate, status`

func (c *conn) GetConnection(ctx context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	return c.connection(ctx, id, "")
}

func (c *conn) LockConnection(ctx context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	return c.connection(ctx, id, c.forUpdate())
}

func (c *conn) connection(ctx context.Context, id billing.ConnectionID, lock string) (*billing.WaterConnection, error) {
	var wc billing.WaterConnection
	var typ, status string
	err := c.queryRow(ctx, `SELECT `+connectionColumns+` FROM water_connections WHERE id = ?`+lock, int64(id)).
		Scan(&wc.ID, &wc.SubjectID, &typ, &wc.Rate, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrConnectionNotFound
	}
	if err != nil {
		return nil, classify("get connection", err)
	}
	wc.ConnectionType = billing.ConnectionType(typ)
	wc.Status = billing.ConnectionStatus(status)
	return &wc, nil
}

func (c *conn) SaveConnection(ctx context.Context, wc *billing.WaterConnection) error {
	if wc.ID == 0 {
		var id int64
		err := c.queryRow(ctx, `
			INSERT INTO water_connections (subject_id, connection_type, rate, status)
			VALUES (?, ?, ?, ?)
			RETURNING id
		`, int64(wc.SubjectID), string(wc.ConnectionType), money(wc.Rate), string(wc.Status)).Scan(&id)
		if err != nil {
			return classify("insert connection", err)
		}
		wc.ID = billing.ConnectionID(id)
		return nil
	}
	_, err := c.exec(ctx, `
		INSERT INTO water_connections (id, subject_id, connection_type, rate, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subject_id = excluded.subject_id,
			connection_type = excluded.connection_type,
			rate = excluded.rate,
			status = excluded.status
	`, int64(wc.ID), int64(wc.SubjectID), string(wc.ConnectionType), money(wc.Rate), string(wc.Status))
	if err != nil {
		return classify("save connection", err)
	}
	return c.syncIdentity(ctx, "water_connections")
}

// syncIdentity moves a PostgreSQL identity past explicitly inserted ids.
// SQLite picks max(id)+1 on its own.
func (c *conn) syncIdentity(ctx context.Context, table string) error {
	if c.d != Postgres {
		return nil
	}
	_, err := c.exec(ctx, `SELECT setval(pg_get_serial_sequence('`+table+`', 'id'), (SELECT MAX(id) FROM `+table+`))`)
	if err != nil {
		return classify("sync "+table+" identity", err)
	}
	return nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c *conn) NextSequence(ctx context.Context, prefix, scope string) (int64, error) {
	var v int64
	err := c.queryRow(ctx, `
		INSERT INTO number_sequences (prefix, scope, value)
		VALUES (?, ?, 1)
		ON CONFLICT (prefix, scope) DO UPDATE SET value = number_sequences.value + 1
		RETURNING value
	`, prefix, scope).Scan(&v)
	if err != nil {
		return 0, classify("advance sequence", err)
	}
	return v, nil
}

// reservedSequences maps ReserveSequence prefixes to PostgreSQL sequences.
var reservedSequences = map[string]string{
	"PAY": "payment_number_seq",
	"RCT": "receipt_number_seq",
}

// ReserveSequence uses nextval on PostgreSQL, which takes no row lock and
// is not undone by rollback. SQLite has a single writer, so it falls back
// to the sequence table under the running transaction.
func (c *conn) ReserveSequence(ctx context.Context, prefix string) (int64, error) {
	if c.d != Postgres {
		return c.NextSequence(ctx, prefix, "")
	}
	seq, ok := reservedSequences[prefix]
	if !ok {
		return 0, fmt.Errorf("sqlstore: no sequence for prefix %q", prefix)
	}
	var v int64
	if err := c.queryRow(ctx, `SELECT nextval(?)`, seq).Scan(&v); err != nil {
		return 0, classify("reserve sequence", err)
	}
	return v, nil
}
