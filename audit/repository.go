package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/store/sqlstore"
)

// tsLayout has fixed width so created_at sorts as text.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Entry is one stored audit row.
type Entry struct {
	ID          string          `json:"id"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Digest      string          `json:"digest,omitempty"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Repository writes audit logs to the store's database.
type Repository struct {
	db     *sql.DB
	rebind func(string) string
}

// NewRepository shares the store's connection pool and dialect.
func NewRepository(st *sqlstore.Store) *Repository {
	return &Repository{db: st.DB(), rebind: st.Rebind}
}

// Record writes an audit entry.
func (r *Repository) Record(ctx context.Context, e billing.AuditEvent) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	before, err := marshal(e.Before)
	if err != nil {
		return err
	}
	after, err := marshal(e.After)
	if err != nil {
		return err
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_logs (
			id, actor, action, entity_type, entity_id,
			before_json, after_json, digest, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), e.Actor, e.Action, e.EntityType, e.EntityID,
		nullJSON(before), nullJSON(after), Digest(after), e.Description, at.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("audit repo: insert: %w", err)
	}
	return nil
}

// List returns the entries for one entity, oldest first.
func (r *Repository) List(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, actor, action, entity_type, entity_id,
		       before_json, after_json, digest, description, created_at
		FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at, id
	`), entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit repo: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var before, after sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&before, &after, &e.Digest, &e.Description, &created); err != nil {
			return nil, fmt.Errorf("audit repo: scan: %w", err)
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
