/*
Package audit provides billing.AuditSink implementations.

PURPOSE:
  The engine hands every committed change to an AuditSink after commit.
  This package persists those events in the audit_logs table, mirrors them
  to the structured log, or fans out to several sinks at once.

SINKS:
  Repository: INSERT into audit_logs (same database as the store)
  LogSink:    one zap info line per event
  Multi:      calls every sink, joins their errors

PAYLOADS:
  Before/After are stored as JSON. Digest is the SHA-256 of the after
  payload, so a row can be checked against the entity it describes.
*/
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// Digest returns the SHA-256 hex digest of a JSON payload.
func Digest(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return b, nil
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes audit events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, e billing.AuditEvent) error {
	fields := []zap.Field{
		zap.String("actor", e.Actor),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.Time("at", e.At),
	}
	if e.Description != "" {
		fields = append(fields, zap.String("description", e.Description))
	}
	s.logger.Info(e.Action, fields...)
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi records to every sink in order.
type Multi []billing.AuditSink

func (m Multi) Record(ctx context.Context, e billing.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ billing.AuditSink = (*LogSink)(nil)
	_ billing.AuditSink = Multi(nil)
	_ billing.AuditSink = (*Repository)(nil)
)
