package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"stockgate/pkg/db"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Row is an audit entry joined with its actor, if the actor still exists.
type Row struct {
	ID         uuid.UUID       `db:"id"`
	ActorID    *uuid.UUID      `db:"actor_id"`
	TargetType string          `db:"target_type"`
	TargetID   *string         `db:"target_id"`
	Action     string          `db:"action"`
	Summary    *string         `db:"summary"`
	Metadata   *datatypes.JSON `db:"metadata"`
	Snapshot   *datatypes.JSON `db:"snapshot"`
	CreatedAt  time.Time       `db:"created_at"`
	ActorEmail *string         `db:"actor_email"`
	ActorName  *string         `db:"actor_name"`
}

// RawMetadata returns the metadata payload, nil when absent.
func (r Row) RawMetadata() json.RawMessage { return rawJSON(r.Metadata) }

// RawSnapshot returns the snapshot payload, nil when absent.
func (r Row) RawSnapshot() json.RawMessage { return rawJSON(r.Snapshot) }

func rawJSON(j *datatypes.JSON) json.RawMessage {
	if j == nil || len(*j) == 0 {
		return nil
	}
	return json.RawMessage(*j)
}

// Filter narrows List. A zero Limit selects DefaultLimit; larger values are capped at MaxLimit.
type Filter struct {
	TargetType string
	ActorID    *uuid.UUID
	Limit      int
}

// Query reads audit entries with plain SQL scanned by scany.
type Query struct {
	db *gorm.DB
}

func NewQuery(database *gorm.DB) *Query {
	return &Query{db: database}
}

const selectRows = `
SELECT l.id, l.actor_id, l.target_type, l.target_id, l.action, l.summary,
       l.metadata, l.snapshot, l.created_at,
       a.email AS actor_email, a.name AS actor_name
FROM audit_logs l
LEFT JOIN accounts a ON a.id = l.actor_id`

// List returns the newest entries first.
func (q *Query) List(ctx context.Context, f Filter) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetType != "" {
		where = append(where, "l.target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.ActorID != nil {
		where = append(where, "l.actor_id = ?")
		args = append(args, *f.ActorID)
	}

	sql := selectRows
	if len(where) > 0 {
		sql += "\nWHERE " + strings.Join(where, " AND ")
	}
	sql += "\nORDER BY l.created_at DESC, l.id DESC\nLIMIT ?"
	args = append(args, ClampLimit(f.Limit))

	return q.scan(ctx, sql, args...)
}

// Before returns every entry created strictly before cutoff, oldest first.
func (q *Query) Before(ctx context.Context, cutoff time.Time) ([]Row, error) {
	sql := selectRows + "\nWHERE l.created_at < ?\nORDER BY l.created_at ASC, l.id ASC"
	return q.scan(ctx, sql, cutoff)
}

func (q *Query) scan(ctx context.Context, sql string, args ...any) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	rows, err := q.db.WithContext(ctx).Raw(sql, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	var out []Row
	if err := sqlscan.ScanAll(&out, rows); err != nil {
		return nil, fmt.Errorf("scan audit logs: %w", err)
	}
	return out, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
