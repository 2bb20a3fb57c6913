// Package records is the table-addressed record store the workers read and patch.
// Each record belongs to a table, carries free-form fields and may hold a unique key
// that makes creation idempotent per table.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tables used by the workers.
const (
	TableJobs           = "jobs"
	TableSessions       = "sessions"
	TablePackages       = "packages"
	TablePayments       = "payments"
	TableMemberPackages = "member_packages"
	TablePointsLedger   = "points_ledger"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a create collides with an existing unique key.
	ErrConflict = errors.New("record unique key conflict")
)

// Record is one row of a table.
type Record struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	UniqueKey string         `json:"unique_key,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewRecord collects inputs required to create a record.
type NewRecord struct {
	Table     string
	UniqueKey string
	Fields    map[string]any
}

// Filter matches records whose fields equal the given values, compared as text.
type Filter map[string]string

// Store is the narrow fetch/filter/create/patch contract the core depends on.
type Store interface {
	Get(ctx context.Context, table, id string) (Record, error)
	FindOne(ctx context.Context, table string, filter Filter) (Record, error)
	Find(ctx context.Context, table string, filter Filter, limit int) ([]Record, error)
	Create(ctx context.Context, rec NewRecord) (Record, error)
	Patch(ctx context.Context, table, id string, fields map[string]any) (Record, error)
}

func newID() string {
	return "rec_" + uuid.New().String()
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
