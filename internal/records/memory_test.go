package records

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateFindPatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	rec, err := st.Create(ctx, NewRecord{
		Table:     TableJobs,
		UniqueKey: "job-1",
		Fields:    map[string]any{"job_id": "job-1", "status": "confirmed", "total_thb": 12345},
	})
	require.NoError(t, err)
	assert.Equal(t, 12345.0, rec.Fields["total_thb"])

	found, err := st.FindOne(ctx, TableJobs, Filter{"job_id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	_, err = st.FindOne(ctx, TableSessions, Filter{"job_id": "job-1"})
	assert.ErrorIs(t, err, ErrNotFound)

	patched, err := st.Patch(ctx, TableJobs, rec.ID, map[string]any{"status": "arrived"})
	require.NoError(t, err)
	assert.Equal(t, "arrived", patched.Fields["status"])
	assert.Equal(t, "job-1", patched.Fields["job_id"])

	_, err = st.Patch(ctx, TableJobs, "missing", map[string]any{"status": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUniqueKeyConflict(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.Create(ctx, NewRecord{Table: TablePointsLedger, UniqueKey: "TX-1", Fields: map[string]any{"points": 3}})
	require.NoError(t, err)
	_, err = st.Create(ctx, NewRecord{Table: TablePointsLedger, UniqueKey: "TX-1", Fields: map[string]any{"points": 3}})
	assert.ErrorIs(t, err, ErrConflict)

	// Same key in another table is independent.
	_, err = st.Create(ctx, NewRecord{Table: TableMemberPackages, UniqueKey: "TX-1"})
	require.NoError(t, err)
}

func TestMemoryStoreFindOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, amount := range []float64{100, 200, 300} {
		_, err := st.Create(ctx, NewRecord{Table: TablePayments, Fields: map[string]any{"session_id": "s1", "amount": amount}})
		require.NoError(t, err)
	}
	_, err := st.Create(ctx, NewRecord{Table: TablePayments, Fields: map[string]any{"session_id": "s2", "amount": 999.0}})
	require.NoError(t, err)

	all, err := st.Find(ctx, TablePayments, Filter{"session_id": "s1"}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 100.0, all[0].Fields["amount"])
	assert.Equal(t, 300.0, all[2].Fields["amount"])

	limited, err := st.Find(ctx, TablePayments, Filter{"session_id": "s1", "amount": "200"}, 5)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	rec, err := st.Create(ctx, NewRecord{Table: TableJobs, Fields: map[string]any{"status": "confirmed"}})
	require.NoError(t, err)
	rec.Fields["status"] = "tampered"

	again, err := st.Get(ctx, TableJobs, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", again.Fields["status"])
}

func TestBuildFindQuery(t *testing.T) {
	query, args := buildFindQuery(TablePayments, Filter{"status": "paid", "session_id": "s1"}, 10)
	assert.True(t, strings.Contains(query, "fields->>$2 = $3"))
	assert.True(t, strings.Contains(query, "fields->>$4 = $5"))
	assert.True(t, strings.HasSuffix(query, "LIMIT $6"))
	assert.Equal(t, []any{TablePayments, "session_id", "s1", "status", "paid", 10}, args)
}

func TestLoadMigrationsSortedAndPending(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_late.sql":    {Data: []byte("SELECT 10;")},
		"m/002_second.sql":  {Data: []byte("SELECT 2;")},
		"m/001_first.sql":   {Data: []byte("SELECT 1;")},
		"m/003_blank.sql":   {Data: []byte("  \n")},
		"m/README.md":       {Data: []byte("notes")},
		"m/004_applied.sql": {Data: []byte("SELECT 4;")},
	}
	got, err := loadMigrations(fsys, "m", map[string]bool{"004_applied.sql": true})
	require.NoError(t, err)

	var names []string
	for _, m := range got {
		names = append(names, m.name)
	}
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "010_late.sql"}, names)
	assert.Equal(t, "SELECT 1;", got[0].sql)
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := loadMigrations(migrationFiles, "migrations", nil)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "001_records.sql", got[0].name)
	assert.Contains(t, got[0].sql, "CREATE TABLE IF NOT EXISTS records")
}
