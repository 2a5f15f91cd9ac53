package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/rigtrack/internal/equipment"
)

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestEquipmentRow_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := testUnit("eq-1", "GA-0001")
	u.Notes = "calibrated in March"
	require.NoError(t, s.Execute(ctx, Op{
		Table:   TableEquipment,
		Kind:    OpCreate,
		ID:      u.ID,
		Payload: EquipmentRow(u),
	}))

	got, ok, err := s.GetUnit(ctx, "eq-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, u.Code, got.Code)
	assert.Equal(t, u.TypeID, got.TypeID)
	assert.Equal(t, u.Status, got.Status)
	assert.Equal(t, u.LocationID, got.LocationID)
	assert.Equal(t, u.Notes, got.Notes)
	assert.Equal(t, u.Version, got.Version)
	assert.True(t, u.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGetUnit_Missing(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.GetUnit(context.Background(), "no-such-unit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnitByCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := testUnit("eq-1", "GA-0001")
	require.NoError(t, s.Execute(ctx, Op{
		Table: TableEquipment, Kind: OpCreate, ID: u.ID, Payload: EquipmentRow(u),
	}))

	got, ok, err := s.GetUnitByCode(ctx, "GA-0001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "eq-1", got.ID)

	_, ok, err = s.GetUnitByCode(ctx, "GA-9999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnitsForJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"eq-1", "eq-2", "eq-3"} {
		u := testUnit(id, "GA-000"+string(rune('1'+i)))
		if id != "eq-3" {
			u.Status = equipment.StatusDeployed
			u.JobID = "job-7"
			u.LocationID = ""
		}
		require.NoError(t, s.Execute(ctx, Op{
			Table: TableEquipment, Kind: OpCreate, ID: u.ID, Payload: EquipmentRow(u),
		}))
	}

	units, err := s.UnitsForJob(ctx, "job-7")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "eq-1", units[0].ID)
	assert.Equal(t, "eq-2", units[1].ID)

	none, err := s.UnitsForJob(ctx, "job-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMaxUnitVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	max, err := s.MaxUnitVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), max, "empty table starts at zero")

	u1 := testUnit("eq-1", "GA-0001")
	u1.Version = 4
	u2 := testUnit("eq-2", "GA-0002")
	u2.Version = 9
	for _, u := range []*equipment.Unit{u1, u2} {
		require.NoError(t, s.Execute(ctx, Op{
			Table: TableEquipment, Kind: OpCreate, ID: u.ID, Payload: EquipmentRow(u),
		}))
	}

	max, err = s.MaxUnitVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), max)
}

func TestJobRow_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := &Job{ID: "job-7", Name: "North pad rebuild", EquipmentIDs: []string{"eq-1", "eq-2"}}
	row, err := JobRow(j)
	require.NoError(t, err)
	require.NoError(t, s.Execute(ctx, Op{Table: TableJobs, Kind: OpCreate, ID: j.ID, Payload: row}))

	got, ok, err := s.GetJob(ctx, "job-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.Name, got.Name)
	assert.Equal(t, j.EquipmentIDs, got.EquipmentIDs)

	assert.True(t, got.Contains("eq-1"))
	assert.False(t, got.Contains("eq-9"))
	assert.Equal(t, []string{"eq-1", "eq-2", "eq-9"}, got.WithUnit("eq-9"))
	assert.Equal(t, []string{"eq-1", "eq-2"}, got.WithUnit("eq-1"), "adding a present unit is idempotent")
	assert.Equal(t, []string{"eq-2"}, got.WithoutUnit("eq-1"))
}

func TestHistory_AppendAndRead(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []*HistoryEntry{
		{ID: "h-1", EquipmentID: "eq-1", Action: HistoryActionProvisioned, ToStatus: "available", CreatedAt: testUnit("", "").UpdatedAt},
		{ID: "h-2", EquipmentID: "eq-1", Action: HistoryActionAllocated, FromStatus: "available", ToStatus: "deployed", JobID: "job-7", CreatedAt: testUnit("", "").UpdatedAt.Add(1)},
	}
	for _, e := range entries {
		require.NoError(t, s.Execute(ctx, Op{
			Table: TableHistory, Kind: OpCreate, ID: e.ID, Payload: HistoryRow(e),
		}))
	}

	got, err := s.ReadHistory(ctx, "eq-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, HistoryActionProvisioned, got[0].Action)
	assert.Equal(t, HistoryActionAllocated, got[1].Action)
	assert.Equal(t, "job-7", got[1].JobID)

	n, err := s.CountHistory(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHistory_ReplaysInAppendOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Same timestamp throughout, ids deliberately out of lexical order:
	// only insertion order can put these back the way they were written.
	at := testUnit("", "").UpdatedAt
	entries := []*HistoryEntry{
		{ID: "z-9", EquipmentID: "eq-1", Action: HistoryActionProvisioned, ToStatus: "available", CreatedAt: at},
		{ID: "m-5", EquipmentID: "eq-1", Action: HistoryActionAllocated, FromStatus: "available", ToStatus: "deployed", JobID: "job-7", CreatedAt: at},
		{ID: "a-1", EquipmentID: "eq-1", Action: HistoryActionReturned, FromStatus: "deployed", ToStatus: "available", JobID: "job-7", CreatedAt: at},
	}
	for _, e := range entries {
		require.NoError(t, s.Execute(ctx, Op{
			Table: TableHistory, Kind: OpCreate, ID: e.ID, Payload: HistoryRow(e),
		}))
	}

	got, err := s.ReadHistory(ctx, "eq-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{
		HistoryActionProvisioned,
		HistoryActionAllocated,
		HistoryActionReturned,
	}, []string{got[0].Action, got[1].Action, got[2].Action})
}
