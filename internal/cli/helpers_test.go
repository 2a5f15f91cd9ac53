package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seedDatabase creates a database with a small fixed fleet, history for
// one unit, and a populated sync queue. Every command test runs against
// this snapshot.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rigtrack.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	units := []*equipment.Unit{
		{
			ID: "E1", Code: "GEN-0001", TypeID: "generator",
			Status: equipment.StatusAvailable, LocationID: "yard",
			Version: 1, UpdatedAt: testTime,
		},
		{
			ID: "E2", Code: "PMP-0001", TypeID: "pump",
			Status: equipment.StatusDeployed, JobID: "job-7",
			Version: 3, UpdatedAt: testTime,
		},
		{
			ID: "E3", Code: "PMP-0002", TypeID: "pump",
			Status: equipment.StatusRedTagged, LocationID: "north_shop",
			RedTagReason: "cracked housing",
			Version:      4, UpdatedAt: testTime,
		},
	}
	var ops []store.Op
	for _, u := range units {
		ops = append(ops, store.Op{
			Table: store.TableEquipment, Kind: store.OpCreate,
			ID: u.ID, Payload: store.EquipmentRow(u),
		})
	}
	history := []*store.HistoryEntry{
		{
			ID: "h1", EquipmentID: "E3", Action: store.HistoryActionProvisioned,
			ToStatus: string(equipment.StatusAvailable), CreatedAt: testTime,
		},
		{
			ID: "h2", EquipmentID: "E3", Action: store.HistoryActionStatus,
			FromStatus: string(equipment.StatusAvailable),
			ToStatus:   string(equipment.StatusRedTagged),
			Notes:      "failed inspection",
			CreatedAt:  testTime.Add(time.Hour),
		},
	}
	for _, h := range history {
		ops = append(ops, store.Op{
			Table: store.TableHistory, Kind: store.OpCreate,
			ID: h.ID, Payload: store.HistoryRow(h),
		})
	}
	require.NoError(t, s.Batch(ctx, ops))

	queued := []*store.QueuedOp{
		{
			ID: "op-001", TargetTable: store.TableEquipment, Kind: store.OpUpdate,
			TargetID: "E2",
			Payload: store.EquipmentRow(&equipment.Unit{
				ID: "E2", Code: "PMP-0001", TypeID: "pump",
				Status: equipment.StatusDeployed, JobID: "job-1",
				Version: 2, UpdatedAt: testTime,
			}),
			BaseVersion: 1, EnqueuedAt: testTime, Attempts: 2,
		},
		{
			ID: "op-002", TargetTable: store.TableJobs, Kind: store.OpUpdate,
			TargetID:   "job-7",
			Payload:    store.Row{"id": "job-7", "equipment_ids": `["E2"]`},
			EnqueuedAt: testTime,
		},
		{
			ID: "op-003", TargetTable: store.TableEquipment, Kind: store.OpCreate,
			TargetID:   "E9",
			Payload:    store.Row{"id": "E9", "code": "PMP-0009"},
			EnqueuedAt: testTime, Attempts: 5, State: store.QueueStateAbandoned,
		},
	}
	for _, q := range queued {
		require.NoError(t, s.InsertQueuedOp(ctx, q))
	}
	return path
}

// runCommand executes the root command with args and returns stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
