package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/rigtrack/internal/equipment"
)

// testStore creates a store backed by a temp-dir SQLite file and closes
// it when the test finishes.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rigtrack-test.db")
	s, err := Open(path)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// testUnit returns a provisioned available unit.
func testUnit(id, code string) *equipment.Unit {
	return &equipment.Unit{
		ID:         id,
		Code:       code,
		TypeID:     "gauge",
		Status:     equipment.StatusAvailable,
		LocationID: "yard-a",
		Version:    1,
		UpdatedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}
