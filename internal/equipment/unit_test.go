package equipment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInvariant(t *testing.T) {
	tests := []struct {
		name    string
		unit    Unit
		wantErr bool
	}{
		{
			name: "available in storage",
			unit: Unit{ID: "e", Status: StatusAvailable, LocationID: "yard-a"},
		},
		{
			name: "deployed with job",
			unit: Unit{ID: "e", Status: StatusDeployed, JobID: "j"},
		},
		{
			name:    "deployed without job",
			unit:    Unit{ID: "e", Status: StatusDeployed},
			wantErr: true,
		},
		{
			name:    "available with job",
			unit:    Unit{ID: "e", Status: StatusAvailable, JobID: "j", LocationID: "yard-a"},
			wantErr: true,
		},
		{
			name:    "available without location",
			unit:    Unit{ID: "e", Status: StatusAvailable},
			wantErr: true,
		},
		{
			name:    "maintenance with job",
			unit:    Unit{ID: "e", Status: StatusMaintenance, JobID: "j"},
			wantErr: true,
		},
		{
			name:    "red-tagged without reason",
			unit:    Unit{ID: "e", Status: StatusRedTagged, LocationID: "yard-a"},
			wantErr: true,
		},
		{
			name: "red-tagged with reason",
			unit: Unit{ID: "e", Status: StatusRedTagged, LocationID: "yard-a", RedTagReason: "leak"},
		},
		{
			name:    "unknown status",
			unit:    Unit{ID: "e", Status: "borrowed"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.CheckInvariant()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSnapshot_Diverges(t *testing.T) {
	base := Snapshot{UnitID: "e", Status: StatusDeployed, JobID: "j1", Version: 3}

	t.Run("same triple is a continuation", func(t *testing.T) {
		newer := base
		newer.Version = 9
		assert.False(t, base.Diverges(newer))
	})

	t.Run("different job diverges", func(t *testing.T) {
		other := base
		other.JobID = "j2"
		assert.True(t, base.Diverges(other))
	})

	t.Run("different status diverges", func(t *testing.T) {
		other := base
		other.Status = StatusAvailable
		other.JobID = ""
		other.LocationID = "yard-a"
		assert.True(t, base.Diverges(other))
	})
}

func TestClone_Isolated(t *testing.T) {
	u := &Unit{ID: "e", Status: StatusAvailable, LocationID: "yard-a"}
	c := u.Clone()
	c.Status = StatusRetired
	c.LocationID = ""

	assert.Equal(t, StatusAvailable, u.Status)
	require.NoError(t, u.CheckInvariant())
}

func TestCodeOf_NonDomainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(assert.AnError))
	assert.False(t, IsConflicted(assert.AnError))
}
