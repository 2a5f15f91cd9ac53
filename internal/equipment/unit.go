package equipment

import (
	"fmt"
	"time"
)

// Unit is one individually tracked physical item.
//
// ID is the stable internal identity and is never reused. Code is the
// human-facing equipment code (a prefixed serial); it is unique and
// changes only through an explicit rename.
type Unit struct {
	ID     string
	Code   string
	TypeID string

	Status     Status
	JobID      string // non-empty iff Status == deployed
	LocationID string // empty while deployed

	Notes        string
	RedTagReason string
	RedTagPhoto  string

	// Version is the logical version marker stamped by each confirmed
	// write. Conflict detection compares Version, not wall-clock time.
	Version   int64
	UpdatedAt time.Time
}

// CheckInvariant verifies the status/jobID/locationID relationship:
//
//	deployed   <=> JobID != ""
//	available   => JobID == "" and LocationID != ""
//	maintenance/red-tagged/retired => JobID == ""
//
// Additionally a red-tagged unit must carry a reason.
func (u *Unit) CheckInvariant() error {
	if !u.Status.Valid() {
		return fmt.Errorf("unit %s: unknown status %q", u.ID, u.Status)
	}
	if u.Status == StatusDeployed && u.JobID == "" {
		return fmt.Errorf("unit %s: deployed without a job", u.ID)
	}
	if u.Status != StatusDeployed && u.JobID != "" {
		return fmt.Errorf("unit %s: status %s with job %s", u.ID, u.Status, u.JobID)
	}
	if u.Status == StatusAvailable && u.LocationID == "" {
		return fmt.Errorf("unit %s: available without a storage location", u.ID)
	}
	if u.Status == StatusRedTagged && u.RedTagReason == "" {
		return fmt.Errorf("unit %s: red-tagged without a reason", u.ID)
	}
	return nil
}

// Snapshot is the allocation-relevant projection of a Unit used for
// conflict detection: the mutually-exclusive triple plus the version
// marker it was read at.
type Snapshot struct {
	UnitID     string
	Status     Status
	JobID      string
	LocationID string
	Version    int64
	UpdatedAt  time.Time
}

// Snapshot captures the allocation-relevant fields of u.
func (u *Unit) Snapshot() Snapshot {
	return Snapshot{
		UnitID:     u.ID,
		Status:     u.Status,
		JobID:      u.JobID,
		LocationID: u.LocationID,
		Version:    u.Version,
		UpdatedAt:  u.UpdatedAt,
	}
}

// Diverges reports whether two snapshots disagree on any field that
// participates in allocation. Version and UpdatedAt are deliberately
// excluded: a newer version with the same triple is a continuation,
// not a divergence.
func (s Snapshot) Diverges(other Snapshot) bool {
	return s.Status != other.Status || s.JobID != other.JobID || s.LocationID != other.LocationID
}

// Clone returns a copy of u. Observers receive clones, never the
// engine-owned struct.
func (u *Unit) Clone() *Unit {
	c := *u
	return &c
}
