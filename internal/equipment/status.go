package equipment

// Status is the explicit lifecycle state of an equipment unit.
//
// Status is always stored, never inferred from the presence or absence of
// a job reference. The transition table below is the only legal mutation
// path for the status/jobID/locationID triple.
type Status string

const (
	// StatusAvailable means the unit is in storage and may be allocated.
	StatusAvailable Status = "available"
	// StatusDeployed means the unit is bound to an active job.
	StatusDeployed Status = "deployed"
	// StatusMaintenance means the unit is undergoing scheduled service.
	StatusMaintenance Status = "maintenance"
	// StatusRedTagged means the unit is held as unsafe/unusable, with a
	// mandatory reason.
	StatusRedTagged Status = "red-tagged"
	// StatusRetired means the unit is permanently withdrawn from service.
	StatusRetired Status = "retired"
)

// Valid reports whether s is one of the five defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusDeployed, StatusMaintenance, StatusRedTagged, StatusRetired:
		return true
	}
	return false
}

// Administrative reports whether s is one of the administrative hold
// states reachable directly from available.
func (s Status) Administrative() bool {
	return s == StatusMaintenance || s == StatusRedTagged || s == StatusRetired
}

// transitions is the legal transition table. A deployed unit may move to
// an administrative state, but only as a combined operation that first
// performs an implicit return; Apply handles that composition so callers
// never observe a deployed unit with an administrative status.
var transitions = map[Status][]Status{
	StatusAvailable:   {StatusDeployed, StatusMaintenance, StatusRedTagged, StatusRetired},
	StatusDeployed:    {StatusAvailable, StatusMaintenance, StatusRedTagged, StatusRetired},
	StatusMaintenance: {StatusAvailable},
	StatusRedTagged:   {StatusAvailable},
	StatusRetired:     {StatusAvailable},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition describes a requested status change together with the fields
// that change with it. Exactly one of the optional fields is meaningful
// for any given from/to pair; Apply validates the combination.
type Transition struct {
	To Status

	// JobID is the target job for available -> deployed.
	JobID string

	// LocationID is the storage location restored on any transition that
	// ends a deployment or re-enters available. Callers pass the unit's
	// designated default storage location when no explicit location is
	// recorded.
	LocationID string

	// Reason is required when To is StatusRedTagged.
	Reason string

	// Notes is free text carried into the history entry.
	Notes string
}

// Change records an applied transition. The engine publishes exactly one
// status-changed event and appends exactly one history entry per Change.
type Change struct {
	UnitID string
	Code   string
	From   Status
	To     Status

	// JobID is the acting job: the job being allocated to, or the job a
	// deployment was released from (including the implicit return inside
	// a combined deployed -> administrative operation).
	JobID string

	Notes string
}

// Apply validates t against u's current status and mutates u in place.
//
// On success it returns a Change describing the applied transition. On
// failure u is untouched and the error is an *Error with code
// CodeInvalidTransition or CodeValidationFailed.
//
// deployed -> maintenance/red-tagged/retired is applied as a single
// combined mutation: the job binding is cleared and the administrative
// status set in one step, so no intermediate state is ever observable.
func Apply(u *Unit, t Transition) (Change, error) {
	if !t.To.Valid() {
		return Change{}, newValidationError(u.ID, "unknown status %q", t.To)
	}
	if !CanTransition(u.Status, t.To) {
		return Change{}, newInvalidTransition(u.ID, u.Status, t.To)
	}

	change := Change{
		UnitID: u.ID,
		Code:   u.Code,
		From:   u.Status,
		To:     t.To,
		Notes:  t.Notes,
	}

	// Mutate a copy; u is committed only once every check passes.
	next := *u

	switch {
	case next.Status == StatusAvailable && t.To == StatusDeployed:
		if t.JobID == "" {
			return Change{}, newValidationError(u.ID, "allocation requires a job id")
		}
		change.JobID = t.JobID
		next.JobID = t.JobID
		next.LocationID = ""

	case next.Status == StatusDeployed:
		// Return to storage, or combined return + administrative hold.
		if next.JobID == "" {
			return Change{}, newValidationError(u.ID, "deployed unit has no job binding")
		}
		if t.To == StatusRedTagged && t.Reason == "" {
			return Change{}, newValidationError(u.ID, "red tag requires a reason")
		}
		change.JobID = next.JobID
		next.JobID = ""
		next.LocationID = t.LocationID
		if t.To == StatusRedTagged {
			next.RedTagReason = t.Reason
		}

	case t.To == StatusRedTagged:
		if t.Reason == "" {
			return Change{}, newValidationError(u.ID, "red tag requires a reason")
		}
		next.RedTagReason = t.Reason
		if t.LocationID != "" {
			next.LocationID = t.LocationID
		}

	case t.To == StatusAvailable:
		// Leaving an administrative state.
		if t.LocationID != "" {
			next.LocationID = t.LocationID
		}
		if next.LocationID == "" {
			return Change{}, newValidationError(u.ID, "available unit requires a storage location")
		}

	default:
		// available -> maintenance/retired.
		if t.LocationID != "" {
			next.LocationID = t.LocationID
		}
	}

	if next.Status == StatusRedTagged && t.To != StatusRedTagged {
		next.RedTagReason = ""
		next.RedTagPhoto = ""
	}
	next.Status = t.To

	if err := next.CheckInvariant(); err != nil {
		return Change{}, newValidationError(u.ID, "transition would violate invariant: %v", err)
	}
	*u = next
	return change, nil
}
