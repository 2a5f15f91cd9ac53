package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is the job row as seen by the allocation core: its identity and
// the embedded equipment-assignment list that must stay consistent with
// each unit's own job_id column.
type Job struct {
	ID           string
	Name         string
	EquipmentIDs []string
	UpdatedAt    time.Time
}

// Contains reports whether unitID appears in the assignment list.
func (j *Job) Contains(unitID string) bool {
	for _, id := range j.EquipmentIDs {
		if id == unitID {
			return true
		}
	}
	return false
}

// WithUnit returns the assignment list with unitID added (idempotent).
func (j *Job) WithUnit(unitID string) []string {
	if j.Contains(unitID) {
		return j.EquipmentIDs
	}
	return append(append([]string(nil), j.EquipmentIDs...), unitID)
}

// WithoutUnit returns the assignment list with unitID removed.
func (j *Job) WithoutUnit(unitID string) []string {
	out := make([]string, 0, len(j.EquipmentIDs))
	for _, id := range j.EquipmentIDs {
		if id != unitID {
			out = append(out, id)
		}
	}
	return out
}

// JobRow converts a job to its column payload. The assignment list is
// stored as a JSON array.
func JobRow(j *Job) (Row, error) {
	ids := j.EquipmentIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("job %s: encode equipment ids: %w", j.ID, err)
	}
	return Row{
		"id":            j.ID,
		"name":          j.Name,
		"equipment_ids": string(encoded),
		"updated_at":    j.UpdatedAt.UTC().Format(timeFormat),
	}, nil
}

// JobFromRow converts a fetched column map back to a job.
func JobFromRow(row Row) (*Job, error) {
	j := &Job{
		ID:   rowString(row, "id"),
		Name: rowString(row, "name"),
	}
	if j.ID == "" {
		return nil, fmt.Errorf("job row missing id")
	}
	if raw := rowString(row, "equipment_ids"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.EquipmentIDs); err != nil {
			return nil, fmt.Errorf("job %s: decode equipment ids: %w", j.ID, err)
		}
	}
	if raw := rowString(row, "updated_at"); raw != "" {
		ts, err := time.Parse(timeFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad updated_at %q: %w", j.ID, raw, err)
		}
		j.UpdatedAt = ts
	}
	return j, nil
}

// GetJob returns the job with the given id, or ok=false.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	row, ok, err := s.Fetch(ctx, TableJobs, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	j, err := JobFromRow(row)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}
