package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/rigtrack/internal/equipment"
)

// timeFormat is the column encoding for timestamps.
const timeFormat = time.RFC3339Nano

// EquipmentRow converts a unit to its column payload.
func EquipmentRow(u *equipment.Unit) Row {
	return Row{
		"id":             u.ID,
		"code":           u.Code,
		"type_id":        u.TypeID,
		"status":         string(u.Status),
		"job_id":         u.JobID,
		"location_id":    u.LocationID,
		"notes":          u.Notes,
		"red_tag_reason": u.RedTagReason,
		"red_tag_photo":  u.RedTagPhoto,
		"version":        u.Version,
		"updated_at":     u.UpdatedAt.UTC().Format(timeFormat),
	}
}

// UnitFromRow converts a fetched column map back to a unit.
func UnitFromRow(row Row) (*equipment.Unit, error) {
	u := &equipment.Unit{
		ID:           rowString(row, "id"),
		Code:         rowString(row, "code"),
		TypeID:       rowString(row, "type_id"),
		Status:       equipment.Status(rowString(row, "status")),
		JobID:        rowString(row, "job_id"),
		LocationID:   rowString(row, "location_id"),
		Notes:        rowString(row, "notes"),
		RedTagReason: rowString(row, "red_tag_reason"),
		RedTagPhoto:  rowString(row, "red_tag_photo"),
		Version:      rowInt(row, "version"),
	}
	if u.ID == "" {
		return nil, fmt.Errorf("equipment row missing id")
	}
	if raw := rowString(row, "updated_at"); raw != "" {
		ts, err := time.Parse(timeFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("equipment %s: bad updated_at %q: %w", u.ID, raw, err)
		}
		u.UpdatedAt = ts
	}
	return u, nil
}

// GetUnit returns the equipment unit with the given id, or ok=false.
func (s *Store) GetUnit(ctx context.Context, id string) (*equipment.Unit, bool, error) {
	row, ok, err := s.Fetch(ctx, TableEquipment, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	u, err := UnitFromRow(row)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// GetUnitByCode returns the unit with the given human-facing code.
func (s *Store) GetUnitByCode(ctx context.Context, code string) (*equipment.Unit, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM equipment WHERE code = ?", code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get unit by code %q: %w", code, err)
	}
	return s.GetUnit(ctx, id)
}

// UnitsForJob returns every unit currently bound to jobID, ordered by
// code for stable listings.
func (s *Store) UnitsForJob(ctx context.Context, jobID string) ([]*equipment.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM equipment
		WHERE job_id = ?
		ORDER BY code ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("units for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("units for job %s: scan: %w", jobID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("units for job %s: %w", jobID, err)
	}

	units := make([]*equipment.Unit, 0, len(ids))
	for _, id := range ids {
		u, ok, err := s.GetUnit(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			units = append(units, u)
		}
	}
	return units, nil
}

// ListUnits returns all equipment units ordered by code.
func (s *Store) ListUnits(ctx context.Context) ([]*equipment.Unit, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM equipment ORDER BY code ASC")
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list units: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	units := make([]*equipment.Unit, 0, len(ids))
	for _, id := range ids {
		u, ok, err := s.GetUnit(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			units = append(units, u)
		}
	}
	return units, nil
}

// MaxUnitVersion returns the highest confirmed version marker in the
// equipment table. The engine's version clock resumes from it on open.
func (s *Store) MaxUnitVersion(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM equipment").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max unit version: %w", err)
	}
	return max, nil
}

func rowString(row Row, col string) string {
	switch v := row[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func rowInt(row Row, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
