package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/rigtrack/internal/catalog"
	"github.com/fieldops/rigtrack/internal/equipment"
	"github.com/fieldops/rigtrack/internal/store"
)

// UnitStatus is one fleet row in status output.
type UnitStatus struct {
	Code         string `json:"code"`
	TypeID       string `json:"type_id"`
	Status       string `json:"status"`
	JobID        string `json:"job_id,omitempty"`
	LocationID   string `json:"location_id,omitempty"`
	Version      int64  `json:"version"`
	RedTagReason string `json:"red_tag_reason,omitempty"`
}

// UnitDetail is the single-unit status output including history.
type UnitDetail struct {
	UnitStatus
	Notes   string         `json:"notes,omitempty"`
	History []HistoryEntry `json:"history"`
}

// HistoryEntry is one audit-log line in status output.
type HistoryEntry struct {
	Action     string `json:"action"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [code]",
		Short: "Show fleet status, or one unit with its history",
		Long: `Show the status of every equipment unit, ordered by code.

With a code argument, shows that single unit including its full
audit history.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := ""
			if len(args) == 1 {
				code = args[0]
			}
			return runStatus(rootOpts, code, cmd)
		},
	}
}

func runStatus(opts *RootOptions, code string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := openStore(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if code != "" {
		u, ok, err := s.GetUnitByCode(ctx, code)
		if err != nil {
			_ = formatter.Error(catalog.ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
		}
		if !ok {
			msg := fmt.Sprintf("no unit with code %q", code)
			_ = formatter.Error(catalog.ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		entries, err := s.ReadHistory(ctx, u.ID)
		if err != nil {
			_ = formatter.Error(catalog.ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
		}
		detail := unitDetail(u, entries)
		return formatter.SuccessText(detail, renderUnitDetail(detail))
	}

	units, err := s.ListUnits(ctx)
	if err != nil {
		_ = formatter.Error(catalog.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
	}

	rows := make([]UnitStatus, len(units))
	for i, u := range units {
		rows[i] = unitStatus(u)
	}
	return formatter.SuccessText(rows, renderUnitTable(rows))
}

func unitStatus(u *equipment.Unit) UnitStatus {
	return UnitStatus{
		Code:         u.Code,
		TypeID:       u.TypeID,
		Status:       string(u.Status),
		JobID:        u.JobID,
		LocationID:   u.LocationID,
		Version:      u.Version,
		RedTagReason: u.RedTagReason,
	}
}

func unitDetail(u *equipment.Unit, entries []store.HistoryEntry) UnitDetail {
	d := UnitDetail{
		UnitStatus: unitStatus(u),
		Notes:      u.Notes,
		History:    make([]HistoryEntry, len(entries)),
	}
	for i, e := range entries {
		d.History[i] = HistoryEntry{
			Action:     e.Action,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			JobID:      e.JobID,
			Notes:      e.Notes,
		}
	}
	return d
}

func renderUnitTable(rows []UnitStatus) string {
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\tv%d\n",
			r.Code, r.TypeID, r.Status, orDash(r.JobID), orDash(r.LocationID), r.Version)
	}
	fmt.Fprintf(&b, "%d units\n", len(rows))
	return b.String()
}

func renderUnitDetail(d UnitDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "code: %s\n", d.Code)
	fmt.Fprintf(&b, "type: %s\n", d.TypeID)
	fmt.Fprintf(&b, "status: %s\n", d.Status)
	if d.JobID != "" {
		fmt.Fprintf(&b, "job: %s\n", d.JobID)
	}
	if d.LocationID != "" {
		fmt.Fprintf(&b, "location: %s\n", d.LocationID)
	}
	fmt.Fprintf(&b, "version: %d\n", d.Version)
	if d.RedTagReason != "" {
		fmt.Fprintf(&b, "red tag reason: %s\n", d.RedTagReason)
	}
	if d.Notes != "" {
		fmt.Fprintf(&b, "notes: %s\n", d.Notes)
	}
	fmt.Fprintln(&b, "history:")
	for _, h := range d.History {
		line := "  " + h.Action
		if h.FromStatus != "" || h.ToStatus != "" {
			line += fmt.Sprintf("  %s -> %s", orDash(h.FromStatus), orDash(h.ToStatus))
		}
		if h.JobID != "" {
			line += "  job=" + h.JobID
		}
		if h.Notes != "" {
			line += "  (" + h.Notes + ")"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
