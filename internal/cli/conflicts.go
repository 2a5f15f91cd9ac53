package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/rigtrack/internal/catalog"
	"github.com/fieldops/rigtrack/internal/conflict"
	"github.com/fieldops/rigtrack/internal/store"
)

// ConflictRow is one detected divergence in conflicts output.
type ConflictRow struct {
	UnitID        string `json:"unit_id"`
	OpID          string `json:"op_id"`
	BaseVersion   int64  `json:"base_version"`
	StoredVersion int64  `json:"stored_version"`
	QueuedStatus  string `json:"queued_status"`
	QueuedJobID   string `json:"queued_job_id,omitempty"`
	StoredStatus  string `json:"stored_status"`
	StoredJobID   string `json:"stored_job_id,omitempty"`
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Scan the sync queue for state conflicts",
		Long: `Compare each pending equipment operation in the sync queue against the
state the database currently holds. An operation issued against a stale
version marker whose target has since changed state is reported as a
conflict.

Exits 1 when conflicts are found, 0 when the queue is clean.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(rootOpts, cmd)
		},
	}
}

func runConflicts(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := openStore(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := scanConflicts(cmd.Context(), s)
	if err != nil {
		_ = formatter.Error(catalog.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
	}

	if outErr := formatter.SuccessText(rows, renderConflictTable(rows)); outErr != nil {
		return outErr
	}
	if len(rows) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d conflicts found", len(rows)))
	}
	return nil
}

// scanConflicts runs the resolver's divergence test over every pending
// equipment op: a moved version marker plus differing state fingerprints.
func scanConflicts(ctx context.Context, s *store.Store) ([]ConflictRow, error) {
	ops, err := s.ListQueuedOps(ctx, store.QueueStatePending)
	if err != nil {
		return nil, err
	}

	rows := []ConflictRow{}
	seen := map[string]bool{}
	for i := range ops {
		op := ops[i]
		if op.TargetTable != store.TableEquipment || seen[op.TargetID] {
			continue
		}

		queued, err := store.UnitFromRow(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("queued op %s: %w", op.ID, err)
		}
		local := queued.Snapshot()

		stored, ok, err := s.GetUnit(ctx, op.TargetID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if op.Kind == store.OpCreate {
				continue
			}
			seen[op.TargetID] = true
			rows = append(rows, ConflictRow{
				UnitID:       op.TargetID,
				OpID:         op.ID,
				BaseVersion:  op.BaseVersion,
				QueuedStatus: string(local.Status),
				QueuedJobID:  local.JobID,
			})
			continue
		}

		remote := stored.Snapshot()
		if remote.Version == op.BaseVersion {
			continue
		}
		if conflict.Fingerprint(local) == conflict.Fingerprint(remote) {
			continue
		}
		seen[op.TargetID] = true
		rows = append(rows, ConflictRow{
			UnitID:        op.TargetID,
			OpID:          op.ID,
			BaseVersion:   op.BaseVersion,
			StoredVersion: remote.Version,
			QueuedStatus:  string(local.Status),
			QueuedJobID:   local.JobID,
			StoredStatus:  string(remote.Status),
			StoredJobID:   remote.JobID,
		})
	}
	return rows, nil
}

func renderConflictTable(rows []ConflictRow) string {
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s\tqueued %s job=%s (base v%d)\tstored %s job=%s (v%d)\n",
			r.UnitID,
			r.QueuedStatus, orDash(r.QueuedJobID), r.BaseVersion,
			orDash(r.StoredStatus), orDash(r.StoredJobID), r.StoredVersion)
	}
	fmt.Fprintf(&b, "%d conflicts\n", len(rows))
	return b.String()
}
