package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/rigtrack/internal/catalog"
	"github.com/fieldops/rigtrack/internal/store"
)

// QueueRow is one sync-queue operation in queue output.
type QueueRow struct {
	Position    int64  `json:"position"`
	ID          string `json:"id"`
	TargetTable string `json:"target_table"`
	Kind        string `json:"kind"`
	TargetID    string `json:"target_id"`
	BaseVersion int64  `json:"base_version,omitempty"`
	Attempts    int    `json:"attempts"`
	State       string `json:"state"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List sync queue operations",
		Long: `List operations parked in the durable sync queue, in enqueue order.

Abandoned operations stay listed until an operator clears them; they mark
local changes that were given up on and rolled back.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(rootOpts, state, cmd)
		},
	}
	cmd.Flags().StringVar(&state, "state", "pending", "filter by state (pending|abandoned|all)")
	return cmd
}

func runQueue(opts *RootOptions, state string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	filter := ""
	switch state {
	case "pending":
		filter = store.QueueStatePending
	case "abandoned":
		filter = store.QueueStateAbandoned
	case "all":
	default:
		msg := fmt.Sprintf("invalid state %q: must be pending, abandoned, or all", state)
		_ = formatter.Error(catalog.ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	s, err := openStore(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	ops, err := s.ListQueuedOps(cmd.Context(), filter)
	if err != nil {
		_ = formatter.Error(catalog.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
	}

	rows := make([]QueueRow, len(ops))
	for i, op := range ops {
		rows[i] = QueueRow{
			Position:    op.Position,
			ID:          op.ID,
			TargetTable: op.TargetTable,
			Kind:        string(op.Kind),
			TargetID:    op.TargetID,
			BaseVersion: op.BaseVersion,
			Attempts:    op.Attempts,
			State:       op.State,
		}
	}
	return formatter.SuccessText(rows, renderQueueTable(rows))
}

func renderQueueTable(rows []QueueRow) string {
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%d\t%s\t%s/%s\t%s\tattempts=%d\t%s\n",
			r.Position, r.ID, r.TargetTable, r.TargetID, r.Kind, r.Attempts, r.State)
	}
	fmt.Fprintf(&b, "%d operations\n", len(rows))
	return b.String()
}
