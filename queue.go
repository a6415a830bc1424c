package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/outbox"
)

// listStatuses is the display order for `queue list` without a filter.
var listStatuses = []outbox.Status{
	outbox.StatusPending,
	outbox.StatusSyncing,
	outbox.StatusFailed,
	outbox.StatusSuperseded,
}

// newQueueCmd builds the queue command group: list, cancel, retry.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueCancelCmd())
	cmd.AddCommand(newQueueRetryCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openServices(buildLogger())
			if err != nil {
				return err
			}
			defer svc.Close()

			statuses := listStatuses

			if statusFilter != "" {
				st, parseErr := outbox.ParseStatus(statusFilter)
				if parseErr != nil {
					return parseErr
				}

				statuses = []outbox.Status{st}
			}

			var entries []outbox.Entry

			for _, st := range statuses {
				batch, listErr := svc.queue.ListByStatus(cmd.Context(), st)
				if listErr != nil {
					return listErr
				}

				entries = append(entries, batch...)
			}

			return printEntries(entries)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, syncing, failed, superseded)")

	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Roll back and remove a failed mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(buildLogger())
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := outbox.CancelEntry(cmd.Context(), svc.queue, svc.projector, args[0]); err != nil {
				return err
			}

			statusf("cancelled %s — local state rolled back\n", args[0])

			return nil
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed mutation for another sync attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(buildLogger())
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.queue.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf("entry %s queued for retry\n", args[0])

			return nil
		},
	}
}

// entryView is the JSON shape for --json output.
type entryView struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Operation     string    `json:"operation"`
	Priority      int       `json:"priority"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// printEntries renders entries as a table, or JSON with --json.
func printEntries(entries []outbox.Entry) error {
	if flagJSON {
		views := make([]entryView, 0, len(entries))

		for i := range entries {
			e := &entries[i]
			views = append(views, entryView{
				ID:            e.ID,
				EntityType:    e.EntityType,
				EntityID:      e.EntityID,
				Operation:     e.Operation.String(),
				Priority:      e.Priority,
				Status:        e.Status.String(),
				RetryCount:    e.RetryCount,
				Error:         e.ErrorMsg,
				CreatedAt:     e.CreatedAt,
				NextAttemptAt: e.NextAttemptAt,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(views)
	}

	if len(entries) == 0 {
		statusf("queue is empty\n")
		return nil
	}

	headers := []string{"ID", "ENTITY", "OP", "PRI", "STATUS", "RETRIES", "CREATED", "NEXT ATTEMPT", "ERROR"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]
		rows = append(rows, []string{
			truncate(e.ID, 9),
			e.EntityKey(),
			e.Operation.String(),
			fmt.Sprintf("%d", e.Priority),
			e.Status.String(),
			fmt.Sprintf("%d", e.RetryCount),
			formatTime(e.CreatedAt),
			formatTime(e.NextAttemptAt),
			truncate(e.ErrorMsg, 40),
		})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
