package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/outbox"
)

// statusView is the JSON shape for `status --json`.
type statusView struct {
	Backend     string    `json:"backend"`
	Online      bool      `json:"online"`
	Pending     int       `json:"pending"`
	Syncing     int       `json:"syncing"`
	Failed      int       `json:"failed"`
	Superseded  int       `json:"superseded"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
}

// newStatusCmd builds the status command: one connectivity probe plus
// queue depth per status.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend reachability and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openServices(buildLogger())
			if err != nil {
				return err
			}
			defer svc.Close()

			counts, err := svc.queue.Counts(cmd.Context())
			if err != nil {
				return err
			}

			online := svc.client.Healthy(cmd.Context())

			view := statusView{
				Backend:    resolvedCfg.BaseURL,
				Online:     online,
				Pending:    counts[outbox.StatusPending],
				Syncing:    counts[outbox.StatusSyncing],
				Failed:     counts[outbox.StatusFailed],
				Superseded: counts[outbox.StatusSuperseded],
			}

			// Earliest scheduled retry among pending entries, if any is
			// waiting out a backoff.
			pending, err := svc.queue.ListByStatus(cmd.Context(), outbox.StatusPending)
			if err != nil {
				return err
			}

			for i := range pending {
				at := pending[i].NextAttemptAt
				if at.IsZero() {
					continue
				}

				if view.NextAttempt.IsZero() || at.Before(view.NextAttempt) {
					view.NextAttempt = at
				}
			}

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(view)
			}

			state := "offline"
			if online {
				state = "online"
			}

			fmt.Printf("backend:    %s (%s)\n", view.Backend, state)
			fmt.Printf("pending:    %d\n", view.Pending)
			fmt.Printf("syncing:    %d\n", view.Syncing)
			fmt.Printf("failed:     %d\n", view.Failed)
			fmt.Printf("superseded: %d\n", view.Superseded)

			if !view.NextAttempt.IsZero() {
				fmt.Printf("next retry: %s\n", formatTime(view.NextAttempt))
			}

			if view.Failed > 0 {
				statusf("\n%d mutation(s) need attention: 'fieldsync queue list --status failed'\n", view.Failed)
			}

			return nil
		},
	}
}
