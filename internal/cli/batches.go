package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
)

// newBatchesCommand `batches` 핸드오프 배치 조회 및 레디 체크 요청
func newBatchesCommand(open StoreFunc) *cobra.Command {
	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "List handoff batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				batches, err := store.ListBatches(cmd.Context(), models.BatchStatus(status))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tPARTICIPANTS")
				for _, b := range batches {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						b.ID, b.Status, b.CreatedAt.Format(time.RFC3339), strings.Join(b.ParticipantIDs, ","))
				}
				return w.Flush()
			})
		},
	}
	batchesCmd.Flags().String("status", string(models.BatchStatusPending), "Filter by status (empty for all)")

	readyCmd := &cobra.Command{
		Use:   "ready-check <batchId>",
		Short: "Mark a pending batch as ready-check requested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				batch, err := store.UpdateBatchStatus(cmd.Context(), args[0], models.BatchStatusReadyRequested)
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("batch %s not found", args[0])
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %s\n", batch.ID, batch.Status)
				return nil
			})
		},
	}
	batchesCmd.AddCommand(readyCmd)
	return batchesCmd
}

// newCohortsCommand `cohorts` 레디 체크 코호트 조회
func newCohortsCommand(open StoreFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cohorts",
		Short: "List ready-check cohorts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				cohorts, err := store.ListCohorts(cmd.Context(), models.CohortStatus(status))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tSTATUS\tDEADLINE\tTEAM_A\tTEAM_B")
				for _, c := range cohorts {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						c.ID, c.Status, c.Deadline.Format(time.RFC3339),
						strings.Join(participantIDs(c.Teams.TeamA), ","), strings.Join(participantIDs(c.Teams.TeamB), ","))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("status", "", "Filter by status (empty for all)")
	return cmd
}

func participantIDs(entries []models.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ParticipantID)
	}
	return ids
}
