package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
)

// newEnqueueCommand `enqueue` 큐에 참가자 등록
func newEnqueueCommand(open StoreFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a participant to the shared queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			uid, _ := cmd.Flags().GetString("uid")
			elo, _ := cmd.Flags().GetString("elo")
			region, _ := cmd.Flags().GetString("region")
			source, _ := cmd.Flags().GetString("source")
			banFor, _ := cmd.Flags().GetDuration("ban-for")
			rawAttrs, _ := cmd.Flags().GetStringArray("attr")

			if uid == "" {
				return fmt.Errorf("--uid is required")
			}
			if id == "" {
				id = uuid.New().String()
			}
			switch models.QueueSource(source) {
			case models.QueueSourceAuto, models.QueueSourceManual:
			default:
				return fmt.Errorf("invalid --source, use auto|manual: %s", source)
			}

			attrs := map[string]string{}
			for _, kv := range rawAttrs {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --attr, expected key=value: %s", kv)
				}
				attrs[strings.TrimSpace(parts[0])] = parts[1]
			}

			entry := &models.QueueEntry{
				ID:            id,
				ParticipantID: uid,
				Rank:          elo,
				Region:        region,
				Source:        models.QueueSource(source),
			}
			if len(attrs) > 0 {
				entry.Attrs = attrs
			}
			if banFor > 0 {
				until := time.Now().Add(banFor)
				entry.BannedUntil = &until
			}

			return withStore(cmd.Context(), open, func(store repository.Store) error {
				if err := store.Enqueue(cmd.Context(), entry); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "enqueued:", entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("id", "", "Queue entry id (default random uuid)")
	cmd.Flags().String("uid", "", "Participant id")
	cmd.Flags().String("elo", "", "Rank tier, e.g. Diamante")
	cmd.Flags().String("region", "", "Region")
	cmd.Flags().String("source", string(models.QueueSourceAuto), "Entry source: auto|manual")
	cmd.Flags().Duration("ban-for", 0, "Matchmaking ban duration from now")
	cmd.Flags().StringArray("attr", nil, "Extra attribute key=value (repeatable)")
	return cmd
}

// newRemoveCommand `remove <id>` 큐 항목 삭제
func newRemoveCommand(open StoreFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				if err := store.Remove(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("remove %s: %w", args[0], err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "removed:", args[0])
				return nil
			})
		},
	}
}

// newQueueCommand `queue` 현재 큐 목록
func newQueueCommand(open StoreFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queue entries in arrival order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				entries, err := store.ListQueueSince(cmd.Context(), time.Time{}, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tUID\tELO\tSOURCE\tENQUEUED")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.ParticipantID, e.Rank, e.Source, e.EnqueuedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 100, "Maximum entries to list")
	return cmd
}
