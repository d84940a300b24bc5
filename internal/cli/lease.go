package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Maquiado/queue-bot/internal/repository"
)

// newLeaseCommand `lease` 현재 리스 보유자 조회
func newLeaseCommand(open StoreFunc, defaultName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Show which worker holds the polling lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				lease, err := store.GetLease(cmd.Context(), name)
				if errors.Is(err, repository.ErrNotFound) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "holder: none")
					return nil
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if !lease.ExpiresAt.After(time.Now()) {
					_, _ = fmt.Fprintf(out, "holder: none (last %s, expired %s)\n", lease.OwnerID, lease.ExpiresAt.Format(time.RFC3339))
					return nil
				}
				_, _ = fmt.Fprintln(out, "holder:", lease.OwnerID)
				_, _ = fmt.Fprintln(out, "expiresAt:", lease.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().String("name", defaultName, "Lease name")
	return cmd
}
