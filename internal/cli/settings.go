package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Maquiado/queue-bot/internal/repository"
)

// newSettingsCommand `settings` 매칭 설정 조회/변경
func newSettingsCommand(open StoreFunc) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change matchmaking settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), open, func(store repository.Store) error {
				settings, err := store.GetSettings(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "automaticQueueEnabled:", settings.AutomaticQueueEnabled)
				return nil
			})
		},
	}

	autoCmd := &cobra.Command{
		Use:       "auto on|off",
		Short:     "Enable or disable automatic ready-check formation",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("invalid argument %q, use on|off", args[0])
			}

			return withStore(cmd.Context(), open, func(store repository.Store) error {
				settings, err := store.GetSettings(cmd.Context())
				if err != nil {
					return err
				}
				settings.AutomaticQueueEnabled = enabled
				if err := store.SaveSettings(cmd.Context(), settings); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "automaticQueueEnabled:", enabled)
				return nil
			})
		},
	}

	settingsCmd.AddCommand(autoCmd)
	return settingsCmd
}
