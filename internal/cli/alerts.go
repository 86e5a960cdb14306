package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"indexed-twap/internal/app"
)

var (
	alertsLimit      int
	alertsPruneOlder string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List persisted deviation alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{Limit: alertsLimit}
		if alertsPruneOlder != "" {
			age, err := time.ParseDuration(alertsPruneOlder)
			if err != nil {
				return fmt.Errorf("invalid --prune-older-than value: %w", err)
			}
			before := time.Now().UTC().Add(-age)
			opts.PruneBefore = &before
		}

		return getApp().Alerts(cmd.Context(), opts)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().StringVar(&alertsPruneOlder, "prune-older-than", "", "Delete alerts older than this duration before listing, e.g. 720h")
}
