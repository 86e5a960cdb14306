package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"indexed-twap/internal/app"
)

var (
	routeCaller    string
	routeTokens    []string
	routeSecondary bool
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route tokens through the primary or secondary numeraire",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := parseAddress("--caller", routeCaller)
		if err != nil {
			return err
		}
		if len(routeTokens) == 0 {
			return fmt.Errorf("--tokens must be provided")
		}

		tokens := make([]common.Address, 0, len(routeTokens))
		for _, raw := range routeTokens {
			token, err := parseAddress("--tokens", raw)
			if err != nil {
				return err
			}
			tokens = append(tokens, token)
		}

		opts := app.RouteOptions{
			Caller:       caller,
			Tokens:       tokens,
			UseSecondary: routeSecondary,
		}
		return getApp().SetRoute(cmd.Context(), opts)
	},
}

func init() {
	routeCmd.Flags().StringVar(&routeCaller, "caller", "", "Address performing the change; must be the configured owner")
	routeCmd.Flags().StringSliceVar(&routeTokens, "tokens", nil, "Comma separated token addresses")
	routeCmd.Flags().BoolVar(&routeSecondary, "secondary", false, "Use the secondary numeraire (false moves tokens back to primary)")
}
