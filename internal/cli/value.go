package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"indexed-twap/internal/app"
)

var (
	valueAmount string
	valueQuote  bool
)

var valueCmd = &cobra.Command{
	Use:   "value",
	Short: "Convert an amount between a token and the primary numeraire",
	RunE: func(cmd *cobra.Command, args []string) error {
		if valueAmount == "" {
			return fmt.Errorf("--amount must be provided")
		}
		query, err := queryOptions()
		if err != nil {
			return err
		}

		opts := app.ValueOptions{
			QueryOptions: query,
			Amount:       valueAmount,
			Quote:        valueQuote,
		}
		return getApp().Value(cmd.Context(), opts)
	},
}

func init() {
	addQueryFlags(valueCmd)
	valueCmd.Flags().StringVar(&valueAmount, "amount", "", "Amount in base units (decimal integer)")
	valueCmd.Flags().BoolVar(&valueQuote, "quote", false, "Treat --amount as the numeraire and convert into token")
}
