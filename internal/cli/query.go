package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"indexed-twap/internal/app"
	"indexed-twap/internal/config"
)

var (
	queryToken  string
	queryMinAge string
	queryMaxAge string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print a token's average price over an age range",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := queryOptions()
		if err != nil {
			return err
		}
		return getApp().Query(cmd.Context(), opts)
	},
}

func init() {
	addQueryFlags(queryCmd)
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&queryToken, "token", "", "Token address")
	cmd.Flags().StringVar(&queryMinAge, "min-age", "", "Minimum observation age, e.g. 1h (defaults to config)")
	cmd.Flags().StringVar(&queryMaxAge, "max-age", "", "Maximum observation age, e.g. 48h (defaults to config)")
}

func queryOptions() (app.QueryOptions, error) {
	token, err := parseAddress("--token", queryToken)
	if err != nil {
		return app.QueryOptions{}, err
	}

	cfg := getApp().Config.Oracle
	minAge, err := parseAge("--min-age", queryMinAge, config.Seconds(cfg.DefaultMinAge))
	if err != nil {
		return app.QueryOptions{}, err
	}
	maxAge, err := parseAge("--max-age", queryMaxAge, config.Seconds(cfg.DefaultMaxAge))
	if err != nil {
		return app.QueryOptions{}, err
	}
	if minAge > maxAge {
		return app.QueryOptions{}, fmt.Errorf("--min-age must not exceed --max-age")
	}

	return app.QueryOptions{Token: token, MinAge: minAge, MaxAge: maxAge}, nil
}

func parseAddress(flag, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value %q", flag, value)
	}
	return common.HexToAddress(value), nil
}

// parseAge accepts a duration ("90m") or whole seconds ("5400"). Empty
// values fall back to def.
func parseAge(flag, value string, def uint32) (uint32, error) {
	if value == "" {
		return def, nil
	}
	if secs, err := strconv.ParseUint(value, 10, 32); err == nil {
		return uint32(secs), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s value %q", flag, value)
	}
	return config.Seconds(d), nil
}
