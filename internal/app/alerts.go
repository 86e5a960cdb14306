package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Alerts lists persisted deviation alerts, optionally pruning old ones first.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.PruneBefore != nil {
		if err := store.DeleteAlertsBefore(ctx, opts.PruneBefore.UTC()); err != nil {
			return err
		}
		a.Logger.Info().Time("before", opts.PruneBefore.UTC()).Msg("alerts pruned")
	}

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tToken\tShort TWAP\tLong TWAP\tDeviation %\tDirection\tChannels")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Token.Hex(),
			formatDecimal(rec.ShortPrice, 6),
			formatDecimal(rec.LongPrice, 6),
			formatDecimal(rec.DeviationPct, 3),
			rec.Direction,
			strings.Join(rec.Channels, ","),
		)
	}
	return writer.Flush()
}
