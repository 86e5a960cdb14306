package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints the most recently persisted observations.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show observations")
	}
	if closeStore != nil {
		defer closeStore()
	}

	total, err := store.CountObservations(ctx)
	if err != nil {
		return err
	}
	records, err := store.ListRecentObservations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
		return nil
	}
	fmt.Fprintf(os.Stdout, "showing %d of %d observations\n", len(records), total)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tWindow\tQuote\tToken\tQuote cumulative\tBase cumulative")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\n",
			time.Unix(int64(rec.Observation.Timestamp), 0).UTC().Format(time.RFC3339),
			rec.Window,
			shortAddress(rec.Quote.Hex()),
			rec.Token.Hex(),
			rec.Observation.QuoteCumulative.Dec(),
			rec.Observation.BaseCumulative.Dec(),
		)
	}

	return writer.Flush()
}

func shortAddress(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + ".." + hex[len(hex)-4:]
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
