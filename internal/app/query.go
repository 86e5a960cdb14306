package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/holiman/uint256"
)

// prepareQuery builds the oracles over the chain source and restores
// persisted state so stored-mode queries have history to work with.
func (a *App) prepareQuery(ctx context.Context) (*oracles, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; only live queries can succeed")
	}
	cleanup := func() {
		if closeStore != nil {
			closeStore()
		}
	}

	o, err := a.newOracles(a.newSource(), store, nil)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := a.warmStart(ctx, store, o); err != nil {
		cleanup()
		return nil, nil, err
	}
	return o, cleanup, nil
}

// Query prints a token's average prices in the primary numeraire.
func (a *App) Query(ctx context.Context, opts QueryOptions) error {
	o, cleanup, err := a.prepareQuery(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return printPrice(ctx, os.Stdout, o, opts)
}

func printPrice(ctx context.Context, out io.Writer, o *oracles, opts QueryOptions) error {
	price, err := o.router.TwoWayAveragePrice(ctx, opts.Token, opts.MinAge, opts.MaxAge)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Token\tRoute\tAge range (s)\tToken price\tQuote price")
	fmt.Fprintf(writer, "%s\t%s\t[%d, %d]\t%s\t%s\n",
		opts.Token.Hex(),
		o.router.Route(opts.Token),
		opts.MinAge, opts.MaxAge,
		formatDecimal(price.TokenAverage.Decimal(), 8),
		formatDecimal(price.QuoteAverage.Decimal(), 8),
	)
	return writer.Flush()
}

// Value prints the value of an amount converted at the average price.
func (a *App) Value(ctx context.Context, opts ValueOptions) error {
	amount, err := uint256.FromDecimal(opts.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", opts.Amount, err)
	}

	o, cleanup, err := a.prepareQuery(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var value *uint256.Int
	if opts.Quote {
		value, err = o.router.ValueOfQuote(ctx, opts.Token, amount, opts.MinAge, opts.MaxAge)
	} else {
		value, err = o.router.ValueOfTokens(ctx, opts.Token, amount, opts.MinAge, opts.MaxAge)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, value.Dec())
	return nil
}
