package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// SetRoute moves tokens onto or off the secondary route and persists the change.
func (a *App) SetRoute(ctx context.Context, opts RouteOptions) error {
	if len(opts.Tokens) == 0 {
		return errors.New("no tokens given")
	}
	if opts.UseSecondary && a.secondaryQuote() == (common.Address{}) {
		return errors.New("oracle.secondary_quote not configured; cannot route through it")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; route changes would not persist")
	}
	if closeStore != nil {
		defer closeStore()
	}

	o, err := a.newOracles(nil, store, nil)
	if err != nil {
		return err
	}
	if err := a.restoreRoutes(ctx, store, o); err != nil {
		return err
	}

	flags := make([]bool, len(opts.Tokens))
	for i := range flags {
		flags[i] = opts.UseSecondary
	}
	if err := o.router.SetRoutes(ctx, opts.Caller, opts.Tokens, flags); err != nil {
		return fmt.Errorf("set routes: %w", err)
	}

	for _, token := range opts.Tokens {
		fmt.Fprintf(os.Stdout, "%s -> %s\n", token.Hex(), o.router.Route(token))
	}
	return nil
}
