// Package router routes price queries for each token to one of two oracles:
// a primary one quoted in the primary numeraire, or a secondary one whose
// prices are converted through the secondary/primary pair.
package router

import (
	"errors"
	"fmt"

	"indexed-twap/internal/observation"
)

// Route selects the oracle a token is priced through.
type Route int

const (
	RoutePrimary Route = iota
	RouteSecondary
)

func (r Route) String() string {
	switch r {
	case RoutePrimary:
		return "primary"
	case RouteSecondary:
		return "secondary"
	}
	return fmt.Sprintf("Route(%d)", int(r))
}

// ParseRoute is the inverse of Route.String.
func ParseRoute(s string) (Route, error) {
	switch s {
	case "primary":
		return RoutePrimary, nil
	case "secondary":
		return RouteSecondary, nil
	}
	return RoutePrimary, fmt.Errorf("router: unknown route %q", s)
}

// RouteFor maps a use-secondary flag to a route.
func RouteFor(useSecondary bool) Route {
	if useSecondary {
		return RouteSecondary
	}
	return RoutePrimary
}

var (
	// ErrNotOwner is returned when a non-owner tries to change a route.
	ErrNotOwner = errors.New("router: caller is not the owner")
	// ErrInvalidToken is returned when a route is set for a numeraire.
	ErrInvalidToken = errors.New("router: can not set route for the primary or secondary numeraire")
	// ErrLengthMismatch is returned when parallel inputs differ in length.
	ErrLengthMismatch = errors.New("router: array lengths do not match")
)

// Compose converts a token's price in the secondary numeraire into the
// primary numeraire using the secondary numeraire's price in the primary.
// Each leg is averaged independently, so the result approximates rather
// than equals a direct average.
func Compose(tokenInSecondary, secondaryInPrimary observation.TwoWayPrice) (observation.TwoWayPrice, error) {
	token, err := tokenInSecondary.TokenAverage.Mul(secondaryInPrimary.TokenAverage)
	if err != nil {
		return observation.TwoWayPrice{}, fmt.Errorf("compose token price: %w", err)
	}
	quote, err := secondaryInPrimary.QuoteAverage.Mul(tokenInSecondary.QuoteAverage)
	if err != nil {
		return observation.TwoWayPrice{}, fmt.Errorf("compose quote price: %w", err)
	}
	return observation.TwoWayPrice{TokenAverage: token, QuoteAverage: quote}, nil
}
