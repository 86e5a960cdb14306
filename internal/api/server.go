// Package api serves oracle queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"indexed-twap/internal/fixedpoint"
	"indexed-twap/internal/metrics"
	"indexed-twap/internal/observation"
	"indexed-twap/internal/router"
)

const defaultHistoryWindows = 48

// PriceOracle is the query surface exposed over HTTP.
type PriceOracle interface {
	TwoWayAveragePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (observation.TwoWayPrice, error)
	ValueOfTokens(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error)
	ValueOfQuote(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error)
	Route(token common.Address) router.Route
}

// History lists stored observations of one quote numeraire.
type History interface {
	WindowSize() uint32
	WindowOf(timestamp uint32) uint32
	ObservationsInRange(token common.Address, fromWindow, toWindow uint32) ([]observation.Windowed, error)
}

// Options configure the HTTP server.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	DefaultMinAge   uint32
	DefaultMaxAge   uint32

	Oracle    PriceOracle
	Primary   History
	Secondary History
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Server exposes price, value and observation queries.
type Server struct {
	opts   Options
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
	now    func() time.Time
}

// NewServer registers every route.
func NewServer(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	mux := http.NewServeMux()
	s := &Server{
		opts:   opts,
		mux:    mux,
		logger: opts.Logger.With().Str("component", "api").Logger(),
		now:    time.Now,
		server: &http.Server{
			Addr:              opts.Listen,
			Handler:           mux,
			ReadHeaderTimeout: opts.ReadTimeout,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      2 * opts.ReadTimeout,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/price", s.handlePrice)
	s.mux.HandleFunc("GET /v1/value", s.handleValue)
	s.mux.HandleFunc("GET /v1/observations", s.handleObservations)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.logger.Info().Str("listen", listener.Addr().String()).Msg("http api started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	s.logger.Info().Msg("http api stopped")
	return nil
}

type priceResponse struct {
	Token           string `json:"token"`
	Route           string `json:"route"`
	MinAge          uint32 `json:"min_age"`
	MaxAge          uint32 `json:"max_age"`
	TokenAverage    string `json:"token_average"`
	QuoteAverage    string `json:"quote_average"`
	TokenAverageRaw string `json:"token_average_raw"`
	QuoteAverageRaw string `json:"quote_average_raw"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	token, minAge, maxAge, err := s.parseQuery(r)
	if err != nil {
		s.fail(w, "price", http.StatusBadRequest, err)
		return
	}
	price, err := s.opts.Oracle.TwoWayAveragePrice(r.Context(), token, minAge, maxAge)
	if err != nil {
		s.fail(w, "price", statusFor(err), err)
		return
	}
	s.opts.Metrics.IncQuery("price", nil)
	writeJSON(w, http.StatusOK, priceResponse{
		Token:           token.Hex(),
		Route:           s.opts.Oracle.Route(token).String(),
		MinAge:          minAge,
		MaxAge:          maxAge,
		TokenAverage:    price.TokenAverage.Decimal().String(),
		QuoteAverage:    price.QuoteAverage.Decimal().String(),
		TokenAverageRaw: price.TokenAverage.String(),
		QuoteAverageRaw: price.QuoteAverage.String(),
	})
}

type valueResponse struct {
	Token     string `json:"token"`
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
	Value     string `json:"value"`
	MinAge    uint32 `json:"min_age"`
	MaxAge    uint32 `json:"max_age"`
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	token, minAge, maxAge, err := s.parseQuery(r)
	if err != nil {
		s.fail(w, "value", http.StatusBadRequest, err)
		return
	}
	amount, err := uint256.FromDecimal(r.URL.Query().Get("amount"))
	if err != nil {
		s.fail(w, "value", http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}

	direction := r.URL.Query().Get("direction")
	var value *uint256.Int
	switch direction {
	case "", "tokens":
		direction = "tokens"
		value, err = s.opts.Oracle.ValueOfTokens(r.Context(), token, amount, minAge, maxAge)
	case "quote":
		value, err = s.opts.Oracle.ValueOfQuote(r.Context(), token, amount, minAge, maxAge)
	default:
		s.fail(w, "value", http.StatusBadRequest, fmt.Errorf("direction must be tokens or quote"))
		return
	}
	if err != nil {
		s.fail(w, "value", statusFor(err), err)
		return
	}
	s.opts.Metrics.IncQuery("value", nil)
	writeJSON(w, http.StatusOK, valueResponse{
		Token:     token.Hex(),
		Direction: direction,
		Amount:    amount.Dec(),
		Value:     value.Dec(),
		MinAge:    minAge,
		MaxAge:    maxAge,
	})
}

type observationResponse struct {
	Window          uint32 `json:"window"`
	Timestamp       uint32 `json:"timestamp"`
	QuoteCumulative string `json:"quote_cumulative"`
	BaseCumulative  string `json:"base_cumulative"`
}

type observationsResponse struct {
	Token        string                `json:"token"`
	Route        string                `json:"route"`
	From         uint32                `json:"from"`
	To           uint32                `json:"to"`
	Observations []observationResponse `json:"observations"`
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token, err := parseToken(query.Get("token"))
	if err != nil {
		s.fail(w, "observations", http.StatusBadRequest, err)
		return
	}

	route := s.opts.Oracle.Route(token)
	history := s.opts.Primary
	if route == router.RouteSecondary && s.opts.Secondary != nil {
		history = s.opts.Secondary
	}

	to := history.WindowOf(uint32(s.now().Unix())) + 1
	if raw := query.Get("to"); raw != "" {
		if to, err = parseUint32(raw); err != nil {
			s.fail(w, "observations", http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
	}
	var from uint32
	if to > defaultHistoryWindows {
		from = to - defaultHistoryWindows
	}
	if raw := query.Get("from"); raw != "" {
		if from, err = parseUint32(raw); err != nil {
			s.fail(w, "observations", http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
	}

	entries, err := history.ObservationsInRange(token, from, to)
	if err != nil {
		s.fail(w, "observations", statusFor(err), err)
		return
	}
	resp := observationsResponse{
		Token:        token.Hex(),
		Route:        route.String(),
		From:         from,
		To:           to,
		Observations: make([]observationResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Observations = append(resp.Observations, observationResponse{
			Window:          e.Window,
			Timestamp:       e.Timestamp,
			QuoteCumulative: e.QuoteCumulative.Dec(),
			BaseCumulative:  e.BaseCumulative.Dec(),
		})
	}
	s.opts.Metrics.IncQuery("observations", nil)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseQuery(r *http.Request) (common.Address, uint32, uint32, error) {
	query := r.URL.Query()
	token, err := parseToken(query.Get("token"))
	if err != nil {
		return common.Address{}, 0, 0, err
	}
	minAge, maxAge := s.opts.DefaultMinAge, s.opts.DefaultMaxAge
	if raw := query.Get("min_age"); raw != "" {
		if minAge, err = parseAge(raw); err != nil {
			return common.Address{}, 0, 0, fmt.Errorf("invalid min_age: %w", err)
		}
	}
	if raw := query.Get("max_age"); raw != "" {
		if maxAge, err = parseAge(raw); err != nil {
			return common.Address{}, 0, 0, fmt.Errorf("invalid max_age: %w", err)
		}
	}
	return token, minAge, maxAge, nil
}

func parseToken(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid token address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAge accepts whole seconds or a Go duration such as "2h".
func parseAge(raw string) (uint32, error) {
	if secs, err := parseUint32(raw); err == nil {
		return secs, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 || d > time.Duration(1<<32-1)*time.Second {
		return 0, fmt.Errorf("age %s out of range", raw)
	}
	return uint32(d / time.Second), nil
}

func parseUint32(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, observation.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, observation.ErrNoPriceInRange):
		return http.StatusNotFound
	case errors.Is(err, fixedpoint.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, router.ErrLengthMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, op string, status int, err error) {
	s.opts.Metrics.IncQuery(op, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("query failed")
	} else {
		s.logger.Debug().Err(err).Str("op", op).Int("status", status).Msg("query rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
