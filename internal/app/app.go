package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"indexed-twap/internal/accumulator"
	"indexed-twap/internal/alerting"
	"indexed-twap/internal/api"
	"indexed-twap/internal/config"
	"indexed-twap/internal/metrics"
	"indexed-twap/internal/oracle"
	"indexed-twap/internal/router"
	"indexed-twap/internal/scheduler"
	"indexed-twap/internal/service"
	"indexed-twap/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// oracles bundles both numeraire oracles and the router in front of them.
type oracles struct {
	primary   *oracle.Oracle
	secondary *oracle.Oracle
	router    *router.Fallthrough
}

func (a *App) newSource() accumulator.Source {
	return accumulator.NewChain(accumulator.ChainOptions{
		RPCURL:         a.Config.Ethereum.RPCURL,
		FactoryAddress: a.Config.Ethereum.FactoryAddress,
		Timeout:        a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

// newOracles wires the oracles to src. store may be nil, in which case
// nothing is persisted.
func (a *App) newOracles(src accumulator.Source, store *storage.Store, m *metrics.Metrics) (*oracles, error) {
	mode, err := oracle.ParseQueryMode(a.Config.Oracle.QueryMode)
	if err != nil {
		return nil, err
	}

	var recorder oracle.Recorder
	var routeRecorder router.RouteRecorder
	if store != nil {
		recorder = store
		routeRecorder = store
	}

	newOracle := func(quote common.Address) *oracle.Oracle {
		return oracle.New(oracle.Options{
			Quote:          quote,
			QueryMode:      mode,
			WindowSize:     config.Seconds(a.Config.Oracle.WindowSize),
			MinUpdateDelay: config.Seconds(a.Config.Oracle.MinUpdateDelay),
			Source:         src,
			Recorder:       recorder,
			Metrics:        m,
			Logger:         a.Logger,
		})
	}

	o := &oracles{
		primary:   newOracle(common.HexToAddress(a.Config.Oracle.PrimaryQuote)),
		secondary: newOracle(a.secondaryQuote()),
	}
	o.router = router.New(router.Options{
		Owner:     common.HexToAddress(a.Config.Oracle.Owner),
		Primary:   o.primary,
		Secondary: o.secondary,
		Recorder:  routeRecorder,
		Logger:    a.Logger,
	})
	for _, token := range config.Addresses(a.Config.Oracle.SecondaryTokens) {
		o.router.Restore(token, router.RouteSecondary)
	}
	return o, nil
}

// secondaryQuote is the zero address when no secondary numeraire is configured.
func (a *App) secondaryQuote() common.Address {
	if a.Config.Oracle.SecondaryQuote == "" {
		return common.Address{}
	}
	return common.HexToAddress(a.Config.Oracle.SecondaryQuote)
}

// warmStart loads persisted observations and routes. Persisted routes win
// over the configured secondary token list.
func (a *App) warmStart(ctx context.Context, store *storage.Store, o *oracles) error {
	if store == nil {
		return nil
	}
	for _, orc := range []*oracle.Oracle{o.primary, o.secondary} {
		if orc.Quote() == (common.Address{}) {
			continue
		}
		records, err := store.ListObservations(ctx, orc.Quote())
		if err != nil {
			return fmt.Errorf("load observations: %w", err)
		}
		for _, rec := range records {
			orc.Restore(rec.Token, rec.Observation)
		}
		a.Logger.Info().Str("quote", orc.Quote().Hex()).Int("observations", len(records)).Msg("observations restored")
	}

	return a.restoreRoutes(ctx, store, o)
}

func (a *App) restoreRoutes(ctx context.Context, store *storage.Store, o *oracles) error {
	routes, err := store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	for _, rec := range routes {
		o.router.Restore(rec.Token, rec.Route)
	}
	a.Logger.Info().Int("routes", len(routes)).Msg("routes restored")
	return nil
}

// newNotifier fans alerts out to the configured channels. It returns nil
// when no channel is usable.
func (a *App) newNotifier() alerting.Notifier {
	var names []string
	var notifiers []alerting.Notifier
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case alerting.ChannelTelegram:
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			names = append(names, channel)
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case alerting.ChannelLog:
			names = append(names, channel)
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	fanout, err := alerting.NewFanout(names, notifiers)
	if err != nil {
		a.Logger.Error().Err(err).Msg("build alert fanout")
		return nil
	}
	return fanout
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func newMetrics() (*metrics.Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := errors.Join(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return nil, fmt.Errorf("register runtime collectors: %w", err)
	}
	return metrics.New(registry)
}

// Run executes the long-running updater and query API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}

	o, err := a.newOracles(a.newSource(), store, m)
	if err != nil {
		return err
	}
	if err := a.warmStart(ctx, store, o); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Oracle.WindowSize,
		Offset:       a.Config.Scheduler.Offset,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	}
	svc := service.New(a.Config, sched, o.router, alertStore, a.newNotifier(), m, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Msg("starting updater service")
		return svc.Run(groupCtx)
	})
	if a.Config.API.Enabled {
		srv := api.NewServer(api.Options{
			Listen:          a.Config.API.Listen,
			ReadTimeout:     a.Config.API.ReadTimeout,
			ShutdownTimeout: a.Config.API.ShutdownTimeout,
			DefaultMinAge:   config.Seconds(a.Config.Oracle.DefaultMinAge),
			DefaultMaxAge:   config.Seconds(a.Config.Oracle.DefaultMaxAge),
			Oracle:          o.router,
			Primary:         o.primary.Store(),
			Secondary:       o.secondary.Store(),
			Metrics:         m,
			Logger:          a.Logger,
		})
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle service stopped")
	return nil
}

// QueryOptions select a token and an age range.
type QueryOptions struct {
	Token  common.Address
	MinAge uint32
	MaxAge uint32
}

// ValueOptions configure a one-shot value conversion.
type ValueOptions struct {
	QueryOptions
	Amount string
	// Quote converts an amount of the primary numeraire into token.
	Quote bool
}

// ExportOptions hold parameters for exporting per-window TWAPs.
type ExportOptions struct {
	Token     common.Address
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// RouteOptions configure an owner-gated route change.
type RouteOptions struct {
	Caller       common.Address
	Tokens       []common.Address
	UseSecondary bool
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit       int
	PruneBefore *time.Time
}

// SimulateOptions configure the in-memory simulation.
type SimulateOptions struct {
	Windows int
	Alert   bool
}
