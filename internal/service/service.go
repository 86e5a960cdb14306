package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"indexed-twap/internal/alerting"
	"indexed-twap/internal/config"
	"indexed-twap/internal/fixedpoint"
	"indexed-twap/internal/metrics"
	"indexed-twap/internal/router"
	"indexed-twap/internal/scheduler"
	"indexed-twap/internal/storage"
)

// PriceFeed is the router surface the updater drives.
type PriceFeed interface {
	UpdatePrices(ctx context.Context, tokens []common.Address) ([]bool, error)
	AverageTokenPrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (fixedpoint.UQ112x112, error)
	Route(token common.Address) router.Route
}

// Service keeps the oracle updated once per window and raises deviation alerts.
type Service struct {
	scheduler  *scheduler.Scheduler
	feed       PriceFeed
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	tokens    []common.Address
	quote     common.Address
	threshold decimal.Decimal
	channels  []string
	alertsOn  bool
	shortMax  uint32
	longMin   uint32
	longMax   uint32
	cooldown  time.Duration
	locker    storage.AdvisoryLocker
	lockKey   int64

	clock     func() time.Time
	mu        sync.Mutex
	lastAlert map[common.Address]time.Time
}

// New constructs the updater service.
func New(cfg *config.Config, sched *scheduler.Scheduler, feed PriceFeed, alertStore storage.AlertStore, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := alertStore.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		feed:       feed,
		alertStore: alertStore,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With().Str("component", "service").Logger(),
		tokens:     cfg.Oracle.AllTokens(),
		quote:      common.HexToAddress(cfg.Oracle.PrimaryQuote),
		threshold:  threshold,
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		shortMax:   config.Seconds(cfg.Alerting.ShortMaxAge),
		longMin:    config.Seconds(cfg.Alerting.LongMinAge),
		longMax:    config.Seconds(cfg.Alerting.LongMaxAge),
		cooldown:   cfg.Alerting.Cooldown,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		clock:      func() time.Time { return time.Now().UTC() },
		lastAlert:  make(map[common.Address]time.Time),
	}
}

// Run begins the window-aligned update loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessWindow)
}

// ProcessWindow 执行单个窗口的价格更新与偏离检查。
func (s *Service) ProcessWindow(ctx context.Context, window time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("window", window).Msg("skip window because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeWindow(ctx, window)
}

func (s *Service) executeWindow(ctx context.Context, window time.Time) error {
	if len(s.tokens) == 0 {
		s.logger.Warn().Msg("no tokens configured; nothing to update")
		return nil
	}

	updated, err := s.feed.UpdatePrices(ctx, s.tokens)
	if err != nil {
		return fmt.Errorf("update prices: %w", err)
	}

	count := 0
	for _, ok := range updated {
		if ok {
			count++
		}
	}
	s.logger.Info().Time("window", window).
		Int("tokens", len(s.tokens)).
		Int("updated", count).
		Msg("prices updated")

	if s.alertsOn && s.notifier != nil && !s.threshold.IsZero() {
		for _, token := range s.tokens {
			s.checkDeviation(ctx, window, token)
		}
	}
	return nil
}

// Deviation compares a token's short-range TWAP with its long-range TWAP.
type Deviation struct {
	Short decimal.Decimal
	Long  decimal.Decimal
	Pct   decimal.Decimal
}

// MeasureDeviation returns (short/long - 1) * 100 for token.
func (s *Service) MeasureDeviation(ctx context.Context, token common.Address) (Deviation, error) {
	short, err := s.feed.AverageTokenPrice(ctx, token, 0, s.shortMax)
	if err != nil {
		return Deviation{}, fmt.Errorf("short range price: %w", err)
	}
	long, err := s.feed.AverageTokenPrice(ctx, token, s.longMin, s.longMax)
	if err != nil {
		return Deviation{}, fmt.Errorf("long range price: %w", err)
	}
	if long.IsZero() {
		return Deviation{}, fmt.Errorf("long range price is zero")
	}
	d := Deviation{Short: short.Decimal(), Long: long.Decimal()}
	d.Pct = d.Short.Div(d.Long).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	return d, nil
}

func (s *Service) checkDeviation(ctx context.Context, window time.Time, token common.Address) {
	logger := s.logger.With().Str("token", token.Hex()).Logger()

	dev, err := s.MeasureDeviation(ctx, token)
	if err != nil {
		logger.Debug().Err(err).Msg("deviation unavailable")
		return
	}
	if !dev.Pct.Abs().GreaterThan(s.threshold) {
		return
	}
	if !s.cooledDown(ctx, token) {
		logger.Debug().Str("deviation_pct", dev.Pct.StringFixed(3)).Msg("alert suppressed during cooldown")
		return
	}

	direction := classifyDeviation(dev.Pct)
	note := alerting.Notification{
		Window:       window,
		Token:        token,
		Quote:        s.quote,
		Route:        s.feed.Route(token).String(),
		ShortPrice:   dev.Short,
		LongPrice:    dev.Long,
		ShortRange:   fmt.Sprintf("[0s, %ds]", s.shortMax),
		LongRange:    fmt.Sprintf("[%ds, %ds]", s.longMin, s.longMax),
		DeviationPct: dev.Pct,
		ThresholdPct: s.threshold,
		Direction:    direction,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch alert")
		return
	}
	s.metrics.IncAlertSent()

	s.mu.Lock()
	s.lastAlert[token] = s.clock()
	s.mu.Unlock()

	if s.alertStore != nil {
		record := storage.AlertRecord{
			Token:        token,
			ShortPrice:   dev.Short,
			LongPrice:    dev.Long,
			DeviationPct: dev.Pct,
			ThresholdPct: s.threshold,
			Direction:    direction,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			logger.Error().Err(err).Msg("failed to persist alert record")
		}
	}
}

// cooledDown reports whether no alert for token was sent within the cooldown.
// Persisted alerts count too, so restarts do not re-alert.
func (s *Service) cooledDown(ctx context.Context, token common.Address) bool {
	if s.cooldown <= 0 {
		return true
	}
	now := s.clock()

	s.mu.Lock()
	last, ok := s.lastAlert[token]
	s.mu.Unlock()
	if ok && now.Sub(last) < s.cooldown {
		return false
	}

	if s.alertStore != nil {
		at, found, err := s.alertStore.LastAlertAt(ctx, token)
		if err != nil {
			s.logger.Error().Err(err).Str("token", token.Hex()).Msg("failed to read last alert")
		} else if found && now.Sub(at) < s.cooldown {
			return false
		}
	}
	return true
}

func classifyDeviation(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
