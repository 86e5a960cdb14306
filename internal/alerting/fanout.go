package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Channel names accepted in alerting.channels.
const (
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// LogNotifier 将告警写入结构化日志，适合无外部通道的部署。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Time("window", note.Window).
		Str("token", note.Token.Hex()).
		Str("quote", note.Quote.Hex()).
		Str("route", note.Route).
		Str("short_twap", note.ShortPrice.String()).
		Str("long_twap", note.LongPrice.String()).
		Str("deviation_pct", note.DeviationPct.StringFixed(3)).
		Str("direction", note.Direction).
		Msg("TWAP deviation alert")
	return nil
}

// Fanout delivers each notification to every named channel. A channel
// failure does not stop delivery to the others.
type Fanout struct {
	names     []string
	notifiers []Notifier
}

// NewFanout pairs channel names with notifiers; both slices must have the
// same length.
func NewFanout(names []string, notifiers []Notifier) (*Fanout, error) {
	if len(names) != len(notifiers) {
		return nil, fmt.Errorf("alerting: %d channel names for %d notifiers", len(names), len(notifiers))
	}
	return &Fanout{names: names, notifiers: notifiers}, nil
}

// Len returns the number of channels.
func (f *Fanout) Len() int { return len(f.notifiers) }

// Notify succeeds if at least one channel accepted the notification.
func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	if len(f.notifiers) == 0 {
		return errors.New("alerting: no channels configured")
	}
	note.Channels = f.names

	var errs []error
	for i, n := range f.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", f.names[i], err))
		}
	}
	if len(errs) == len(f.notifiers) {
		return errors.Join(errs...)
	}
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Fanout)(nil)
)
