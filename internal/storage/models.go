package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"indexed-twap/internal/observation"
	"indexed-twap/internal/router"
)

// ObservationRecord is a persisted per-window observation of one token
// against one quote numeraire.
type ObservationRecord struct {
	Quote       common.Address
	Token       common.Address
	Window      uint32
	Observation observation.Observation
	CreatedAt   time.Time
}

// RouteRecord is the persisted route of a token in the fallthrough router.
type RouteRecord struct {
	Token     common.Address
	Route     router.Route
	UpdatedAt time.Time
}

// AlertRecord captures an emitted deviation alert for cooldown/auditing.
type AlertRecord struct {
	ID           int64
	Token        common.Address
	ShortPrice   decimal.Decimal
	LongPrice    decimal.Decimal
	DeviationPct decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}
