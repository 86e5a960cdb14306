package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"indexed-twap/internal/observation"
	"indexed-twap/internal/router"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS observations (
        quote_token      TEXT        NOT NULL,
        token            TEXT        NOT NULL,
        window_key       BIGINT      NOT NULL,
        observed_at      BIGINT      NOT NULL,
        quote_cumulative NUMERIC(78,0) NOT NULL,
        base_cumulative  NUMERIC(78,0) NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (quote_token, token, window_key)
    );
    CREATE TABLE IF NOT EXISTS routes (
        token      TEXT        PRIMARY KEY,
        route      TEXT        NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS alerts (
        id            BIGSERIAL   PRIMARY KEY,
        token         TEXT        NOT NULL,
        short_price   NUMERIC     NOT NULL,
        long_price    NUMERIC     NOT NULL,
        deviation_pct NUMERIC     NOT NULL,
        threshold_pct NUMERIC     NOT NULL,
        direction     TEXT        NOT NULL,
        channels      TEXT[]      NOT NULL DEFAULT '{}',
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS alerts_token_created_at_idx ON alerts (token, created_at DESC);`

	upsertObservationSQL = `INSERT INTO observations (
        quote_token,
        token,
        window_key,
        observed_at,
        quote_cumulative,
        base_cumulative
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (quote_token, token, window_key) DO UPDATE
    SET
        observed_at      = EXCLUDED.observed_at,
        quote_cumulative = EXCLUDED.quote_cumulative,
        base_cumulative  = EXCLUDED.base_cumulative;`

	listObservationsSQL = `SELECT
        quote_token,
        token,
        window_key,
        observed_at,
        quote_cumulative::text,
        base_cumulative::text,
        created_at
    FROM observations
    WHERE quote_token = $1
    ORDER BY token, window_key;`

	listTokenObservationsSQL = `SELECT
        quote_token,
        token,
        window_key,
        observed_at,
        quote_cumulative::text,
        base_cumulative::text,
        created_at
    FROM observations
    WHERE quote_token = $1
      AND token = $2
      AND window_key >= $3
      AND window_key < $4
    ORDER BY window_key;`

	listRecentObservationsSQL = `SELECT
        quote_token,
        token,
        window_key,
        observed_at,
        quote_cumulative::text,
        base_cumulative::text,
        created_at
    FROM observations
    ORDER BY created_at DESC, window_key DESC
    LIMIT $1;`

	countObservationsSQL = `SELECT COUNT(*) FROM observations;`

	upsertRouteSQL = `INSERT INTO routes (token, route, updated_at)
    VALUES ($1,$2,now())
    ON CONFLICT (token) DO UPDATE
    SET route = EXCLUDED.route, updated_at = EXCLUDED.updated_at;`

	listRoutesSQL = `SELECT token, route, updated_at FROM routes ORDER BY token;`

	insertAlertSQL = `INSERT INTO alerts (
        token,
        short_price,
        long_price,
        deviation_pct,
        threshold_pct,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	lastAlertSQL = `SELECT created_at FROM alerts WHERE token = $1 ORDER BY created_at DESC LIMIT 1;`

	listRecentAlertsSQL = `SELECT
        id,
        token,
        short_price::text,
        long_price::text,
        deviation_pct::text,
        threshold_pct::text,
        direction,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines operations for observation persistence.
type ObservationStore interface {
	RecordObservation(ctx context.Context, quote, token common.Address, window uint32, obs observation.Observation) error
	ListObservations(ctx context.Context, quote common.Address) ([]ObservationRecord, error)
	ListTokenObservations(ctx context.Context, quote, token common.Address, fromWindow, toWindow uint32) ([]ObservationRecord, error)
	ListRecentObservations(ctx context.Context, limit int) ([]ObservationRecord, error)
	CountObservations(ctx context.Context) (int64, error)
}

// RouteStore defines operations for router state persistence.
type RouteStore interface {
	RecordRoute(ctx context.Context, token common.Address, route router.Route) error
	RecordRoutes(ctx context.Context, tokens []common.Address, routes []router.Route) error
	ListRoutes(ctx context.Context) ([]RouteRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	LastAlertAt(ctx context.Context, token common.Address) (time.Time, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations, routes and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock is dropped with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordObservation persists or replaces the observation of a window.
func (s *Store) RecordObservation(ctx context.Context, quote, token common.Address, window uint32, obs observation.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertObservationSQL,
		addressKey(quote),
		addressKey(token),
		int64(window),
		int64(obs.Timestamp),
		obs.QuoteCumulative.Dec(),
		obs.BaseCumulative.Dec(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert observation: %w", execErr)
	}
	return nil
}

// ListObservations lists every observation recorded against quote, ordered
// by token and window.
func (s *Store) ListObservations(ctx context.Context, quote common.Address) ([]ObservationRecord, error) {
	return s.queryObservations(ctx, "list observations", 0, listObservationsSQL, addressKey(quote))
}

// ListTokenObservations lists a token's observations with windows in [fromWindow, toWindow).
func (s *Store) ListTokenObservations(ctx context.Context, quote, token common.Address, fromWindow, toWindow uint32) ([]ObservationRecord, error) {
	return s.queryObservations(ctx, "list token observations", 0, listTokenObservationsSQL,
		addressKey(quote), addressKey(token), int64(fromWindow), int64(toWindow))
}

// ListRecentObservations lists the most recently written observations.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]ObservationRecord, error) {
	return s.queryObservations(ctx, "list recent observations", limit, listRecentObservationsSQL, limit)
}

func (s *Store) queryObservations(ctx context.Context, op string, capacity int, query string, args ...any) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0, capacity)
	for rows.Next() {
		record, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// RecordRoute persists a token's route.
func (s *Store) RecordRoute(ctx context.Context, token common.Address, route router.Route) error {
	return s.RecordRoutes(ctx, []common.Address{token}, []router.Route{route})
}

// RecordRoutes persists several routes in one transaction; either every row
// is written or none is.
func (s *Store) RecordRoutes(ctx context.Context, tokens []common.Address, routes []router.Route) error {
	if len(tokens) != len(routes) {
		return fmt.Errorf("record routes: %d tokens for %d routes", len(tokens), len(routes))
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin route tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, token := range tokens {
		if _, execErr := tx.Exec(ctx, upsertRouteSQL, addressKey(token), routes[i].String()); execErr != nil {
			return fmt.Errorf("upsert route %s: %w", token.Hex(), execErr)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit route tx: %w", err)
	}
	return nil
}

// ListRoutes lists every persisted route.
func (s *Store) ListRoutes(ctx context.Context) ([]RouteRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRoutesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list routes: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RouteRecord, 0)
	for rows.Next() {
		var (
			token, route string
			rec          RouteRecord
		)
		if err := rows.Scan(&token, &route, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.Token, err = parseAddress(token); err != nil {
			return nil, err
		}
		if rec.Route, err = router.ParseRoute(route); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		addressKey(alert.Token),
		alert.ShortPrice.String(),
		alert.LongPrice.String(),
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		channels,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// LastAlertAt returns when the newest alert for token was emitted.
func (s *Store) LastAlertAt(ctx context.Context, token common.Address) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertSQL, addressKey(token)).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var token, shortStr, longStr, deviationStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&token,
			&shortStr,
			&longStr,
			&deviationStr,
			&thresholdStr,
			&rec.Direction,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.Token, convErr = parseAddress(token); convErr != nil {
			return nil, convErr
		}
		for _, field := range []struct {
			name string
			src  string
			dst  *decimal.Decimal
		}{
			{"short price", shortStr, &rec.ShortPrice},
			{"long price", longStr, &rec.LongPrice},
			{"deviation pct", deviationStr, &rec.DeviationPct},
			{"threshold pct", thresholdStr, &rec.ThresholdPct},
		} {
			if *field.dst, convErr = decimal.NewFromString(field.src); convErr != nil {
				return nil, fmt.Errorf("parse %s: %w", field.name, convErr)
			}
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanObservation(rows pgx.Rows) (ObservationRecord, error) {
	var (
		quote, token       string
		window, observedAt int64
		quoteCum, baseCum  string
		createdAt          time.Time
	)
	if err := rows.Scan(&quote, &token, &window, &observedAt, &quoteCum, &baseCum, &createdAt); err != nil {
		return ObservationRecord{}, err
	}
	return decodeObservation(quote, token, window, observedAt, quoteCum, baseCum, createdAt)
}

func decodeObservation(quote, token string, window, observedAt int64, quoteCum, baseCum string, createdAt time.Time) (ObservationRecord, error) {
	rec := ObservationRecord{CreatedAt: createdAt}
	var err error
	if rec.Quote, err = parseAddress(quote); err != nil {
		return ObservationRecord{}, err
	}
	if rec.Token, err = parseAddress(token); err != nil {
		return ObservationRecord{}, err
	}
	if window < 0 || window > 1<<32-1 {
		return ObservationRecord{}, fmt.Errorf("window %d out of range", window)
	}
	if observedAt < 0 || observedAt > 1<<32-1 {
		return ObservationRecord{}, fmt.Errorf("timestamp %d out of range", observedAt)
	}
	rec.Window = uint32(window)
	rec.Observation.Timestamp = uint32(observedAt)
	if err := parseUint256(quoteCum, &rec.Observation.QuoteCumulative); err != nil {
		return ObservationRecord{}, fmt.Errorf("parse quote cumulative: %w", err)
	}
	if err := parseUint256(baseCum, &rec.Observation.BaseCumulative); err != nil {
		return ObservationRecord{}, fmt.Errorf("parse base cumulative: %w", err)
	}
	return rec, nil
}

func parseUint256(s string, out *uint256.Int) error {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return err
	}
	out.Set(v)
	return nil
}

// addressKey is the canonical column form of an address.
func addressKey(addr common.Address) string {
	return addr.Hex()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ RouteStore       = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
