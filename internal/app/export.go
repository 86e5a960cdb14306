package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"indexed-twap/internal/config"
	"indexed-twap/internal/observation"
	"indexed-twap/internal/router"
	"indexed-twap/internal/storage"
)

// twapPoint is the average price between two consecutive observations.
type twapPoint struct {
	Start      time.Time
	End        time.Time
	Window     uint32
	TokenPrice decimal.Decimal
	QuotePrice decimal.Decimal
}

// Export renders per-window TWAPs of one token as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	window := a.Config.Oracle.WindowSize
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * window)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	quote, route, err := a.quoteFor(ctx, store, opts.Token)
	if err != nil {
		return err
	}

	ws := config.Seconds(window)
	fromWindow := config.Seconds(time.Duration(max(from.Unix(), 0))*time.Second) / ws
	toWindow := config.Seconds(time.Duration(max(to.Unix(), 0))*time.Second)/ws + 1

	records, err := store.ListTokenObservations(ctx, quote, opts.Token, fromWindow, toWindow)
	if err != nil {
		return err
	}
	points, err := twapSeries(records)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("token", opts.Token.Hex()).Msg("not enough observations for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().
		Str("token", opts.Token.Hex()).
		Str("route", route.String()).
		Int("total", len(points)).
		Int("exported", len(downsampled)).
		Msg("exporting twap series")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" && len(downsampled) < 2 {
		a.Logger.Warn().Msg("png export needs at least two points; skipping chart")
	} else if opts.PNGPath != "" {
		title := fmt.Sprintf("%s in %s", shortAddress(opts.Token.Hex()), shortAddress(quote.Hex()))
		if err := writePointsPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// quoteFor returns the numeraire token's observations are stored against.
func (a *App) quoteFor(ctx context.Context, store *storage.Store, token common.Address) (common.Address, router.Route, error) {
	route := router.RoutePrimary
	for _, t := range config.Addresses(a.Config.Oracle.SecondaryTokens) {
		if t == token {
			route = router.RouteSecondary
		}
	}
	routes, err := store.ListRoutes(ctx)
	if err != nil {
		return common.Address{}, route, err
	}
	for _, rec := range routes {
		if rec.Token == token {
			route = rec.Route
		}
	}
	if route == router.RouteSecondary {
		return a.secondaryQuote(), route, nil
	}
	return common.HexToAddress(a.Config.Oracle.PrimaryQuote), route, nil
}

// twapSeries averages each pair of consecutive observations. records must
// be sorted by window.
func twapSeries(records []storage.ObservationRecord) ([]twapPoint, error) {
	if len(records) < 2 {
		return nil, nil
	}
	points := make([]twapPoint, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		older, newer := records[i-1].Observation, records[i].Observation
		price, err := observation.ComputeTwoWayAveragePrice(older, newer)
		if err != nil {
			return nil, fmt.Errorf("average window %d: %w", records[i].Window, err)
		}
		points = append(points, twapPoint{
			Start:      time.Unix(int64(older.Timestamp), 0).UTC(),
			End:        time.Unix(int64(newer.Timestamp), 0).UTC(),
			Window:     records[i].Window,
			TokenPrice: price.TokenAverage.Decimal(),
			QuotePrice: price.QuoteAverage.Decimal(),
		})
	}
	return points, nil
}

func downsamplePoints(points []twapPoint, max int) []twapPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]twapPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []twapPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"window", "start_ts", "end_ts", "token_price", "quote_price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			strconv.FormatUint(uint64(p.Window), 10),
			p.Start.Format(time.RFC3339),
			p.End.Format(time.RFC3339),
			p.TokenPrice.String(),
			p.QuotePrice.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path, title string, points []twapPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	token := make([]float64, len(points))
	quote := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.End
		token[i] = p.TokenPrice.InexactFloat64()
		quote[i] = p.QuotePrice.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6g")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Token price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Quote price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Token TWAP",
				XValues: x,
				YValues: token,
			},
			chart.TimeSeries{
				Name:    "Quote TWAP",
				XValues: x,
				YValues: quote,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
