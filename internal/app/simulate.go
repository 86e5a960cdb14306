package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"indexed-twap/internal/accumulator"
	"indexed-twap/internal/alerting"
	"indexed-twap/internal/config"
	"indexed-twap/internal/observation"
	"indexed-twap/internal/service"
)

var (
	simulatedToken     = common.HexToAddress("0x00000000000000000000000000000000000051a1")
	simulatedRouted    = common.HexToAddress("0x00000000000000000000000000000000000051a2")
	simulatedSecondary = common.HexToAddress("0x00000000000000000000000000000000000051a3")

	// simulationStart is 2024-01-01T00:00:00Z.
	simulationStart uint32 = 1_704_067_200
)

// Simulate 在内存交易所上运行确定性的多窗口场景，并打印各窗口 TWAP。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	return a.simulate(ctx, opts, os.Stdout)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	if opts.Windows <= 0 {
		return errors.New("windows 必须大于 0")
	}

	var notifier alerting.Notifier
	if opts.Alert {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		if notifier = a.newNotifier(); notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}

	cfg := *a.Config
	cfg.Oracle.Tokens = []string{simulatedToken.Hex()}
	cfg.Oracle.SecondaryTokens = []string{simulatedRouted.Hex()}
	if cfg.Oracle.SecondaryQuote == "" {
		cfg.Oracle.SecondaryQuote = simulatedSecondary.Hex()
	}
	sim := &App{Config: &cfg, Logger: a.Logger}

	primary := common.HexToAddress(cfg.Oracle.PrimaryQuote)
	secondary := common.HexToAddress(cfg.Oracle.SecondaryQuote)
	window := config.Seconds(cfg.Oracle.WindowSize)
	offset := config.Seconds(cfg.Scheduler.Offset)

	x := accumulator.NewSimulatedExchange(simulationStart)
	if err := seedSimulation(x, primary, secondary); err != nil {
		return err
	}

	o, err := sim.newOracles(x, nil, nil)
	if err != nil {
		return err
	}
	svc := service.New(&cfg, nil, o.router, nil, notifier, nil, a.Logger)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Window\tTime (UTC)\tSpot\tToken TWAP\tRouted TWAP")

	for i := 0; i < opts.Windows; i++ {
		x.AdvanceToNextWindow(window)
		x.Advance(offset)

		spot := uint256.NewInt(2000 + 100*uint64(i))
		if err := x.SetReserves(simulatedToken, primary, e18(1000), new(uint256.Int).Mul(spot, e18(1))); err != nil {
			return err
		}

		now := x.Now()
		at := time.Unix(int64(now), 0).UTC()
		if err := svc.ProcessWindow(ctx, at.Truncate(cfg.Oracle.WindowSize)); err != nil {
			return err
		}

		tokenTWAP, err := twapCell(ctx, o, simulatedToken, 2*window)
		if err != nil {
			return err
		}
		routedTWAP, err := twapCell(ctx, o, simulatedRouted, 2*window)
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			now/window,
			at.Format(time.RFC3339),
			spotPrice(spot),
			tokenTWAP,
			routedTWAP,
		)
	}
	return writer.Flush()
}

// seedSimulation prices the token at 2 primary, the routed token at 1/6
// secondary and the secondary numeraire at 10 primary.
func seedSimulation(x *accumulator.SimulatedExchange, primary, secondary common.Address) error {
	if err := x.AddLiquidity(simulatedToken, primary, e18(1000), e18(2000)); err != nil {
		return err
	}
	if err := x.AddLiquidity(simulatedRouted, secondary, e18(600), e18(100)); err != nil {
		return err
	}
	return x.AddLiquidity(secondary, primary, e18(100), e18(1000))
}

func twapCell(ctx context.Context, o *oracles, token common.Address, maxAge uint32) (string, error) {
	price, err := o.router.AverageTokenPrice(ctx, token, 0, maxAge)
	if errors.Is(err, observation.ErrNoPriceInRange) {
		return "-", nil
	}
	if err != nil {
		return "", err
	}
	return formatDecimal(price.Decimal(), 6), nil
}

func spotPrice(reserve *uint256.Int) string {
	return fmt.Sprintf("%d.%d", reserve.Uint64()/1000, reserve.Uint64()%1000/100)
}

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}
