package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"indexed-twap/internal/config"
	"indexed-twap/internal/observation"
	"indexed-twap/internal/storage"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.Offset = 31 * time.Minute
	cfg.Oracle.WindowSize = time.Hour
	cfg.Oracle.MinUpdateDelay = 30 * time.Minute
	cfg.Oracle.QueryMode = "stored"
	cfg.Oracle.PrimaryQuote = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	cfg.Alerting.ShortMaxAge = time.Hour
	cfg.Alerting.LongMaxAge = 24 * time.Hour
	cfg.Alerting.ThresholdPct = 1
	cfg.Alerting.Channels = []string{"telegram"}
	cfg.Export.MaxDataPoints = 100
	return cfg
}

// cumulative returns price * 2^112 * seconds.
func cumulative(priceNum, priceDen, seconds uint64) uint256.Int {
	v := new(uint256.Int).Lsh(uint256.NewInt(priceNum), 112)
	v.Div(v, uint256.NewInt(priceDen))
	v.Mul(v, uint256.NewInt(seconds))
	return *v
}

func record(window, ts uint32, quoteCum, baseCum uint256.Int) storage.ObservationRecord {
	return storage.ObservationRecord{
		Window: window,
		Observation: observation.Observation{
			Timestamp:       ts,
			QuoteCumulative: quoteCum,
			BaseCumulative:  baseCum,
		},
	}
}

func TestTwapSeries(t *testing.T) {
	records := []storage.ObservationRecord{
		record(10, 36000, cumulative(0, 1, 0), cumulative(0, 1, 0)),
		record(11, 39600, cumulative(2, 1, 3600), cumulative(1, 2, 3600)),
		record(12, 43200, cumulative(2, 1, 3600*2), cumulative(1, 2, 3600*2)),
	}

	points, err := twapSeries(records)
	if err != nil {
		t.Fatalf("twapSeries 返回错误: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("期望 2 个点, 实际 %d", len(points))
	}
	for _, p := range points {
		if !p.TokenPrice.Equal(decimal.NewFromInt(2)) {
			t.Fatalf("token 价格应为 2, 实际 %s", p.TokenPrice)
		}
		if !p.QuotePrice.Equal(decimal.RequireFromString("0.5")) {
			t.Fatalf("quote 价格应为 0.5, 实际 %s", p.QuotePrice)
		}
	}
	if points[1].Window != 12 || !points[1].Start.Equal(time.Unix(39600, 0)) {
		t.Fatalf("第二个点不正确: %+v", points[1])
	}

	if points, err := twapSeries(records[:1]); err != nil || points != nil {
		t.Fatalf("单个观测不应产生点: %v %v", points, err)
	}

	dup := []storage.ObservationRecord{records[0], records[0]}
	if _, err := twapSeries(dup); err == nil {
		t.Fatal("相同时间戳应报错")
	}
}

func TestDownsamplePoints(t *testing.T) {
	points := make([]twapPoint, 10)
	for i := range points {
		points[i].Window = uint32(i)
	}

	if got := downsamplePoints(points, 0); len(got) != 10 {
		t.Fatalf("max=0 不应降采样, 实际 %d", len(got))
	}
	if got := downsamplePoints(points, 1); len(got) != 1 || got[0].Window != 9 {
		t.Fatalf("max=1 应保留最后一个点: %+v", got)
	}
	got := downsamplePoints(points, 4)
	if len(got) != 4 {
		t.Fatalf("期望 4 个点, 实际 %d", len(got))
	}
	if got[0].Window != 0 || got[3].Window != 9 {
		t.Fatalf("降采样应保留首尾: %+v", got)
	}
}

func TestWritePointsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	points := []twapPoint{
		{Start: time.Unix(0, 0).UTC(), End: time.Unix(3600, 0).UTC(), Window: 1, TokenPrice: decimal.NewFromInt(2), QuotePrice: decimal.RequireFromString("0.5")},
		{Start: time.Unix(3600, 0).UTC(), End: time.Unix(7200, 0).UTC(), Window: 2, TokenPrice: decimal.RequireFromString("2.5"), QuotePrice: decimal.RequireFromString("0.4")},
	}

	csvPath := filepath.Join(dir, "out", "twap.csv")
	if err := writePointsCSV(csvPath, points); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望 3 行, 实际 %d", len(rows))
	}
	if strings.Join(rows[2], ",") != "2,1970-01-01T01:00:00Z,1970-01-01T02:00:00Z,2.5,0.4" {
		t.Fatalf("CSV 行不正确: %v", rows[2])
	}

	pngPath := filepath.Join(dir, "twap.png")
	if err := writePointsPNG(pngPath, "test", points); err != nil {
		t.Fatalf("写入 PNG 失败: %v", err)
	}
	info, err := os.Stat(pngPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("PNG 文件应存在且非空: %v", err)
	}
}

func TestSimulatePrintsWindowTWAPs(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())

	var out bytes.Buffer
	if err := a.simulate(context.Background(), SimulateOptions{Windows: 3}, &out); err != nil {
		t.Fatalf("simulate 返回错误: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("期望表头加 3 行, 实际:\n%s", out.String())
	}
	if !strings.Contains(lines[1], " - ") {
		t.Fatalf("第一个窗口不应有 TWAP: %s", lines[1])
	}
	for i, want := range []string{"2.000000", "0.166667"} {
		if !strings.Contains(lines[2], want) {
			t.Fatalf("第二个窗口应包含 %q (#%d): %s", want, i, lines[2])
		}
	}
	// The two hour range reaches back to the first observation.
	if !strings.Contains(lines[3], "2.050000") {
		t.Fatalf("第三个窗口应包含 2.050000: %s", lines[3])
	}
}

func TestSimulateRejectsBadOptions(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	if err := a.simulate(context.Background(), SimulateOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatal("windows=0 应报错")
	}
	if err := a.simulate(context.Background(), SimulateOptions{Windows: 2, Alert: true}, &bytes.Buffer{}); err == nil {
		t.Fatal("未启用 alerting 时应报错")
	}
}

func TestSimulateSendsDeviationAlert(t *testing.T) {
	var sent atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.Telegram.Enabled = true
	cfg.Alerting.Telegram.BotToken = "token"
	cfg.Alerting.Telegram.ChatID = "chat"
	cfg.Alerting.Telegram.APIBase = srv.URL
	a := NewApp(cfg, zerolog.Nop())

	var out bytes.Buffer
	if err := a.simulate(context.Background(), SimulateOptions{Windows: 4, Alert: true}, &out); err != nil {
		t.Fatalf("simulate 返回错误: %v", err)
	}
	if sent.Load() == 0 {
		t.Fatal("价格持续上涨应触发至少一次告警")
	}
}

func TestShortAddress(t *testing.T) {
	addr := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2").Hex()
	if got := shortAddress(addr); got != "0xC02a..6Cc2" {
		t.Fatalf("shortAddress 不正确: %s", got)
	}
	if got := shortAddress("0x1234"); got != "0x1234" {
		t.Fatalf("短地址应原样返回: %s", got)
	}
}
