package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"indexed-twap/internal/accumulator"
	"indexed-twap/internal/metrics"
	"indexed-twap/internal/oracle"
	"indexed-twap/internal/router"
)

const hour = 3600

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth   = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	wmatic = common.HexToAddress("0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270")
	token0 = common.HexToAddress("0x1f9840a85d5af5bf1d1762f925bdaddc4201f984")
	token1 = common.HexToAddress("0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9")
)

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

// newTestServer prices token0 at 2 WETH with two observations 1.3 windows
// apart; token1 has no observations.
func newTestServer(t *testing.T) (*Server, *accumulator.SimulatedExchange) {
	t.Helper()
	ctx := context.Background()
	x := accumulator.NewSimulatedExchange(200_000 * hour)

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("创建 metrics 失败: %v", err)
	}
	primary := oracle.New(oracle.Options{Quote: weth, Source: x, Metrics: m, Logger: zerolog.Nop()})
	secondary := oracle.New(oracle.Options{Quote: wmatic, Source: x, Metrics: m, Logger: zerolog.Nop()})
	rt := router.New(router.Options{Owner: owner, Primary: primary, Secondary: secondary, Logger: zerolog.Nop()})

	if err := x.AddLiquidity(token0, weth, e18(5), e18(10)); err != nil {
		t.Fatalf("添加流动性失败: %v", err)
	}
	for _, offset := range []uint32{0, hour * 3 / 10} {
		x.AdvanceToNextWindow(hour)
		x.Advance(offset)
		updated, err := rt.UpdatePrices(ctx, []common.Address{token0})
		if err != nil || !updated[0] {
			t.Fatalf("更新价格失败: %v %v", updated, err)
		}
	}

	srv := NewServer(Options{
		DefaultMinAge: 0,
		DefaultMaxAge: 48 * hour,
		Oracle:        rt,
		Primary:       primary.Store(),
		Secondary:     secondary.Store(),
		Metrics:       m,
		Logger:        zerolog.Nop(),
	})
	srv.now = func() time.Time { return time.Unix(int64(x.Now()), 0) }
	return srv, x
}

func get(t *testing.T, srv *Server, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("解析响应失败 %s: %v", target, err)
		}
	}
	return rec.Code
}

func TestPriceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp priceResponse
	if code := get(t, srv, "/v1/price?token="+token0.Hex(), &resp); code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", code)
	}
	if resp.TokenAverage != "2" || resp.QuoteAverage != "0.5" {
		t.Fatalf("均价错误: %+v", resp)
	}
	if resp.Route != "primary" || resp.MaxAge != 48*hour {
		t.Fatalf("路由或默认区间错误: %+v", resp)
	}

	if code := get(t, srv, "/v1/price?token="+token0.Hex()+"&min_age=2h&max_age=1h", nil); code != http.StatusBadRequest {
		t.Fatalf("min_age > max_age 应返回 400, 实际 %d", code)
	}
	if code := get(t, srv, "/v1/price?token="+token1.Hex(), nil); code != http.StatusNotFound {
		t.Fatalf("无观测应返回 404, 实际 %d", code)
	}
	if code := get(t, srv, "/v1/price?token=0x1234", nil); code != http.StatusBadRequest {
		t.Fatalf("非法地址应返回 400, 实际 %d", code)
	}
}

func TestPriceEndpointQuoteIdentity(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp priceResponse
	if code := get(t, srv, "/v1/price?token="+weth.Hex(), &resp); code != http.StatusOK {
		t.Fatalf("报价币自身应返回 200, 实际 %d", code)
	}
	if resp.TokenAverage != "1" || resp.QuoteAverage != "1" {
		t.Fatalf("报价币自身价格应为 1: %+v", resp)
	}
}

func TestValueEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var resp valueResponse
	if code := get(t, srv, "/v1/value?token="+token0.Hex()+"&amount=3000000000000000000", &resp); code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", code)
	}
	if resp.Value != "6000000000000000000" || resp.Direction != "tokens" {
		t.Fatalf("价值换算错误: %+v", resp)
	}

	if code := get(t, srv, "/v1/value?token="+token0.Hex()+"&amount=10&direction=quote", &resp); code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", code)
	}
	if resp.Value != "5" {
		t.Fatalf("反向换算错误: %+v", resp)
	}

	for _, target := range []string{
		"/v1/value?token=" + token0.Hex() + "&amount=-1",
		"/v1/value?token=" + token0.Hex() + "&amount=1&direction=sideways",
		"/v1/value?token=" + token0.Hex(),
	} {
		if code := get(t, srv, target, nil); code != http.StatusBadRequest {
			t.Fatalf("%s 应返回 400, 实际 %d", target, code)
		}
	}
}

func TestObservationsEndpoint(t *testing.T) {
	srv, x := newTestServer(t)

	var resp observationsResponse
	if code := get(t, srv, "/v1/observations?token="+token0.Hex(), &resp); code != http.StatusOK {
		t.Fatalf("状态码应为 200, 实际 %d", code)
	}
	if len(resp.Observations) != 2 {
		t.Fatalf("应返回两条观测, 实际 %d", len(resp.Observations))
	}
	if resp.To != x.Now()/hour+1 || resp.From != resp.To-defaultHistoryWindows {
		t.Fatalf("默认窗口区间错误: %+v", resp)
	}
	last := resp.Observations[1]
	if last.Timestamp != x.Now() || last.Window != x.Now()/hour {
		t.Fatalf("最新观测错误: %+v", last)
	}

	if code := get(t, srv, "/v1/observations?token="+token0.Hex()+"&from=10&to=5", nil); code != http.StatusBadRequest {
		t.Fatalf("from > to 应返回 400, 实际 %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]string
	if code := get(t, srv, "/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health 检查失败: %d %v", code, health)
	}

	get(t, srv, "/v1/price?token="+token0.Hex(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics 状态码应为 200, 实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "twapd_price_updates_total") {
		t.Fatalf("metrics 输出应包含更新计数")
	}
}

func TestParseAge(t *testing.T) {
	cases := map[string]uint32{"0": 0, "90": 90, "2h": 7200, "1m30s": 90}
	for raw, want := range cases {
		got, err := parseAge(raw)
		if err != nil || got != want {
			t.Fatalf("parseAge(%q) = %d, %v; 期望 %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"-1s", "soon", "200000h"} {
		if _, err := parseAge(raw); err == nil {
			t.Fatalf("parseAge(%q) 应失败", raw)
		}
	}
}
