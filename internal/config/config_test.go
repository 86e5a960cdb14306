package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	if cfg.Oracle.WindowSize != time.Hour {
		t.Fatalf("window_size 默认应为 1h, 实际 %s", cfg.Oracle.WindowSize)
	}
	if Seconds(cfg.Oracle.MinUpdateDelay) != 1800 {
		t.Fatalf("min_update_delay 默认应为 1800s, 实际 %d", Seconds(cfg.Oracle.MinUpdateDelay))
	}
	if cfg.App.Name != "test" {
		t.Fatalf("app.name 应来自文件, 实际 %s", cfg.App.Name)
	}
	if !cfg.API.Enabled || cfg.API.Listen != ":8080" {
		t.Fatalf("api 默认值不正确: %#v", cfg.API)
	}
}

func TestLoadOracleSection(t *testing.T) {
	body := `
oracle:
  primary_quote: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
  secondary_quote: "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270"
  owner: "0x00000000000000000000000000000000000000a1"
  tokens:
    - "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984"
  secondary_tokens:
    - "0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9"
    - "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984"
  query_mode: live
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("配置应合法: %v", err)
	}
	all := cfg.Oracle.AllTokens()
	if len(all) != 2 {
		t.Fatalf("AllTokens 应去重, 实际 %v", all)
	}
	if all[1] != common.HexToAddress("0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9") {
		t.Fatalf("次级 token 顺序不正确: %v", all)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TWAPD_ORACLE_WINDOW_SIZE", "2h")
	t.Setenv("TWAPD_SCHEDULER_OFFSET", "90m")
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("环境变量配置应合法: %v", err)
	}
	if cfg.Oracle.WindowSize != 2*time.Hour || cfg.Scheduler.Offset != 90*time.Minute {
		t.Fatalf("环境变量未生效: %s %s", cfg.Oracle.WindowSize, cfg.Scheduler.Offset)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		return &Config{
			Export:    ExportConfig{MaxDataPoints: 10},
			Scheduler: SchedulerConfig{Offset: 31 * time.Minute},
			Oracle: OracleConfig{
				WindowSize:     time.Hour,
				MinUpdateDelay: 30 * time.Minute,
				PrimaryQuote:   "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
				DefaultMaxAge:  time.Hour,
			},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("基础配置应合法: %v", err)
	}

	cases := map[string]func(*Config){
		"window not whole seconds": func(c *Config) { c.Oracle.WindowSize = 1500 * time.Millisecond },
		"offset before delay":      func(c *Config) { c.Scheduler.Offset = time.Minute },
		"offset beyond window":     func(c *Config) { c.Scheduler.Offset = 2 * time.Hour },
		"bad quote":                func(c *Config) { c.Oracle.PrimaryQuote = "weth" },
		"same quotes":              func(c *Config) { c.Oracle.SecondaryQuote = c.Oracle.PrimaryQuote },
		"secondary without quote":  func(c *Config) { c.Oracle.SecondaryTokens = []string{"0x01"} },
		"bad token":                func(c *Config) { c.Oracle.Tokens = []string{"nope"} },
		"bad query mode":           func(c *Config) { c.Oracle.QueryMode = "fast" },
		"min over max":             func(c *Config) { c.Oracle.DefaultMinAge = 2 * time.Hour },
		"telegram without token":   func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"negative threshold":       func(c *Config) { c.Alerting.ThresholdPct = -1 },
		"primary quote routed": func(c *Config) {
			c.Oracle.SecondaryQuote = "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270"
			c.Oracle.SecondaryTokens = []string{"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"}
		},
		"secondary quote routed": func(c *Config) {
			c.Oracle.SecondaryQuote = "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270"
			c.Oracle.SecondaryTokens = []string{c.Oracle.SecondaryQuote}
		},
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: 应校验失败", name)
		}
	}
}

func TestSeconds(t *testing.T) {
	if Seconds(-time.Second) != 0 || Seconds(90*time.Second) != 90 {
		t.Fatal("Seconds 转换不正确")
	}
	if Seconds(time.Duration(1<<33)*time.Second) != 1<<32-1 {
		t.Fatal("Seconds 应截断到 uint32 上限")
	}
}
