package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "10.00", cfg.Budget.Ceiling)
	assert.Equal(t, "mock", cfg.Payment.Mode)
	assert.True(t, cfg.Analysts.ServeMock)
	assert.Equal(t, []string{"onchain", "sentiment", "technical"}, cfg.Gate.Resources)
	assert.InDelta(t, 0.5, cfg.Consensus.Weights["onchain"], 1e-12)
	assert.Equal(t, []string{"CONFIDENCE"}, cfg.Bite.Metrics)
	assert.Equal(t, "static", cfg.Screen.Source)
}

func TestLoadOrDefault_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.App.HTTPAddr)
}

func TestLoad_IncludesAndExplicitFalse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
budget:
  ceiling: "2.50"
analysts:
  serve_mock: false
  base_url: http://analysts.local/
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
app:
  http_addr: ":9100"
gate:
  execute_threshold: 0.8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2.50", cfg.Budget.Ceiling)
	assert.False(t, cfg.Analysts.ServeMock)
	assert.Equal(t, "http://analysts.local", cfg.Analysts.BaseURL)
	assert.Equal(t, ":9100", cfg.App.HTTPAddr)
	assert.Equal(t, 0.8, cfg.Gate.ExecuteThreshold)
	assert.Equal(t, 0.4, cfg.Gate.LowerBound)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	assert.ErrorContains(t, err, "include cycle")
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"weights sum":   "consensus:\n  weights:\n    technical: 0.5\n    sentiment: 0.2\n    onchain: 0.5\n",
		"band order":    "gate:\n  lower_bound: 0.9\n  upper_bound: 0.4\n",
		"ceiling":       "budget:\n  ceiling: \"-1\"\n",
		"payment mode":  "payment:\n  mode: paypal\n",
		"screen source": "screen:\n  source: tarot\n",
		"telegram":      "notify:\n  telegram:\n    enabled: true\n",
		"endpoint path": "analysts:\n  endpoints:\n    technical: analysts/technical\n",
		"schedule":      "schedule:\n  interval: 90s\n",
		"unused weight": "gate:\n  resources: [technical, sentiment]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("15m"))
	assert.True(t, IsValidInterval("4h"))
	assert.False(t, IsValidInterval("h"))
	assert.False(t, IsValidInterval("1y"))
}

func TestPaymentConfig_WalletConfigured(t *testing.T) {
	p := PaymentConfig{GatewayURL: "https://gw", APIKeyName: "k"}
	assert.False(t, p.WalletConfigured())
	p.APIKeySecret = "s"
	assert.True(t, p.WalletConfigured())
}

func TestLoad_ScheduleDefaults(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Schedule.Enabled())
	assert.Empty(t, cfg.Schedule.Symbols)

	path := writeFile(t, t.TempDir(), "config.yaml", "gate:\n  default_symbol: ETH/USDT\nschedule:\n  interval: 4H\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Schedule.Enabled())
	assert.Equal(t, "4h", cfg.Schedule.Interval)
	assert.Equal(t, 5, cfg.Schedule.OffsetSeconds)
	assert.Equal(t, []string{"ETH/USDT"}, cfg.Schedule.Symbols)
}

func TestLoad_SecretsFromEnv(t *testing.T) {
	t.Setenv("ZKP_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ZKP_TELEGRAM_CHAT_ID", "42")
	path := writeFile(t, t.TempDir(), "config.yaml", "notify:\n  telegram:\n    enabled: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Notify.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Notify.Telegram.ChatID)
}
