package config

import (
	"sort"
	"strings"

	"zkpredator/internal/pkg/symbol"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":8000"
	defaultBudgetCeiling     = "10.00"
	defaultBudgetLedgerPath  = "data/budget_log.json"
	defaultBudgetRecentSize  = 5
	defaultPaymentMode       = "mock"
	defaultMockAddress       = "0xMockAddress123456789"
	defaultMockBalance       = "100.00"
	defaultMockLatencyMS     = 1000
	defaultPaymentNetwork    = "base-sepolia"
	defaultPaymentTimeout    = 30
	defaultPaymentRate       = 2
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 60
	defaultAnalystsBaseURL   = "http://localhost:8000"
	defaultAnalystsTimeout   = 10
	defaultConsensusTimeout  = 20
	defaultNeutralScore      = 0.5
	defaultGateLower         = 0.4
	defaultGateUpper         = 0.9
	defaultGateThreshold     = 0.75
	defaultGateFallback      = 0.5
	defaultReleaseCondition  = "CONFIDENCE > 0.8"
	defaultIntentAction      = "BUY"
	defaultIntentSizeUSDC    = "1000"
	defaultSymbol            = "BTC/USDT"
	defaultJustification     = "Building Consensus for BITE Execution"
	defaultBiteBridgeURL     = "http://localhost:3000/api/bite/encrypt"
	defaultBiteTimeout       = 15
	defaultBiteVaultPath     = "data/bite_vault.db"
	defaultScreenSource      = "static"
	defaultScreenStatic      = 0.5
	defaultScreenRESTBaseURL = "https://fapi.binance.com"
	defaultScreenInterval    = "1h"
	defaultScreenRSIPeriod   = 14
	defaultStorePath         = "data/zkpredator.db"
	defaultScheduleOffset    = 5
)

// DefaultEndpoints 对应分析师网络的三个付费资源。
func DefaultEndpoints() map[string]string {
	return map[string]string{
		"technical": "/analysts/technical",
		"sentiment": "/analysts/sentiment",
		"onchain":   "/analysts/onchain",
	}
}

// DefaultWeights 技术面 30%、情绪 20%、链上 50%。
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"technical": 0.3,
		"sentiment": 0.2,
		"onchain":   0.5,
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Budget.applyDefaults(keys)
	c.Payment.applyDefaults(keys)
	c.Analysts.applyDefaults(keys)
	c.Consensus.applyDefaults(keys)
	c.Gate.applyDefaults(keys, c.Consensus.Weights)
	c.Bite.applyDefaults(keys)
	c.Screen.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Schedule.applyDefaults(keys, c.Gate.DefaultSymbol)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (b *BudgetConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("budget.ceiling", &b.Ceiling, defaultBudgetCeiling),
		stringFieldDefault("budget.ledger_path", &b.LedgerPath, defaultBudgetLedgerPath),
		intFieldDefault("budget.recent_size", &b.RecentSize, defaultBudgetRecentSize),
	)
}

func (p *PaymentConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("payment.mode", &p.Mode, defaultPaymentMode),
		stringFieldDefault("payment.mock_address", &p.MockAddress, defaultMockAddress),
		stringFieldDefault("payment.mock_balance", &p.MockBalance, defaultMockBalance),
		stringFieldDefault("payment.network", &p.Network, defaultPaymentNetwork),
		intFieldDefault("payment.mock_latency_ms", &p.MockLatencyMS, defaultMockLatencyMS),
		intFieldDefault("payment.timeout_seconds", &p.TimeoutSeconds, defaultPaymentTimeout),
		intFieldDefault("payment.breaker_threshold", &p.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("payment.breaker_cooldown_seconds", &p.BreakerCooldown, defaultBreakerCooldown),
		fieldDefault{
			key:   "payment.rate_per_second",
			need:  func() bool { return p.RatePerSecond <= 0 },
			apply: func() { p.RatePerSecond = defaultPaymentRate },
		},
	)
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
}

func (a *AnalystsConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("analysts.base_url", &a.BaseURL, defaultAnalystsBaseURL),
		intFieldDefault("analysts.timeout_seconds", &a.TimeoutSeconds, defaultAnalystsTimeout),
	)
	if len(a.Endpoints) == 0 {
		a.Endpoints = DefaultEndpoints()
	}
	a.BaseURL = strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if !keys.isSet("analysts.serve_mock") {
		a.ServeMock = true
	}
}

func (c *ConsensusConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	if len(c.Weights) == 0 {
		c.Weights = DefaultWeights()
	}
	applyFieldDefaults(keys,
		intFieldDefault("consensus.timeout_seconds", &c.TimeoutSeconds, defaultConsensusTimeout),
		fieldDefault{
			key:   "consensus.neutral_score",
			need:  func() bool { return c.NeutralScore == 0 },
			apply: func() { c.NeutralScore = defaultNeutralScore },
		},
	)
}

func (g *GateConfig) applyDefaults(keys keySet, weights map[string]float64) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("gate.lower_bound", &g.LowerBound, defaultGateLower),
		floatFieldDefault("gate.upper_bound", &g.UpperBound, defaultGateUpper),
		floatFieldDefault("gate.execute_threshold", &g.ExecuteThreshold, defaultGateThreshold),
		floatFieldDefault("gate.screen_fallback", &g.ScreenFallback, defaultGateFallback),
		stringFieldDefault("gate.release_condition", &g.ReleaseCondition, defaultReleaseCondition),
		stringFieldDefault("gate.intent_action", &g.IntentAction, defaultIntentAction),
		stringFieldDefault("gate.intent_size_usdc", &g.IntentSizeUSDC, defaultIntentSizeUSDC),
		stringFieldDefault("gate.default_symbol", &g.DefaultSymbol, defaultSymbol),
		stringFieldDefault("gate.justification", &g.Justification, defaultJustification),
	)
	if len(g.Resources) == 0 {
		g.Resources = sortedKeys(weights)
	}
	g.Resources = normalizeNameList(g.Resources)
}

func (b *BiteConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("bite.bridge_url", &b.BridgeURL, defaultBiteBridgeURL),
		intFieldDefault("bite.timeout_seconds", &b.TimeoutSeconds, defaultBiteTimeout),
		stringFieldDefault("bite.vault_path", &b.VaultPath, defaultBiteVaultPath),
	)
	if len(b.Metrics) == 0 {
		b.Metrics = []string{"CONFIDENCE"}
	}
}

func (s *ScreenConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("screen.source", &s.Source, defaultScreenSource),
		floatFieldDefault("screen.static_confidence", &s.Static, defaultScreenStatic),
		stringFieldDefault("screen.rest_base_url", &s.RESTBaseURL, defaultScreenRESTBaseURL),
		stringFieldDefault("screen.interval", &s.Interval, defaultScreenInterval),
		intFieldDefault("screen.rsi_period", &s.RSIPeriod, defaultScreenRSIPeriod),
	)
	s.Source = strings.ToLower(strings.TrimSpace(s.Source))
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (s *ScheduleConfig) applyDefaults(keys keySet, fallback string) {
	if s == nil {
		return
	}
	s.Interval = strings.ToLower(strings.TrimSpace(s.Interval))
	applyFieldDefaults(keys,
		intFieldDefault("schedule.offset_seconds", &s.OffsetSeconds, defaultScheduleOffset),
	)
	s.Symbols = symbol.NormalizeList(s.Symbols)
	if len(s.Symbols) == 0 && s.Interval != "" {
		s.Symbols = []string{symbol.Normalize(fallback)}
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeNameList(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
