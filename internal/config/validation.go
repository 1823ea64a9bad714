package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const weightSumTolerance = 1e-9

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Budget.validate(); err != nil {
		return err
	}
	if err := c.Payment.validate(); err != nil {
		return err
	}
	if err := c.Analysts.validate(); err != nil {
		return err
	}
	if err := c.Consensus.validate(); err != nil {
		return err
	}
	if err := c.Gate.validate(c.Consensus.Weights, c.Analysts.Endpoints); err != nil {
		return err
	}
	if err := c.Screen.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BudgetConfig) validate() error {
	ceiling, err := decimal.NewFromString(strings.TrimSpace(b.Ceiling))
	if err != nil {
		return fmt.Errorf("budget.ceiling must be a decimal string: %w", err)
	}
	if !ceiling.IsPositive() {
		return fmt.Errorf("budget.ceiling must be > 0")
	}
	if strings.TrimSpace(b.LedgerPath) == "" {
		return fmt.Errorf("budget.ledger_path cannot be empty")
	}
	if b.RecentSize <= 0 {
		return fmt.Errorf("budget.recent_size must be > 0")
	}
	return nil
}

func (p *PaymentConfig) validate() error {
	switch p.Mode {
	case "mock":
	case "wallet":
		if strings.TrimSpace(p.GatewayURL) == "" {
			return fmt.Errorf("payment.gateway_url cannot be empty when payment.mode=wallet")
		}
	default:
		return fmt.Errorf("payment.mode only supports 'mock' or 'wallet', got %s", p.Mode)
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(p.MockBalance)); err != nil {
		return fmt.Errorf("payment.mock_balance must be a decimal string: %w", err)
	}
	if p.MockLatencyMS < 0 {
		return fmt.Errorf("payment.mock_latency_ms must be >= 0")
	}
	return nil
}

func (a *AnalystsConfig) validate() error {
	if a.BaseURL == "" {
		return fmt.Errorf("analysts.base_url cannot be empty")
	}
	for name, path := range a.Endpoints {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("analysts.endpoints contains an empty resource name")
		}
		if !strings.HasPrefix(strings.TrimSpace(path), "/") {
			return fmt.Errorf("analysts.endpoints.%s must start with '/'", name)
		}
	}
	return nil
}

func (c *ConsensusConfig) validate() error {
	if len(c.Weights) == 0 {
		return fmt.Errorf("consensus.weights requires at least one resource")
	}
	sum := 0.0
	for name, w := range c.Weights {
		if w < 0 || w > 1 || math.IsNaN(w) {
			return fmt.Errorf("consensus.weights.%s must be in [0,1], got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("consensus.weights must sum to 1.0, got %.6f", sum)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("consensus.timeout_seconds must be > 0")
	}
	if c.NeutralScore < 0 || c.NeutralScore > 1 {
		return fmt.Errorf("consensus.neutral_score must be in [0,1]")
	}
	return nil
}

func (g *GateConfig) validate(weights map[string]float64, endpoints map[string]string) error {
	if g.LowerBound < 0 || g.UpperBound > 1 || g.LowerBound >= g.UpperBound {
		return fmt.Errorf("gate requires 0 <= lower_bound < upper_bound <= 1")
	}
	if g.ExecuteThreshold < 0 || g.ExecuteThreshold > 1 {
		return fmt.Errorf("gate.execute_threshold must be in [0,1]")
	}
	if g.ScreenFallback < 0 || g.ScreenFallback > 1 {
		return fmt.Errorf("gate.screen_fallback must be in [0,1]")
	}
	if strings.TrimSpace(g.ReleaseCondition) == "" {
		return fmt.Errorf("gate.release_condition cannot be empty")
	}
	if size, err := decimal.NewFromString(g.IntentSizeUSDC); err != nil || !size.IsPositive() {
		return fmt.Errorf("gate.intent_size_usdc must be a positive decimal")
	}
	if len(g.Resources) == 0 {
		return fmt.Errorf("gate.resources requires at least one resource")
	}
	for _, name := range g.Resources {
		if _, ok := weights[name]; !ok {
			return fmt.Errorf("gate.resources contains %s without consensus weight", name)
		}
		if _, ok := endpoints[name]; !ok {
			return fmt.Errorf("gate.resources contains %s without analysts endpoint", name)
		}
	}
	// 有权重但不采集的资源会恒为 0 分并压低共识上限
	gathered := make(map[string]struct{}, len(g.Resources))
	for _, name := range g.Resources {
		gathered[name] = struct{}{}
	}
	for name := range weights {
		if _, ok := gathered[name]; !ok {
			return fmt.Errorf("consensus.weights contains %s missing from gate.resources", name)
		}
	}
	return nil
}

func (s *ScreenConfig) validate() error {
	switch s.Source {
	case "static", "fear_greed", "binance":
	default:
		return fmt.Errorf("screen.source only supports static|fear_greed|binance, got %s", s.Source)
	}
	if s.Static < 0 || s.Static > 1 {
		return fmt.Errorf("screen.static_confidence must be in [0,1]")
	}
	if s.Source == "binance" && !IsValidInterval(s.Interval) {
		return fmt.Errorf("screen.interval is invalid: %s", s.Interval)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	if !s.Enabled() {
		return nil
	}
	if !IsValidInterval(s.Interval) {
		return fmt.Errorf("schedule.interval is invalid: %s", s.Interval)
	}
	if s.OffsetSeconds < 0 {
		return fmt.Errorf("schedule.offset_seconds must be >= 0")
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
