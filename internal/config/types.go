package config

import (
	"strings"
	"time"
)

// Config 是 zkpredator 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Budget    BudgetConfig    `toml:"budget"`
	Payment   PaymentConfig   `toml:"payment"`
	Analysts  AnalystsConfig  `toml:"analysts"`
	Consensus ConsensusConfig `toml:"consensus"`
	Gate      GateConfig      `toml:"gate"`
	Bite      BiteConfig      `toml:"bite"`
	Screen    ScreenConfig    `toml:"screen"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	Schedule  ScheduleConfig  `toml:"schedule"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`

	// TraceSpans 为 true 时把每轮的 span 以 debug 级别写入日志。
	TraceSpans bool `toml:"trace_spans"`
}

// BudgetConfig 控制付费数据的花费上限与账本落盘位置。
type BudgetConfig struct {
	Ceiling    string `toml:"ceiling"` // 十进制字符串，避免浮点误差
	LedgerPath string `toml:"ledger_path"`
	RecentSize int    `toml:"recent_size"`
}

// PaymentConfig 描述支付后端。mode=mock 时不触达任何外部服务。
type PaymentConfig struct {
	Mode             string  `toml:"mode"` // "mock" | "wallet"
	MockAddress      string  `toml:"mock_address"`
	MockBalance      string  `toml:"mock_balance"`
	MockLatencyMS    int     `toml:"mock_latency_ms"`
	GatewayURL       string  `toml:"gateway_url"`
	APIKeyName       string  `toml:"api_key_name"`
	APIKeySecret     string  `toml:"api_key_secret"`
	Network          string  `toml:"network"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	RatePerSecond    float64 `toml:"rate_per_second"`
	BreakerThreshold int     `toml:"breaker_threshold"`
	BreakerCooldown  int     `toml:"breaker_cooldown_seconds"`
}

// AnalystsConfig 描述付费分析师网络（402 资源）的访问方式。
type AnalystsConfig struct {
	BaseURL        string            `toml:"base_url"`
	Endpoints      map[string]string `toml:"endpoints"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	// ServeMock 为 true 时由本进程挂载 /analysts/* 模拟服务。
	ServeMock   bool   `toml:"serve_mock"`
	CatalogPath string `toml:"catalog_path"`
}

type ConsensusConfig struct {
	Weights        map[string]float64 `toml:"weights"`
	TimeoutSeconds int                `toml:"timeout_seconds"`
	NeutralScore   float64            `toml:"neutral_score"`
}

// GateConfig 是决策闸门的策略常量。
type GateConfig struct {
	LowerBound       float64  `toml:"lower_bound"`
	UpperBound       float64  `toml:"upper_bound"`
	ExecuteThreshold float64  `toml:"execute_threshold"`
	ScreenFallback   float64  `toml:"screen_fallback"`
	ReleaseCondition string   `toml:"release_condition"`
	IntentAction     string   `toml:"intent_action"`
	IntentSizeUSDC   string   `toml:"intent_size_usdc"`
	Resources        []string `toml:"resources"`
	DefaultSymbol    string   `toml:"default_symbol"`
	Justification    string   `toml:"justification"`
}

type BiteConfig struct {
	BridgeURL      string   `toml:"bridge_url"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	VaultPath      string   `toml:"vault_path"`
	Metrics        []string `toml:"metrics"`
}

// ScreenConfig 选择初筛信号源：static | fear_greed | binance。
type ScreenConfig struct {
	Source      string  `toml:"source"`
	Static      float64 `toml:"static_confidence"`
	RESTBaseURL string  `toml:"rest_base_url"`
	Interval    string  `toml:"interval"`
	RSIPeriod   int     `toml:"rsi_period"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// ScheduleConfig 控制 serve 模式下按周期自动执行决策轮次；Interval 为空即关闭。
type ScheduleConfig struct {
	Interval       string   `toml:"interval"`
	OffsetSeconds  int      `toml:"offset_seconds"`
	RunImmediately bool     `toml:"run_immediately"`
	Symbols        []string `toml:"symbols"`
}

// Enabled 判断是否开启定时轮次。
func (s ScheduleConfig) Enabled() bool {
	return strings.TrimSpace(s.Interval) != ""
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ConsensusTimeout 返回单个资源的等待上限。
func (c ConsensusConfig) ConsensusTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WalletConfigured 判断真实钱包模式的凭据是否齐全。
func (p PaymentConfig) WalletConfigured() bool {
	return strings.TrimSpace(p.GatewayURL) != "" &&
		strings.TrimSpace(p.APIKeyName) != "" &&
		strings.TrimSpace(p.APIKeySecret) != ""
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
