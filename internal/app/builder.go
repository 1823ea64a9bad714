package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zkpredator/internal/analyst"
	"zkpredator/internal/bite"
	"zkpredator/internal/budget"
	"zkpredator/internal/config"
	"zkpredator/internal/consensus"
	"zkpredator/internal/decision"
	"zkpredator/internal/events"
	"zkpredator/internal/gateway/notifier"
	"zkpredator/internal/logger"
	"zkpredator/internal/payment"
	"zkpredator/internal/screen"
	"zkpredator/internal/store/gormstore"
	livehttp "zkpredator/internal/transport/http/live"
	"zkpredator/internal/x402"

	"github.com/shopspring/decimal"
)

var analystDescriptions = map[string]string{
	"technical": "Analyses price action, indicators, and chart patterns.",
	"sentiment": "Analyses news headlines, social-media sentiment, and fear/greed indices.",
	"onchain":   "Analyses wallet flows, exchange balances, and whale movements.",
}

type AppBuilder struct {
	cfg *config.Config

	screenerFn func(config.ScreenConfig) (decision.Screener, error)
	paymentFn  func(config.PaymentConfig, ...payment.Option) (*payment.Service, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

// WithScreenerFactory 替换初筛器构造，测试中用于避免外部请求。
func WithScreenerFactory(fn func(config.ScreenConfig) (decision.Screener, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.screenerFn = fn }
}

func WithNotifierFactory(fn func(config.NotifyConfig) notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) { b.notifierFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		screenerFn: screen.NewFromConfig,
		paymentFn:  payment.NewFromConfig,
		notifierFn: newNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 依次构造：账本 → 存储 → 支付 → 402 客户端 → 共识 → BITE → 初筛 → 闸门 → HTTP。
func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg, events: events.NewHub(events.DefaultBuffer)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	if cfg.App.TraceSpans {
		a.closers = append(a.closers, installTracing(logSpanExporter{}))
	}

	ceiling, err := decimal.NewFromString(strings.TrimSpace(cfg.Budget.Ceiling))
	if err != nil {
		return nil, fmt.Errorf("budget.ceiling 无效: %w", err)
	}
	a.ledger, err = budget.Open(budget.Options{
		Path:       cfg.Budget.LedgerPath,
		Ceiling:    ceiling,
		RecentSize: cfg.Budget.RecentSize,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 预算账本 ceiling=%s spent=%s", ceiling.StringFixed(2), a.ledger.TotalSpend().StringFixed(2))

	payOpts := []payment.Option{payment.WithEvents(a.events)}
	if path := strings.TrimSpace(cfg.Store.Path); path != "" {
		a.store, err = gormstore.NewGormStore(path)
		if err != nil {
			return nil, fmt.Errorf("open store failed: %w", err)
		}
		a.closers = append(a.closers, a.store.Close)
		payOpts = append(payOpts, payment.WithAuditSink(a.store))
	}
	a.payments, err = b.paymentFn(cfg.Payment, payOpts...)
	if err != nil {
		return nil, err
	}

	a.catalog, err = analyst.LoadCatalog(cfg.Analysts.CatalogPath)
	if err != nil {
		return nil, err
	}
	fetcher, err := x402.New(x402.Options{
		BaseURL:   cfg.Analysts.BaseURL,
		Endpoints: cfg.Analysts.Endpoints,
		Ledger:    a.ledger,
		Payer:     a.payments,
		Validator: a.catalog,
		Timeout:   time.Duration(cfg.Analysts.TimeoutSeconds) * time.Second,
		Events:    a.events,
	})
	if err != nil {
		return nil, err
	}
	aggregator, err := consensus.NewAggregator(fetcher, consensus.Weights(cfg.Consensus.Weights), cfg.Consensus.ConsensusTimeout(), cfg.Consensus.NeutralScore)
	if err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(cfg.Bite.VaultPath); path != "" {
		vault, err := bite.OpenSQLiteVault(path)
		if err != nil {
			return nil, fmt.Errorf("open bite vault failed: %w", err)
		}
		a.vault = vault
	} else {
		a.vault = bite.NewMemoryVault()
	}
	a.closers = append(a.closers, a.vault.Close)
	encryptor := bite.NewBridgeEncryptor(cfg.Bite.BridgeURL, time.Duration(cfg.Bite.TimeoutSeconds)*time.Second, a.vault).
		WithEvents(a.events)
	a.releaser, err = bite.NewReleaser(a.vault, cfg.Bite.Metrics)
	if err != nil {
		return nil, err
	}
	if err := a.releaser.Validate(cfg.Gate.ReleaseCondition); err != nil {
		return nil, fmt.Errorf("gate.release_condition 无效: %w", err)
	}

	screener, err := b.screenerFn(cfg.Screen)
	if err != nil {
		return nil, err
	}
	policy, err := policyFromConfig(cfg.Gate)
	if err != nil {
		return nil, err
	}
	deps := decision.Deps{
		Screener:  screener,
		Consensus: aggregator,
		Encryptor: encryptor,
		Notifier:  b.notifierFn(cfg.Notify),
		Events:    a.events,
		Policy:    policy,
		Resources: cfg.Gate.Resources,
	}
	if a.store != nil {
		deps.Recorder = a.store
	}
	a.gate, err = decision.NewGate(deps)
	if err != nil {
		return nil, err
	}

	a.httpServer, err = b.buildHTTP(a)
	if err != nil {
		return nil, err
	}
	a.Summary = buildSummary(cfg, a)
	return a, nil
}

func (b *AppBuilder) buildHTTP(a *App) (*livehttp.Server, error) {
	cfg := b.cfg
	var rounds livehttp.RoundLister
	if a.store != nil {
		rounds = a.store
	}
	api := livehttp.NewRouter(a.gate, a.ledger, a.payments, a.vault, a.releaser, rounds, livehttp.StatusInfo{
		Goal:          "Maximise risk-adjusted returns by acting on high-conviction alpha before the market can front-run.",
		Network:       cfg.Payment.Network,
		DefaultSymbol: cfg.Gate.DefaultSymbol,
		ServeMock:     cfg.Analysts.ServeMock,
		Weights:       cfg.Consensus.Weights,
		Descriptions:  analystDescriptions,
	})
	api.Events = a.events
	srvCfg := livehttp.ServerConfig{Addr: cfg.App.HTTPAddr, API: api}
	if cfg.Analysts.ServeMock {
		srvCfg.Analysts = analyst.NewService(a.catalog, a.payments.Address())
	}
	return livehttp.NewServer(srvCfg)
}

func policyFromConfig(g config.GateConfig) (decision.Policy, error) {
	size, err := decimal.NewFromString(strings.TrimSpace(g.IntentSizeUSDC))
	if err != nil {
		return decision.Policy{}, fmt.Errorf("gate.intent_size_usdc 无效: %w", err)
	}
	return decision.Policy{
		LowerBound:       g.LowerBound,
		UpperBound:       g.UpperBound,
		ExecuteThreshold: g.ExecuteThreshold,
		ScreenFallback:   g.ScreenFallback,
		ReleaseCondition: g.ReleaseCondition,
		Action:           g.IntentAction,
		Size:             size,
		Justification:    g.Justification,
	}, nil
}

func newNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.LogNotifier{}
	}
	logger.Infof("✓ Telegram 通知已启用 chat=%s", tg.ChatID)
	return notifier.Multi{notifier.LogNotifier{}, notifier.NewTelegram(tg.BotToken, tg.ChatID)}
}
