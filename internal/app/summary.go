package app

import (
	"fmt"
	"sort"
	"strings"

	"zkpredator/internal/config"
)

type StartupSummary struct {
	App      AppSummary
	Budget   BudgetSummary
	Payment  PaymentSummary
	Analysts []AnalystSummary
	Gate     GateSummary
	Bite     BiteSummary
}

type AppSummary struct {
	Env       string
	HTTPAddr  string
	ServeMock bool
	StorePath string
}

type BudgetSummary struct {
	Ceiling    string
	Spent      string
	Purchases  int
	LedgerPath string
}

type PaymentSummary struct {
	Mode    string
	Address string
	Network string
}

type AnalystSummary struct {
	Name   string
	Weight float64
	Price  string
	Asset  string
}

type GateSummary struct {
	Band             string
	Threshold        float64
	ScreenSource     string
	ReleaseCondition string
	DefaultSymbol    string
	Schedule         string
}

type BiteSummary struct {
	BridgeURL string
	VaultPath string
	Metrics   []string
}

func buildSummary(cfg *config.Config, a *App) *StartupSummary {
	s := &StartupSummary{
		App: AppSummary{
			Env:       cfg.App.Env,
			HTTPAddr:  cfg.App.HTTPAddr,
			ServeMock: cfg.Analysts.ServeMock,
			StorePath: cfg.Store.Path,
		},
		Gate: GateSummary{
			Band:             fmt.Sprintf("[%.2f, %.2f)", cfg.Gate.LowerBound, cfg.Gate.UpperBound),
			Threshold:        cfg.Gate.ExecuteThreshold,
			ScreenSource:     cfg.Screen.Source,
			ReleaseCondition: cfg.Gate.ReleaseCondition,
			DefaultSymbol:    cfg.Gate.DefaultSymbol,
			Schedule:         "-",
		},
		Bite: BiteSummary{
			BridgeURL: cfg.Bite.BridgeURL,
			VaultPath: cfg.Bite.VaultPath,
			Metrics:   cfg.Bite.Metrics,
		},
	}
	if sc := cfg.Schedule; sc.Enabled() {
		s.Gate.Schedule = fmt.Sprintf("每 %s (+%ds) %s", sc.Interval, sc.OffsetSeconds, formatList(sc.Symbols))
	}
	if a.ledger != nil {
		sum := a.ledger.Summary()
		s.Budget = BudgetSummary{
			Ceiling:    a.ledger.Ceiling().StringFixed(2),
			Spent:      sum.TotalSpend.StringFixed(2),
			Purchases:  sum.PurchaseCount,
			LedgerPath: cfg.Budget.LedgerPath,
		}
	}
	if a.payments != nil {
		s.Payment = PaymentSummary{Mode: a.payments.Mode(), Address: a.payments.Address(), Network: cfg.Payment.Network}
	}
	names := make([]string, 0, len(cfg.Consensus.Weights))
	for name := range cfg.Consensus.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		item := AnalystSummary{Name: name, Weight: cfg.Consensus.Weights[name], Price: "-"}
		if a.catalog != nil {
			if offer, ok := a.catalog.Offer(name); ok {
				item.Price = offer.Amount().String()
				item.Asset = offer.Asset
			}
		}
		s.Analysts = append(s.Analysts, item)
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[应用 (APP)]")
	fmt.Printf("  环境: %s\n", s.App.Env)
	fmt.Printf("  监听地址: %s\n", s.App.HTTPAddr)
	fmt.Printf("  模拟分析师: %v\n", s.App.ServeMock)
	fmt.Printf("  存储: %s\n", orDash(s.App.StorePath))
	fmt.Println()

	fmt.Println("[预算 (BUDGET)]")
	fmt.Printf("  上限: %s\n", s.Budget.Ceiling)
	fmt.Printf("  已花费: %s (%d 笔)\n", s.Budget.Spent, s.Budget.Purchases)
	fmt.Printf("  账本: %s\n", orDash(s.Budget.LedgerPath))
	fmt.Println()

	fmt.Println("[支付 (PAYMENT)]")
	fmt.Printf("  模式: %s\n", s.Payment.Mode)
	fmt.Printf("  地址: %s\n", s.Payment.Address)
	fmt.Printf("  网络: %s\n", s.Payment.Network)
	fmt.Println()

	fmt.Println("[分析师 (ANALYSTS)]")
	if len(s.Analysts) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, a := range s.Analysts {
		fmt.Printf("  > %-10s 权重 %.2f  价格 %s %s\n", a.Name, a.Weight, a.Price, a.Asset)
	}
	fmt.Println()

	fmt.Println("[决策闸门 (GATE)]")
	fmt.Printf("  初筛来源: %s\n", s.Gate.ScreenSource)
	fmt.Printf("  初筛区间: %s\n", s.Gate.Band)
	fmt.Printf("  执行阈值: > %.2f\n", s.Gate.Threshold)
	fmt.Printf("  释放条件: %s\n", s.Gate.ReleaseCondition)
	fmt.Printf("  默认标的: %s\n", s.Gate.DefaultSymbol)
	fmt.Printf("  定时轮次: %s\n", s.Gate.Schedule)
	fmt.Println()

	fmt.Println("[BITE]")
	fmt.Printf("  桥接: %s\n", s.Bite.BridgeURL)
	fmt.Printf("  金库: %s\n", orDash(s.Bite.VaultPath))
	fmt.Printf("  指标: %s\n", formatList(s.Bite.Metrics))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
