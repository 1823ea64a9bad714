package livehttp

import (
	"context"

	"zkpredator/internal/bite"
	"zkpredator/internal/budget"
	"zkpredator/internal/decision"
	"zkpredator/internal/store/gormstore"
	"zkpredator/internal/types"

	"github.com/shopspring/decimal"
)

// RoundRunner 由 decision.Gate 实现。
type RoundRunner interface {
	Run(ctx context.Context, subject string, opts ...decision.RunOption) (decision.Outcome, error)
	Resources() []string
	Policy() decision.Policy
}

// AuditSource 由 budget.Ledger 实现。
type AuditSource interface {
	Summary() budget.Summary
	Expenses() []budget.Expense
	Ceiling() decimal.Decimal
}

// IntentReleaser 由 bite.Releaser 实现。
type IntentReleaser interface {
	TryRelease(ctx context.Context, ref string, observed map[string]float64) (bite.Release, error)
	Metrics() []string
}

// IntentLister 由 bite.Vault 实现。
type IntentLister interface {
	List(ctx context.Context) ([]types.SealedIntent, error)
}

// RoundLister 由 gormstore.GormStore 实现。
type RoundLister interface {
	ListRounds(ctx context.Context, subject string, limit int) ([]gormstore.RoundRecord, error)
}

// TriggerRequest 是 POST /trigger 的请求体；force_demo 缺省为 true。
type TriggerRequest struct {
	Symbol    string `json:"symbol"`
	ForceDemo *bool  `json:"force_demo"`
}

// ReleaseRequest 是 POST /intents/:id/release 的请求体。
type ReleaseRequest struct {
	Metrics map[string]float64 `json:"metrics"`
}

// AnalystInfo 描述一个付费分析资源。
type AnalystInfo struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
	Status      string  `json:"status"`
	DataSource  string  `json:"data_source"`
}
