// Package payment 为付费数据结算资金，支持模拟后端与钱包网关后端。
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ModeMock   = "mock"
	ModeWallet = "wallet"

	DefaultAsset = "usdc"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Request 是一次转账请求，由 402 响应中的付款条款生成。
type Request struct {
	Destination string
	Amount      decimal.Decimal
	Asset       string
	Resource    string
}

// Receipt 描述一次付款尝试的结果。失败不会以 error 抛出，而是体现在 Status/Reason。
type Receipt struct {
	Status        Status          `json:"status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	Destination   string          `json:"destination"`
	Resource      string          `json:"resource,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (r Receipt) OK() bool {
	return r.Status == StatusSuccess && r.TransactionID != ""
}

// Client 是支付协作方的窄接口。
type Client interface {
	Address() string
	Mode() string
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	Pay(ctx context.Context, req Request) Receipt
}

// Backend 执行真正的资金划转。
type Backend interface {
	Address() string
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	Transfer(ctx context.Context, req Request) (string, error)
}

// AuditSink 接收每一次付款尝试（成功或失败），用于持久化审计。
type AuditSink interface {
	SavePayment(ctx context.Context, r Receipt) error
}
