package payment

import (
	"context"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/events"
	"zkpredator/internal/logger"

	"github.com/shopspring/decimal"
)

// Reason 取值
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonTransferFailed = "transfer_failed"
	ReasonCanceled       = "canceled"
)

type Option func(*Service)

func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithEvents 成功付款后发布 wallet_update。
func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service 在 Backend 之上实现 Client，并保留全部付款尝试的审计日志。
type Service struct {
	mode    string
	backend Backend
	sink    AuditSink
	events  events.Publisher
	now     func() time.Time

	mu    sync.Mutex
	audit []Receipt
}

func NewService(mode string, backend Backend, opts ...Option) *Service {
	s := &Service{
		mode:    mode,
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Address() string {
	return s.backend.Address()
}

func (s *Service) Mode() string {
	return s.mode
}

func (s *Service) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return s.backend.Balance(ctx, normalizeAsset(asset))
}

// Pay 执行一次转账。任何失败都折叠为 failed 回执，不会 panic。
func (s *Service) Pay(ctx context.Context, req Request) Receipt {
	req.Asset = normalizeAsset(req.Asset)
	req.Destination = strings.TrimSpace(req.Destination)
	receipt := Receipt{
		Amount:      req.Amount,
		Asset:       req.Asset,
		Destination: req.Destination,
		Resource:    req.Resource,
	}
	switch {
	case req.Destination == "":
		receipt = failed(receipt, ReasonInvalidRequest, "missing destination")
	case !req.Amount.IsPositive():
		receipt = failed(receipt, ReasonInvalidRequest, "amount must be > 0")
	default:
		logger.Infof("💸 Paying %s %s to %s for %s", req.Amount, req.Asset, req.Destination, req.Resource)
		txID, err := s.backend.Transfer(ctx, req)
		switch {
		case err != nil && ctx.Err() != nil:
			receipt = failed(receipt, ReasonCanceled, err.Error())
		case err != nil:
			receipt = failed(receipt, ReasonTransferFailed, err.Error())
		case strings.TrimSpace(txID) == "":
			receipt = failed(receipt, ReasonTransferFailed, "backend returned empty transaction id")
		default:
			receipt.Status = StatusSuccess
			receipt.TransactionID = txID
		}
	}
	receipt.Timestamp = s.now().UTC()
	if receipt.OK() {
		logger.Infof("✅ Payment successful tx=%s", receipt.TransactionID)
	} else {
		logger.Warnf("❌ Payment failed resource=%s reason=%s err=%s", req.Resource, receipt.Reason, receipt.Error)
	}
	s.appendAudit(ctx, receipt)
	if receipt.OK() && s.events != nil {
		s.publishBalance(ctx, req.Asset)
	}
	return receipt
}

func (s *Service) publishBalance(ctx context.Context, asset string) {
	bal, err := s.Balance(ctx, asset)
	if err != nil {
		logger.Debugf("wallet_update skipped: %v", err)
		return
	}
	s.events.Publish(events.TypeWalletUpdate, map[string]any{
		"address": s.Address(),
		"balance": bal.String(),
		"asset":   asset,
		"mode":    s.mode,
	})
}

// AuditLog 返回付款尝试记录的副本。
func (s *Service) AuditLog() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Receipt, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Service) appendAudit(ctx context.Context, r Receipt) {
	s.mu.Lock()
	s.audit = append(s.audit, r)
	s.mu.Unlock()
	if s.sink == nil {
		return
	}
	// 请求上下文可能已取消，审计写入不跟随它
	if err := s.sink.SavePayment(context.WithoutCancel(ctx), r); err != nil {
		logger.Errorf("payment audit sink 写入失败: %v", err)
	}
}

func failed(r Receipt, reason, msg string) Receipt {
	r.Status = StatusFailed
	r.Reason = reason
	r.Error = msg
	return r
}

func normalizeAsset(asset string) string {
	asset = strings.ToLower(strings.TrimSpace(asset))
	if asset == "" {
		return DefaultAsset
	}
	return asset
}
