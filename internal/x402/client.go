// Package x402 实现 HTTP 402 付费资源协商：请求、解析条款、授权、付款、携带凭证重试。
package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"zkpredator/internal/budget"
	"zkpredator/internal/events"
	"zkpredator/internal/logger"
	"zkpredator/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxReportBytes = 1 << 20
	tracerName     = "zkpredator/x402"
)

// Ledger 是协商所需的预算能力。
type Ledger interface {
	Reserve(amount decimal.Decimal, purpose, justification string) (*budget.Reservation, error)
}

// Validator 对已付费取得的报告做额外的结构校验。
type Validator interface {
	ValidateReport(resource string, raw []byte) error
}

// Report 是分析师返回的评分报告。
type Report struct {
	Resource      string          `json:"resource"`
	Score         float64         `json:"score"`
	Detail        json.RawMessage `json:"detail"`
	Paid          decimal.Decimal `json:"paid"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type Options struct {
	BaseURL    string
	Endpoints  map[string]string
	Ledger     Ledger
	Payer      payment.Client
	Validator  Validator
	HTTPClient *http.Client
	Timeout    time.Duration
	// Events 接收 payment_update / analyst_result，可为空。
	Events events.Publisher
}

// Client 对每个资源最多发出两次请求：首次请求与付款后的重试。
type Client struct {
	baseURL   string
	endpoints map[string]string
	ledger    Ledger
	payer     payment.Client
	validator Validator
	http      *http.Client
	events    events.Publisher
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("x402 base url 不能为空")
	}
	if opts.Ledger == nil || opts.Payer == nil {
		return nil, fmt.Errorf("x402 client 需要 ledger 与 payer")
	}
	endpoints := make(map[string]string, len(opts.Endpoints))
	for name, path := range opts.Endpoints {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		endpoints[name] = strings.TrimSpace(path)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   base,
		endpoints: endpoints,
		ledger:    opts.Ledger,
		payer:     opts.Payer,
		validator: opts.Validator,
		events:    events.OrNop(opts.Events),
		http:      hc,
	}, nil
}

// Resources 返回已配置的资源名（排序）。
func (c *Client) Resources() []string {
	out := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Fetch 取得一个付费资源的报告。所有失败都以 *Error 返回。
func (c *Client) Fetch(ctx context.Context, resource, justification string) (Report, error) {
	resource = strings.ToLower(strings.TrimSpace(resource))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "x402.fetch",
		trace.WithAttributes(attribute.String("x402.resource", resource)))
	defer span.End()

	report, err := c.negotiate(ctx, resource, justification)
	if err != nil {
		var xe *Error
		if errors.As(err, &xe) {
			span.SetAttributes(attribute.String("x402.stage", string(xe.Stage)), attribute.Int("http.status_code", xe.Status))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	c.events.Publish(events.TypeAnalystResult, map[string]any{
		"type":  resource,
		"score": report.Score,
		"paid":  report.Paid.String(),
		"data":  report.Detail,
	})
	return report, nil
}

func (c *Client) negotiate(ctx context.Context, resource, justification string) (Report, error) {
	endpoint, ok := c.endpoints[resource]
	if !ok {
		return Report{}, fail(resource, StageInitial, 0, ErrUnknownResource, "")
	}
	url := c.baseURL + endpoint

	status, header, body, err := c.get(ctx, url, "")
	if err != nil {
		return Report{}, fail(resource, StageInitial, 0, ErrTransport, err.Error())
	}
	switch status {
	case http.StatusOK:
		return c.decode(resource, StageInitial, body, decimal.Zero, "")
	case http.StatusPaymentRequired:
	default:
		return Report{}, fail(resource, StageInitial, status, ErrUnexpectedStatus, "")
	}

	logger.Infof("Analyst %s requires payment. Negotiating...", resource)
	terms, err := ParseTerms(header)
	if err != nil {
		return Report{}, fail(resource, StageNegotiate, status, ErrInvalidTerms, err.Error())
	}
	purpose := "Analyst: " + resource
	reservation, err := c.ledger.Reserve(terms.Amount, purpose, justification)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			return Report{}, fail(resource, StageNegotiate, status, ErrBudgetExceeded, "")
		}
		return Report{}, fail(resource, StageNegotiate, status, ErrInvalidTerms, err.Error())
	}

	c.events.Publish(events.TypePaymentUpdate, paymentUpdate(resource, terms.Amount, "pending..."))
	receipt := c.payer.Pay(ctx, payment.Request{
		Destination: terms.Destination,
		Amount:      terms.Amount,
		Asset:       terms.Asset,
		Resource:    purpose,
	})
	if !receipt.OK() {
		reservation.Release()
		reason := strings.TrimSpace(strings.Join([]string{receipt.Reason, receipt.Error}, ": "))
		return Report{}, fail(resource, StagePay, 0, ErrPaymentFailed, strings.Trim(reason, ": "))
	}
	c.events.Publish(events.TypePaymentUpdate, paymentUpdate(resource, terms.Amount, receipt.TransactionID))
	if err := reservation.Commit(receipt.TransactionID); err != nil {
		// 内存账本已更新，落盘失败不影响本次取数
		logger.Errorf("x402 %s 付款已记账但账本落盘失败: %v", resource, err)
	}

	status, _, body, err = c.get(ctx, url, receipt.TransactionID)
	if err != nil {
		logger.Warnf("Analyst %s retry transport error after payment tx=%s: %v", resource, receipt.TransactionID, err)
		return Report{}, fail(resource, StageRetry, 0, ErrTransport, err.Error())
	}
	if status != http.StatusOK {
		logger.Warnf("Analyst %s still locked after payment tx=%s status=%d", resource, receipt.TransactionID, status)
		return Report{}, fail(resource, StageRetry, status, ErrStillLocked, fmt.Sprintf("failed after payment: %d", status))
	}
	return c.decode(resource, StageRetry, body, terms.Amount, receipt.TransactionID)
}

func paymentUpdate(resource string, amount decimal.Decimal, tx string) map[string]any {
	return map[string]any{"analyst": resource, "amount": amount.String(), "tx_hash": tx}
}

func (c *Client) get(ctx context.Context, url, token string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(HeaderPaymentToken, token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) decode(resource string, stage Stage, body []byte, paid decimal.Decimal, txID string) (Report, error) {
	score, err := ExtractScore(body)
	if err != nil {
		return Report{}, fail(resource, StageDecode, http.StatusOK, ErrMalformedReport, err.Error())
	}
	if c.validator != nil {
		if err := c.validator.ValidateReport(resource, body); err != nil {
			return Report{}, fail(resource, StageDecode, http.StatusOK, ErrSchemaViolation, err.Error())
		}
	}
	logger.Debugf("x402 %s fulfilled at %s score=%.2f", resource, stage, score)
	return Report{
		Resource:      resource,
		Score:         score,
		Detail:        json.RawMessage(body),
		Paid:          paid,
		TransactionID: txID,
	}, nil
}

// ExtractScore 要求报告为 JSON 对象且 score 为 [0,1] 内的数值。
func ExtractScore(body []byte) (float64, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("report is not valid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return 0, fmt.Errorf("report must be a json object")
	}
	score := root.Get("score")
	if !score.Exists() {
		return 0, fmt.Errorf("report missing score")
	}
	if score.Type != gjson.Number {
		return 0, fmt.Errorf("score must be numeric, got %s", score.Type)
	}
	v := score.Float()
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("score %.4f out of range [0,1]", v)
	}
	return v, nil
}
