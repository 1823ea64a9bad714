package x402

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	HeaderPaymentAddress = "X-Payment-Address"
	HeaderPaymentAmount  = "X-Payment-Amount"
	HeaderPaymentAsset   = "X-Payment-Asset"
	HeaderServiceType    = "X-Service-Type"
	HeaderPaymentToken   = "X-Payment-Token"

	DefaultAsset = "usdc"
)

// Terms 是 402 响应头携带的付款条款。
type Terms struct {
	Destination string
	Amount      decimal.Decimal
	Asset       string
	Resource    string
}

// ParseTerms 从响应头解析付款条款。地址缺失或金额非正时返回错误。
func ParseTerms(h http.Header) (Terms, error) {
	t := Terms{
		Destination: strings.TrimSpace(h.Get(HeaderPaymentAddress)),
		Asset:       strings.ToLower(strings.TrimSpace(h.Get(HeaderPaymentAsset))),
		Resource:    strings.TrimSpace(h.Get(HeaderServiceType)),
	}
	if t.Asset == "" {
		t.Asset = DefaultAsset
	}
	if t.Destination == "" {
		return t, fmt.Errorf("missing %s", HeaderPaymentAddress)
	}
	raw := strings.TrimSpace(h.Get(HeaderPaymentAmount))
	if raw == "" {
		return t, fmt.Errorf("missing %s", HeaderPaymentAmount)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return t, fmt.Errorf("unparsable %s %q", HeaderPaymentAmount, raw)
	}
	if !amount.IsPositive() {
		return t, fmt.Errorf("%s must be > 0, got %s", HeaderPaymentAmount, raw)
	}
	t.Amount = amount
	return t, nil
}

// Write 把条款写回响应头，供模拟分析师服务使用。
func (t Terms) Write(h http.Header) {
	h.Set(HeaderPaymentAddress, t.Destination)
	h.Set(HeaderPaymentAmount, t.Amount.String())
	asset := t.Asset
	if asset == "" {
		asset = DefaultAsset
	}
	h.Set(HeaderPaymentAsset, asset)
	if t.Resource != "" {
		h.Set(HeaderServiceType, t.Resource)
	}
}
