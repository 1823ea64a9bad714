// Package bite 负责交易意图的门限加密封装、保管与按条件释放。
package bite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"zkpredator/internal/events"
	"zkpredator/internal/logger"
	"zkpredator/internal/types"

	"github.com/gowebpki/jcs"
	"github.com/tidwall/gjson"
)

const defaultBridgeTimeout = 15 * time.Second

// Encryptor 把意图加密为 SealedIntent。
type Encryptor interface {
	Encrypt(ctx context.Context, intent types.Intent) (types.SealedIntent, error)
}

// BridgeEncryptor 通过外部 SDK 桥加密；桥不可用时退化为本地模拟密文，状态仍为 ENCRYPTED。
type BridgeEncryptor struct {
	url    string
	client *http.Client
	vault  Vault
	events events.Publisher
	now    func() time.Time
}

func NewBridgeEncryptor(url string, timeout time.Duration, vault Vault) *BridgeEncryptor {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	if vault == nil {
		vault = NewMemoryVault()
	}
	return &BridgeEncryptor{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		vault:  vault,
		events: events.Nop{},
		now:    time.Now,
	}
}

// WithEvents 封装成功后发布 bite_encrypted。
func (e *BridgeEncryptor) WithEvents(p events.Publisher) *BridgeEncryptor {
	e.events = events.OrNop(p)
	return e
}

// Vault 返回底层保管库。
func (e *BridgeEncryptor) Vault() Vault {
	return e.vault
}

// ReferenceID 为 "bite_" 加意图规范化 JSON (RFC 8785) 的 sha256 前 8 位十六进制。
func ReferenceID(intent types.Intent) string {
	raw, _ := json.Marshal(intent)
	if canon, err := jcs.Transform(raw); err == nil {
		raw = canon
	}
	sum := sha256.Sum256(raw)
	return "bite_" + hex.EncodeToString(sum[:])[:8]
}

type bridgeRequest struct {
	Intent    types.Intent `json:"intent"`
	Condition string       `json:"condition"`
}

func (e *BridgeEncryptor) Encrypt(ctx context.Context, intent types.Intent) (types.SealedIntent, error) {
	ref := ReferenceID(intent)
	sealed := types.SealedIntent{
		ReferenceID:   ref,
		Condition:     intent.ReleaseCondition,
		Status:        types.SealStatusEncrypted,
		EncryptedBlob: "mock_bite_" + ref,
		Intent:        intent,
		SealedAt:      e.now().UTC(),
	}
	if receipt, err := e.callBridge(ctx, intent); err != nil {
		logger.Warnf("BITE: SDK bridge unavailable (%v). Using mock.", err)
	} else {
		if blob := receipt.Get("encryptedMessage").String(); blob != "" {
			sealed.EncryptedBlob = blob
		}
		sealed.RealSDK = true
		sealed.ChainID = receipt.Get("chainId").Int()
		sealed.EncryptedLen = int(receipt.Get("encryptedMessageLength").Int())
		sealed.EpochID = receipt.Get("committee.epochId").Int()
		logger.Infof("BITE: real SDK encryption ok chain=%d len=%d epoch=%d", sealed.ChainID, sealed.EncryptedLen, sealed.EpochID)
	}
	if err := e.vault.Save(ctx, sealed); err != nil {
		return types.SealedIntent{}, fmt.Errorf("save sealed intent %s: %w", ref, err)
	}
	logger.Infof("🔒 BITE: Intent %s encrypted. Condition: %s", ref, sealed.Condition)
	e.events.Publish(events.TypeBiteEncrypted, encryptedEvent(sealed))
	return sealed, nil
}

const previewLen = 120

func encryptedEvent(s types.SealedIntent) map[string]any {
	blob := s.EncryptedBlob
	if len(blob) > previewLen {
		blob = blob[:previewLen] + "..."
	}
	data := map[string]any{
		"bite_tx_id":     s.ReferenceID,
		"encrypted_blob": blob,
		"condition":      s.Condition,
		"sdk":            "mock",
		"chain_id":       s.ChainID,
	}
	if s.RealSDK {
		data["sdk"] = "bridge"
		data["encrypted_length"] = s.EncryptedLen
		data["epoch_id"] = s.EpochID
	}
	return data
}

func (e *BridgeEncryptor) callBridge(ctx context.Context, intent types.Intent) (gjson.Result, error) {
	if e.url == "" {
		return gjson.Result{}, fmt.Errorf("bridge url not configured")
	}
	body, err := json.Marshal(bridgeRequest{Intent: intent, Condition: intent.ReleaseCondition})
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("bridge returned invalid json")
	}
	return gjson.ParseBytes(raw), nil
}
