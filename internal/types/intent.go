package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent 是待加密的交易意图。
type Intent struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	Subject          string          `json:"asset"`
	Size             decimal.Decimal `json:"amount_usdc"`
	Rationale        string          `json:"rationale"`
	ReleaseCondition string          `json:"release_condition"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SealedIntent 状态
const (
	SealStatusEncrypted = "ENCRYPTED"
	SealStatusReleased  = "DECRYPTED_AND_EXECUTED"
)

// SealedIntent 是加密后的意图，明文仅在条件满足后释放。
type SealedIntent struct {
	ReferenceID   string    `json:"bite_tx_id"`
	Condition     string    `json:"condition"`
	Status        string    `json:"status"`
	EncryptedBlob string    `json:"encrypted_blob"`
	RealSDK       bool      `json:"real_sdk"`
	ChainID       int64     `json:"chain_id,omitempty"`
	EncryptedLen  int       `json:"encrypted_length,omitempty"`
	EpochID       int64     `json:"epoch_id,omitempty"`
	Intent        Intent    `json:"-"`
	SealedAt      time.Time `json:"sealed_at"`
	ReleasedAt    time.Time `json:"released_at,omitempty"`
}

// Preview 截断过长的密文，便于日志与接口展示。
func (s SealedIntent) Preview() string {
	if len(s.EncryptedBlob) > 120 {
		return s.EncryptedBlob[:120] + "..."
	}
	return s.EncryptedBlob
}
