package bite

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/types"
)

// ErrIntentNotFound 表示引用 ID 在保管库中不存在。
var ErrIntentNotFound = errors.New("sealed intent not found")

// Vault 保存加密后的意图与其明文，直到条件满足后释放。
type Vault interface {
	Save(ctx context.Context, s types.SealedIntent) error
	Get(ctx context.Context, ref string) (types.SealedIntent, error)
	List(ctx context.Context) ([]types.SealedIntent, error)
	MarkReleased(ctx context.Context, ref string, at time.Time) error
	Close() error
}

type MemoryVault struct {
	mu   sync.RWMutex
	pool map[string]types.SealedIntent
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{pool: make(map[string]types.SealedIntent)}
}

func (v *MemoryVault) Save(ctx context.Context, s types.SealedIntent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pool[s.ReferenceID] = s
	return nil
}

func (v *MemoryVault) Get(ctx context.Context, ref string) (types.SealedIntent, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.pool[strings.TrimSpace(ref)]
	if !ok {
		return types.SealedIntent{}, ErrIntentNotFound
	}
	return s, nil
}

// List 按加密时间升序返回。
func (v *MemoryVault) List(ctx context.Context) ([]types.SealedIntent, error) {
	v.mu.RLock()
	out := make([]types.SealedIntent, 0, len(v.pool))
	for _, s := range v.pool {
		out = append(out, s)
	}
	v.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SealedAt.Equal(out[j].SealedAt) {
			return out[i].ReferenceID < out[j].ReferenceID
		}
		return out[i].SealedAt.Before(out[j].SealedAt)
	})
	return out, nil
}

func (v *MemoryVault) MarkReleased(ctx context.Context, ref string, at time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.pool[ref]
	if !ok {
		return ErrIntentNotFound
	}
	s.Status = types.SealStatusReleased
	s.ReleasedAt = at
	v.pool[ref] = s
	return nil
}

func (v *MemoryVault) Close() error { return nil }
