// Package events 是进程内的实时事件总线：闸门、付款、402 客户端与 BITE 发布进度，
// HTTP 层以 SSE 推给面板。
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"zkpredator/internal/logger"
)

type Type string

const (
	TypeAgentStatus   Type = "agent_status"
	TypePaymentUpdate Type = "payment_update"
	TypeAnalystResult Type = "analyst_result"
	TypeWalletUpdate  Type = "wallet_update"
	TypeBiteEncrypted Type = "bite_encrypted"
)

const DefaultBuffer = 64

type Event struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 是发布方依赖的最小接口。
type Publisher interface {
	Publish(t Type, data any)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Publish(Type, any) {}

// OrNop 把 nil 换成 Nop，发布方无需判空。
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Hub 向所有订阅者扇出事件。发布从不阻塞：订阅者缓冲已满时该事件对其丢弃。
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
	nowFn   func() time.Time
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer, nowFn: time.Now}
}

func (h *Hub) Publish(t Type, data any) {
	if h == nil {
		return
	}
	evt := Event{Type: t, Data: data, Timestamp: h.nowFn().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
			logger.Debugf("events: subscriber %d slow, dropped %s", id, t)
		}
	}
}

// Subscribe 返回事件通道与取消函数；取消后通道关闭，可重复调用。
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 返回因订阅者过慢而丢弃的事件数。
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
