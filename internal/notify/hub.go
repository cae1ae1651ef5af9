package notify

import (
	"context"
	"sync"

	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
)

const (
	// recentLimit 保留的最近错误条数
	recentLimit = 50
	subBuffer   = 16
)

// Hub 调试错误通知的广播中心
type Hub struct {
	log logger.Logger

	mu     sync.Mutex
	subs   map[chan model.DebugError]struct{}
	recent []model.DebugError
}

// NewHub 创建广播中心
func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hub{log: l, subs: make(map[chan model.DebugError]struct{})}
}

// Notify 记录并广播一条错误；慢订阅者丢弃最旧的通知
func (h *Hub) Notify(e model.DebugError) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, e)
	if len(h.recent) > recentLimit {
		h.recent = append(h.recent[:0:0], h.recent[len(h.recent)-recentLimit:]...)
	}
	h.log.Warn("调试错误", "type", string(e.Type), "target", string(e.Target), "message", e.Message)

	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Subscribe 订阅后续错误，ctx 结束后通道关闭
func (h *Hub) Subscribe(ctx context.Context) <-chan model.DebugError {
	ch := make(chan model.DebugError, subBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Recent 最近的错误，按时间先后
func (h *Hub) Recent() []model.DebugError {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.DebugError, len(h.recent))
	copy(out, h.recent)
	return out
}
