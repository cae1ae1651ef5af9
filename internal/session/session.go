package session

import (
	"context"
	"sync"
	"sync/atomic"

	"cdpmock/pkg/model"
)

// State 调试会话状态
type State int32

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	default:
		return "detached"
	}
}

// Session 单个目标的调试会话
type Session struct {
	target model.TargetID

	// mu 串行化同一目标的 attach/detach 状态迁移
	mu    sync.Mutex
	state atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	answeredMu sync.Mutex
	answered   map[string]struct{}
}

func newSession(target model.TargetID) *Session {
	return &Session{
		target:   target,
		answered: make(map[string]struct{}),
	}
}

// Target 目标ID
func (s *Session) Target() model.TargetID { return s.target }

// State 当前状态，不阻塞进行中的状态迁移
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// markAnswered 记录已处理的暂停请求，重复投递时返回 false
func (s *Session) markAnswered(requestID string) bool {
	s.answeredMu.Lock()
	defer s.answeredMu.Unlock()
	if _, ok := s.answered[requestID]; ok {
		return false
	}
	s.answered[requestID] = struct{}{}
	return true
}

func (s *Session) resetAnswered() {
	s.answeredMu.Lock()
	s.answered = make(map[string]struct{})
	s.answeredMu.Unlock()
}
