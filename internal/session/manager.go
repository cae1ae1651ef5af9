package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"cdpmock/internal/handler"
	"cdpmock/internal/logger"
	"cdpmock/internal/reconcile"
	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

const (
	DefaultProtocolVersion = "1.3"
	DefaultAttachDelay     = time.Second
	DefaultCommandTimeout  = 3 * time.Second
)

// Debugger 远程调试协议协作方
type Debugger interface {
	Attach(ctx context.Context, target model.TargetID, protocolVersion string) error
	Detach(ctx context.Context, target model.TargetID) error
	// Subscribe 订阅目标的网络与拦截事件，ctx 结束或连接断开后通道关闭
	Subscribe(ctx context.Context, target model.TargetID) (<-chan traffic.Event, error)
	EnableNetworkEvents(ctx context.Context, target model.TargetID) error
	EnableInterception(ctx context.Context, target model.TargetID, patterns []string) error
}

// FlagStore 全局调试开关的存储与订阅
type FlagStore interface {
	DebugEnabled(ctx context.Context) (bool, error)
	SetDebugEnabled(ctx context.Context, on bool) error
	WatchDebugEnabled(ctx context.Context) <-chan bool
}

// TargetEventKind 目标生命周期事件类型
type TargetEventKind string

const (
	TargetCreated TargetEventKind = "created"
	TargetUpdated TargetEventKind = "updated"
	TargetRemoved TargetEventKind = "removed"
)

// TargetEvent 目标生命周期事件
type TargetEvent struct {
	Kind   TargetEventKind
	Target model.TargetID
	Info   model.TargetInfo
}

// TargetSource 目标生命周期事件来源
type TargetSource interface {
	Watch(ctx context.Context) (<-chan TargetEvent, error)
}

// Notifier 结构化错误通知的接收方
type Notifier interface {
	Notify(e model.DebugError)
}

// Config 会话管理器配置
type Config struct {
	Debugger        Debugger
	Flags           FlagStore
	Targets         TargetSource
	Handler         *handler.Handler
	Reconciler      *reconcile.Reconciler
	Notifier        Notifier
	ProtocolVersion string
	Patterns        []string
	AttachDelay     time.Duration
	CommandTimeout  time.Duration
	Logger          logger.Logger
}

type delayedAttach struct {
	timer *time.Timer
}

// Manager 全局会话管理器：每个目标至多一个调试会话
type Manager struct {
	debugger   Debugger
	flags      FlagStore
	targets    TargetSource
	handler    *handler.Handler
	reconciler *reconcile.Reconciler
	notifier   Notifier
	log        logger.Logger

	protocolVersion string
	patterns        []string
	attachDelay     time.Duration
	commandTimeout  time.Duration

	enabled atomic.Bool
	group   singleflight.Group

	mu       sync.RWMutex
	sessions map[model.TargetID]*Session
	pending  map[model.TargetID]struct{}
	delayed  map[model.TargetID]*delayedAttach

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建会话管理器
func NewManager(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	m := &Manager{
		debugger:        cfg.Debugger,
		flags:           cfg.Flags,
		targets:         cfg.Targets,
		handler:         cfg.Handler,
		reconciler:      cfg.Reconciler,
		notifier:        cfg.Notifier,
		log:             l,
		protocolVersion: cfg.ProtocolVersion,
		patterns:        cfg.Patterns,
		attachDelay:     cfg.AttachDelay,
		commandTimeout:  cfg.CommandTimeout,
		sessions:        make(map[model.TargetID]*Session),
		pending:         make(map[model.TargetID]struct{}),
		delayed:         make(map[model.TargetID]*delayedAttach),
	}
	if m.protocolVersion == "" {
		m.protocolVersion = DefaultProtocolVersion
	}
	if len(m.patterns) == 0 {
		m.patterns = []string{"*"}
	}
	if m.attachDelay < 0 {
		m.attachDelay = 0
	}
	if m.commandTimeout <= 0 {
		m.commandTimeout = DefaultCommandTimeout
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Enabled 当前全局调试开关
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// Run 读取初始开关后持续响应开关变化与目标生命周期事件，ctx 结束时分离全部会话
func (m *Manager) Run(ctx context.Context) error {
	if m.flags == nil {
		return errors.New("session manager: no flag store")
	}
	on, err := m.flags.DebugEnabled(ctx)
	if err != nil {
		return err
	}
	flagCh := m.flags.WatchDebugEnabled(ctx)

	var targetCh <-chan TargetEvent
	if m.targets != nil {
		targetCh, err = m.targets.Watch(ctx)
		if err != nil {
			return err
		}
	}
	defer m.shutdown()

	m.log.Info("会话管理器已启动", "debugEnabled", on)
	m.SetDebugEnabled(ctx, on)

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-flagCh:
			if !ok {
				flagCh = nil
				continue
			}
			m.SetDebugEnabled(ctx, v)
		case ev, ok := <-targetCh:
			if !ok {
				targetCh = nil
				continue
			}
			m.HandleTargetEvent(ctx, ev)
		}
	}
}

// SetDebugEnabled 响应全局开关：关闭时分离全部已附加目标，开启时附加全部待调试目标
func (m *Manager) SetDebugEnabled(ctx context.Context, on bool) {
	if prev := m.enabled.Swap(on); prev != on {
		m.log.Info("全局调试开关变更", "enabled", on)
	}
	if on {
		for _, t := range m.pendingTargets() {
			if err := m.Attach(ctx, t); err != nil {
				m.log.Warn("附加待调试目标失败", "target", string(t), "error", err.Error())
			}
		}
		return
	}
	for _, t := range m.attachedTargets() {
		_ = m.Detach(ctx, t)
	}
}

// ToggleDebug 标记或取消标记目标；开关开启时立即附加
func (m *Manager) ToggleDebug(ctx context.Context, target model.TargetID, enabled bool) error {
	if enabled {
		m.mu.Lock()
		m.pending[target] = struct{}{}
		m.mu.Unlock()
		if !m.Enabled() {
			m.log.Debug("全局调试关闭，目标进入待调试集合", "target", string(target))
			return nil
		}
		return m.Attach(ctx, target)
	}
	m.mu.Lock()
	delete(m.pending, target)
	m.mu.Unlock()
	return m.Detach(ctx, target)
}

// HandleTargetEvent 响应目标生命周期事件
func (m *Manager) HandleTargetEvent(ctx context.Context, ev TargetEvent) {
	switch ev.Kind {
	case TargetCreated:
		m.attachIfMarked(ctx, ev.Target)
	case TargetUpdated:
		m.scheduleAttach(ev.Target)
	case TargetRemoved:
		m.mu.Lock()
		delete(m.pending, ev.Target)
		m.stopDelayedLocked(ev.Target)
		m.mu.Unlock()
		_ = m.Detach(ctx, ev.Target)
	}
}

// Sessions 会话注册表与待调试集合的快照
func (m *Manager) Sessions() []model.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[model.TargetID]struct{}, len(m.sessions)+len(m.pending))
	out := make([]model.SessionInfo, 0, len(m.sessions)+len(m.pending))
	for id, s := range m.sessions {
		_, pending := m.pending[id]
		out = append(out, model.SessionInfo{Target: id, State: s.State().String(), Pending: pending})
		seen[id] = struct{}{}
	}
	for id := range m.pending {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, model.SessionInfo{Target: id, State: StateDetached.String(), Pending: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// State 目标当前会话状态
func (m *Manager) State(target model.TargetID) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[target]; ok {
		return s.State()
	}
	return StateDetached
}

// Attach 附加调试通道；同一目标的并发调用合并为一次
func (m *Manager) Attach(ctx context.Context, target model.TargetID) error {
	_, err, _ := m.group.Do(string(target), func() (any, error) {
		return nil, m.attach(ctx, target)
	})
	return err
}

// Detach 分离调试通道；未附加时为空操作，远端失败时仍移除本地会话
func (m *Manager) Detach(ctx context.Context, target model.TargetID) error {
	s := m.lockSession(target, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	if s.State() != StateAttached {
		return nil
	}
	return m.detachLocked(ctx, s)
}

func (m *Manager) attach(ctx context.Context, target model.TargetID) error {
	if !m.Enabled() {
		return ErrDebugDisabled
	}
	if m.debugger == nil {
		return fmt.Errorf("%w: %s: no debugger", ErrAttach, target)
	}

	s := m.lockSession(target, true)
	defer s.mu.Unlock()
	if s.State() == StateAttached {
		return nil
	}

	l := m.log.With("target", string(target))
	s.setState(StateAttaching)
	l.Debug("开始附加调试通道")

	// 清理可能残留的旧连接
	dctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	_ = m.debugger.Detach(dctx, target)
	cancel()

	if err := m.open(ctx, s); err != nil {
		s.setState(StateDetached)
		m.removeSession(s)
		l.Err(err, "附加调试通道失败")
		m.failAttach(ctx, target, err)
		return fmt.Errorf("%w: %s: %w", ErrAttach, target, err)
	}
	s.setState(StateAttached)
	l.Info("调试通道已附加")

	if !m.Enabled() {
		l.Info("附加期间全局调试已关闭，立即分离")
		_ = m.detachLocked(ctx, s)
		return ErrDebugDisabled
	}
	return nil
}

// open 建立通道并按顺序订阅事件、启用网络通知与拦截
func (m *Manager) open(ctx context.Context, s *Session) error {
	target := s.target
	if err := m.step(ctx, func(c context.Context) error {
		return m.debugger.Attach(c, target, m.protocolVersion)
	}); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(m.ctx)
	events, err := m.debugger.Subscribe(sctx, target)
	if err != nil {
		cancel()
		m.closeRemote(ctx, target)
		return err
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.resetAnswered()
	m.wg.Add(1)
	go m.consume(sctx, s, events)

	if err := m.step(ctx, func(c context.Context) error {
		return m.debugger.EnableNetworkEvents(c, target)
	}); err != nil {
		_ = m.release(ctx, s)
		return err
	}
	if err := m.step(ctx, func(c context.Context) error {
		return m.debugger.EnableInterception(c, target, m.patterns)
	}); err != nil {
		_ = m.release(ctx, s)
		return err
	}
	return nil
}

func (m *Manager) detachLocked(ctx context.Context, s *Session) error {
	s.setState(StateDetaching)
	err := m.release(ctx, s)
	s.setState(StateDetached)
	m.removeSession(s)

	if err != nil {
		m.log.Err(err, "分离调试通道失败", "target", string(s.target))
		m.notify(model.DebugErrorDetach, s.target, err)
		return fmt.Errorf("%w: %s: %w", ErrDetach, s.target, err)
	}
	m.log.Info("调试通道已分离", "target", string(s.target))
	return nil
}

// release 停止事件消费并关闭远端通道
func (m *Manager) release(ctx context.Context, s *Session) error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.done != nil {
		<-s.done
		s.done = nil
	}
	return m.step(ctx, func(c context.Context) error {
		return m.debugger.Detach(c, s.target)
	})
}

func (m *Manager) closeRemote(ctx context.Context, target model.TargetID) {
	_ = m.step(ctx, func(c context.Context) error { return m.debugger.Detach(c, target) })
}

func (m *Manager) step(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()
	return fn(c)
}

// consume 单协程按到达顺序处理目标事件
func (m *Manager) consume(ctx context.Context, s *Session, events <-chan traffic.Event) {
	defer m.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					m.log.Warn("目标事件流已断开", "target", string(s.target))
					m.wg.Add(1)
					go func() {
						defer m.wg.Done()
						_ = m.Detach(m.ctx, s.target)
					}()
				}
				return
			}
			m.dispatch(ctx, s, ev)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, s *Session, ev traffic.Event) {
	paused, ok := ev.(traffic.InterceptPaused)
	if !ok {
		if m.reconciler == nil {
			return
		}
		if err := m.reconciler.Apply(ev); err != nil && !errors.Is(err, reconcile.ErrReconciliationMiss) {
			m.log.Warn("事件合并失败", "target", string(s.target), "error", err.Error())
		}
		return
	}
	if !s.markAnswered(paused.RequestID) {
		m.log.Debug("忽略重复投递的暂停请求", "target", string(s.target), "requestId", paused.RequestID)
		return
	}
	if m.handler == nil {
		return
	}
	m.handler.HandlePaused(ctx, paused)
}

// lockSession 取得并锁定目标在注册表中的当前会话；create 为 false 且不存在时返回 nil
func (m *Manager) lockSession(target model.TargetID, create bool) *Session {
	for {
		m.mu.Lock()
		s, ok := m.sessions[target]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			s = newSession(target)
			m.sessions[target] = s
			m.log.Debug("创建调试会话", "target", string(target))
		}
		m.mu.Unlock()

		s.mu.Lock()
		m.mu.RLock()
		current := m.sessions[target] == s
		m.mu.RUnlock()
		if current {
			return s
		}
		// 等待期间会话已被移除
		s.mu.Unlock()
	}
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.target] == s {
		delete(m.sessions, s.target)
		m.log.Debug("销毁调试会话", "target", string(s.target))
	}
}

// failAttach 附加失败：强制关闭全局开关并发出错误通知
func (m *Manager) failAttach(ctx context.Context, target model.TargetID, cause error) {
	m.enabled.Store(false)
	if m.flags != nil {
		if err := m.flags.SetDebugEnabled(context.WithoutCancel(ctx), false); err != nil {
			m.log.Err(err, "关闭全局调试开关失败")
		}
	}
	m.notify(model.DebugErrorConnect, target, cause)
}

func (m *Manager) notify(kind model.DebugErrorType, target model.TargetID, cause error) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(model.DebugError{
		Type:      kind,
		Target:    target,
		Message:   cause.Error(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *Manager) attachIfMarked(ctx context.Context, target model.TargetID) {
	m.mu.RLock()
	_, marked := m.pending[target]
	m.mu.RUnlock()
	if !marked || !m.Enabled() {
		return
	}
	if err := m.Attach(ctx, target); err != nil {
		m.log.Warn("目标事件触发附加失败", "target", string(target), "error", err.Error())
	}
}

// scheduleAttach 目标导航后等待页面稳定再附加，重复事件重新计时
func (m *Manager) scheduleAttach(target model.TargetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, marked := m.pending[target]; !marked {
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	m.stopDelayedLocked(target)

	d := &delayedAttach{}
	m.wg.Add(1)
	d.timer = time.AfterFunc(m.attachDelay, func() {
		defer m.wg.Done()
		m.mu.Lock()
		if m.delayed[target] == d {
			delete(m.delayed, target)
		}
		m.mu.Unlock()
		m.attachIfMarked(m.ctx, target)
	})
	m.delayed[target] = d
}

func (m *Manager) stopDelayedLocked(target model.TargetID) {
	d, ok := m.delayed[target]
	if !ok {
		return
	}
	delete(m.delayed, target)
	if d.timer.Stop() {
		m.wg.Done()
	}
}

func (m *Manager) pendingTargets() []model.TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TargetID, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) attachedTargets() []model.TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TargetID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() == StateAttached {
			out = append(out, id)
		}
	}
	return out
}

// shutdown 停止延迟任务并分离全部会话，等待后台协程退出
func (m *Manager) shutdown() {
	m.mu.Lock()
	for id := range m.delayed {
		m.stopDelayedLocked(id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.commandTimeout)
	defer cancel()
	for _, t := range m.attachedTargets() {
		_ = m.Detach(ctx, t)
	}
	m.cancel()
	m.wg.Wait()
	m.log.Info("会话管理器已停止")
}

// Close 未调用 Run 时释放全部会话
func (m *Manager) Close() {
	m.shutdown()
}
