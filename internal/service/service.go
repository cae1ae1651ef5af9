package service

import (
	"context"
	"errors"

	"cdpmock/internal/ledger"
	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
)

var ErrNoTargetLister = errors.New("target listing unavailable")

// Sessions 会话管理器对查询面暴露的能力
type Sessions interface {
	ToggleDebug(ctx context.Context, target model.TargetID, enabled bool) error
	Sessions() []model.SessionInfo
}

// Settings 配置存储对查询面暴露的能力
type Settings interface {
	Rules(ctx context.Context) ([]model.Rule, error)
	SaveRules(ctx context.Context, rules []model.Rule) error
	AddRule(ctx context.Context, r model.Rule) (model.Rule, error)
	RemoveRule(ctx context.Context, id model.RuleID) error
	DebugEnabled(ctx context.Context) (bool, error)
	SetDebugEnabled(ctx context.Context, on bool) error
}

// Errors 调试错误通知来源
type Errors interface {
	Subscribe(ctx context.Context) <-chan model.DebugError
	Recent() []model.DebugError
}

// TargetLister 浏览器目标列表
type TargetLister interface {
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)
}

// Deps 服务依赖
type Deps struct {
	Ledger   *ledger.Ledger
	Sessions Sessions
	Settings Settings
	Errors   Errors
	Targets  TargetLister
	Logger   logger.Logger
}

// Service 查询面服务实现
type Service struct {
	ledger   *ledger.Ledger
	sessions Sessions
	settings Settings
	errors   Errors
	targets  TargetLister
	log      logger.Logger
}

// New 创建并返回服务实现
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New()
	}
	return &Service{
		ledger:   d.Ledger,
		sessions: d.Sessions,
		settings: d.Settings,
		errors:   d.Errors,
		targets:  d.Targets,
		log:      d.Logger,
	}
}

// GetRequests 返回全部或指定目标的请求记录
func (s *Service) GetRequests(target model.TargetID) []model.RequestRecord {
	return s.ledger.List(target)
}

// ClearRequests 清空全部或指定目标的请求记录
func (s *Service) ClearRequests(target model.TargetID) int {
	n := s.ledger.Clear(target)
	s.log.Info("清空请求记录", "target", string(target), "count", n)
	return n
}

// ToggleDebug 标记目标是否需要调试
func (s *Service) ToggleDebug(ctx context.Context, target model.TargetID, enabled bool) error {
	s.log.Info("切换目标调试", "target", string(target), "enabled", enabled)
	return s.sessions.ToggleDebug(ctx, target, enabled)
}

func (s *Service) DebugEnabled(ctx context.Context) (bool, error) {
	return s.settings.DebugEnabled(ctx)
}

// SetDebugEnabled 写入全局开关，会话管理器经订阅响应
func (s *Service) SetDebugEnabled(ctx context.Context, on bool) error {
	return s.settings.SetDebugEnabled(ctx, on)
}

func (s *Service) ListRules(ctx context.Context) ([]model.Rule, error) {
	return s.settings.Rules(ctx)
}

func (s *Service) SaveRules(ctx context.Context, rules []model.Rule) error {
	return s.settings.SaveRules(ctx, rules)
}

func (s *Service) AddRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	return s.settings.AddRule(ctx, r)
}

func (s *Service) RemoveRule(ctx context.Context, id model.RuleID) error {
	return s.settings.RemoveRule(ctx, id)
}

// Sessions 会话注册表快照
func (s *Service) Sessions() []model.SessionInfo {
	return s.sessions.Sessions()
}

// ListTargets 列出浏览器页面目标
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	if s.targets == nil {
		return nil, ErrNoTargetLister
	}
	return s.targets.ListTargets(ctx)
}

// SubscribeErrors 订阅调试错误通知
func (s *Service) SubscribeErrors(ctx context.Context) <-chan model.DebugError {
	if s.errors == nil {
		ch := make(chan model.DebugError)
		close(ch)
		return ch
	}
	return s.errors.Subscribe(ctx)
}

// RecentErrors 最近的调试错误
func (s *Service) RecentErrors() []model.DebugError {
	if s.errors == nil {
		return nil
	}
	return s.errors.Recent()
}
