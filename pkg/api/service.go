package api

import (
	"context"

	"cdpmock/internal/service"
	"cdpmock/pkg/model"
)

// Service 服务接口
type Service interface {
	// GetRequests 获取请求记录，target 为空时返回全部
	GetRequests(target model.TargetID) []model.RequestRecord

	// ClearRequests 清空请求记录，target 为空时清空全部
	ClearRequests(target model.TargetID) int

	// ToggleDebug 标记或取消标记目标
	ToggleDebug(ctx context.Context, target model.TargetID, enabled bool) error

	// DebugEnabled 读取全局调试开关
	DebugEnabled(ctx context.Context) (bool, error)

	// SetDebugEnabled 设置全局调试开关
	SetDebugEnabled(ctx context.Context, on bool) error

	// ListRules 列出规则
	ListRules(ctx context.Context) ([]model.Rule, error)

	// SaveRules 整体替换规则列表
	SaveRules(ctx context.Context, rules []model.Rule) error

	// AddRule 追加规则
	AddRule(ctx context.Context, r model.Rule) (model.Rule, error)

	// RemoveRule 删除规则
	RemoveRule(ctx context.Context, id model.RuleID) error

	// Sessions 会话状态
	Sessions() []model.SessionInfo

	// ListTargets 列出目标
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// SubscribeErrors 订阅调试错误
	SubscribeErrors(ctx context.Context) <-chan model.DebugError

	// RecentErrors 最近的调试错误
	RecentErrors() []model.DebugError
}

// NewService 创建并返回服务接口实现
func NewService(d service.Deps) Service {
	return service.New(d)
}
