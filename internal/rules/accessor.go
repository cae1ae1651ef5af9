package rules

import (
	"context"

	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
)

// Source 外部配置存储中的规则列表
type Source interface {
	Rules(ctx context.Context) ([]model.Rule, error)
}

// Accessor 规则快照只读访问器，匹配时惰性读取最新规则
type Accessor struct {
	src Source
	log logger.Logger
}

// NewAccessor 创建规则访问器
func NewAccessor(src Source, l logger.Logger) *Accessor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Accessor{src: src, log: l}
}

// Snapshot 返回当前有序规则列表；读取失败时按无规则处理
func (a *Accessor) Snapshot(ctx context.Context) []model.Rule {
	if a == nil || a.src == nil {
		return nil
	}
	rules, err := a.src.Rules(ctx)
	if err != nil {
		a.log.Err(err, "读取规则失败，按无规则处理")
		return nil
	}
	return rules
}
