package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"cdpmock/internal/ledger"
	"cdpmock/internal/logger"
	"cdpmock/internal/reconcile"
	"cdpmock/internal/rules"
	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

// DefaultCommandTimeout 单条协议命令的超时时间
const DefaultCommandTimeout = 3 * time.Second

// mockHeaders 合成响应的固定头部集合
var mockHeaders = []model.HeaderEntry{
	{Name: "Content-Type", Value: "application/json"},
	{Name: "Access-Control-Allow-Origin", Value: "*"},
	{Name: "Access-Control-Allow-Methods", Value: "GET, POST, PUT, DELETE, OPTIONS"},
	{Name: "Access-Control-Allow-Headers", Value: "Content-Type, Authorization"},
	{Name: "Cache-Control", Value: "no-cache, no-store, must-revalidate"},
}

// MockHeaders 返回合成响应头部的副本
func MockHeaders() []model.HeaderEntry {
	out := make([]model.HeaderEntry, len(mockHeaders))
	copy(out, mockHeaders)
	return out
}

// Commander 对暂停请求下发的协议命令
type Commander interface {
	FulfillRequest(ctx context.Context, target model.TargetID, requestID string, status int, headers []model.HeaderEntry, base64Body string) error
	ContinueRequest(ctx context.Context, target model.TargetID, requestID string) error
}

// RuleSource 规则快照来源
type RuleSource interface {
	Snapshot(ctx context.Context) []model.Rule
}

// Outcome 暂停请求的最终处理结果
type Outcome string

const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeContinued Outcome = "continued"
	OutcomeAbandoned Outcome = "abandoned"
)

// Result 单次处理结果
type Result struct {
	Outcome Outcome
	Rule    *model.Rule
	Err     error
}

// Handler 暂停请求处理器，负责规则匹配、记录合成与命令下发
type Handler struct {
	rules          RuleSource
	matcher        *rules.Matcher
	reconciler     *reconcile.Reconciler
	commander      Commander
	commandTimeout time.Duration
	log            logger.Logger
}

// Config 配置选项
type Config struct {
	Rules          RuleSource
	Matcher        *rules.Matcher
	Reconciler     *reconcile.Reconciler
	Commander      Commander
	CommandTimeout time.Duration
	Logger         logger.Logger
}

// New 创建暂停请求处理器
func New(cfg Config) *Handler {
	h := &Handler{
		rules:          cfg.Rules,
		matcher:        cfg.Matcher,
		reconciler:     cfg.Reconciler,
		commander:      cfg.Commander,
		commandTimeout: cfg.CommandTimeout,
		log:            cfg.Logger,
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if h.matcher == nil {
		h.matcher = rules.NewMatcher(h.log)
	}
	if h.commandTimeout <= 0 {
		h.commandTimeout = DefaultCommandTimeout
	}
	return h
}

// HandlePaused 处理一次拦截暂停；每个暂停请求恰好下发一条 fulfill 或 continue 命令
func (h *Handler) HandlePaused(ctx context.Context, ev traffic.InterceptPaused) Result {
	l := h.log.With("target", string(ev.TargetID), "requestId", ev.RequestID)
	start := time.Now()

	var snapshot []model.Rule
	if h.rules != nil {
		snapshot = h.rules.Snapshot(ctx)
	}
	rule, ok := h.matcher.Match(ev.URL, snapshot)
	if !ok || rule.ResponseBody == "" {
		l.Debug("暂停请求无匹配规则，放行", "url", ev.URL)
		return h.pass(ctx, ev, nil, l)
	}

	key, hasKey := h.record(ev, rule)
	body := base64.StdEncoding.EncodeToString([]byte(rule.ResponseBody))
	err := h.run(ctx, func(cctx context.Context) error {
		return h.commander.FulfillRequest(cctx, ev.TargetID, ev.RequestID, 200, MockHeaders(), body)
	})
	if err == nil {
		l.Info("已返回模拟响应", "rule", string(rule.ID), "url", ev.URL, "duration", time.Since(start))
		return Result{Outcome: OutcomeFulfilled, Rule: &rule}
	}

	l.Err(err, "模拟响应失败，改为放行", "rule", string(rule.ID), "url", ev.URL)
	if hasKey {
		h.reconciler.RevertIntercept(key)
	}
	res := h.pass(ctx, ev, &rule, l)
	if res.Err == nil {
		res.Err = err
	}
	return res
}

// record 下发命令前写入合成记录
func (h *Handler) record(ev traffic.InterceptPaused, rule model.Rule) (ledger.Key, bool) {
	if h.reconciler == nil {
		return ledger.Key{}, false
	}
	return h.reconciler.OnInterceptPaused(ev, rule), true
}

func (h *Handler) pass(ctx context.Context, ev traffic.InterceptPaused, rule *model.Rule, l logger.Logger) Result {
	err := h.run(ctx, func(cctx context.Context) error {
		return h.commander.ContinueRequest(cctx, ev.TargetID, ev.RequestID)
	})
	if err != nil {
		l.Err(err, "放行请求失败，交由浏览器超时处理", "url", ev.URL)
		return Result{Outcome: OutcomeAbandoned, Rule: rule, Err: err}
	}
	return Result{Outcome: OutcomeContinued, Rule: rule}
}

func (h *Handler) run(ctx context.Context, cmd func(context.Context) error) error {
	if h.commander == nil {
		return fmt.Errorf("%w: no command channel", ErrProtocolCommand)
	}
	cctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	if err := cmd(cctx); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolCommand, err)
	}
	return nil
}
