package rules

import (
	"fmt"
	"strings"

	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
)

// Matcher 规则匹配器：按列表顺序求值，第一条命中的规则胜出
type Matcher struct {
	cache regexCache
	log   logger.Logger
}

// NewMatcher 创建规则匹配器
func NewMatcher(l logger.Logger) *Matcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Matcher{log: l}
}

var defaultMatcher = NewMatcher(nil)

// Match 使用默认匹配器匹配
func Match(url string, rules []model.Rule) (model.Rule, bool) {
	return defaultMatcher.Match(url, rules)
}

// Match 返回第一条谓词成立的规则；无效规则视为不匹配，不影响后续规则
func (m *Matcher) Match(url string, rules []model.Rule) (model.Rule, bool) {
	for i := range rules {
		ok, err := m.eval(url, rules[i])
		if err != nil {
			continue
		}
		if ok {
			return rules[i], true
		}
	}
	return model.Rule{}, false
}

// Eval 对单条规则求值
func (m *Matcher) Eval(url string, r model.Rule) (bool, error) {
	return m.eval(url, r)
}

func (m *Matcher) eval(url string, r model.Rule) (bool, error) {
	switch r.MatchType {
	case model.MatchExact:
		return url == r.URLPattern, nil
	case model.MatchContains:
		return strings.Contains(url, r.URLPattern), nil
	case model.MatchRegex:
		return m.matchRegex(url, r)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownMatchType, r.MatchType)
	}
}

func (m *Matcher) matchRegex(url string, r model.Rule) (bool, error) {
	re, first, err := m.cache.Get(r.URLPattern)
	if err != nil {
		// 同一模式只告警一次
		if first {
			m.log.Warn("规则正则编译失败，已跳过", "rule", string(r.ID), "pattern", r.URLPattern, "error", err.Error())
		}
		return false, err
	}
	ok, err := re.MatchString(url)
	if err != nil {
		m.log.Warn("规则正则匹配超时", "rule", string(r.ID), "pattern", r.URLPattern)
		return false, fmt.Errorf("%w: %w", ErrRegexMatchTimeout, err)
	}
	return ok, nil
}
