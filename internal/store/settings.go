package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"cdpmock/pkg/model"
)

// Rules 读取有序规则列表，未配置时返回空列表
func (s *Store) Rules(ctx context.Context) ([]model.Rule, error) {
	raw, ok, err := s.Get(ctx, KeyRules)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var rules []model.Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, KeyRules, err)
	}
	return rules, nil
}

// SaveRules 整体替换规则列表，缺少ID的规则自动分配
func (s *Store) SaveRules(ctx context.Context, rules []model.Rule) error {
	out := make([]model.Rule, 0, len(rules))
	seen := make(map[model.RuleID]struct{}, len(rules))
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
		if r.ID == "" {
			r.ID = model.RuleID(uuid.NewString())
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return s.Set(ctx, KeyRules, string(b))
}

// AddRule 在列表末尾追加一条规则
func (s *Store) AddRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if err := ValidateRule(r); err != nil {
		return model.Rule{}, err
	}
	if r.ID == "" {
		r.ID = model.RuleID(uuid.NewString())
	}

	raw, err := s.rawRules(ctx)
	if err != nil {
		return model.Rule{}, err
	}
	if gjson.Get(raw, `#(id=="`+string(r.ID)+`")`).Exists() {
		return model.Rule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return model.Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	next, err := sjson.SetRaw(raw, "-1", string(b))
	if err != nil {
		return model.Rule{}, fmt.Errorf("%w: %s: %w", ErrDecode, KeyRules, err)
	}
	return r, s.Set(ctx, KeyRules, next)
}

// RemoveRule 按ID删除规则
func (s *Store) RemoveRule(ctx context.Context, id model.RuleID) error {
	raw, err := s.rawRules(ctx)
	if err != nil {
		return err
	}
	idx := -1
	for i, v := range gjson.Get(raw, "#.id").Array() {
		if v.String() == string(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	next, err := sjson.Delete(raw, strconv.Itoa(idx))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, KeyRules, err)
	}
	return s.Set(ctx, KeyRules, next)
}

func (s *Store) rawRules(ctx context.Context) (string, error) {
	raw, ok, err := s.Get(ctx, KeyRules)
	if err != nil {
		return "", err
	}
	if !ok || raw == "" {
		return "[]", nil
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsArray() {
		return "", fmt.Errorf("%w: %s: not a JSON array", ErrDecode, KeyRules)
	}
	return raw, nil
}

// ValidateRule 校验规则字段；正则能否编译在匹配时按规则单独处理
func ValidateRule(r model.Rule) error {
	if r.URLPattern == "" {
		return fmt.Errorf("%w: empty url pattern", ErrInvalidRule)
	}
	switch r.MatchType {
	case model.MatchExact, model.MatchContains, model.MatchRegex:
		return nil
	default:
		return fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, r.MatchType)
	}
}

// DebugEnabled 读取全局调试开关，未设置时为关闭
func (s *Store) DebugEnabled(ctx context.Context) (bool, error) {
	raw, ok, err := s.Get(ctx, KeyDebugEnabled)
	if err != nil || !ok {
		return false, err
	}
	return gjson.Parse(raw).Bool(), nil
}

// SetDebugEnabled 写入全局调试开关
func (s *Store) SetDebugEnabled(ctx context.Context, enabled bool) error {
	return s.Set(ctx, KeyDebugEnabled, strconv.FormatBool(enabled))
}

// WatchDebugEnabled 订阅全局调试开关的变化
func (s *Store) WatchDebugEnabled(ctx context.Context) <-chan bool {
	changes := s.Watch(ctx, KeyDebugEnabled)
	out := make(chan bool, watchBuffer)
	go func() {
		defer close(out)
		for c := range changes {
			select {
			case out <- gjson.Parse(c.NewValue).Bool():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
