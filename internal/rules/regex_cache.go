package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// matchTimeout 单次正则匹配上限，防止回溯型模式卡住拦截流程
const matchTimeout = 100 * time.Millisecond

type compiled struct {
	re  *regexp2.Regexp
	err error
}

// regexCache 以模式字符串缓存编译结果（包括失败结果）
type regexCache struct {
	m sync.Map
}

// Get 返回编译后的正则；first 表示本次调用首次编译该模式
func (c *regexCache) Get(pattern string) (re *regexp2.Regexp, first bool, err error) {
	if v, ok := c.m.Load(pattern); ok {
		cp := v.(compiled)
		return cp.re, false, cp.err
	}
	cp := compile(pattern)
	v, loaded := c.m.LoadOrStore(pattern, cp)
	cp = v.(compiled)
	return cp.re, !loaded, cp.err
}

// compile 按 ECMAScript 语义编译，与规则作者使用的 JavaScript RegExp 保持一致
func compile(pattern string) compiled {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return compiled{err: fmt.Errorf("%w: %q: %w", ErrRuleCompile, pattern, err)}
	}
	re.MatchTimeout = matchTimeout
	return compiled{re: re}
}
