package rulesfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmock/pkg/model"
)

func TestParseList(t *testing.T) {
	rules, err := Parse([]byte(`
- id: a
  url: https://api.example.com/data
  matchType: exact
  response: '{"ok":true}'
- url: /api/
  matchType: contains
  response: "[]"
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, model.Rule{ID: "a", URLPattern: "https://api.example.com/data", MatchType: model.MatchExact, ResponseBody: `{"ok":true}`}, rules[0])
	assert.Empty(t, rules[1].ID)
}

func TestParseMappingAndJSON(t *testing.T) {
	rules, err := Parse([]byte("rules:\n  - url: x\n    matchType: regex\n    response: y\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.MatchRegex, rules[0].MatchType)

	// 浏览器扩展导出的 JSON 规则列表
	rules, err = Parse([]byte(`[{"id":"j","url":"/v1","matchType":"contains","response":"{\"a\":1}"}]`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, `{"a":1}`, rules[0].ResponseBody)

	rules, err = Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("rules: [unclosed"))
	assert.ErrorIs(t, err, ErrParse)

	_, err = Parse([]byte("just a string"))
	assert.ErrorIs(t, err, ErrParse)
}

type memSink struct {
	mu    sync.Mutex
	saved [][]model.Rule
}

func (s *memSink) SaveRules(_ context.Context, rules []model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rules)
	return nil
}

func (s *memSink) last() ([]model.Rule, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil, 0
	}
	return s.saved[len(s.saved)-1], len(s.saved)
}

func TestWatcherSyncsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- url: /one\n  matchType: contains\n  response: \"1\"\n"), 0o644))

	sink := &memSink{}
	w := NewWatcher(path, sink, nil)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		rules, _ := sink.last()
		return len(rules) == 1 && rules[0].URLPattern == "/one"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("- url: /two\n  matchType: contains\n  response: \"2\"\n- url: /three\n  matchType: exact\n  response: \"3\"\n"), 0o644))
	assert.Eventually(t, func() bool {
		rules, _ := sink.last()
		return len(rules) == 2 && rules[0].URLPattern == "/two"
	}, 2*time.Second, 10*time.Millisecond)

	// 解析失败时保留现有规则
	_, before := sink.last()
	require.NoError(t, os.WriteFile(path, []byte("rules: [broken"), 0o644))
	time.Sleep(100 * time.Millisecond)
	_, after := sink.last()
	assert.Equal(t, before, after)

	cancel()
	require.NoError(t, <-done)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
