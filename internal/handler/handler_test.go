package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmock/internal/ledger"
	"cdpmock/internal/reconcile"
	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

type fulfillCall struct {
	target  model.TargetID
	id      string
	status  int
	headers []model.HeaderEntry
	body    string
}

type fakeCommander struct {
	mu          sync.Mutex
	fulfills    []fulfillCall
	continues   []string
	fulfillErr  error
	continueErr error
	deadlines   []bool
}

func (f *fakeCommander) FulfillRequest(ctx context.Context, target model.TargetID, id string, status int, headers []model.HeaderEntry, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	f.fulfills = append(f.fulfills, fulfillCall{target, id, status, headers, body})
	return f.fulfillErr
}

func (f *fakeCommander) ContinueRequest(ctx context.Context, target model.TargetID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	f.continues = append(f.continues, id)
	return f.continueErr
}

type staticRules []model.Rule

func (s staticRules) Snapshot(context.Context) []model.Rule { return s }

var dataRule = model.Rule{ID: "r1", URLPattern: "https://api.example.com/data", MatchType: model.MatchExact, ResponseBody: `{"ok":true}`}

func setup(rs []model.Rule, cmd *fakeCommander) (*Handler, *ledger.Ledger) {
	l := ledger.New()
	h := New(Config{
		Rules:          staticRules(rs),
		Reconciler:     reconcile.New(l),
		Commander:      cmd,
		CommandTimeout: time.Second,
	})
	return h, l
}

func pausedAt(url string) traffic.InterceptPaused {
	return traffic.InterceptPaused{
		TargetID:  "t1",
		RequestID: "interception-1",
		URL:       url,
		Method:    "GET",
		Timestamp: time.Now(),
	}
}

func headerValue(hs []model.HeaderEntry, name string) string {
	for _, h := range hs {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func TestFulfillMatchedRule(t *testing.T) {
	cmd := &fakeCommander{}
	h, l := setup([]model.Rule{dataRule}, cmd)

	res := h.HandlePaused(context.Background(), pausedAt("https://api.example.com/data"))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	require.NotNil(t, res.Rule)
	assert.Equal(t, model.RuleID("r1"), res.Rule.ID)

	require.Len(t, cmd.fulfills, 1)
	assert.Empty(t, cmd.continues)
	call := cmd.fulfills[0]
	assert.Equal(t, 200, call.status)
	assert.Equal(t, "application/json", headerValue(call.headers, "Content-Type"))
	assert.Equal(t, "*", headerValue(call.headers, "Access-Control-Allow-Origin"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", headerValue(call.headers, "Cache-Control"))
	decoded, err := base64.StdEncoding.DecodeString(call.body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(decoded))
	assert.Equal(t, []bool{true}, cmd.deadlines)

	rec, ok := l.Get(ledger.KeyOf("t1", "interception-1"))
	require.True(t, ok)
	assert.True(t, rec.Intercepted)
	require.NotNil(t, rec.SyntheticBody)
	assert.Equal(t, `{"ok":true}`, *rec.SyntheticBody)
}

func TestContinueWhenNoMatch(t *testing.T) {
	cmd := &fakeCommander{}
	h, l := setup([]model.Rule{dataRule}, cmd)

	res := h.HandlePaused(context.Background(), pausedAt("https://other.example.com/"))
	assert.Equal(t, OutcomeContinued, res.Outcome)
	assert.Nil(t, res.Rule)
	assert.Empty(t, cmd.fulfills)
	assert.Equal(t, []string{"interception-1"}, cmd.continues)
	assert.Zero(t, l.Len())
}

func TestContinueWhenBodyEmpty(t *testing.T) {
	cmd := &fakeCommander{}
	empty := model.Rule{ID: "e", URLPattern: "/api/", MatchType: model.MatchContains}
	h, l := setup([]model.Rule{empty}, cmd)

	res := h.HandlePaused(context.Background(), pausedAt("https://x.com/api/v1"))
	assert.Equal(t, OutcomeContinued, res.Outcome)
	assert.Empty(t, cmd.fulfills)
	assert.Len(t, cmd.continues, 1)
	assert.Zero(t, l.Len())
}

func TestFulfillFailureFallsBackToContinue(t *testing.T) {
	cmd := &fakeCommander{fulfillErr: errors.New("Invalid InterceptionId")}
	h, l := setup([]model.Rule{dataRule}, cmd)

	res := h.HandlePaused(context.Background(), pausedAt("https://api.example.com/data"))
	assert.Equal(t, OutcomeContinued, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrProtocolCommand)
	assert.Len(t, cmd.fulfills, 1)
	assert.Len(t, cmd.continues, 1)

	rec, ok := l.Get(ledger.KeyOf("t1", "interception-1"))
	require.True(t, ok)
	assert.False(t, rec.Intercepted)
	assert.Nil(t, rec.SyntheticBody)
}

func TestContinueFailureAbandons(t *testing.T) {
	cmd := &fakeCommander{continueErr: errors.New("target closed")}
	h, _ := setup(nil, cmd)

	res := h.HandlePaused(context.Background(), pausedAt("https://x.com/"))
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrProtocolCommand)
	assert.Len(t, cmd.continues, 1)
}

func TestNoCommanderIsProtocolFailure(t *testing.T) {
	h := New(Config{})
	res := h.HandlePaused(context.Background(), pausedAt("https://x.com/"))
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrProtocolCommand)
}

func TestMockHeadersIsCopy(t *testing.T) {
	hs := MockHeaders()
	hs[0].Value = "text/plain"
	assert.Equal(t, "application/json", MockHeaders()[0].Value)
}
