package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmock/internal/config"
	"cdpmock/internal/ledger"
	"cdpmock/internal/notify"
	"cdpmock/internal/service"
	"cdpmock/internal/session"
	"cdpmock/internal/storage"
	"cdpmock/internal/store"
	"cdpmock/pkg/api"
	"cdpmock/pkg/model"
)

type fakeSessions struct {
	mu      sync.Mutex
	toggles map[model.TargetID]bool
	err     error
}

func (f *fakeSessions) ToggleDebug(_ context.Context, target model.TargetID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.toggles[target] = enabled
	return nil
}

func (f *fakeSessions) Sessions() []model.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SessionInfo, 0, len(f.toggles))
	for id, on := range f.toggles {
		out = append(out, model.SessionInfo{Target: id, State: "detached", Pending: on})
	}
	return out
}

type fixture struct {
	srv      *httptest.Server
	ledger   *ledger.Ledger
	sessions *fakeSessions
	hub      *notify.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(config.SqliteConfig{Dsn: filepath.Join(t.TempDir(), "srv.sqlite3"), Prefix: "t_"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	f := &fixture{
		ledger:   ledger.New(),
		sessions: &fakeSessions{toggles: make(map[model.TargetID]bool)},
		hub:      notify.NewHub(nil),
	}
	svc := api.NewService(service.Deps{
		Ledger:   f.ledger,
		Sessions: f.sessions,
		Settings: store.New(db, nil),
		Errors:   f.hub,
	})
	f.srv = httptest.NewServer(New(svc, nil).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestRequestsEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.ledger.Insert(model.RequestRecord{ID: "1", URL: "https://a.com/x", TargetID: "a", CreatedAt: now})
	f.ledger.Insert(model.RequestRecord{ID: "2", URL: "https://b.com/y", TargetID: "b", CreatedAt: now})

	code, body := f.do(t, http.MethodGet, "/api/requests?target=a", "")
	require.Equal(t, http.StatusOK, code)
	var recs []model.RequestRecord
	require.NoError(t, json.Unmarshal([]byte(body), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "https://a.com/x", recs[0].URL)

	code, body = f.do(t, http.MethodDelete, "/api/requests", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true,"cleared":2}`, body)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestDebugEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/debug", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"enabled":false}`, body)

	code, _ = f.do(t, http.MethodPut, "/api/debug", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	_, body = f.do(t, http.MethodGet, "/api/debug", "")
	assert.JSONEq(t, `{"enabled":true}`, body)

	code, body = f.do(t, http.MethodPost, "/api/targets/T1/debug", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true}`, body)
	assert.True(t, f.sessions.toggles["T1"])

	_, body = f.do(t, http.MethodGet, "/api/sessions", "")
	assert.JSONEq(t, `[{"targetId":"T1","state":"detached","pending":true}]`, body)
}

func TestRulesEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/rules", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, body = f.do(t, http.MethodPost, "/api/rules", `{"id":"r1","url":"/api/","matchType":"contains","response":"{}"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"id":"r1","url":"/api/","matchType":"contains","response":"{}"}`, body)

	code, body = f.do(t, http.MethodPost, "/api/rules", `{"id":"r1","url":"/x","matchType":"exact","response":""}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, `"error"`)

	code, _ = f.do(t, http.MethodPost, "/api/rules", `{"url":"/x","matchType":"glob"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPut, "/api/rules", `[{"id":"a","url":"u","matchType":"exact","response":"1"},{"id":"b","url":"v","matchType":"regex","response":"2"}]`)
	assert.Equal(t, http.StatusOK, code)
	_, body = f.do(t, http.MethodGet, "/api/rules", "")
	var rules []model.Rule
	require.NoError(t, json.Unmarshal([]byte(body), &rules))
	require.Len(t, rules, 2)
	assert.Equal(t, model.RuleID("a"), rules[0].ID)

	code, _ = f.do(t, http.MethodDelete, "/api/rules/a", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, body = f.do(t, http.MethodDelete, "/api/rules/a", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "rule not found")
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/targets", "")
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.JSONEq(t, `{"error":"target listing unavailable"}`, body)

	f.sessions.err = fmt.Errorf("%w: T1: boom", session.ErrAttach)
	code, _ = f.do(t, http.MethodPost, "/api/targets/T1/debug", `{"enabled":true}`)
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = f.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	assert.Equal(t, http.StatusConflict, statusOf(session.ErrDebugDisabled))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("x")))
}

func TestTraceHeader(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(traceHeader))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	f.hub.Notify(model.DebugError{Type: model.DebugErrorConnect, Target: "T1", Message: "first"})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?replay=true"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got model.DebugError
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "first", got.Message)

	// 补发完成时订阅已建立
	f.hub.Notify(model.DebugError{Type: model.DebugErrorDetach, Target: "T2", Message: "second"})
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, model.DebugErrorDetach, got.Type)
	assert.Equal(t, model.TargetID("T2"), got.Target)

	code, body := f.do(t, http.MethodGet, "/api/errors", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "second")
}
