package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	adapter "cdpmock/internal/adapter/cdp"
	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

// eventBuffer 每个会话事件通道的缓冲大小
const eventBuffer = 64

type targetConn struct {
	conn   *rpcc.Conn
	client *cdp.Client
}

// Debugger 基于 DevTools 协议的调试通道，每个目标一条 websocket 连接
type Debugger struct {
	devtoolsURL string
	log         logger.Logger

	mu    sync.Mutex
	conns map[model.TargetID]*targetConn
}

// NewDebugger 创建调试通道管理器
func NewDebugger(devtoolsURL string, l logger.Logger) *Debugger {
	if l == nil {
		l = logger.NewNop()
	}
	return &Debugger{
		devtoolsURL: devtoolsURL,
		log:         l,
		conns:       make(map[model.TargetID]*targetConn),
	}
}

// ListTargets 列出浏览器中可调试的页面目标
func (d *Debugger) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(d.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, model.TargetInfo{ID: model.TargetID(t.ID), Type: string(t.Type), URL: t.URL, Title: t.Title})
	}
	return out, nil
}

// Attach 连接目标的调试 websocket
func (d *Debugger) Attach(ctx context.Context, target model.TargetID, protocolVersion string) error {
	dt := devtool.New(d.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDial, err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.ID == string(target) {
			sel = t
			break
		}
	}
	if sel == nil || sel.WebSocketDebuggerURL == "" {
		return fmt.Errorf("%w: %s", ErrNoTarget, target)
	}

	if v, err := dt.Version(ctx); err == nil && protocolVersion != "" && v.Protocol != "" && v.Protocol != protocolVersion {
		d.log.Warn("浏览器协议版本与配置不一致", "want", protocolVersion, "got", v.Protocol)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDial, err)
	}

	d.mu.Lock()
	old := d.conns[target]
	d.conns[target] = &targetConn{conn: conn, client: cdp.NewClient(conn)}
	d.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	d.log.Debug("已连接目标调试通道", "target", string(target), "url", sel.URL)
	return nil
}

// Detach 关闭目标连接
func (d *Debugger) Detach(ctx context.Context, target model.TargetID) error {
	d.mu.Lock()
	tc, ok := d.conns[target]
	delete(d.conns, target)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, target)
	}
	return tc.conn.Close()
}

// Subscribe 订阅目标的 Network 与 Fetch 事件，按线上顺序投递
func (d *Debugger) Subscribe(ctx context.Context, target model.TargetID) (<-chan traffic.Event, error) {
	tc, err := d.get(target)
	if err != nil {
		return nil, err
	}

	streams := make([]rpcc.Stream, 0, len(adapter.Methods))
	closeAll := func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}
	for _, method := range adapter.Methods {
		s, err := rpcc.NewStream(ctx, method, tc.conn)
		if err != nil {
			closeAll()
			return nil, err
		}
		streams = append(streams, s)
	}
	if err := rpcc.Sync(streams...); err != nil {
		closeAll()
		return nil, err
	}

	out := make(chan traffic.Event, eventBuffer)
	go func() {
		defer close(out)
		defer closeAll()
		l := d.log.With("target", string(target))
		for {
			idx, ok := nextReady(ctx, streams)
			if !ok {
				return
			}
			var raw json.RawMessage
			if err := streams[idx].RecvMsg(&raw); err != nil {
				if ctx.Err() == nil {
					l.Debug("事件流结束", "error", err.Error())
				}
				return
			}
			events, err := adapter.Decode(target, adapter.Methods[idx], raw, time.Now())
			if err != nil {
				l.Warn("丢弃无法解析的事件", "method", adapter.Methods[idx], "error", err.Error())
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// nextReady 等待任一事件流就绪，streams 顺序与 adapter.Methods 一致
func nextReady(ctx context.Context, s []rpcc.Stream) (int, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	case <-s[0].Ready():
		return 0, true
	case <-s[1].Ready():
		return 1, true
	case <-s[2].Ready():
		return 2, true
	case <-s[3].Ready():
		return 3, true
	case <-s[4].Ready():
		return 4, true
	}
}

// EnableNetworkEvents 启用 Network 域通知
func (d *Debugger) EnableNetworkEvents(ctx context.Context, target model.TargetID) error {
	tc, err := d.get(target)
	if err != nil {
		return err
	}
	return tc.client.Network.Enable(ctx, network.NewEnableArgs())
}

// EnableInterception 按 URL 模式在请求阶段启用 Fetch 拦截
func (d *Debugger) EnableInterception(ctx context.Context, target model.TargetID, patterns []string) error {
	tc, err := d.get(target)
	if err != nil {
		return err
	}
	return tc.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: requestPatterns(patterns)})
}

// FulfillRequest 以合成响应完成暂停的请求
func (d *Debugger) FulfillRequest(ctx context.Context, target model.TargetID, requestID string, status int, headers []model.HeaderEntry, base64Body string) error {
	tc, err := d.get(target)
	if err != nil {
		return err
	}
	body, err := base64.StdEncoding.DecodeString(base64Body)
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	// Body 在序列化时由协议库编码为 base64
	return tc.client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
		RequestID:       fetch.RequestID(requestID),
		ResponseCode:    status,
		ResponseHeaders: adapter.ToHeaderEntries(headers),
		Body:            body,
	})
}

// ContinueRequest 放行暂停的请求
func (d *Debugger) ContinueRequest(ctx context.Context, target model.TargetID, requestID string) error {
	tc, err := d.get(target)
	if err != nil {
		return err
	}
	return tc.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: fetch.RequestID(requestID)})
}

// Close 关闭全部连接
func (d *Debugger) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[model.TargetID]*targetConn)
	d.mu.Unlock()
	var errs []error
	for id, tc := range conns {
		if err := tc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Debugger) get(target model.TargetID) (*targetConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tc, ok := d.conns[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, target)
	}
	return tc, nil
}

func requestPatterns(patterns []string) []fetch.RequestPattern {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	out := make([]fetch.RequestPattern, 0, len(patterns))
	for _, p := range patterns {
		p := p
		out = append(out, fetch.RequestPattern{URLPattern: &p, RequestStage: fetch.RequestStageRequest})
	}
	return out
}
