package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	"cdpmock/internal/logger"
	"cdpmock/internal/session"
	"cdpmock/pkg/model"
)

const (
	methodTargetCreated     = "Target.targetCreated"
	methodTargetInfoChanged = "Target.targetInfoChanged"
	methodTargetDestroyed   = "Target.targetDestroyed"
)

// TargetWatcher 通过浏览器级连接发现页面目标的创建、导航与销毁
type TargetWatcher struct {
	devtoolsURL string
	log         logger.Logger
}

// NewTargetWatcher 创建目标生命周期监听器
func NewTargetWatcher(devtoolsURL string, l logger.Logger) *TargetWatcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &TargetWatcher{devtoolsURL: devtoolsURL, log: l}
}

// Watch 开启目标发现，ctx 结束或连接断开时通道关闭
func (w *TargetWatcher) Watch(ctx context.Context) (<-chan session.TargetEvent, error) {
	v, err := devtool.New(w.devtoolsURL).Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	conn, err := rpcc.DialContext(ctx, v.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}

	methods := []string{methodTargetCreated, methodTargetInfoChanged, methodTargetDestroyed}
	streams := make([]rpcc.Stream, 0, len(methods))
	cleanup := func() {
		for _, s := range streams {
			_ = s.Close()
		}
		_ = conn.Close()
	}
	for _, m := range methods {
		s, err := rpcc.NewStream(ctx, m, conn)
		if err != nil {
			cleanup()
			return nil, err
		}
		streams = append(streams, s)
	}
	if err := rpcc.Sync(streams...); err != nil {
		cleanup()
		return nil, err
	}
	if err := cdp.NewClient(conn).Target.SetDiscoverTargets(ctx, &target.SetDiscoverTargetsArgs{Discover: true}); err != nil {
		cleanup()
		return nil, err
	}
	w.log.Info("已开启目标发现", "browser", v.Browser)

	out := make(chan session.TargetEvent, eventBuffer)
	go func() {
		defer close(out)
		defer cleanup()
		for {
			var idx int
			select {
			case <-ctx.Done():
				return
			case <-streams[0].Ready():
				idx = 0
			case <-streams[1].Ready():
				idx = 1
			case <-streams[2].Ready():
				idx = 2
			}
			var raw json.RawMessage
			if err := streams[idx].RecvMsg(&raw); err != nil {
				if ctx.Err() == nil {
					w.log.Warn("目标发现连接已断开", "error", err.Error())
				}
				return
			}
			ev, ok := decodeTargetEvent(methods[idx], raw)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// decodeTargetEvent 只关注页面目标；销毁事件不携带类型，一律转发
func decodeTargetEvent(method string, raw []byte) (session.TargetEvent, bool) {
	p := gjson.ParseBytes(raw)
	if method == methodTargetDestroyed {
		id := p.Get("targetId").String()
		if id == "" {
			return session.TargetEvent{}, false
		}
		return session.TargetEvent{Kind: session.TargetRemoved, Target: model.TargetID(id)}, true
	}

	info := p.Get("targetInfo")
	if info.Get("type").String() != string(devtool.Page) {
		return session.TargetEvent{}, false
	}
	ti := model.TargetInfo{
		ID:    model.TargetID(info.Get("targetId").String()),
		Type:  info.Get("type").String(),
		URL:   info.Get("url").String(),
		Title: info.Get("title").String(),
	}
	if ti.ID == "" {
		return session.TargetEvent{}, false
	}
	kind := session.TargetCreated
	if method == methodTargetInfoChanged {
		kind = session.TargetUpdated
	}
	return session.TargetEvent{Kind: kind, Target: ti.ID, Info: ti}, true
}
