package cdp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

// 订阅的 CDP 事件方法名
const (
	MethodRequestWillBeSent          = "Network.requestWillBeSent"
	MethodRequestWillBeSentExtraInfo = "Network.requestWillBeSentExtraInfo"
	MethodResponseReceived           = "Network.responseReceived"
	MethodLoadingFinished            = "Network.loadingFinished"
	MethodRequestPaused              = "Fetch.requestPaused"
)

// Methods 会话需要订阅的全部事件
var Methods = []string{
	MethodRequestWillBeSent,
	MethodRequestWillBeSentExtraInfo,
	MethodResponseReceived,
	MethodLoadingFinished,
	MethodRequestPaused,
}

var (
	ErrMalformedEvent    = errors.New("malformed cdp event")
	ErrUnsupportedMethod = errors.New("unsupported cdp method")
)

// Decode 将 CDP 事件原始参数转换为中立事件；at 为事件接收时间
func Decode(target model.TargetID, method string, params []byte, at time.Time) ([]traffic.Event, error) {
	if !gjson.ValidBytes(params) {
		return nil, fmt.Errorf("%w: %s: invalid json", ErrMalformedEvent, method)
	}
	p := gjson.ParseBytes(params)
	requestID := p.Get("requestId").String()
	if requestID == "" {
		return nil, fmt.Errorf("%w: %s: missing requestId", ErrMalformedEvent, method)
	}

	switch method {
	case MethodRequestWillBeSent:
		headers := toHeader(p.Get("request.headers"))
		pre := traffic.PreSend{
			TargetID:     target,
			RequestID:    requestID,
			URL:          requestURL(p.Get("request")),
			Method:       p.Get("request.method").String(),
			Timestamp:    at,
			ResourceType: model.ParseResourceType(p.Get("type").String()),
			Frame:        traffic.FrameInfo{FrameID: p.Get("frameId").String()},
			Initiator:    initiatorOrigin(p, headers),
		}
		if pre.ResourceType == model.ResourceMainFrame && p.Get("loaderId").String() != requestID {
			// 子帧文档请求的 loaderId 与 requestId 不同
			pre.ResourceType = model.ResourceSubFrame
		}
		events := []traffic.Event{pre}
		if len(headers) > 0 {
			events = append(events, traffic.HeadersSent{TargetID: target, RequestID: requestID, Headers: headers})
		}
		return events, nil

	case MethodRequestWillBeSentExtraInfo:
		return []traffic.Event{traffic.HeadersSent{
			TargetID:  target,
			RequestID: requestID,
			Headers:   toHeader(p.Get("headers")),
		}}, nil

	case MethodResponseReceived:
		resp := p.Get("response")
		return []traffic.Event{traffic.HeadersReceived{
			TargetID:   target,
			RequestID:  requestID,
			Status:     int(resp.Get("status").Int()),
			StatusText: resp.Get("statusText").String(),
			Headers:    toHeader(resp.Get("headers")),
		}}, nil

	case MethodLoadingFinished:
		return []traffic.Event{traffic.Completed{TargetID: target, RequestID: requestID, Timestamp: at}}, nil

	case MethodRequestPaused:
		return []traffic.Event{traffic.InterceptPaused{
			TargetID:     target,
			RequestID:    requestID,
			NetworkID:    p.Get("networkId").String(),
			URL:          requestURL(p.Get("request")),
			Method:       p.Get("request.method").String(),
			Headers:      toHeader(p.Get("request.headers")),
			ResourceType: model.ParseResourceType(p.Get("resourceType").String()),
			Timestamp:    at,
		}}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
}

// requestURL 拼接 CDP 拆分出去的 URL 片段
func requestURL(req gjson.Result) string {
	u := req.Get("url").String()
	if frag := req.Get("urlFragment").String(); frag != "" {
		u += frag
	}
	return u
}

// toHeader CDP 头部对象转换为小写键 Header
func toHeader(v gjson.Result) model.Header {
	if !v.IsObject() {
		return nil
	}
	h := make(model.Header)
	v.ForEach(func(k, val gjson.Result) bool {
		h.Set(k.String(), val.String())
		return true
	})
	return h
}

// initiatorOrigin 推导请求发起方 origin：Origin 头、initiator.url、documentURL 依次回退
func initiatorOrigin(p gjson.Result, headers model.Header) string {
	if o := headers.Get("origin"); o != "" && o != "null" {
		return o
	}
	for _, path := range []string{"initiator.url", "initiator.stack.callFrames.0.url"} {
		if o := originOf(p.Get(path).String()); o != "" {
			return o
		}
	}
	if p.Get("type").String() == "Document" {
		return ""
	}
	return originOf(p.Get("documentURL").String())
}

func originOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || !strings.HasPrefix(u.Scheme, "http") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ToHeaderEntries 将中立头部条目转换为 CDP Header 条目，保持顺序
func ToHeaderEntries(h []model.HeaderEntry) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, e := range h {
		entries = append(entries, fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return entries
}
