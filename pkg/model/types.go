package model

import (
	"strings"
	"time"
)

type TargetID string
type RuleID string

// MatchType 规则匹配方式
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// Rule 声明式 mock 规则：URL 模式 + 匹配方式 + 响应体
type Rule struct {
	ID           RuleID    `json:"id" yaml:"id"`
	URLPattern   string    `json:"url" yaml:"url"`
	MatchType    MatchType `json:"matchType" yaml:"matchType"`
	ResponseBody string    `json:"response" yaml:"response"`
}

// ResourceType 浏览器资源类型（与 webRequest 资源类型一致的封闭集合）
type ResourceType string

const (
	ResourceMainFrame ResourceType = "main_frame"
	ResourceSubFrame  ResourceType = "sub_frame"
	ResourceStyle     ResourceType = "stylesheet"
	ResourceScript    ResourceType = "script"
	ResourceImage     ResourceType = "image"
	ResourceFont      ResourceType = "font"
	ResourceObject    ResourceType = "object"
	ResourceXHR       ResourceType = "xmlhttprequest"
	ResourcePing      ResourceType = "ping"
	ResourceCSPReport ResourceType = "csp_report"
	ResourceMedia     ResourceType = "media"
	ResourceWebSocket ResourceType = "websocket"
	ResourceWebBundle ResourceType = "webbundle"
	ResourceOther     ResourceType = "other"
)

// cdpResourceTypes CDP Network.ResourceType 到资源类型的映射（小写键）
var cdpResourceTypes = map[string]ResourceType{
	"document":           ResourceMainFrame,
	"stylesheet":         ResourceStyle,
	"image":              ResourceImage,
	"media":              ResourceMedia,
	"texttrack":          ResourceMedia,
	"font":               ResourceFont,
	"script":             ResourceScript,
	"xhr":                ResourceXHR,
	"fetch":              ResourceXHR,
	"eventsource":        ResourceXHR,
	"websocket":          ResourceWebSocket,
	"ping":               ResourcePing,
	"cspviolationreport": ResourceCSPReport,
	"signedexchange":     ResourceWebBundle,
}

// ParseResourceType 解析资源类型，同时接受 webRequest 与 CDP 两套命名（大小写不敏感）
func ParseResourceType(s string) ResourceType {
	s = strings.ToLower(strings.TrimSpace(s))
	switch rt := ResourceType(s); rt {
	case ResourceMainFrame, ResourceSubFrame, ResourceStyle, ResourceScript, ResourceImage,
		ResourceFont, ResourceObject, ResourceXHR, ResourcePing, ResourceCSPReport,
		ResourceMedia, ResourceWebSocket, ResourceWebBundle, ResourceOther:
		return rt
	}
	if rt, ok := cdpResourceTypes[s]; ok {
		return rt
	}
	return ResourceOther
}

// ContentType 响应内容分类
type ContentType string

const (
	ContentJSON  ContentType = "json"
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentOther ContentType = "other"
)

// ClassifyContentType 根据 content-type 头归类响应内容
func ClassifyContentType(v string) ContentType {
	v = strings.ToLower(v)
	switch {
	case strings.Contains(v, "application/json"):
		return ContentJSON
	case strings.Contains(v, "text/"):
		return ContentText
	case strings.Contains(v, "image/"):
		return ContentImage
	default:
		return ContentOther
	}
}

// CaptureSource 记录由哪条捕获路径创建
type CaptureSource string

const (
	SourcePassive CaptureSource = "passive" // Network 域被动观测
	SourceActive  CaptureSource = "active"  // Fetch 域拦截暂停
)

// RequestRecord 一次网络交换的合并记录，由请求账本独占持有
type RequestRecord struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	Method        string        `json:"method"`
	CreatedAt     time.Time     `json:"createdAt"`
	ResourceType  ResourceType  `json:"type"`
	TargetID      TargetID      `json:"targetId"`
	FrameID       string        `json:"frameId"`
	ParentFrameID string        `json:"parentFrameId"`
	Initiator     string        `json:"initiator,omitempty"`
	Source        CaptureSource `json:"source"`

	RequestHeaders Header `json:"requestHeaders,omitempty"`

	// 响应部分，随事件逐步填充
	Status          int         `json:"status,omitempty"`
	StatusText      string      `json:"statusText,omitempty"`
	ResponseHeaders Header      `json:"responseHeaders,omitempty"`
	ContentType     ContentType `json:"contentType,omitempty"`
	ContentLength   *int64      `json:"contentLength,omitempty"`
	BodyText        string      `json:"bodyText,omitempty"`
	ElapsedMs       *int64      `json:"elapsedMs,omitempty"`

	// 拦截标记
	Intercepted   bool    `json:"intercepted"`
	SyntheticBody *string `json:"syntheticBody,omitempty"`
}

// Clone 深拷贝记录，供账本外部只读使用
func (r RequestRecord) Clone() RequestRecord {
	out := r
	out.RequestHeaders = r.RequestHeaders.Clone()
	out.ResponseHeaders = r.ResponseHeaders.Clone()
	if r.ContentLength != nil {
		v := *r.ContentLength
		out.ContentLength = &v
	}
	if r.ElapsedMs != nil {
		v := *r.ElapsedMs
		out.ElapsedMs = &v
	}
	if r.SyntheticBody != nil {
		v := *r.SyntheticBody
		out.SyntheticBody = &v
	}
	return out
}

// DebugErrorType 调试错误类别
type DebugErrorType string

const (
	DebugErrorConnect DebugErrorType = "connect"
	DebugErrorDetach  DebugErrorType = "detach"
)

// DebugError 推送给 UI 协作方的结构化错误通知
type DebugError struct {
	Type      DebugErrorType `json:"type"`
	Target    TargetID       `json:"targetId"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
}

// SessionInfo 会话注册表快照条目
type SessionInfo struct {
	Target  TargetID `json:"targetId"`
	State   string   `json:"state"`
	Pending bool     `json:"pending"`
}

type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}
