package traffic

import (
	"time"

	"cdpmock/pkg/model"
)

// Event 捕获源事件的封闭集合，仅本包内的类型实现
type Event interface {
	Target() model.TargetID
	Request() string
	isEvent()
}

// FrameInfo 请求所属帧信息
type FrameInfo struct {
	FrameID       string
	ParentFrameID string
}

// PreSend 请求即将发送（被动捕获路径）
type PreSend struct {
	TargetID     model.TargetID
	RequestID    string
	URL          string
	Method       string
	Timestamp    time.Time
	ResourceType model.ResourceType
	Frame        FrameInfo
	Initiator    string
}

// HeadersSent 请求头已发送
type HeadersSent struct {
	TargetID  model.TargetID
	RequestID string
	Headers   model.Header
}

// HeadersReceived 收到响应头
type HeadersReceived struct {
	TargetID   model.TargetID
	RequestID  string
	Status     int
	StatusText string
	Headers    model.Header
}

// Completed 请求完成
type Completed struct {
	TargetID  model.TargetID
	RequestID string
	Timestamp time.Time
}

// InterceptPaused 请求被拦截暂停（主动捕获路径），等待 fulfill 或 continue
type InterceptPaused struct {
	TargetID     model.TargetID
	RequestID    string
	NetworkID    string // 对应 Network 域的请求ID，可能为空
	URL          string
	Method       string
	Headers      model.Header
	ResourceType model.ResourceType
	Timestamp    time.Time
}

func (e PreSend) Target() model.TargetID         { return e.TargetID }
func (e HeadersSent) Target() model.TargetID     { return e.TargetID }
func (e HeadersReceived) Target() model.TargetID { return e.TargetID }
func (e Completed) Target() model.TargetID       { return e.TargetID }
func (e InterceptPaused) Target() model.TargetID { return e.TargetID }

func (e PreSend) Request() string         { return e.RequestID }
func (e HeadersSent) Request() string     { return e.RequestID }
func (e HeadersReceived) Request() string { return e.RequestID }
func (e Completed) Request() string       { return e.RequestID }
func (e InterceptPaused) Request() string { return e.RequestID }

func (PreSend) isEvent()         {}
func (HeadersSent) isEvent()     {}
func (HeadersReceived) isEvent() {}
func (Completed) isEvent()       {}
func (InterceptPaused) isEvent() {}
