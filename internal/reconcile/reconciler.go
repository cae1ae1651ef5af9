package reconcile

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cdpmock/internal/ledger"
	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
	"cdpmock/pkg/traffic"
)

// DefaultWindow 跨捕获源去重的时间窗口
const DefaultWindow = 5 * time.Second

// Reconciler 将多个捕获源的局部事件合并为账本中的单条记录
type Reconciler struct {
	ledger *ledger.Ledger
	window time.Duration
	now    func() time.Time
	log    logger.Logger
}

// Option 配置选项
type Option func(*Reconciler)

// WithWindow 设置跨捕获源去重窗口
func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// New 创建事件合并器
func New(l *ledger.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger: l,
		window: DefaultWindow,
		now:    time.Now,
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window 当前去重窗口
func (r *Reconciler) Window() time.Duration { return r.window }

// Apply 按事件类型分派；InterceptPaused 不携带规则，需由处理器调用 OnInterceptPaused
func (r *Reconciler) Apply(ev traffic.Event) error {
	switch e := ev.(type) {
	case traffic.PreSend:
		r.OnPreSend(e)
		return nil
	case traffic.HeadersSent:
		return r.OnHeadersSent(e)
	case traffic.HeadersReceived:
		return r.OnHeadersReceived(e)
	case traffic.Completed:
		return r.OnCompleted(e)
	case traffic.InterceptPaused:
		return nil
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

// OnPreSend 请求即将发送：记录不存在时创建；窗口内已有主动捕获的同 URL 记录时只建立别名
func (r *Reconciler) OnPreSend(ev traffic.PreSend) {
	key := ledger.KeyOf(ev.TargetID, ev.RequestID)
	if _, ok := r.ledger.Resolve(key); ok {
		return
	}

	created := ev.Timestamp
	if created.IsZero() {
		created = r.now()
	}
	if dup, ok := r.ledger.FindRecent(ev.TargetID, ev.URL, model.SourceActive, created.Add(-r.window)); ok {
		r.ledger.Alias(key, dup)
		r.log.Debug("跳过重复请求记录", "requestId", ev.RequestID, "mergedInto", dup.RequestID, "url", ev.URL)
		return
	}

	r.ledger.Insert(model.RequestRecord{
		ID:            ev.RequestID,
		URL:           ev.URL,
		Method:        ev.Method,
		CreatedAt:     created,
		ResourceType:  ev.ResourceType,
		TargetID:      ev.TargetID,
		FrameID:       ev.Frame.FrameID,
		ParentFrameID: ev.Frame.ParentFrameID,
		Initiator:     ev.Initiator,
		Source:        model.SourcePassive,
	})
}

// OnHeadersSent 合并请求头
func (r *Reconciler) OnHeadersSent(ev traffic.HeadersSent) error {
	return r.merge(ev.TargetID, ev.RequestID, func(rec *model.RequestRecord) {
		if rec.RequestHeaders == nil {
			rec.RequestHeaders = make(model.Header, len(ev.Headers))
		}
		for k, v := range ev.Headers {
			rec.RequestHeaders.Set(k, v)
		}
	})
}

// OnHeadersReceived 合并响应状态与响应头，并归类内容类型
func (r *Reconciler) OnHeadersReceived(ev traffic.HeadersReceived) error {
	headers := model.NewHeader(ev.Headers)
	return r.merge(ev.TargetID, ev.RequestID, func(rec *model.RequestRecord) {
		rec.Status = ev.Status
		rec.StatusText = ev.StatusText
		rec.ResponseHeaders = headers
		rec.ContentType = model.ClassifyContentType(headers.Get("content-type"))
		rec.ContentLength = nil
		if v := strings.TrimSpace(headers.Get("content-length")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				rec.ContentLength = &n
			}
		}
	})
}

// OnCompleted 记录耗时，只设置一次
func (r *Reconciler) OnCompleted(ev traffic.Completed) error {
	done := ev.Timestamp
	if done.IsZero() {
		done = r.now()
	}
	return r.merge(ev.TargetID, ev.RequestID, func(rec *model.RequestRecord) {
		if rec.ElapsedMs != nil {
			return
		}
		ms := done.Sub(rec.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		rec.ElapsedMs = &ms
	})
}

// OnInterceptPaused 为命中规则的暂停请求合成完整记录，返回记录的规范键
func (r *Reconciler) OnInterceptPaused(ev traffic.InterceptPaused, rule model.Rule) ledger.Key {
	key := ledger.KeyOf(ev.TargetID, ev.RequestID)
	body := rule.ResponseBody
	zero := int64(0)
	length := int64(len(body))
	headers := model.NewHeader(ev.Headers)

	mark := func(rec *model.RequestRecord) {
		if len(headers) > 0 {
			rec.RequestHeaders = headers.Clone()
		}
		if rec.Initiator == "" {
			rec.Initiator = originOf(headers)
		}
		rec.Status = 200
		rec.StatusText = "OK"
		rec.ResponseHeaders = model.Header{"content-type": "application/json"}
		rec.ContentType = model.ContentJSON
		rec.ContentLength = &length
		rec.BodyText = body
		rec.ElapsedMs = &zero
		rec.Intercepted = true
		b := body
		rec.SyntheticBody = &b
	}

	if canonical, ok := r.ledger.Resolve(key); ok {
		r.ledger.Update(canonical, mark)
		return canonical
	}

	created := ev.Timestamp
	if created.IsZero() {
		created = r.now()
	}
	if existing, ok := r.passiveMate(ev, created); ok {
		r.ledger.Update(existing, mark)
		r.ledger.Alias(key, existing)
		r.log.Debug("拦截请求合并到已有记录", "requestId", ev.RequestID, "mergedInto", existing.RequestID)
		return existing
	}

	rec := model.RequestRecord{
		ID:           ev.RequestID,
		URL:          ev.URL,
		Method:       ev.Method,
		CreatedAt:    created,
		ResourceType: ev.ResourceType,
		TargetID:     ev.TargetID,
		Source:       model.SourceActive,
	}
	mark(&rec)
	r.ledger.Insert(rec)
	return key
}

// RevertIntercept 撤销拦截标记，用于 fulfill 失败后改为放行的请求
func (r *Reconciler) RevertIntercept(key ledger.Key) {
	r.ledger.Update(key, func(rec *model.RequestRecord) {
		rec.Intercepted = false
		rec.SyntheticBody = nil
		rec.Status = 0
		rec.StatusText = ""
		rec.ResponseHeaders = nil
		rec.ContentType = ""
		rec.ContentLength = nil
		rec.BodyText = ""
		rec.ElapsedMs = nil
	})
}

// passiveMate 查找同一逻辑请求的被动记录：优先 Network 请求ID，其次窗口内同 URL
func (r *Reconciler) passiveMate(ev traffic.InterceptPaused, created time.Time) (ledger.Key, bool) {
	if ev.NetworkID != "" {
		if k, ok := r.ledger.Resolve(ledger.KeyOf(ev.TargetID, ev.NetworkID)); ok {
			return k, true
		}
	}
	return r.ledger.FindRecent(ev.TargetID, ev.URL, model.SourcePassive, created.Add(-r.window))
}

func (r *Reconciler) merge(target model.TargetID, requestID string, patch func(*model.RequestRecord)) error {
	if r.ledger.Update(ledger.KeyOf(target, requestID), patch) {
		return nil
	}
	r.log.Debug("丢弃未知请求的事件", "target", string(target), "requestId", requestID)
	return fmt.Errorf("%w: %s/%s", ErrReconciliationMiss, target, requestID)
}

// originOf 从请求头推导发起方 origin
func originOf(h model.Header) string {
	if o := h.Get("origin"); o != "" {
		return o
	}
	ref := h.Get("referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
