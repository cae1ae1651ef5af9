package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"cdpmock/internal/ctxkeys"
	"cdpmock/internal/logger"
	"cdpmock/internal/service"
	"cdpmock/internal/session"
	"cdpmock/internal/store"
	"cdpmock/pkg/api"
	"cdpmock/pkg/model"
)

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	traceHeader     = "X-Trace-Id"
)

// Server 查询面 HTTP 接口
type Server struct {
	e        *echo.Echo
	svc      api.Service
	log      logger.Logger
	upgrader websocket.Upgrader
}

// New 创建 HTTP 服务并注册路由
func New(svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{
		e:   echo.New(),
		svc: svc,
		log: l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.Use(middleware.Recover())
	s.e.Use(traceID)
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l.Debug("HTTP 请求", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency.String(), "traceId", ctxkeys.TraceID(c.Request().Context()))
			return nil
		},
	}))
	s.routes()
	return s
}

// traceID 为每个请求附加追踪ID，并通过响应头返回
func traceID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := ctxkeys.WithTraceID(c.Request().Context())
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(traceHeader, ctxkeys.TraceID(ctx))
		return next(c)
	}
}

func (s *Server) routes() {
	g := s.e.Group("/api")
	g.GET("/requests", s.getRequests)
	g.DELETE("/requests", s.clearRequests)
	g.GET("/targets", s.listTargets)
	g.POST("/targets/:id/debug", s.toggleDebug)
	g.GET("/debug", s.getDebug)
	g.PUT("/debug", s.setDebug)
	g.GET("/rules", s.listRules)
	g.PUT("/rules", s.saveRules)
	g.POST("/rules", s.addRule)
	g.DELETE("/rules/:id", s.removeRule)
	g.GET("/sessions", s.sessions)
	g.GET("/errors", s.recentErrors)
	g.GET("/events", s.events)
}

// Handler 返回 http.Handler，便于测试与嵌入
func (s *Server) Handler() http.Handler { return s.e }

// Run 监听地址直到 ctx 结束
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.e, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", "listen", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	s.log.Info("HTTP 服务已停止")
	return nil
}

type debugBody struct {
	Enabled bool `json:"enabled"`
}

type successBody struct {
	Success bool `json:"success"`
}

func (s *Server) getRequests(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.GetRequests(model.TargetID(c.QueryParam("target"))))
}

func (s *Server) clearRequests(c echo.Context) error {
	n := s.svc.ClearRequests(model.TargetID(c.QueryParam("target")))
	return c.JSON(http.StatusOK, map[string]any{"success": true, "cleared": n})
}

func (s *Server) listTargets(c echo.Context) error {
	targets, err := s.svc.ListTargets(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, targets)
}

func (s *Server) toggleDebug(c echo.Context) error {
	var body debugBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := s.svc.ToggleDebug(c.Request().Context(), model.TargetID(c.Param("id")), body.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successBody{Success: true})
}

func (s *Server) getDebug(c echo.Context) error {
	on, err := s.svc.DebugEnabled(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, debugBody{Enabled: on})
}

func (s *Server) setDebug(c echo.Context) error {
	var body debugBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := s.svc.SetDebugEnabled(c.Request().Context(), body.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successBody{Success: true})
}

func (s *Server) listRules(c echo.Context) error {
	rules, err := s.svc.ListRules(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) saveRules(c echo.Context) error {
	var rules []model.Rule
	if err := c.Bind(&rules); err != nil {
		return err
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	if err := s.svc.SaveRules(c.Request().Context(), rules); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successBody{Success: true})
}

func (s *Server) addRule(c echo.Context) error {
	var r model.Rule
	if err := c.Bind(&r); err != nil {
		return err
	}
	added, err := s.svc.AddRule(c.Request().Context(), r)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, added)
}

func (s *Server) removeRule(c echo.Context) error {
	if err := s.svc.RemoveRule(c.Request().Context(), model.RuleID(c.Param("id"))); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Sessions())
}

func (s *Server) recentErrors(c echo.Context) error {
	errs := s.svc.RecentErrors()
	if errs == nil {
		errs = []model.DebugError{}
	}
	return c.JSON(http.StatusOK, errs)
}

// events 以 websocket 推送调试错误；replay=true 时先补发最近的错误
func (s *Server) events(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	ch := s.svc.SubscribeErrors(ctx)

	// 读协程只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if c.QueryParam("replay") == "true" {
		for _, e := range s.svc.RecentErrors() {
			if err := s.write(conn, e); err != nil {
				return nil
			}
		}
	}
	for e := range ch {
		if err := s.write(conn, e); err != nil {
			s.log.Debug("事件推送连接已关闭", "error", err.Error())
			return nil
		}
	}
	return nil
}

func (s *Server) write(conn *websocket.Conn, e model.DebugError) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}

// handleError 统一输出 {"error": msg}
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusOf(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= http.StatusInternalServerError {
		s.log.Err(err, "HTTP 请求处理失败", "uri", c.Request().RequestURI)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidRule), errors.Is(err, store.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, store.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAttach), errors.Is(err, session.ErrDetach):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrDebugDisabled):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoTargetLister):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
