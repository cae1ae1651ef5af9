package browser

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-rod/rod/lib/launcher"

	"cdpmock/internal/config"
	"cdpmock/internal/logger"
)

// Browser 调试端点：已有浏览器或本地启动的浏览器
type Browser struct {
	// DevToolsURL DevTools HTTP 端点，如 http://127.0.0.1:9222
	DevToolsURL string

	l *launcher.Launcher
}

// Start 按配置返回调试端点；launch 关闭时直接使用配置的地址
func Start(ctx context.Context, cfg config.DevToolsConfig, l logger.Logger) (*Browser, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if !cfg.Launch {
		return &Browser{DevToolsURL: cfg.URL}, nil
	}

	lc := launcher.New().Context(ctx).Headless(cfg.Headless)
	if cfg.Bin != "" {
		lc = lc.Bin(cfg.Bin)
	}
	wsURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	base, err := HTTPBase(wsURL)
	if err != nil {
		lc.Kill()
		return nil, err
	}
	l.Info("已启动本地浏览器", "devtools", base, "headless", cfg.Headless)
	return &Browser{DevToolsURL: base, l: lc}, nil
}

// Close 结束本地启动的浏览器并清理用户目录
func (b *Browser) Close() {
	if b == nil || b.l == nil {
		return
	}
	b.l.Kill()
	b.l.Cleanup()
}

// HTTPBase 将 ws://host:port/devtools/browser/<id> 转换为 http://host:port
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse devtools url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse devtools url: missing host in %q", wsURL)
	}
	scheme := "http"
	switch u.Scheme {
	case "wss", "https":
		scheme = "https"
	case "ws", "http":
	default:
		return "", fmt.Errorf("parse devtools url: unsupported scheme %q", u.Scheme)
	}
	return scheme + "://" + u.Host, nil
}
