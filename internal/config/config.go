package config

import "time"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Sqlite SqliteConfig `yaml:"sqlite" mapstructure:"sqlite"`

	Log LogConfig `yaml:"log" mapstructure:"log"`

	DevTools DevToolsConfig `yaml:"devtools" mapstructure:"devtools"`

	Intercept InterceptConfig `yaml:"intercept" mapstructure:"intercept"`

	Server struct {
		Listen string `yaml:"listen" mapstructure:"listen"`
	} `yaml:"server" mapstructure:"server"`

	// RulesFile 可选的规则文件，变更时自动导入配置存储
	RulesFile string `yaml:"rulesFile" mapstructure:"rulesFile"`
}

// SqliteConfig 配置存储数据库
type SqliteConfig struct {
	Dsn    string `yaml:"dsn" mapstructure:"dsn"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `yaml:"level" mapstructure:"level"`
	Writer []string `yaml:"writer" mapstructure:"writer"`
	File   string   `yaml:"file" mapstructure:"file"`
}

// DevToolsConfig 浏览器调试端点
type DevToolsConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	Launch          bool   `yaml:"launch" mapstructure:"launch"`
	Bin             string `yaml:"bin" mapstructure:"bin"`
	Headless        bool   `yaml:"headless" mapstructure:"headless"`
	ProtocolVersion string `yaml:"protocolVersion" mapstructure:"protocolVersion"`
}

// InterceptConfig 拦截与对账参数
type InterceptConfig struct {
	Patterns               []string `yaml:"patterns" mapstructure:"patterns"`
	ReconciliationWindowMS int      `yaml:"reconciliationWindowMS" mapstructure:"reconciliationWindowMS"`
	AttachDelayMS          int      `yaml:"attachDelayMS" mapstructure:"attachDelayMS"`
	CommandTimeoutMS       int      `yaml:"commandTimeoutMS" mapstructure:"commandTimeoutMS"`
}

// ReconciliationWindow 去重时间窗口
func (c InterceptConfig) ReconciliationWindow() time.Duration {
	return time.Duration(c.ReconciliationWindowMS) * time.Millisecond
}

// AttachDelay 目标导航完成后的附加延迟
func (c InterceptConfig) AttachDelay() time.Duration {
	return time.Duration(c.AttachDelayMS) * time.Millisecond
}

// CommandTimeout 单条协议命令超时
func (c InterceptConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "db.sqlite3",
			Prefix: "cdpmock_",
		},
		Log: LogConfig{
			Level:  "debug",
			Writer: []string{"console", "file"},
			File:   "logs/cdpmock.log",
		},
		DevTools: DevToolsConfig{
			URL:             "http://127.0.0.1:9222",
			ProtocolVersion: "1.3",
		},
		Intercept: InterceptConfig{
			Patterns:               []string{"*"},
			ReconciliationWindowMS: 5000,
			AttachDelayMS:          1000,
			CommandTimeoutMS:       3000,
		},
	}
	cfg.Server.Listen = "127.0.0.1:8765"
	return cfg
}
