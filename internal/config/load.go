package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrLoadConfig = errors.New("load config")

// Load 依次叠加默认值、配置文件、CDPMOCK_* 环境变量与已绑定的命令行参数
func Load(v *viper.Viper, file string) (*Config, error) {
	cfg := NewConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix("CDPMOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return cfg, nil
}

// setDefaults 注册默认值，使环境变量可以覆盖嵌套键
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("version", cfg.Version)
	v.SetDefault("sqlite.dsn", cfg.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", cfg.Sqlite.Prefix)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.writer", cfg.Log.Writer)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("devtools.url", cfg.DevTools.URL)
	v.SetDefault("devtools.launch", cfg.DevTools.Launch)
	v.SetDefault("devtools.bin", cfg.DevTools.Bin)
	v.SetDefault("devtools.headless", cfg.DevTools.Headless)
	v.SetDefault("devtools.protocolVersion", cfg.DevTools.ProtocolVersion)
	v.SetDefault("intercept.patterns", cfg.Intercept.Patterns)
	v.SetDefault("intercept.reconciliationWindowMS", cfg.Intercept.ReconciliationWindowMS)
	v.SetDefault("intercept.attachDelayMS", cfg.Intercept.AttachDelayMS)
	v.SetDefault("intercept.commandTimeoutMS", cfg.Intercept.CommandTimeoutMS)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("rulesFile", cfg.RulesFile)
}
