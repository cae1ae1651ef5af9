package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cdpmock/internal/config"
	"cdpmock/internal/logger"
)

// 构建时通过 -ldflags 注入
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "cdpmock",
	Short:         "Intercept browser requests over DevTools and answer them with mock responses",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志
func setup(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), file)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Log), nil
}
