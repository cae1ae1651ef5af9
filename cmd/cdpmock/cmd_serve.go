package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"cdpmock/internal/browser"
	"cdpmock/internal/cdp"
	"cdpmock/internal/handler"
	"cdpmock/internal/ledger"
	"cdpmock/internal/notify"
	"cdpmock/internal/reconcile"
	"cdpmock/internal/rules"
	"cdpmock/internal/rulesfile"
	"cdpmock/internal/server"
	"cdpmock/internal/service"
	"cdpmock/internal/session"
	"cdpmock/internal/storage"
	"cdpmock/internal/store"
	"cdpmock/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Attach to the browser and serve the query API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address")
	serveCmd.Flags().String("devtools", "", "DevTools HTTP endpoint, e.g. http://127.0.0.1:9222")
	serveCmd.Flags().Bool("launch", false, "Launch a local browser instead of connecting to --devtools")
	serveCmd.Flags().String("rules-file", "", "Rules file to watch and import")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("devtools.url", serveCmd.Flags().Lookup("devtools"))
	_ = viper.BindPFlag("devtools.launch", serveCmd.Flags().Lookup("launch"))
	_ = viper.BindPFlag("rulesFile", serveCmd.Flags().Lookup("rules-file"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Sqlite, log)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close(db) }()
	st := store.New(db, log)

	br, err := browser.Start(ctx, cfg.DevTools, log)
	if err != nil {
		return err
	}
	defer br.Close()

	debugger := cdp.NewDebugger(br.DevToolsURL, log)
	defer func() { _ = debugger.Close() }()

	l := ledger.New()
	rec := reconcile.New(l,
		reconcile.WithWindow(cfg.Intercept.ReconciliationWindow()),
		reconcile.WithLogger(log),
	)
	h := handler.New(handler.Config{
		Rules:          rules.NewAccessor(st, log),
		Matcher:        rules.NewMatcher(log),
		Reconciler:     rec,
		Commander:      debugger,
		CommandTimeout: cfg.Intercept.CommandTimeout(),
		Logger:         log,
	})
	hub := notify.NewHub(log)
	mgr := session.NewManager(session.Config{
		Debugger:        debugger,
		Flags:           st,
		Targets:         cdp.NewTargetWatcher(br.DevToolsURL, log),
		Handler:         h,
		Reconciler:      rec,
		Notifier:        hub,
		ProtocolVersion: cfg.DevTools.ProtocolVersion,
		Patterns:        cfg.Intercept.Patterns,
		AttachDelay:     cfg.Intercept.AttachDelay(),
		CommandTimeout:  cfg.Intercept.CommandTimeout(),
		Logger:          log,
	})
	svc := api.NewService(service.Deps{
		Ledger:   l,
		Sessions: mgr,
		Settings: st,
		Errors:   hub,
		Targets:  debugger,
		Logger:   log,
	})
	srv := server.New(svc, log)

	log.Info("cdpmock 启动", "version", version, "devtools", br.DevToolsURL, "listen", cfg.Server.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Listen) })
	if cfg.RulesFile != "" {
		w := rulesfile.NewWatcher(cfg.RulesFile, st, log)
		g.Go(func() error { return w.Run(gctx) })
	}
	err = g.Wait()
	log.Info("cdpmock 已退出")
	return err
}
