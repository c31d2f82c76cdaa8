package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/warpgate/warpgate/api"
	"github.com/warpgate/warpgate/pkg/bridge"
	"github.com/warpgate/warpgate/pkg/certtrust"
	"github.com/warpgate/warpgate/pkg/config"
	"github.com/warpgate/warpgate/pkg/core"
	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/mitm"
	"github.com/warpgate/warpgate/pkg/rotation"
	"github.com/warpgate/warpgate/pkg/storage"
	"github.com/warpgate/warpgate/pkg/sysproxy"
	"github.com/warpgate/warpgate/pkg/warpapi"
)

var version = "dev"

func main() {
	var (
		configFile string
		logLevel   string
	)
	flag.StringVar(&configFile, "config", defaultConfigFile(), "Path to the config file")
	flag.StringVar(&logLevel, "loglevel", "", "Override the configured log level")
	flag.Parse()

	cfg, err := config.Load(version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.NewDefault("WARPGATE")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	appLogger.Info("Starting warpgate %s...", version)

	store, err := storage.NewSQLiteStorage(cfg.DBPath, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	dataDir := cfg.DataDir()
	osInfo := sysproxy.CurrentOSInfo()

	hub := bridge.New(cfg.BridgeAddr, appLogger)
	if err := hub.Start(); err != nil {
		log.Fatalf("Failed to start the event bridge: %v", err)
	}

	trust := certtrust.NewBootstrapper(
		store.SettingsRepo(),
		certtrust.NewInstaller(appLogger),
		mitm.CertFile(cfg.ConfDir),
		appLogger,
	)

	supervisor := mitm.NewSupervisor(mitm.Options{
		MitmdumpPath:   cfg.MitmdumpPath,
		ScriptPath:     cfg.ScriptPath,
		ConfDir:        cfg.ConfDir,
		BasePort:       cfg.BasePort,
		ForbiddenPorts: cfg.ForbiddenPortList(),
		Verbose:        cfg.LogLevel == "debug",
		WarpOnly:       cfg.WarpOnly,
	}, trust.EnsureTrusted, appLogger)

	// proxy output feeds the UI event stream
	supervisor.Logs().Subscribe(func(e mitm.Entry) {
		hub.Publish("proxy_log", e)
	})

	client := warpapi.NewClient(warpapi.Options{
		OSCategory: osInfo.Category,
		OSName:     osInfo.Name,
		OSVersion:  osInfo.Version,
		Logger:     appLogger,
	})

	session := rotation.NewSession(store.SettingsRepo())
	controller := rotation.NewController(store.AccountRepo(), session, client, dataDir, appLogger)
	controller.Publish = hub.Publish

	app := core.New(core.Options{
		Config:     cfg,
		Logger:     appLogger,
		Store:      store,
		Supervisor: supervisor,
		ProxyCfg:   sysproxy.ForPlatform(appLogger, dataDir),
		Trust:      trust,
		Session:    session,
		Rotation:   controller,
		Publish:    hub.Publish,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.RecoverState(ctx)
	go controller.Run(ctx)
	go app.RunWatchdog(ctx)

	srv := api.New(app, appLogger)
	go func() {
		if err := srv.Start(cfg.ServerAddr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	cancel()

	shutdownCtx := context.Background()
	if session.Proxying() {
		if err := app.StopProxy(shutdownCtx); err != nil {
			appLogger.Error("Proxy shutdown error: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error: %v", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Event bridge shutdown error: %v", err)
	}

	appLogger.Info("Exited")
}

// defaultConfigFile puts all daemon state under ~/.warpgate
func defaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warpgate.yaml"
	}
	dir := filepath.Join(home, ".warpgate")
	os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "warpgate.yaml")
}
