package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/betbot/bothost/internal/controlplane/kvstate"
	"github.com/betbot/bothost/internal/controlplane/procsup"
	"github.com/betbot/bothost/internal/controlplane/registry"
	"github.com/betbot/bothost/internal/controlplane/server"
	"github.com/betbot/bothost/internal/controlplane/store"
	"github.com/betbot/bothost/internal/domain"
	"github.com/betbot/bothost/pkg/config"
	"github.com/betbot/bothost/pkg/logger"
	"github.com/betbot/bothost/pkg/secretstore"
	"github.com/betbot/bothost/pkg/shutdown"
	"github.com/betbot/bothost/pkg/syncgroup"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("BOTHOST_CONFIG"), "config file (.yaml/.yml/.json)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite db file path (overrides config)")
		botsRoot   = flag.String("bots-root", "", "directory holding uploaded bots (overrides config)")
		backend    = flag.String("state-backend", "", "bot state backend: sqlite | badger (overrides config)")
		secretDB   = flag.String("secret-db", os.Getenv("BOTHOST_SECRET_DB"), "badger secrets db path (optional)")
		secretKey  = flag.String("secret-key", os.Getenv("BOTHOST_SECRET_KEY"), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	secrets, err := openSecrets(*secretDB, *secretKey)
	if err != nil {
		log.Printf("secret store unavailable, using OS env only: %v", err)
	}

	var reader config.SecretReader
	if secrets != nil {
		reader = secrets
	}
	cfg, err := config.Load(*configPath, reader)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	// 命令行参数优先级最高
	setIf(&cfg.Listen, *listenAddr)
	setIf(&cfg.DBPath, *dbPath)
	setIf(&cfg.BotsRoot, *botsRoot)
	setIf(&cfg.StateBackend, *backend)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	mainLog := logger.Component("main")

	db, err := store.Open(cfg.DBPath, logger.Component("store"))
	if err != nil {
		mainLog.WithError(err).Fatal("open store failed")
	}

	var (
		states     registry.Store = db
		closeState                = func() error { return nil }
	)
	if cfg.StateBackend == config.BackendBadger {
		kv, err := kvstate.Open(cfg.StateBadgerPath)
		if err != nil {
			mainLog.WithError(err).Fatal("open badger state store failed")
		}
		states, closeState = kv, kv.Close
	}
	mainLog.WithField("backend", cfg.StateBackend).Info("bot state store ready")

	sup := procsup.New(map[domain.Runtime]string{
		domain.RuntimeJavaScript: cfg.NodeBin,
		domain.RuntimePython:     cfg.PythonBin,
	}, logger.Component("procsup"))

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	reg, resumes, err := registry.Loader{
		Options: registry.Options{
			BotsRoot:         cfg.BotsRoot,
			Admins:           cfg.Admins,
			StartCost:        cfg.StartCost,
			LeaseDuration:    cfg.LeaseDuration,
			GraceWindow:      cfg.GraceWindow,
			LogCapacity:      cfg.LogCapacity,
			LogTail:          cfg.LogTail,
			EntrySearchDepth: cfg.EntrySearchDepth,
			Logger:           logger.Component("registry"),
		},
		Store:     states,
		Admission: db,
		Ownership: db,
		Spawner:   sup,
	}.Load(bootCtx)
	bootCancel()
	if err != nil {
		mainLog.WithError(err).Fatal("reconcile failed")
	}

	leases := registry.NewLeaseManager(reg, cfg.SweepInterval)
	srv, err := server.New(server.Config{CommandsPerMinute: cfg.CommandsPerMinute}, reg, db, leases, logger.Component("http"))
	if err != nil {
		mainLog.WithError(err).Fatal("init server failed")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	loops := syncgroup.NewSyncGroup()
	loops.Add(leases.Run)
	loops.Add(func(ctx context.Context) {
		n := reg.ScheduleResume(ctx, resumes, cfg.ResumeDelay)
		if len(resumes) > 0 {
			mainLog.WithField("resumed", n).WithField("candidates", len(resumes)).Info("resume finished")
		}
	})
	loops.Run(bgCtx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		mainLog.Infof("bothost listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.WithError(err).Error("http server error")
		}
	}()

	sm := shutdown.NewManager(logger.Component("main"))
	sm.OnShutdown("http", httpSrv.Shutdown)
	sm.OnShutdown("background", func(ctx context.Context) error {
		bgCancel()
		if !loops.WaitContext(ctx) {
			return fmt.Errorf("%d background loops still running", loops.Running())
		}
		return nil
	})
	// 最后一次 checkpoint 后终止所有进程；running 状态保留，下次启动时恢复
	sm.OnShutdown("registry", reg.Close)
	sm.OnShutdown("stores", func(context.Context) error {
		var errs []string
		if err := closeState(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := secrets.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("close stores: %s", strings.Join(errs, "; "))
		}
		return nil
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stopCh
	mainLog.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	failed := sm.Shutdown(ctx)
	_ = logger.Close()

	fmt.Println("bothost stopped")
	if failed > 0 {
		os.Exit(1)
	}
}

// openSecrets 打开密钥库；未配置路径时返回 nil
func openSecrets(path, rawKey string) (*secretstore.Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	key, err := secretstore.ParseKey(rawKey)
	if err != nil {
		return nil, err
	}
	return secretstore.Open(secretstore.OpenOptions{Path: path, EncryptionKey: key, ReadOnly: true})
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
