package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"leafclient/backend/api"
	"leafclient/backend/appconfig"
	"leafclient/backend/persist"
	"leafclient/backend/repository/events"
	"leafclient/backend/repository/memory"
	"leafclient/backend/service/applog"
	"leafclient/backend/service/channel"
	"leafclient/backend/service/coordinator"
	"leafclient/backend/service/integrity"
	"leafclient/backend/service/permission"
	"leafclient/backend/service/subscription"
	"leafclient/backend/service/update"
	"leafclient/backend/service/viewstate"
	"leafclient/backend/tasks"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

// uiHost HTTP 界面作为一个宿主绑定协调器
const uiHost = "http"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "leaf.yaml", "path to YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	statePath := flag.String("state", "", "path to preferences snapshot (overrides config)")
	engineSocket := flag.String("engine-socket", "", "Engine host unix socket (overrides config)")
	dev := flag.Bool("dev", false, "enable development mode with verbose logging")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		logrus.Errorf("[Main] %v", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *engineSocket != "" {
		cfg.Engine.Socket = *engineSocket
	}

	level, err := applog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Errorf("[Main] %v", err)
		return 1
	}
	// 配置日志级别
	if *dev {
		gin.SetMode(gin.DebugMode)
		level = logrus.DebugLevel
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	appLog, err := applog.Setup(cfg.LogDir, cfg.LogRetention, level)
	if err != nil {
		logrus.Warnf("[AppLog] %v, logging to stderr only", err)
	} else {
		defer appLog.Close()
	}
	if *dev {
		logrus.Info("[Main] 运行在开发模式 - 显示所有日志")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. 事件总线与内存存储
	eventBus := events.NewBus()
	defer eventBus.Close()
	memStore := memory.NewStore(eventBus, version)

	// 2. 加载偏好（严格版本校验）
	state, err := persist.Load(cfg.StatePath)
	if err != nil {
		logrus.Errorf("[Main] load snapshot failed: %v", err)
		logrus.Errorf("[Main] 拒绝启动以避免覆盖 state 文件: %s", cfg.StatePath)
		return 1
	}
	memStore.LoadState(state)

	// 3. 持久化（事件驱动）
	snapshotter := persist.NewSnapshotter(cfg.StatePath, memStore)
	snapshotter.SubscribeEvents(eventBus)

	// 4. 服务层
	prefsRepo := memory.NewPreferencesRepo(memStore)
	subs := subscription.NewService(prefsRepo, subscription.Options{
		ProfilePath: cfg.Subscription.ProfilePath,
		BaseURL:     cfg.Subscription.BaseURL,
	})
	gate := permission.NewGate(cfg.Permission.Granted, cfg.Permission.CheckNetAdmin)

	deps := coordinator.Deps{
		Dialer:              channel.SocketDialer{Path: cfg.Engine.Socket},
		Preferences:         prefsRepo,
		Subscriptions:       subs,
		Permission:          gate,
		Bus:                 eventBus,
		SessionLabel:        cfg.Engine.SessionLabel,
		CallTimeout:         cfg.Engine.ControlTimeout,
		DialTimeout:         cfg.Engine.DialTimeout,
		SubscriptionTimeout: cfg.Subscription.Timeout,
	}
	if cfg.Assets.Manifest != "" {
		manifest, err := integrity.LoadManifest(cfg.Assets.Manifest)
		if err != nil {
			logrus.Errorf("[Main] load asset manifest: %v", err)
			return 1
		}
		deps.Integrity = integrity.NewVerifier(cfg.Assets.Dir, manifest)
	}
	coord := coordinator.New(deps)

	machine := viewstate.New(coord, viewstate.Config{
		SettleDelay:  cfg.Timing.SettleDelay,
		WarmupDelay:  cfg.Timing.WarmupDelay,
		LogInterval:  cfg.Timing.LogInterval,
		LogBatch:     cfg.Timing.LogBatch,
		ProbeTimeout: cfg.Timing.ProbeTimeout,
		CallTimeout:  cfg.Engine.ControlTimeout,
	})

	var tracker *update.Tracker
	schedOpts := tasks.Options{
		Preferences:          coord,
		Subscriptions:        machine,
		SubscriptionInterval: cfg.Subscription.RefreshInterval,
	}
	if cfg.Update.BaseURL != "" {
		tracker = update.NewTracker(update.NewChecker(update.Options{
			BaseURL: cfg.Update.BaseURL,
			Arch:    cfg.Update.Arch,
			Version: version,
			Retries: cfg.Update.Retries,
		}))
		schedOpts.Updates = tracker
		schedOpts.UpdateInterval = cfg.Update.Interval
	}
	if cfg.Subscription.BaseURL == "" {
		schedOpts.SubscriptionInterval = 0
	}
	tasks.NewScheduler(schedOpts).Start(ctx)

	// 5. 路由
	routerDeps := api.Deps{
		Machine:    machine,
		Broadcasts: coord,
		AppLog:     appLog,
		Consent:    gate,
	}
	if tracker != nil {
		routerDeps.Updates = tracker
	}
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewRouter(routerDeps),
	}

	coord.BindService(uiHost)

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		logrus.Info("[Main] 收到退出信号，正在清理...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("[Main] graceful shutdown failed: %v", err)
		}

		machine.Close()
		coord.UnbindService(uiHost)
		coord.Close()

		// 保存最终状态
		if err := snapshotter.SaveNow(); err != nil {
			logrus.Warnf("[Main] 保存状态失败: %v", err)
		}
		close(cleanupDone)
	}()

	logrus.Infof("[Main] leaf client %s listening on %s", version, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Errorf("[Main] listen: %v", err)
		cancel()
		<-cleanupDone
		return 1
	}
	<-cleanupDone
	return 0
}
