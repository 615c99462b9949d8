// Package app wires configuration, storage and the services into one
// runnable unit and owns their start/stop ordering.
package app

import (
	"context"
	"sync"
	"time"

	"taskboard/internal/api"
	"taskboard/internal/config"
	"taskboard/internal/debugsrv"
	"taskboard/internal/directory"
	"taskboard/internal/dispatch"
	"taskboard/internal/notification"
	"taskboard/internal/push"
	"taskboard/internal/scanner"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	db *storage.DB

	pushSvc *push.Service
	// pushReady is false when no transport was built at startup (push began
	// disabled); enabling push then needs a restart, not a hot reload.
	pushReady bool
	scanSvc   *scanner.Service
	apiSrv    *api.Server
	debugSvc  *debugsrv.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	storageCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storageCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	h := db.Handle()
	store := notification.NewStore(h)
	users := directory.NewUsers(h)
	tasks := directory.NewTasks(h)

	pushCfg, err := mapPushConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var transport push.Transport
	if pushCfg.Enabled {
		transport, err = push.NewWebPushTransport(push.WebPushConfig{
			Subscriber:      cfg.Push.Subscriber,
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			TTL:             cfg.Push.TTL,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	pushSvc := push.New(pushCfg, transport, users, log.With(logx.String("comp", "push")))

	disp := dispatch.New(store, users, pushSvc, log.With(logx.String("comp", "dispatch")))

	scanCfg, err := mapScannerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	scanSvc := scanner.New(scanCfg, tasks, disp, log.With(logx.String("comp", "scanner")))

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	apiSrv := api.New(apiCfg, store, users, disp, log.With(logx.String("comp", "api")))

	debugSvc := debugsrv.New(mapDebugConfig(cfg), log.With(logx.String("comp", "debug")))

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		db:        db,
		pushSvc:   pushSvc,
		pushReady: transport != nil,
		scanSvc:   scanSvc,
		apiSrv:    apiSrv,
		debugSvc:  debugSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapScannerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPushConfig(cfg); err != nil {
			return err
		}
		_, err := mapAPIConfig(cfg)
		return err
	})

	if a.pushSvc.Enabled() {
		a.pushSvc.Start(runCtx)
	}
	if a.scanSvc.Enabled() {
		a.scanSvc.Start(runCtx)
	}
	if err := a.apiSrv.Start(runCtx); err != nil {
		return err
	}
	if a.debugSvc.Enabled() {
		a.debugSvc.Start(runCtx)
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(runCtx, newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services.
// Storage changes need a restart; everything else applies live.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Validator already ran; mapping errors here mean a race, keep previous.
	if pushCfg, err := mapPushConfig(cfg); err == nil {
		prev := a.pushSvc.Enabled()
		if pushCfg.Enabled && !a.pushReady {
			a.log.Warn("push enabled in config but no transport was built at startup; restart required")
			pushCfg.Enabled = false
		}
		a.pushSvc.Apply(pushCfg)
		if prev && !pushCfg.Enabled {
			a.log.Info("push disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.pushSvc.Stop(stopCtx)
			cancel()
		} else if !prev && pushCfg.Enabled {
			a.log.Info("push enabled via config")
			a.pushSvc.Start(ctx)
		}
	}

	if scanCfg, err := mapScannerConfig(cfg); err == nil {
		prev := a.scanSvc.Enabled()
		a.scanSvc.Apply(scanCfg)
		if prev && !scanCfg.Enabled {
			a.log.Info("scanner disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.scanSvc.Stop(stopCtx)
			cancel()
		} else if !prev && scanCfg.Enabled {
			a.log.Info("scanner enabled via config")
			a.scanSvc.Start(ctx)
		}
	}

	a.debugSvc.Reconfigure(ctx, mapDebugConfig(cfg))

	a.log.Info("config reloaded")
}

// ScanNow forces one deadline sweep outside the cron cadence.
func (a *App) ScanNow(ctx context.Context) error {
	return a.scanSvc.Scan(ctx, time.Now())
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	// Surface first, jobs next, pipeline last so an in-flight delivery can
	// finish. Deliveries still sitting in the queue are dropped; push is
	// advisory and the records are already stored.
	a.debugSvc.Stop(ctx)
	a.apiSrv.Stop(ctx)
	a.scanSvc.Stop(ctx)
	a.pushSvc.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	err := a.db.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
