package app

import (
	"fmt"
	"strings"
	"time"

	"taskboard/internal/api"
	"taskboard/internal/config"
	"taskboard/internal/debugsrv"
	"taskboard/internal/push"
	"taskboard/internal/scanner"
	"taskboard/internal/storage"
)

// Mapping helpers translate the string-typed on-disk config into the typed
// configs the services take. Each one is also the validation point for its
// section: a bad duration or timezone is rejected here, before commit.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./taskboard.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapScannerConfig(cfg *config.Config) (scanner.Config, error) {
	window, err := config.ParseDurationOrDefault("scanner.window", cfg.Scanner.Window, 24*time.Hour)
	if err != nil {
		return scanner.Config{}, err
	}
	tickTimeout, err := config.ParseDurationOrDefault("scanner.tick_timeout", cfg.Scanner.TickTimeout, 10*time.Minute)
	if err != nil {
		return scanner.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scanner.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scanner.Config{}, fmt.Errorf("scanner.timezone: invalid %q: %w", tz, err)
		}
	}
	return scanner.Config{
		Enabled:     cfg.Scanner.Enabled,
		Spec:        cfg.Scanner.Spec,
		Window:      window,
		TickTimeout: tickTimeout,
		Timezone:    cfg.Scanner.Timezone,
	}, nil
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	if cfg.Push.Workers < 0 {
		return push.Config{}, fmt.Errorf("push.workers must be >= 0")
	}
	if cfg.Push.QueueSize < 0 {
		return push.Config{}, fmt.Errorf("push.queue_size must be >= 0")
	}
	if cfg.Push.RatePerSec < 0 {
		return push.Config{}, fmt.Errorf("push.rate_per_sec must be >= 0")
	}
	sendTimeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, 10*time.Second)
	if err != nil {
		return push.Config{}, err
	}
	if cfg.Push.Enabled {
		if strings.TrimSpace(cfg.Push.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.Push.VAPIDPrivateKey) == "" {
			return push.Config{}, fmt.Errorf("push requires vapid_public_key and vapid_private_key")
		}
	}
	return push.Config{
		Enabled:     cfg.Push.Enabled,
		Workers:     cfg.Push.Workers,
		QueueSize:   cfg.Push.QueueSize,
		RatePerSec:  cfg.Push.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, time.Minute)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, nil
}
