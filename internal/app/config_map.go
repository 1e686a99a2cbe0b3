package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/conversation"
	"relaybot/internal/dispatch"
	"relaybot/internal/httpapi"
	"relaybot/internal/router"
	"relaybot/internal/scheduler"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	logx "relaybot/pkg/logx"
)

const (
	defaultUpdateQueue = 256
	auditPurgeEvery    = time.Hour
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			Target:     cfg.Logging.Alert.Target,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: counts must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		SendTimeout: timeout,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Burst:       cfg.Dispatch.Burst,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, sendTimeout time.Duration) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		CatchUp:     strings.ToLower(strings.TrimSpace(sc.CatchUp)),
		MaxAttempts: sc.MaxAttempts,
		SendTimeout: sendTimeout,
	}
	var err error
	if out.Tick, err = config.ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		return scheduler.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationField("scheduler.retry_delay", sc.RetryDelay); err != nil {
		return scheduler.Config{}, err
	}
	if out.CleanupAfter, err = config.ParseDurationField("scheduler.cleanup_after", sc.CleanupAfter); err != nil {
		return scheduler.Config{}, err
	}
	if out.LockTTL, err = config.ParseDurationField("scheduler.lock_ttl", sc.LockTTL); err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapConversationConfig(cfg *config.Config) (conversation.Config, time.Duration, error) {
	cc := cfg.Conversation
	timeout, err := config.ParseDurationField("conversation.timeout", cc.Timeout)
	if err != nil {
		return conversation.Config{}, 0, err
	}
	archive, err := config.ParseDurationField("conversation.archive_after", cc.ArchiveAfter)
	if err != nil {
		return conversation.Config{}, 0, err
	}
	sweep, err := config.ParseDurationField("conversation.sweep_every", cc.SweepEvery)
	if err != nil {
		return conversation.Config{}, 0, err
	}
	return conversation.Config{
		Timeout:      timeout,
		MaxHistory:   cc.MaxHistory,
		ArchiveAfter: archive,
	}, sweep, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	ttl, err := config.ParseDurationField("router.audit_ttl", cfg.Router.AuditTTL)
	if err != nil {
		return router.Config{}, err
	}
	out := router.Config{AuditTTL: ttl, Greeting: cfg.Router.Greeting}
	switch strings.ToLower(strings.TrimSpace(cfg.Router.DefaultAction)) {
	case "", string(router.ActionIgnore):
	case string(router.ActionStart):
		out.Default = router.Decision{
			ShouldProcess: true,
			Action:        router.ActionStart,
			Reason:        "default action",
		}
	default:
		return router.Config{}, fmt.Errorf("router.default_action: unsupported value %q", cfg.Router.DefaultAction)
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}
}

func updateQueueSize(cfg *config.Config) int {
	if cfg.Transport.QueueSize > 0 {
		return cfg.Transport.QueueSize
	}
	return defaultUpdateQueue
}
