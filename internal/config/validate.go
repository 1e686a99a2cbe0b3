package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks enums and duration strings. It does not apply defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"storage.busy_timeout":         c.Storage.BusyTimeout,
		"task_engine.default_timeout":  c.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay":  c.TaskEngine.MaxQueueDelay,
		"dispatch.send_timeout":        c.Dispatch.SendTimeout,
		"scheduler.tick":               c.Scheduler.Tick,
		"scheduler.retry_delay":        c.Scheduler.RetryDelay,
		"scheduler.cleanup_after":      c.Scheduler.CleanupAfter,
		"scheduler.lock_ttl":           c.Scheduler.LockTTL,
		"conversation.timeout":         c.Conversation.Timeout,
		"conversation.archive_after":   c.Conversation.ArchiveAfter,
		"conversation.sweep_every":     c.Conversation.SweepEvery,
		"router.audit_ttl":             c.Router.AuditTTL,
		"recording.dedupe_ttl":         c.Recording.DedupeTTL,
		"recording.external.timeout":   c.Recording.External.Timeout,
		"responder.timeout":            c.Responder.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if err := oneOf("transport.driver", c.Transport.Driver, "", "none", "whatsapp"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("scheduler.catch_up", c.Scheduler.CatchUp, "", "fire", "skip"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("scheduler.lock", c.Scheduler.Lock, "", "none", "redis"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("router.default_action", c.Router.DefaultAction, "", "ignore", "start_conversation"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("recording.driver", c.Recording.Driver, "", "sqlite", "redis"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("recording.external.driver", c.Recording.External.Driver, "", "http", "kafka"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("responder.driver", c.Responder.Driver, "", "none", "static", "openai"); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.PubSub.DefaultDelaySeconds < 0 {
		errs = append(errs, errors.New("pubsub.default_delay_seconds must be >= 0"))
	}
	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	if strings.EqualFold(c.Recording.Driver, "redis") && strings.TrimSpace(c.Recording.Redis.Addr) == "" {
		errs = append(errs, errors.New("recording.redis.addr is required for the redis driver"))
	}
	if strings.EqualFold(c.Scheduler.Lock, "redis") && strings.TrimSpace(c.Scheduler.LockRedis.Addr) == "" {
		errs = append(errs, errors.New("scheduler.lock_redis.addr is required for the redis lock"))
	}
	return errors.Join(errs...)
}

func oneOf(path, v string, allowed ...string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q", path, v)
}
