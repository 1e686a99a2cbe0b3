package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/internal/config"
	"relaybot/internal/recording"
	"relaybot/internal/responder"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/whatsapp"
	logx "relaybot/pkg/logx"
)

func buildTransport(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "none":
		log.Warn("no transport configured; outbound sends will fail")
		return transport.Offline{}, nil
	case "whatsapp":
		return whatsapp.New(whatsapp.Config{
			SessionPath: cfg.Transport.SessionPath,
			QRPath:      cfg.Transport.QRPath,
		}, log.With(logx.String("comp", "whatsapp")))
	default:
		return nil, fmt.Errorf("transport.driver: unsupported value %q", cfg.Transport.Driver)
	}
}

func newRedis(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
	})
}

// pingRedis fails fast on a bad address instead of at the first fire.
func pingRedis(ctx context.Context, rdb *redis.Client, what string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%s redis: %w", what, err)
	}
	return nil
}

func (a *App) buildRecording(cfg *config.Config, db *storage.DB, st *settings.Service) (*recording.Service, error) {
	rc := cfg.Recording
	ttl, err := config.ParseDurationField("recording.dedupe_ttl", rc.DedupeTTL)
	if err != nil {
		return nil, err
	}

	var primary recording.Backend
	switch strings.ToLower(strings.TrimSpace(rc.Driver)) {
	case "", "sqlite":
		primary = recording.NewSQLiteBackend(db, rc.MaxLen, ttl)
	case "redis":
		rdb := newRedis(rc.Redis)
		a.redis = append(a.redis, rdb)
		if err := pingRedis(context.Background(), rdb, "recording"); err != nil {
			return nil, err
		}
		primary = recording.NewRedisBackend(rdb, rc.Redis.Prefix, rc.MaxLen, ttl)
	default:
		return nil, fmt.Errorf("recording.driver: unsupported value %q", rc.Driver)
	}

	ext, err := buildSink(rc.External)
	if err != nil {
		return nil, err
	}
	log := a.log.With(logx.String("comp", "recording"))
	if ext != nil {
		log.Info("external recording sink configured", logx.String("sink", ext.Name()))
	}
	return recording.New(primary, ext, st, log), nil
}

func buildSink(ec config.ExternalRecordingConfig) (recording.Sink, error) {
	timeout, err := config.ParseDurationField("recording.external.timeout", ec.Timeout)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(ec.Driver)) {
	case "":
		return nil, nil
	case "http":
		if strings.TrimSpace(ec.URL) == "" {
			return nil, fmt.Errorf("recording.external.url is required for the http sink")
		}
		return recording.NewHTTPSink(ec.URL, ec.Token, timeout), nil
	case "kafka":
		ks, err := recording.NewKafkaSink(ec.Brokers, ec.Topic, timeout)
		if err != nil {
			return nil, err
		}
		return ks, nil
	default:
		return nil, fmt.Errorf("recording.external.driver: unsupported value %q", ec.Driver)
	}
}

func buildResponder(cfg *config.Config, log logx.Logger) (responder.Responder, error) {
	rc := cfg.Responder
	switch strings.ToLower(strings.TrimSpace(rc.Driver)) {
	case "", "none":
		return nil, nil
	case "static":
		return responder.Static{Text: rc.Fallback}, nil
	case "openai":
		timeout, err := config.ParseDurationField("responder.timeout", rc.Timeout)
		if err != nil {
			return nil, err
		}
		return responder.NewOpenAI(responder.OpenAIConfig{
			APIKey:      rc.APIKey,
			Model:       rc.Model,
			MaxTokens:   rc.MaxTokens,
			Temperature: rc.Temperature,
			System:      rc.System,
			Fallback:    rc.Fallback,
			Timeout:     timeout,
		}, log)
	default:
		return nil, fmt.Errorf("responder.driver: unsupported value %q", rc.Driver)
	}
}
