package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment overrides, e.g. RELAYBOT_STORAGE_PATH.
const EnvPrefix = "RELAYBOT"

// Env holds the values that may be supplied through the environment instead
// of the config file. Secrets usually live here.
type Env struct {
	StoragePath  string `envconfig:"STORAGE_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	HTTPAddr     string `envconfig:"HTTP_ADDR"`
	HTTPToken    string `envconfig:"HTTP_TOKEN"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	OpenAIKey    string `envconfig:"OPENAI_API_KEY"`
	AlertTarget  string `envconfig:"ALERT_TARGET"`
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
}

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	env.apply(cfg)
	return nil
}

func (e Env) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Path, e.StoragePath)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.HTTP.Token, e.HTTPToken)
	set(&cfg.Recording.Redis.Addr, e.RedisAddr)
	set(&cfg.Scheduler.LockRedis.Addr, e.RedisAddr)
	set(&cfg.Responder.APIKey, e.OpenAIKey)
	set(&cfg.Logging.Alert.Target, e.AlertTarget)
	if v := strings.TrimSpace(e.KafkaBrokers); v != "" {
		cfg.Recording.External.Brokers = strings.Split(v, ",")
	}
}
