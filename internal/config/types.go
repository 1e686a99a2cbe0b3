package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "24h"). Empty or
// zero values fall back to the component defaults.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Transport    TransportConfig    `json:"transport"`
	TaskEngine   TaskEngineConfig   `json:"task_engine"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	PubSub       PubSubConfig       `json:"pubsub"`
	Conversation ConversationConfig `json:"conversation"`
	Router       RouterConfig       `json:"router"`
	Recording    RecordingConfig    `json:"recording"`
	Responder    ResponderConfig    `json:"responder"`
	HTTP         HTTPConfig         `json:"http"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ lines to an operator chat via the transport.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the sqlite database shared by every store.
//
// Example:
//
//	"storage": { "path": "./data/relaybot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TransportConfig selects the chat transport.
//
// Driver values:
//   - "whatsapp": whatsmeow client with a sqlite device store
//   - "none": no transport; every send fails with TransportUnavailable
type TransportConfig struct {
	Driver    string `json:"driver"`
	QueueSize int    `json:"queue_size,omitempty"`
	// SessionPath is the whatsmeow device database.
	SessionPath string `json:"session_path,omitempty"`
	// QRPath receives the pairing QR code as PNG when no session exists.
	QRPath string `json:"qr_path,omitempty"`
}

// TaskEngineConfig controls the keyed worker pool shared by inbound
// processing, scheduler fires and async publishes.
//
// Defaults: workers 4, queue_size 256, history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type DispatchConfig struct {
	// SendTimeout bounds a single transport send. Default 30s.
	SendTimeout string `json:"send_timeout,omitempty"`
	// RatePerSec is a global outbound cap. 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Tick is the due-check interval. Default 1s.
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// CatchUp decides what happens to one-shot jobs whose fire time passed
	// while the process was down: "fire" (default) or "skip".
	CatchUp string `json:"catch_up,omitempty"`

	// One-shot retry policy. MaxAttempts defaults to 3.
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`

	// CleanupAfter removes executed one-shot jobs older than this. 0 disables.
	CleanupAfter string `json:"cleanup_after,omitempty"`

	// Lock enables a fire lock shared between replicas: "" or "redis".
	Lock      string      `json:"lock,omitempty"`
	LockTTL   string      `json:"lock_ttl,omitempty"`
	LockRedis RedisConfig `json:"lock_redis,omitempty"`
}

type PubSubConfig struct {
	// DefaultDelaySeconds seeds messageDelaySeconds when the setting is unset.
	DefaultDelaySeconds float64 `json:"default_delay_seconds,omitempty"`
}

type ConversationConfig struct {
	// Timeout is the idle time after which an active conversation closes. Default 30m.
	Timeout string `json:"timeout,omitempty"`
	// MaxHistory caps stored messages per conversation. Default 50.
	MaxHistory int `json:"max_history,omitempty"`
	// ArchiveAfter moves closed conversations to archived. Default 168h.
	ArchiveAfter string `json:"archive_after,omitempty"`
	// SweepEvery runs the archive sweep. 0 disables it.
	SweepEvery string `json:"sweep_every,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
}

type RouterConfig struct {
	// AuditTTL is how long routing decisions are kept. Default 24h.
	AuditTTL string `json:"audit_ttl,omitempty"`
	// DefaultAction is "ignore" (default) or "start_conversation".
	DefaultAction string `json:"default_action,omitempty"`
	// Greeting overrides the built-in greeting pattern.
	Greeting string `json:"greeting,omitempty"`
}

// RecordingConfig controls the exactly-once message log.
//
// Driver values:
//   - "sqlite" (default): log + dedupe markers + side index in storage.path
//   - "redis": capped stream + SET NX markers
type RecordingConfig struct {
	Driver string `json:"driver"`
	// MaxLen is the capped log size. Default 10000.
	MaxLen int `json:"max_len,omitempty"`
	// DedupeTTL bounds the dedupe window and side index. Default 72h.
	DedupeTTL string      `json:"dedupe_ttl,omitempty"`
	Redis     RedisConfig `json:"redis,omitempty"`

	External ExternalRecordingConfig `json:"external,omitempty"`
}

// ExternalRecordingConfig is the secondary backend chosen by the
// history_backend=external setting.
type ExternalRecordingConfig struct {
	// Driver is "http" or "kafka". Empty disables the external backend.
	Driver  string   `json:"driver,omitempty"`
	URL     string   `json:"url,omitempty"`
	Token   string   `json:"token,omitempty"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ResponderConfig configures reply generation for routed messages.
//
// Driver values: "" (no replies), "static" (always replies with Fallback),
// "openai".
type ResponderConfig struct {
	Driver      string  `json:"driver,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	System      string  `json:"system,omitempty"`
	Fallback    string  `json:"fallback,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	// Pprof exposes net/http/pprof behind the same token. Keep it off on
	// untrusted networks.
	Pprof bool `json:"pprof,omitempty"`
}
