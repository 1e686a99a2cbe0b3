// Package settings is the small persisted key/value configuration that the
// scheduler, broadcast engine and recording layer consult at runtime.
package settings

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/apperr"
	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

const (
	KeyHistoryBackend = "history_backend"
	KeyMessageDelay   = "messageDelaySeconds"
)

const (
	BackendPrimary  = "primary"
	BackendExternal = "external"
)

var (
	ErrUnknownKey   = fmt.Errorf("%w: unknown setting key", apperr.ErrValidation)
	ErrInvalidValue = fmt.Errorf("%w: invalid setting value", apperr.ErrValidation)
)

// Keys returns the recognized keys in sorted order.
func Keys() []string {
	return []string{KeyHistoryBackend, KeyMessageDelay}
}

// Normalize validates value for key and returns its canonical form.
func Normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeyHistoryBackend:
		v := strings.ToLower(value)
		if v != BackendPrimary && v != BackendExternal {
			return "", fmt.Errorf("%w: %s must be %q or %q", ErrInvalidValue, key, BackendPrimary, BackendExternal)
		}
		return v, nil
	case KeyMessageDelay:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: %s must be a number", ErrInvalidValue, key)
		}
		if f < 0 {
			return "", fmt.Errorf("%w: %s must be >= 0", ErrInvalidValue, key)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
}

// Defaults are served for keys that were never written.
type Defaults struct {
	HistoryBackend      string
	MessageDelaySeconds float64
}

func (d Defaults) value(key string) string {
	switch key {
	case KeyHistoryBackend:
		if d.HistoryBackend == "" {
			return BackendPrimary
		}
		return d.HistoryBackend
	case KeyMessageDelay:
		return strconv.FormatFloat(d.MessageDelaySeconds, 'f', -1, 64)
	}
	return ""
}

// ChangedEvent is published on the bus after a successful Set.
type ChangedEvent struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Service struct {
	store    Store
	bus      eventbus.Bus
	log      logx.Logger
	defaults Defaults

	mu    sync.RWMutex
	cache map[string]string
}

func New(store Store, defaults Defaults, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "settings")),
		defaults: defaults,
		cache:    map[string]string{},
	}
}

func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if isUnknown(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.defaults.value(key), nil
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v, nil
}

func (s *Service) Set(ctx context.Context, key, value string) error {
	v, err := Normalize(key, value)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, key, v); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()

	s.log.Info("setting updated", logx.String("key", key), logx.String("value", v))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSettingsChanged, Data: ChangedEvent{Key: key, Value: v}})
	}
	return nil
}

// All returns every recognized key with its effective value.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(Keys()))
	for _, k := range Keys() {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// HistoryBackend returns "primary" or "external". Read errors fall back to
// primary.
func (s *Service) HistoryBackend(ctx context.Context) string {
	v, err := s.Get(ctx, KeyHistoryBackend)
	if err != nil {
		s.log.Warn("history_backend read failed", logx.Err(err))
		return BackendPrimary
	}
	return v
}

// MessageDelay is the pause between broadcast sends.
func (s *Service) MessageDelay(ctx context.Context) time.Duration {
	v, err := s.Get(ctx, KeyMessageDelay)
	if err != nil {
		s.log.Warn("messageDelaySeconds read failed", logx.Err(err))
		return time.Duration(s.defaults.MessageDelaySeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func isUnknown(key string) bool {
	keys := Keys()
	i := sort.SearchStrings(keys, key)
	return i >= len(keys) || keys[i] != key
}
