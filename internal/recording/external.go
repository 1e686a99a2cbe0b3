package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Sink is a secondary recording backend selected by the history_backend
// setting. Entries reach it only after the primary claimed the dedupe key.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Healthy(ctx context.Context) error
	Close() error
}

// HTTPSink posts records to an external recording API.
type HTTPSink struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPSink(baseURL, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		base:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Write(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/records", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.DedupeKey)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	// 409 means the API already holds this idempotency key.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("recording api: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("recording api health: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }

// KafkaSink produces records to a topic keyed by dedupe key, so consumers
// with log compaction keep one entry per message.
type KafkaSink struct {
	brokers []string
	w       *kafka.Writer
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string, timeout time.Duration) (*KafkaSink, error) {
	clean := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("kafka sink: no brokers")
	}
	if strings.TrimSpace(topic) == "" {
		topic = "relaybot.recordings"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSink{
		brokers: clean,
		timeout: timeout,
		w: &kafka.Writer{
			Addr:         kafka.TCP(clean...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: timeout,
		},
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.DedupeKey),
		Value: v,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "direction", Value: []byte(rec.Direction)},
		},
	})
}

func (s *KafkaSink) Healthy(ctx context.Context) error {
	d := &kafka.Dialer{Timeout: s.timeout}
	var last error
	for _, b := range s.brokers {
		conn, err := d.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		last = err
	}
	var ne net.Error
	if errors.As(last, &ne) && ne.Timeout() {
		return fmt.Errorf("kafka sink: brokers unreachable (timeout): %w", last)
	}
	return fmt.Errorf("kafka sink: brokers unreachable: %w", last)
}

func (s *KafkaSink) Close() error { return s.w.Close() }
