package pubsub

import (
	"fmt"
	"time"

	"relaybot/internal/apperr"
)

var (
	ErrTopicNotFound        = fmt.Errorf("%w: topic", apperr.ErrNotFound)
	ErrTopicInactive        = fmt.Errorf("%w: topic is inactive", apperr.ErrValidation)
	ErrInvalidInput         = apperr.ErrValidation
	ErrTransportUnavailable = apperr.ErrTransportUnavailable
)

type Topic struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Subscription struct {
	TopicID   string    `json:"topic_id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

type SubscribeResult struct {
	Created bool `json:"created"`
}

type UnsubscribeResult struct {
	Removed bool `json:"removed"`
}

type Failure struct {
	Identity string `json:"identity"`
	Error    string `json:"error"`
}

// Summary is the outcome of one publish.
type Summary struct {
	TopicID   string    `json:"topic_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    []Failure `json:"failed,omitempty"`
}

type BroadcastSettings struct {
	MessageDelaySeconds float64 `json:"messageDelaySeconds"`
}

// JobStatus tracks a publish submitted with PublishAsync.
type JobStatus struct {
	ID       string    `json:"id"`
	TopicID  string    `json:"topic_id"`
	Total    int       `json:"total"`
	Done     int       `json:"done"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
	Error    string    `json:"error,omitempty"`
	// CreatedAt lets entries that never started be pruned.
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`
	Running   bool      `json:"running"`
}

// PublishedEvent is the payload of eventbus.TypeTopicPublished.
type PublishedEvent struct {
	TopicID   string `json:"topic_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
