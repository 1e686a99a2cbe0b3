package conversation

import (
	"fmt"
	"time"

	"relaybot/internal/apperr"
)

type State string

const (
	StateActive   State = "active"
	StateClosed   State = "closed"
	StateArchived State = "archived"
)

const (
	ReasonTimeout = "timeout"
	ReasonManual  = "manual"
)

var (
	ErrNotFound = fmt.Errorf("%w: conversation", apperr.ErrNotFound)
	ErrClosed   = fmt.Errorf("%w: conversation is not active", apperr.ErrValidation)
	ErrInvalid  = apperr.ErrValidation
)

type Conversation struct {
	ID            string            `json:"id"`
	Counterpart   string            `json:"counterpart"`
	BotID         string            `json:"bot_id,omitempty"`
	State         State             `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CloseReason   string            `json:"close_reason,omitempty"`
	MessageCount  int               `json:"message_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastMessageAt time.Time         `json:"last_message_at"`
}

func (c Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type Message struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Filter struct {
	BotID string
	Tag   string
	Limit int
}

type Stats struct {
	Duration         time.Duration `json:"duration"`
	MessageCount     int           `json:"message_count"`
	MeanResponseTime time.Duration `json:"mean_response_time"`
	Turns            int           `json:"turns"`
}

// Event is the payload of the conversation open/close bus events.
type Event struct {
	ID          string `json:"id"`
	Counterpart string `json:"counterpart"`
	Reason      string `json:"reason,omitempty"`
}
