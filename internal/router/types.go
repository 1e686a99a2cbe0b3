package router

import (
	"context"
	"fmt"

	"relaybot/internal/apperr"
	"relaybot/internal/transport"
)

type Action string

const (
	ActionIgnore   Action = "ignore"
	ActionContinue Action = "continue_conversation"
	ActionStart    Action = "start_conversation"
)

var ErrInvalidRule = fmt.Errorf("%w: invalid routing rule", apperr.ErrValidation)

// Message is the inbound message being routed.
type Message = transport.InboundMessage

// Decision is the single routing outcome for one inbound message.
type Decision struct {
	ShouldProcess  bool              `json:"should_process"`
	Action         Action            `json:"action"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Rule           string            `json:"rule,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ConditionFunc func(ctx context.Context, msg Message) (bool, error)

type ActionFunc func(ctx context.Context, msg Message) (Decision, error)

type Rule struct {
	Name      string
	Priority  int
	Enabled   bool
	Condition ConditionFunc
	Action    ActionFunc
}

type RuleInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// RoutedEvent is the payload of eventbus.TypeInboundRouted.
type RoutedEvent struct {
	MessageID   string   `json:"message_id"`
	Counterpart string   `json:"counterpart"`
	Decision    Decision `json:"decision"`
}
