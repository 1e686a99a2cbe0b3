package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"relaybot/internal/conversation"
	"relaybot/internal/transport"
)

const (
	RuleActiveConversation = "active_conversation"
	RuleSystemMessage      = "system_message"
	RuleGreeting           = "greeting"
)

const DefaultGreeting = `(?i)^\s*(hi|hello|hey|halo|hai|hola|good (morning|afternoon|evening)|start|/start)\b`

// ConversationLookup resolves a counterpart's active conversation.
type ConversationLookup interface {
	ActiveByCounterpart(ctx context.Context, counterpart string) (*conversation.Conversation, error)
}

var errNoConversation = errors.New("no active conversation")

// Builtins returns the default rules. conv may be nil.
func Builtins(conv ConversationLookup, greeting string) ([]Rule, error) {
	if strings.TrimSpace(greeting) == "" {
		greeting = DefaultGreeting
	}
	greet, err := RegexRule(RuleGreeting, 50, greeting, Start("greeting"))
	if err != nil {
		return nil, err
	}
	rules := []Rule{
		{
			Name:     RuleSystemMessage,
			Priority: 90,
			Enabled:  true,
			Condition: func(_ context.Context, msg Message) (bool, error) {
				return isSystem(msg), nil
			},
			Action: Ignore("system message"),
		},
		greet,
	}
	if conv != nil {
		rules = append([]Rule{activeConversationRule(conv)}, rules...)
	}
	return rules, nil
}

func isSystem(msg Message) bool {
	if msg.Type == transport.TypeSystem || msg.Type == transport.TypeProtocol {
		return true
	}
	return strings.EqualFold(msg.Metadata["system"], "true")
}

func activeConversationRule(conv ConversationLookup) Rule {
	return Rule{
		Name:     RuleActiveConversation,
		Priority: 100,
		Enabled:  true,
		Condition: func(ctx context.Context, msg Message) (bool, error) {
			c, err := conv.ActiveByCounterpart(ctx, msg.Counterpart())
			return c != nil, err
		},
		Action: func(ctx context.Context, msg Message) (Decision, error) {
			c, err := conv.ActiveByCounterpart(ctx, msg.Counterpart())
			if err != nil {
				return Decision{}, err
			}
			if c == nil {
				// Expired between condition and action.
				return Decision{}, errNoConversation
			}
			return Decision{
				ShouldProcess:  true,
				Action:         ActionContinue,
				ConversationID: c.ID,
				AgentID:        c.BotID,
				Reason:         "active conversation",
			}, nil
		},
	}
}

// Start builds an action that opens a new conversation.
func Start(reason string) ActionFunc {
	return func(context.Context, Message) (Decision, error) {
		return Decision{ShouldProcess: true, Action: ActionStart, Reason: reason}, nil
	}
}

// Continue builds an action that continues the counterpart's conversation.
// The pipeline resolves the conversation id when the decision leaves it empty.
func Continue(reason string) ActionFunc {
	return func(context.Context, Message) (Decision, error) {
		return Decision{ShouldProcess: true, Action: ActionContinue, Reason: reason}, nil
	}
}

func Ignore(reason string) ActionFunc {
	return func(context.Context, Message) (Decision, error) {
		return Decision{Action: ActionIgnore, Reason: reason}, nil
	}
}

// KeywordRule matches when the message body contains any keyword as a whole
// word, ignoring case.
func KeywordRule(name string, priority int, keywords []string, action ActionFunc) Rule {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			set[k] = struct{}{}
		}
	}
	return Rule{
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Condition: func(_ context.Context, msg Message) (bool, error) {
			words := strings.FieldsFunc(strings.ToLower(msg.Body()), func(r rune) bool {
				return !(r == '_' || r == '-' || r == '/' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
			})
			for _, w := range words {
				if _, ok := set[w]; ok {
					return true, nil
				}
			}
			return false, nil
		},
		Action: action,
	}
}

func RegexRule(name string, priority int, pattern string, action ActionFunc) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, name, err)
	}
	return Rule{
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Condition: func(_ context.Context, msg Message) (bool, error) {
			return re.MatchString(msg.Body()), nil
		},
		Action: action,
	}, nil
}

// SenderAllowListRule matches messages whose counterpart is listed. Phone
// numbers compare in +digits form.
func SenderAllowListRule(name string, priority int, senders []string, action ActionFunc) Rule {
	set := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		if id := transport.NormalizeIdentity(s); id != "" {
			set[id] = struct{}{}
		}
	}
	return Rule{
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Condition: func(_ context.Context, msg Message) (bool, error) {
			_, ok := set[transport.NormalizeIdentity(msg.Counterpart())]
			return ok, nil
		},
		Action: action,
	}
}

// TimeWindowRule matches messages whose timestamp, in loc, falls in
// [start, end) measured from midnight. A window with end before start wraps
// past midnight.
func TimeWindowRule(name string, priority int, start, end time.Duration, loc *time.Location, action ActionFunc) Rule {
	if loc == nil {
		loc = time.Local
	}
	return Rule{
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Condition: func(_ context.Context, msg Message) (bool, error) {
			ts := msg.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			return inWindow(ts.In(loc), start, end), nil
		},
		Action: action,
	}
}

func inWindow(t time.Time, start, end time.Duration) bool {
	h, m, s := t.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	if start == end {
		return true
	}
	if start < end {
		return tod >= start && tod < end
	}
	return tod >= start || tod < end
}
