package transport

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrNotConnected = errors.New("transport not connected")

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeMedia    MessageType = "media"
	TypeSystem   MessageType = "system"
	TypeProtocol MessageType = "protocol"
	TypeUnknown  MessageType = "unknown"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateStatus  UpdateKind = "status"
)

type Update struct {
	Kind    UpdateKind
	Message *InboundMessage
	Status  *ConnectionStatus
}

// InboundMessage is the adapter-neutral view of a received chat message.
// Adapters that cannot decode a payload set Type=TypeUnknown and fill
// RawFallback with a serialized form of the original.
type InboundMessage struct {
	ID          string
	Timestamp   time.Time
	From        string
	To          string
	ChannelID   string
	Type        MessageType
	Text        string
	RawFallback string
	MediaRef    string
	FromMe      bool
	Metadata    map[string]string
}

// Body returns the text that downstream components should treat as content.
func (m InboundMessage) Body() string {
	if m.Type == TypeUnknown || strings.TrimSpace(m.Text) == "" {
		if strings.TrimSpace(m.RawFallback) != "" {
			return m.RawFallback
		}
	}
	return m.Text
}

// Counterpart is the identity on the other side of the chat.
func (m InboundMessage) Counterpart() string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.From
}

type ConnectionStatus struct {
	Connected bool
	Reason    string
	At        time.Time
}

// Target addresses an outbound message. ChannelID wins over Recipient.
type Target struct {
	Recipient string
	ChannelID string
}

func (t Target) Address() string {
	if strings.TrimSpace(t.ChannelID) != "" {
		return strings.TrimSpace(t.ChannelID)
	}
	return strings.TrimSpace(t.Recipient)
}

// IsChannelID reports opaque channel identifiers such as
// "120363...@g.us" or "123@newsletter".
func IsChannelID(v string) bool { return strings.Contains(v, "@") }

// NormalizePhone reduces a phone-shaped value to "+digits". It returns ""
// when v holds no digits.
func NormalizePhone(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// NormalizeIdentity returns the canonical form of a single recipient: channel
// ids unchanged, phone numbers as +digits.
func NormalizeIdentity(v string) string {
	v = strings.TrimSpace(v)
	if IsChannelID(v) {
		return v
	}
	return NormalizePhone(v)
}

// TargetFor addresses a bare identity, putting channel ids in ChannelID.
func TargetFor(identity string) Target {
	identity = strings.TrimSpace(identity)
	if IsChannelID(identity) {
		return Target{ChannelID: identity}
	}
	return Target{Recipient: identity}
}

type Content struct {
	Text     string
	MediaURL string
	Caption  string
}

// Preview is a short single-line rendering used for logs and recordings.
func (c Content) Preview(maxN int) string {
	s := c.Text
	if s == "" {
		s = c.Caption
	}
	if s == "" && c.MediaURL != "" {
		s = "[media] " + c.MediaURL
	}
	s = strings.Join(strings.Fields(s), " ")
	if maxN > 0 && len(s) > maxN {
		if maxN < 4 {
			return cutRunes(s, maxN)
		}
		return cutRunes(s, maxN-3) + "..."
	}
	return s
}

// cutRunes returns at most n bytes of s without splitting a rune.
func cutRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

type DeliveryRef struct {
	ID        string
	To        string
	Timestamp time.Time
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to Target, c Content) (DeliveryRef, error)
	Connected() bool
}
