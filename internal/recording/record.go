package recording

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"relaybot/internal/apperr"
)

type Direction string

const (
	DirectionSent    Direction = "sent"
	DirectionInbound Direction = "inbound"
)

// Position identifies an entry in the capped log: a sqlite sequence number
// or a redis stream id.
type Position string

func sqlitePosition(seq int64) Position { return Position(strconv.FormatInt(seq, 10)) }

// Record is one logged message.
type Record struct {
	ID                 string    `json:"id"`
	Direction          Direction `json:"direction"`
	Timestamp          time.Time `json:"timestamp"`
	Counterpart        string    `json:"counterpart"`
	ChannelID          string    `json:"channel_id,omitempty"`
	Body               string    `json:"body"`
	MediaRef           string    `json:"media_ref,omitempty"`
	CorrelationID      string    `json:"correlation_id,omitempty"`
	TransportMessageID string    `json:"transport_message_id,omitempty"`
	DedupeKey          string    `json:"dedupe_key"`
	Position           Position  `json:"position,omitempty"`
}

// NaturalID is the point-lookup key of the side index.
func (r Record) NaturalID() string {
	if r.TransportMessageID != "" {
		return string(r.Direction) + ":" + r.TransportMessageID
	}
	return r.DedupeKey
}

// DedupeKey fingerprints a message. With a transport id the key is the id
// plus its timestamp; without one it is a hash over the content. Sent
// messages also mix in the correlation id so the same text sent by two jobs
// is logged twice.
func DedupeKey(r Record) string {
	h := sha256.New()
	if r.TransportMessageID != "" {
		fmt.Fprintf(h, "%s|id|%s|%d", r.Direction, r.TransportMessageID, r.Timestamp.UnixMilli())
	} else {
		fmt.Fprintf(h, "%s|body|%s|%s|%s|%s", r.Direction, r.Counterpart, r.ChannelID, r.MediaRef, r.Body)
		if r.Direction == DirectionSent {
			fmt.Fprintf(h, "|%s|%d", r.CorrelationID, r.Timestamp.UnixMilli())
		} else if !r.Timestamp.IsZero() {
			fmt.Fprintf(h, "|%d", r.Timestamp.Unix())
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func failed(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrRecordingFailed, op, err)
}
