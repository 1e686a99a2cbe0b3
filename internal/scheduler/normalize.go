package scheduler

import (
	"strings"

	"relaybot/internal/transport"
)

// NormalizeTarget moves channel-shaped values into channelID and reduces
// phone values to +digits. Applying it twice is a no-op.
func NormalizeTarget(recipient, channelID string) (string, string) {
	r := strings.TrimSpace(recipient)
	c := strings.TrimSpace(channelID)

	if transport.IsChannelID(r) {
		if c == "" || !transport.IsChannelID(c) {
			r, c = c, r
		} else {
			r = ""
		}
	}
	if c != "" && !transport.IsChannelID(c) {
		if r == "" {
			r = c
		}
		c = ""
	}
	if r != "" {
		r = transport.NormalizePhone(r)
	}
	return r, c
}
