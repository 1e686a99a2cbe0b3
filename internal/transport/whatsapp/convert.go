package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/encoding/protojson"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// convertMessage maps a whatsmeow message onto the adapter-neutral shape.
// Payloads without a known text or media part keep their protojson form in
// RawFallback.
func convertMessage(info types.MessageInfo, m *waE2E.Message) transport.InboundMessage {
	msg := transport.InboundMessage{
		ID:        string(info.ID),
		Timestamp: info.Timestamp,
		From:      "+" + info.Sender.User,
		FromMe:    info.IsFromMe,
		Type:      transport.TypeUnknown,
		Metadata:  map[string]string{},
	}
	if info.IsGroup || info.Chat.Server != types.DefaultUserServer {
		msg.ChannelID = info.Chat.String()
	}
	if info.PushName != "" {
		msg.Metadata["push_name"] = info.PushName
	}
	if m == nil {
		return msg
	}

	switch {
	case m.GetConversation() != "":
		msg.Type, msg.Text = transport.TypeText, m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Type, msg.Text = transport.TypeText, m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		msg.Type, msg.Text, msg.MediaRef = transport.TypeMedia, img.GetCaption(), img.GetMimetype()
	case m.GetVideoMessage() != nil:
		v := m.GetVideoMessage()
		msg.Type, msg.Text, msg.MediaRef = transport.TypeMedia, v.GetCaption(), v.GetMimetype()
	case m.GetAudioMessage() != nil:
		msg.Type, msg.MediaRef = transport.TypeMedia, m.GetAudioMessage().GetMimetype()
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Type, msg.Text, msg.MediaRef = transport.TypeMedia, doc.GetCaption(), doc.GetMimetype()
		msg.Metadata["file_name"] = doc.GetFileName()
	case m.GetStickerMessage() != nil:
		msg.Type, msg.MediaRef = transport.TypeMedia, m.GetStickerMessage().GetMimetype()
	case m.GetProtocolMessage() != nil, m.GetSenderKeyDistributionMessage() != nil, m.GetReactionMessage() != nil:
		msg.Type = transport.TypeProtocol
	}
	if msg.Type == transport.TypeUnknown {
		if raw, err := protojson.Marshal(m); err == nil {
			msg.RawFallback = string(raw)
		} else {
			msg.RawFallback = m.String()
		}
	}
	return msg
}

// waLogger routes whatsmeow's printf-style logging into logx.
type waLogger struct {
	log logx.Logger
}

var _ waLog.Logger = waLogger{}

func (l waLogger) Errorf(msg string, args ...interface{}) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l waLogger) Warnf(msg string, args ...interface{})  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...interface{})  { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l waLogger) Debugf(msg string, args ...interface{}) { l.log.Trace(fmt.Sprintf(msg, args...)) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With(logx.String("module", strings.ToLower(module)))}
}
