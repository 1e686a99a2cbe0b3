package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/conversation"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/responder"
	"relaybot/internal/router"
	"relaybot/internal/task/engine"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const inboundTimeout = 2 * time.Minute

// dispatchLoop drains transport updates. Messages are handed to the engine
// keyed by counterpart, so one chat is handled in arrival order while
// different chats run in parallel.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-a.updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, u)
		}
	}
}

// handleUpdate blocks while the counterpart's lane is full, which backs up
// the update channel and in turn the adapter.
func (a *App) handleUpdate(ctx context.Context, u transport.Update) {
	switch u.Kind {
	case transport.UpdateStatus:
		if u.Status == nil {
			return
		}
		st := *u.Status
		if st.At.IsZero() {
			st.At = time.Now()
		}
		a.log.Info("transport status", logx.Bool("connected", st.Connected), logx.String("reason", st.Reason))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportStatus, Time: st.At, Data: st})

	case transport.UpdateMessage:
		if u.Message == nil {
			return
		}
		msg := *u.Message
		a.metrics.InboundTotal.WithLabelValues(string(msg.Type)).Inc()
		err := a.engine.Submit(ctx, engine.Task{
			Name:    "inbound",
			Key:     "inbound:" + msg.Counterpart(),
			Timeout: inboundTimeout,
			Opt:     engine.TaskOptions{KeepStale: true},
			Run: func(c context.Context) error {
				if err := a.processInbound(c, msg); err != nil {
					// Redelivery is handled by the transport; a retry here
					// would re-run the responder.
					return engine.NoRetry(err)
				}
				return nil
			},
		})
		if err != nil {
			a.log.Warn("inbound message dropped",
				logx.String("msg", msg.ID),
				logx.String("from", msg.Counterpart()),
				logx.Err(err),
			)
		}
	}
}

// processInbound runs one message through recording, routing, the
// conversation store and, when asked for, the responder.
func (a *App) processInbound(ctx context.Context, msg transport.InboundMessage) error {
	counterpart := msg.Counterpart()
	log := a.log.With(logx.String("msg", msg.ID), logx.String("from", counterpart))

	// Undecodable payloads travel on as their raw form.
	if msg.Type == transport.TypeUnknown {
		msg.Text = msg.Body()
	}

	if _, first, err := a.rec.ClaimInbound(ctx, msg); err != nil {
		log.Warn("inbound recording failed", logx.Err(err))
	} else if !first {
		log.Debug("duplicate inbound message skipped")
		return nil
	}
	if msg.FromMe {
		return nil
	}

	d := a.router.Route(ctx, msg)
	if d.Action == router.ActionIgnore {
		log.Debug("inbound ignored", logx.String("rule", d.Rule), logx.String("reason", d.Reason))
		return nil
	}

	conv, err := a.conversationFor(ctx, counterpart, d)
	if err != nil {
		return err
	}
	body := msg.Body()
	if strings.TrimSpace(body) == "" {
		body = "[" + string(msg.Type) + "]"
	}
	conv, err = a.appendMessage(ctx, conv, counterpart, conversation.Message{
		Sender:    counterpart,
		Text:      body,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}

	if !d.ShouldProcess || a.responder == nil {
		return nil
	}
	return a.reply(ctx, log, msg, conv, body)
}

func (a *App) conversationFor(ctx context.Context, counterpart string, d router.Decision) (*conversation.Conversation, error) {
	if d.Action == router.ActionContinue && d.ConversationID != "" {
		c, err := a.conv.Get(ctx, d.ConversationID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	// Create returns the active conversation when one exists.
	c, err := a.conv.Create(ctx, counterpart, a.botID, d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	return c, nil
}

// appendMessage retries once on a fresh conversation when the current one
// expired between routing and the write.
func (a *App) appendMessage(ctx context.Context, c *conversation.Conversation, counterpart string, m conversation.Message) (*conversation.Conversation, error) {
	out, err := a.conv.Update(ctx, c.ID, m)
	if !errors.Is(err, conversation.ErrClosed) {
		return out, err
	}
	if c, err = a.conv.Create(ctx, counterpart, a.botID, c.Metadata); err != nil {
		return nil, err
	}
	return a.conv.Update(ctx, c.ID, m)
}

func (a *App) reply(ctx context.Context, log logx.Logger, msg transport.InboundMessage, c *conversation.Conversation, text string) error {
	hist, err := a.conv.History(ctx, c.ID, 0, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	out, err := a.responder.Respond(ctx, responder.Request{
		ConversationID: c.ID,
		Counterpart:    c.Counterpart,
		History:        hist,
		Text:           text,
	})
	if errors.Is(err, responder.ErrNoReply) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	ref, err := a.dispatch.Send(ctx, dispatch.Request{
		Recipient:     msg.From,
		ChannelID:     msg.ChannelID,
		Content:       transport.Content{Text: out},
		CorrelationID: "conversation:" + c.ID,
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	sender := a.botID
	if sender == "" {
		sender = "bot"
	}
	if _, err := a.conv.Update(ctx, c.ID, conversation.Message{
		Sender:    sender,
		Text:      out,
		Timestamp: ref.Timestamp,
	}); err != nil {
		log.Warn("reply sent but not stored in history", logx.String("conversation", c.ID), logx.Err(err))
	}
	return nil
}
