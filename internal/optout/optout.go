// Package optout lets recipients stop and restart marketing messages by
// replying to the bot in a direct message.
package optout

import (
	"context"
	"strings"
	"time"

	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type Action int

const (
	None Action = iota
	Unsubscribe
	Resubscribe
)

func (a Action) String() string {
	switch a {
	case Unsubscribe:
		return "unsubscribe"
	case Resubscribe:
		return "resubscribe"
	default:
		return "none"
	}
}

var keywords = map[string]Action{
	"stop":          Unsubscribe,
	"unsubscribe":   Unsubscribe,
	"opt out":       Unsubscribe,
	"optout":        Unsubscribe,
	"no more":       Unsubscribe,
	"stop messages": Unsubscribe,
	"subscribe":     Resubscribe,
	"start":         Resubscribe,
	"opt in":        Resubscribe,
	"optin":         Resubscribe,
	"resubscribe":   Resubscribe,
}

// Classify matches the whole message, case-insensitively, against the
// opt-out and opt-in keywords.
func Classify(text string) Action {
	return keywords[strings.ToLower(strings.TrimSpace(text))]
}

// DirectMessage is a message sent to the bot outside any guild.
type DirectMessage struct {
	AuthorID   string
	AuthorName string
	Content    string
}

// Change is published with SuppressionAdded and SuppressionLifted.
type Change struct {
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name,omitempty"`
	Kind          string `json:"kind"`
}

const ErrorReply = "❌ Sorry, there was an error processing your request. Please try again later."

func unsubscribedMessage(now time.Time) delivery.Message {
	return delivery.Message{
		Title:     "✅ Unsubscribed Successfully",
		Body:      "You have been unsubscribed from marketing messages. You will no longer receive recurring promotional messages from this bot.",
		Color:     delivery.ColorSuccess,
		Timestamp: now,
		Fields: []delivery.Field{{
			Name:  "To resubscribe:",
			Value: "Reply with `subscribe` or `start` to receive marketing messages again.",
		}},
		Footer: "Thank you for using our service!",
	}
}

func resubscribedMessage(now time.Time) delivery.Message {
	return delivery.Message{
		Title:     "✅ Resubscribed Successfully",
		Body:      "You have been resubscribed to marketing messages. You will now receive promotional messages from this bot.",
		Color:     delivery.ColorSuccess,
		Timestamp: now,
		Fields: []delivery.Field{{
			Name:  "To unsubscribe:",
			Value: "Reply with `stop` or `unsubscribe` to stop receiving marketing messages.",
		}},
		Footer: "Welcome back!",
	}
}

type Handler struct {
	store storage.SuppressionStore
	reply delivery.Channel
	bus   eventbus.Publisher
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.SuppressionStore, reply delivery.Channel, bus eventbus.Publisher, log logx.Logger) *Handler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{store: store, reply: reply, bus: bus, log: log, now: time.Now}
}

// Handle applies a keyword reply. Messages that are not keywords are
// ignored and return None. A store failure is answered with ErrorReply and
// returned.
func (h *Handler) Handle(ctx context.Context, dm DirectMessage) (Action, error) {
	action := Classify(dm.Content)
	if action == None || dm.AuthorID == "" {
		return None, nil
	}
	log := h.log.With(logx.String("recipient", dm.AuthorID), logx.String("action", action.String()))

	var (
		err  error
		msg  delivery.Message
		typ  string
		now  = h.now()
		kind = storage.KindMarketing
	)
	switch action {
	case Unsubscribe:
		err = h.store.AddSuppression(ctx, storage.SuppressionEntry{
			RecipientID:   dm.AuthorID,
			RecipientName: dm.AuthorName,
			Kind:          kind,
			CreatedAt:     now,
		})
		msg, typ = unsubscribedMessage(now), eventbus.SuppressionAdded
	case Resubscribe:
		err = h.store.RemoveSuppression(ctx, dm.AuthorID, kind)
		msg, typ = resubscribedMessage(now), eventbus.SuppressionLifted
	}
	if err != nil {
		log.Warn("updating suppression failed", logx.Err(err))
		h.send(ctx, log, dm.AuthorID, delivery.Message{Body: ErrorReply})
		return action, err
	}

	log.Info("suppression updated")
	h.bus.Publish(eventbus.Event{Type: typ, Subject: dm.AuthorID, Data: Change{RecipientID: dm.AuthorID, RecipientName: dm.AuthorName, Kind: kind}})
	h.send(ctx, log, dm.AuthorID, msg)
	return action, nil
}

func (h *Handler) send(ctx context.Context, log logx.Logger, to string, msg delivery.Message) {
	if h.reply == nil {
		return
	}
	if o := h.reply.Send(ctx, to, msg); o.Err != nil {
		log.Debug("confirmation not delivered", logx.String("status", o.Status.String()), logx.Err(o.Err))
	}
}
