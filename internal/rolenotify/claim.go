package rolenotify

import (
	"context"
	"errors"
	"fmt"

	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	logx "castbot/pkg/logx"
)

// Click is a claim button activation.
type Click struct {
	InteractionID string
	Token         string
	GuildID       string // empty when clicked in a DM
	RecipientID   string
	CustomID      string
}

// RoleGranter adds a role to a guild member.
type RoleGranter interface {
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
}

// Responder answers the clicker only.
type Responder interface {
	Respond(ctx context.Context, click Click, text string) error
}

// ClaimEvent is published with ClaimGranted and ClaimRejected.
type ClaimEvent struct {
	RecipientID string `json:"recipient_id"`
	GuildID     string `json:"guild_id,omitempty"`
	RoleID      string `json:"role_id"`
	RoleName    string `json:"role_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type ClaimHandler struct {
	loop      *loop.Loop
	granter   RoleGranter
	responder Responder
	bus       eventbus.Publisher
	log       logx.Logger
}

func NewClaimHandler(l *loop.Loop, g RoleGranter, r Responder, bus eventbus.Publisher, log logx.Logger) *ClaimHandler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ClaimHandler{loop: l, granter: g, responder: r, bus: bus, log: log}
}

func GrantedText(roleName string) string { return fmt.Sprintf("✅ You've been given the %s role!", roleName) }

const NotMemberText = "❌ You must be in the server to claim this role!"

func RoleMissingText(role string) string { return fmt.Sprintf("❌ Role '%s' not found in any server", role) }

func ErrorText(err error) string { return fmt.Sprintf("❌ Error: %v", err) }

type claimTarget struct {
	role   roster.Role
	reject string
}

// Handle grants the role encoded in click.CustomID and answers the clicker.
// It returns delivery.ErrNotClaim for clicks on other components, and
// otherwise the text sent back.
func (h *ClaimHandler) Handle(ctx context.Context, click Click) (string, error) {
	desc, err := delivery.ParseClaimDescriptor(click.CustomID)
	if errors.Is(err, delivery.ErrNotClaim) {
		return "", err
	}
	log := h.log.With(logx.String("member", click.RecipientID), logx.String("custom_id", click.CustomID))
	if err != nil {
		return h.reply(ctx, log, click, ClaimEvent{RecipientID: click.RecipientID, Reason: err.Error()}, ErrorText(err), false)
	}

	var target claimTarget
	err = h.loop.Do(ctx, "rolenotify.claim", func(r *roster.Roster) error {
		target = resolveClaim(r, desc, click.RecipientID)
		return nil
	})
	ev := ClaimEvent{RecipientID: click.RecipientID, GuildID: desc.GuildID, RoleID: desc.RoleID}
	if err != nil {
		ev.Reason = err.Error()
		return h.reply(ctx, log, click, ev, ErrorText(err), false)
	}
	if target.reject != "" {
		ev.Reason = target.reject
		return h.reply(ctx, log, click, ev, target.reject, false)
	}

	ev.GuildID, ev.RoleID, ev.RoleName = target.role.GuildID, target.role.ID, target.role.Name
	if err := h.granter.GrantRole(ctx, target.role.GuildID, click.RecipientID, target.role.ID); err != nil {
		ev.Reason = err.Error()
		return h.reply(ctx, log, click, ev, ErrorText(err), false)
	}
	return h.reply(ctx, log, click, ev, GrantedText(target.role.Name), true)
}

// resolveClaim runs on the loop. The descriptor's role is looked up by id
// first and by name second.
func resolveClaim(r *roster.Roster, desc delivery.ClaimDescriptor, userID string) claimTarget {
	role, ok := r.Role(desc.RoleID)
	if !ok {
		role, ok = r.RoleByName(desc.RoleID)
	}
	if !ok || (desc.GuildID != "" && role.GuildID != "" && role.GuildID != desc.GuildID) {
		return claimTarget{reject: RoleMissingText(desc.RoleID)}
	}
	m, ok := r.Member(userID)
	if !ok || (m.GuildID != "" && role.GuildID != "" && m.GuildID != role.GuildID) {
		return claimTarget{role: role, reject: NotMemberText}
	}
	return claimTarget{role: role}
}

func (h *ClaimHandler) reply(ctx context.Context, log logx.Logger, click Click, ev ClaimEvent, text string, granted bool) (string, error) {
	typ := eventbus.ClaimRejected
	if granted {
		typ = eventbus.ClaimGranted
		log.Info("claim granted", logx.String("role", ev.RoleID))
	} else {
		log.Info("claim rejected", logx.String("role", ev.RoleID), logx.String("reason", ev.Reason))
	}
	h.bus.Publish(eventbus.Event{Type: typ, Subject: click.RecipientID, Data: ev})
	if h.responder == nil {
		return text, nil
	}
	if err := h.responder.Respond(ctx, click, text); err != nil {
		log.Warn("claim reply failed", logx.Err(err))
		return text, err
	}
	return text, nil
}
