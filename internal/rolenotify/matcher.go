// Package rolenotify reacts to members gaining roles.
//
// Matcher sends the configured role notification for every newly granted
// role. ClaimHandler answers clicks on the claim buttons those notifications
// (and campaigns) carry.
package rolenotify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

const (
	DefaultClaimLabel = "Claim Rewards"
	DefaultClaimEmoji = "🎁"
)

// RoleChange is one member's role set before and after a gateway update.
type RoleChange struct {
	GuildID     string
	RecipientID string
	Before      []string
	After       []string
	// RoleNames maps role ids to display names; used for title fallbacks and
	// for notifications keyed by name.
	RoleNames map[string]string
}

// Granted returns the roles in after that are not in before, in after order.
func Granted(before, after []string) []string {
	had := make(map[string]struct{}, len(before))
	for _, id := range before {
		had[id] = struct{}{}
	}
	var out []string
	seen := map[string]struct{}{}
	for _, id := range after {
		if _, ok := had[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Sender delivers one message. *delivery.Fanout satisfies it.
type Sender interface {
	SendOne(ctx context.Context, recipientID string, msg delivery.Message) delivery.Outcome
}

// Notified is published for every role notification attempted.
type Notified struct {
	RecipientID string `json:"recipient_id"`
	RoleID      string `json:"role_id"`
	RoleName    string `json:"role_name,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type Options struct {
	Store  storage.RoleNotificationStore
	Sender Sender
	// Loop is needed by MemberUpdated only.
	Loop *loop.Loop
	Bus  eventbus.Publisher
	Log  logx.Logger
	Now  func() time.Time
}

type Matcher struct {
	store  storage.RoleNotificationStore
	sender Sender
	loop   *loop.Loop
	bus    eventbus.Publisher
	log    logx.Logger
	now    func() time.Time

	mu      sync.RWMutex
	logoURL string
}

func NewMatcher(opt Options) *Matcher {
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Matcher{store: opt.Store, sender: opt.Sender, loop: opt.Loop, bus: opt.Bus, log: opt.Log, now: opt.Now}
}

func (m *Matcher) SetLogoURL(u string) {
	m.mu.Lock()
	m.logoURL = strings.TrimSpace(u)
	m.mu.Unlock()
}

func (m *Matcher) logo() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logoURL
}

// MemberUpdated records member in the roster and handles the roles it
// gained. before may be nil when the gateway did not supply the previous
// roles; the roster's copy is used then. Members the roster has never seen
// are recorded without notifying, since there is nothing to diff against.
func (m *Matcher) MemberUpdated(ctx context.Context, member roster.Member, before []string) error {
	if m.loop == nil {
		return errors.New("rolenotify: matcher has no loop")
	}
	var (
		change RoleChange
		known  bool
	)
	err := m.loop.Do(ctx, "rolenotify.member_update", func(r *roster.Roster) error {
		prev, wasKnown := r.UpsertMember(member)
		if before == nil {
			before, known = prev, wasKnown
		} else {
			known = true
		}
		change = RoleChange{
			GuildID:     member.GuildID,
			RecipientID: member.ID,
			Before:      before,
			After:       member.Roles,
			RoleNames:   r.RoleNames(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !known {
		m.log.Debug("member update for unknown member; not diffed", logx.String("member", member.ID))
		return nil
	}
	m.Handle(ctx, change)
	return nil
}

// Handle sends one notification per granted role that has one configured.
// Failures are logged and published; they never stop the remaining roles.
// Role notifications are not subject to marketing suppression.
func (m *Matcher) Handle(ctx context.Context, ch RoleChange) []Notified {
	granted := Granted(ch.Before, ch.After)
	if len(granted) == 0 {
		return nil
	}
	log := m.log.With(logx.String("member", ch.RecipientID))
	log.Debug("roles granted", logx.Strs("roles", granted))

	var out []Notified
	for _, roleID := range granted {
		roleName := ch.RoleNames[roleID]
		n, ok, err := m.lookup(ctx, roleID, roleName)
		if err != nil {
			log.Warn("loading role notification failed", logx.String("role", roleID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if roleName == "" {
			roleName = n.RoleName
		}
		msg := m.render(n, ch.GuildID, roleName)
		res := m.sendOne(ctx, ch.RecipientID, msg)
		rec := Notified{RecipientID: ch.RecipientID, RoleID: roleID, RoleName: roleName, Status: res.Status.String()}
		if res.Err != nil {
			rec.Error = res.Err.Error()
			log.Warn("role notification not delivered", logx.String("role", roleID), logx.String("status", rec.Status), logx.Err(res.Err))
		} else {
			log.Info("role notification delivered", logx.String("role", roleID))
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.RoleNotified, Subject: ch.RecipientID, Data: rec})
		out = append(out, rec)
	}
	return out
}

func (m *Matcher) sendOne(ctx context.Context, recipientID string, msg delivery.Message) (o delivery.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = delivery.Error(fmt.Errorf("panic: %v", r))
		}
	}()
	return m.sender.SendOne(ctx, recipientID, msg)
}

// lookup finds the notification for roleID, falling back to one keyed by
// the role's name.
func (m *Matcher) lookup(ctx context.Context, roleID, roleName string) (storage.RoleNotification, bool, error) {
	n, err := m.store.RoleNotification(ctx, roleID)
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.RoleNotification{}, false, err
	}
	if roleName == "" {
		return storage.RoleNotification{}, false, nil
	}
	n, err = m.store.RoleNotification(ctx, roleName)
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.RoleNotification{}, false, err
	}
	all, err := m.store.ListRoleNotifications(ctx)
	if err != nil {
		return storage.RoleNotification{}, false, err
	}
	for _, n := range all {
		if n.RoleName == roleName {
			return n, true, nil
		}
	}
	return storage.RoleNotification{}, false, nil
}

func (m *Matcher) render(n storage.RoleNotification, guildID, roleName string) delivery.Message {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = fmt.Sprintf("Welcome to %s!", roleName)
	}
	msg := delivery.Message{
		Title:     title,
		Body:      n.Body,
		Color:     delivery.ColorBrand,
		Timestamp: m.now(),
	}
	if logo := m.logo(); n.IncludeLogo && logo != "" {
		msg.ThumbnailURL = logo
	}
	if n.Claim != nil && n.Claim.RoleID != "" {
		label := n.Claim.ButtonLabel
		if label == "" {
			label = DefaultClaimLabel
		}
		emoji := n.Claim.ButtonEmoji
		if emoji == "" {
			emoji = DefaultClaimEmoji
		}
		msg.Claim = &delivery.ClaimAffordance{
			Label:      label,
			Style:      ButtonStyle(n.Claim.ButtonColor),
			Emoji:      emoji,
			Descriptor: delivery.ClaimDescriptor{GuildID: guildID, RoleID: n.Claim.RoleID},
		}
	}
	return msg
}

// ButtonStyle maps a configured colour to a transport button style. Green
// buttons render as primary; unknown colours fall back to primary.
func ButtonStyle(color string) string {
	switch strings.ToLower(strings.TrimSpace(color)) {
	case "secondary", "grey", "gray":
		return delivery.StyleSecondary
	case "danger", "red":
		return delivery.StyleDanger
	default:
		return delivery.StylePrimary
	}
}
