// Package discord is the Discord gateway and REST adapter.
//
// Gateway events update the runtime roster through the loop and are handed
// to the role matcher, the claim handler and the opt-out handler. The
// adapter also implements delivery.Channel and the ops gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"castbot/internal/delivery"
	"castbot/internal/optout"
	"castbot/internal/rolenotify"
	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	logx "castbot/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

type Config struct {
	Token string
	// GuildID restricts the roster and claims to one server when set.
	GuildID string
}

// Handlers receive gateway events after the roster is updated. Any of them
// may be nil.
type Handlers struct {
	Matcher *rolenotify.Matcher
	Claims  *rolenotify.ClaimHandler
	OptOut  *optout.Handler
}

type Adapter struct {
	cfg  Config
	s    *discordgo.Session
	loop *loop.Loop
	log  logx.Logger

	ready atomic.Bool
	sync  *rosterSync
	user  atomic.Value // string username

	mu       sync.RWMutex
	handlers Handlers
	removers []func()
}

func New(cfg Config, l *loop.Loop, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, s: s, loop: l, log: log, sync: newRosterSync()}
	a.user.Store("")
	return a, nil
}

// Bind sets the event consumers. It must be called before Open.
func (a *Adapter) Bind(h Handlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

func (a *Adapter) consumers() Handlers {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handlers
}

// Open registers event handlers and connects to the gateway.
func (a *Adapter) Open() error {
	a.removers = append(a.removers,
		a.s.AddHandler(a.onReady),
		a.s.AddHandler(a.onGuildCreate),
		a.s.AddHandler(a.onMembersChunk),
		a.s.AddHandler(a.onGuildDelete),
		a.s.AddHandler(a.onMemberAdd),
		a.s.AddHandler(a.onMemberUpdate),
		a.s.AddHandler(a.onMemberRemove),
		a.s.AddHandler(a.onRoleCreate),
		a.s.AddHandler(a.onRoleUpdate),
		a.s.AddHandler(a.onRoleDelete),
		a.s.AddHandler(a.onInteraction),
		a.s.AddHandler(a.onMessage),
		a.s.AddHandler(a.onDisconnect),
		a.s.AddHandler(a.onResumed),
	)
	if err := a.s.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.ready.Store(false)
	for _, rm := range a.removers {
		rm()
	}
	a.removers = nil
	return a.s.Close()
}

func (a *Adapter) wantGuild(id string) bool {
	return a.cfg.GuildID == "" || id == "" || id == a.cfg.GuildID
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.user.Store(r.User.Username)
	}
	var ids []string
	for _, g := range r.Guilds {
		if g != nil && a.wantGuild(g.ID) {
			ids = append(ids, g.ID)
		}
	}
	a.sync.expect(ids)
	a.ready.Store(true)
	a.log.Info("discord ready", logx.String("user", a.Username()), logx.Int("guilds", len(r.Guilds)))
}

func (a *Adapter) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.ready.Store(false)
	a.log.Warn("discord disconnected")
}

// A resumed session replays missed events, so the roster stays valid.
func (a *Adapter) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	a.ready.Store(true)
	a.log.Info("discord session resumed")
}

func toMember(guildID string, m *discordgo.Member) (roster.Member, bool) {
	if m == nil || m.User == nil {
		return roster.Member{}, false
	}
	if m.GuildID != "" {
		guildID = m.GuildID
	}
	return roster.Member{ID: m.User.ID, GuildID: guildID, Name: m.User.Username, Roles: m.Roles}, true
}

func (a *Adapter) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || !a.wantGuild(g.ID) {
		return
	}
	roles := make([]roster.Role, 0, len(g.Roles))
	for _, r := range g.Roles {
		roles = append(roles, roster.Role{ID: r.ID, GuildID: g.ID, Name: r.Name})
	}
	members := make([]roster.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if rm, ok := toMember(g.ID, m); ok {
			members = append(members, rm)
		}
	}
	a.sync.pending(g.ID)
	a.loop.Post("discord.guild_create", func(r *roster.Roster) error {
		for _, role := range roles {
			r.UpsertRole(role)
		}
		for _, m := range members {
			r.UpsertMember(m)
		}
		return nil
	})
	// The create payload only carries a partial member list.
	if err := s.RequestGuildMembers(g.ID, "", 0, "", false); err != nil {
		// No chunks will come. Go on with the partial list rather than
		// staying unready for good.
		a.log.Warn("requesting guild members failed; roster may be partial", logx.String("guild", g.ID), logx.Err(err))
		a.markSynced(g.ID)
	}
	a.log.Info("guild available", logx.String("guild", g.ID), logx.String("name", g.Name), logx.Int("roles", len(roles)))
}

// An outage keeps the guild pending; leaving it stops tracking it.
func (a *Adapter) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || !a.wantGuild(g.ID) {
		return
	}
	if g.Unavailable {
		a.sync.pending(g.ID)
		a.log.Warn("guild unavailable", logx.String("guild", g.ID))
		return
	}
	a.sync.forget(g.ID)
	a.log.Info("guild removed", logx.String("guild", g.ID))
}

func (a *Adapter) onMembersChunk(_ *discordgo.Session, c *discordgo.GuildMembersChunk) {
	if !a.wantGuild(c.GuildID) {
		return
	}
	members := make([]roster.Member, 0, len(c.Members))
	for _, m := range c.Members {
		if rm, ok := toMember(c.GuildID, m); ok {
			members = append(members, rm)
		}
	}
	last := lastChunk(c.ChunkIndex, c.ChunkCount)
	a.loop.Post("discord.members_chunk", func(r *roster.Roster) error {
		for _, m := range members {
			r.UpsertMember(m)
		}
		return nil
	})
	if last {
		a.markSynced(c.GuildID)
	}
}

// markSynced flags the guild once the loop has applied everything queued
// before it.
func (a *Adapter) markSynced(guildID string) {
	queued := a.loop.Post("discord.roster_synced", func(r *roster.Roster) error {
		a.sync.done(guildID)
		_, members := r.Counts()
		a.log.Info("guild roster synced", logx.String("guild", guildID), logx.Int("members", members))
		return nil
	})
	if !queued {
		a.log.Warn("roster sync marker dropped, loop queue full", logx.String("guild", guildID))
		a.sync.done(guildID)
	}
}

func (a *Adapter) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	rm, ok := toMember("", m.Member)
	if !ok || !a.wantGuild(rm.GuildID) {
		return
	}
	a.loop.Post("discord.member_add", func(r *roster.Roster) error {
		r.UpsertMember(rm)
		return nil
	})
}

func (a *Adapter) onMemberUpdate(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	rm, ok := toMember("", m.Member)
	if !ok || !a.wantGuild(rm.GuildID) {
		return
	}
	var before []string
	if m.BeforeUpdate != nil {
		before = append([]string{}, m.BeforeUpdate.Roles...)
	}
	h := a.consumers()
	if h.Matcher == nil {
		a.loop.Post("discord.member_update", func(r *roster.Roster) error {
			r.UpsertMember(rm)
			return nil
		})
		return
	}
	if err := h.Matcher.MemberUpdated(context.Background(), rm, before); err != nil {
		a.log.Warn("member update not processed", logx.String("member", rm.ID), logx.Err(err))
	}
}

func (a *Adapter) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil || !a.wantGuild(m.GuildID) {
		return
	}
	id := m.User.ID
	a.loop.Post("discord.member_remove", func(r *roster.Roster) error {
		r.RemoveMember(id)
		return nil
	})
}

func (a *Adapter) onRoleCreate(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
	a.upsertRole("discord.role_create", e.GuildRole)
}

func (a *Adapter) onRoleUpdate(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
	a.upsertRole("discord.role_update", e.GuildRole)
}

func (a *Adapter) upsertRole(name string, gr *discordgo.GuildRole) {
	if gr == nil || gr.Role == nil || !a.wantGuild(gr.GuildID) {
		return
	}
	role := roster.Role{ID: gr.Role.ID, GuildID: gr.GuildID, Name: gr.Role.Name}
	a.loop.Post(name, func(r *roster.Roster) error {
		r.UpsertRole(role)
		return nil
	})
}

func (a *Adapter) onRoleDelete(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
	if !a.wantGuild(e.GuildID) {
		return
	}
	id := e.RoleID
	a.loop.Post("discord.role_delete", func(r *roster.Roster) error {
		r.RemoveRole(id)
		return nil
	})
}

func (a *Adapter) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	h := a.consumers()
	if h.Claims == nil {
		return
	}
	click := rolenotify.Click{
		InteractionID: i.ID,
		Token:         i.Token,
		GuildID:       i.GuildID,
		CustomID:      i.MessageComponentData().CustomID,
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		click.RecipientID = i.Member.User.ID
	case i.User != nil:
		click.RecipientID = i.User.ID
	default:
		return
	}
	if _, err := h.Claims.Handle(context.Background(), click); err != nil && !errors.Is(err, delivery.ErrNotClaim) {
		a.log.Warn("claim not answered", logx.String("member", click.RecipientID), logx.Err(err))
	}
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID != "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	h := a.consumers()
	if h.OptOut == nil {
		return
	}
	dm := optout.DirectMessage{AuthorID: m.Author.ID, AuthorName: m.Author.Username, Content: m.Content}
	if _, err := h.OptOut.Handle(context.Background(), dm); err != nil {
		a.log.Warn("opt-out reply failed", logx.String("recipient", m.Author.ID), logx.Err(err))
	}
}

// Send implements delivery.Channel.
func (a *Adapter) Send(ctx context.Context, recipientID string, msg delivery.Message) delivery.Outcome {
	if err := ctx.Err(); err != nil {
		return delivery.Error(err)
	}
	ch, err := a.s.UserChannelCreate(recipientID)
	if err != nil {
		return a.classify(err)
	}
	if _, err := a.s.ChannelMessageSendComplex(ch.ID, messageSend(msg)); err != nil {
		return a.classify(err)
	}
	return delivery.OK()
}

func (a *Adapter) classify(err error) delivery.Outcome {
	if unreachable(err) {
		return delivery.NotReachable(err)
	}
	return delivery.Error(err)
}

// GrantRole implements rolenotify.RoleGranter.
func (a *Adapter) GrantRole(_ context.Context, guildID, userID, roleID string) error {
	if guildID == "" {
		guildID = a.cfg.GuildID
	}
	if guildID == "" {
		return errors.New("no guild to grant the role in")
	}
	return a.s.GuildMemberRoleAdd(guildID, userID, roleID)
}

// Respond implements rolenotify.Responder with an ephemeral reply.
func (a *Adapter) Respond(_ context.Context, click rolenotify.Click, text string) error {
	return a.s.InteractionRespond(&discordgo.Interaction{ID: click.InteractionID, Token: click.Token}, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// Ready reports a live session whose guild rosters are fully loaded.
// Audiences resolved before that would be missing members.
func (a *Adapter) Ready() bool { return a.ready.Load() && a.sync.synced() }

// Syncing lists guilds whose member lists are still loading.
func (a *Adapter) Syncing() []string { return a.sync.waiting() }

// ProbeDM opens a DM channel without sending a message.
func (a *Adapter) ProbeDM(_ context.Context, userID string) error {
	_, err := a.s.UserChannelCreate(userID)
	return err
}

func (a *Adapter) IsUnreachable(err error) bool { return unreachable(err) }

func (a *Adapter) SetAvatar(_ context.Context, dataURI string) error {
	u, err := a.s.UserUpdate("", dataURI)
	if err != nil {
		return err
	}
	a.user.Store(u.Username)
	return nil
}

func (a *Adapter) Username() string {
	name, _ := a.user.Load().(string)
	return name
}

func (a *Adapter) SetUsername(_ context.Context, name string) error {
	u, err := a.s.UserUpdate(name, "")
	if err != nil {
		return err
	}
	a.user.Store(u.Username)
	return nil
}

func (a *Adapter) SetPresence(_ context.Context, status, activity, text string) error {
	data := discordgo.UpdateStatusData{Status: status}
	if text != "" {
		data.Activities = []*discordgo.Activity{{Name: text, Type: activityType(activity)}}
	}
	return a.s.UpdateStatusComplex(data)
}
