package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"castbot/internal/bridge"
	"castbot/internal/campaign"
	"castbot/internal/ops"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"

	"github.com/google/uuid"
)

// Caller submits an operation and waits for its result. *bridge.Bridge
// satisfies it.
type Caller interface {
	Call(ctx context.Context, kind bridge.Kind, payload any) (bridge.Result, error)
}

type Store interface {
	storage.CampaignStore
	storage.SuppressionStore
	storage.AuditStore
}

// StatusFunc reports runtime counters for /status.
type StatusFunc func() map[string]any

type Deps struct {
	Adapter   kit.Replier
	Owners    []int64
	Bridge    Caller
	Store     Store
	Scheduler interface{ Status() campaign.Status }
	Status    StatusFunc
	Log       logx.Logger
	Timeout   time.Duration
}

type command struct {
	name  string
	usage string
	desc  string
	h     HandlerFunc
}

type Console struct {
	deps     Deps
	ownersMu sync.RWMutex
	owners   map[int64]struct{}
	commands map[string]command
	order    []string
	log      logx.Logger
	now      func() time.Time
}

func New(d Deps) *Console {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Timeout <= 0 {
		d.Timeout = time.Minute
	}
	c := &Console{deps: d, commands: map[string]command{}, log: d.Log, now: time.Now}
	c.SetOwners(d.Owners)
	mw := []Middleware{withRecover(c.log), withRequestLog(c.log), withTimeout(d.Timeout)}
	add := func(name, usage, desc string, h HandlerFunc) {
		c.commands[name] = command{name: name, usage: usage, desc: desc, h: Chain(h, mw...)}
		c.order = append(c.order, name)
	}
	add("help", "/help", "List commands", c.help)
	add("notify", "/notify <role_id> <text>", "Message every member of a role", c.notify)
	add("reach", "/reach <role_id> [sample]", "Check whether role members accept DMs", c.reach)
	add("presence", "/presence <status> <activity> [text]", "Set bot status and activity", c.presence)
	add("campaigns", "/campaigns", "List campaigns", c.campaigns)
	add("campaign_add", "/campaign_add <minutes> <role_ids> [--claim=<role_id>] [--logo] <text>", "Create a campaign (0 minutes = one-shot)", c.campaignAdd)
	add("campaign_stop", "/campaign_stop <id>", "Stop a campaign", c.campaignStop)
	add("optouts", "/optouts", "List opted-out recipients", c.optouts)
	add("audit", "/audit [n]", "Show recent activity", c.audit)
	add("status", "/status", "Show runtime status", c.status)
	return c
}

// SetOwners replaces the users allowed to run commands.
func (c *Console) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	c.ownersMu.Lock()
	c.owners = owners
	c.ownersMu.Unlock()
}

func (c *Console) isOwner(id int64) bool {
	c.ownersMu.RLock()
	defer c.ownersMu.RUnlock()
	_, ok := c.owners[id]
	return ok
}

// Menu returns the command menu entries.
func (c *Console) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, kit.BotCommand{Command: name, Description: c.commands[name].desc})
	}
	return out
}

// Run consumes updates until ctx ends or updates is closed.
func (c *Console) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				c.handle(ctx, up.Message)
			}
		}
	}
}

// Dispatch runs the command in text for fromID and returns the reply. It
// reports false when the text is not a command this console handles or the
// sender is not an owner.
func (c *Console) Dispatch(ctx context.Context, chat kit.ChatTarget, fromID int64, text string) (string, bool) {
	name, args, rest, ok := parse(text)
	if !ok {
		return "", false
	}
	cmd, ok := c.commands[name]
	if !ok {
		return "", false
	}
	if !c.isOwner(fromID) {
		c.log.Debug("ignoring command from non-owner", logx.Int64("from_id", fromID), logx.String("cmd", name))
		return "", false
	}
	reply, err := cmd.h(ctx, &Request{Chat: chat, FromID: fromID, Command: name, Args: args, Rest: rest})
	if err != nil {
		return "❌ " + err.Error(), true
	}
	return reply, true
}

func (c *Console) handle(ctx context.Context, m *kit.Message) {
	chat := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	reply, ok := c.Dispatch(ctx, chat, m.FromID, m.Text)
	if !ok || reply == "" || c.deps.Adapter == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := c.deps.Adapter.SendText(sctx, chat, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		c.log.Warn("console reply failed", logx.Err(err))
	}
}

var errUsage = errors.New("usage")

func (c *Console) usage(name string) error {
	return fmt.Errorf("%w: %s", errUsage, c.commands[name].usage)
}

// call runs an operation and turns timeouts and failures into errors.
func (c *Console) call(ctx context.Context, kind bridge.Kind, payload any) (any, error) {
	res, err := c.deps.Bridge.Call(ctx, kind, payload)
	if errors.Is(err, bridge.ErrTimedOut) {
		return nil, errors.New("operation timed out; it may still complete")
	}
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errors.New(res.Error)
	}
	return res.Data, nil
}

func (c *Console) help(context.Context, *Request) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range c.order {
		cmd := c.commands[name]
		fmt.Fprintf(&b, "%s\n  %s\n", cmd.usage, cmd.desc)
	}
	return b.String(), nil
}

func (c *Console) notify(ctx context.Context, req *Request) (string, error) {
	head, text := cutArgs(req.Rest, 1)
	if len(head) < 1 || text == "" {
		return "", c.usage("notify")
	}
	data, err := c.call(ctx, bridge.KindQuickNotify, ops.QuickNotify{RoleID: head[0], Message: text})
	if err != nil {
		return "", err
	}
	r, ok := data.(ops.QuickNotifyResult)
	if !ok {
		return fmt.Sprintf("✅ done: %v", data), nil
	}
	return fmt.Sprintf("✅ %s\ntotal %d · delivered %d · unreachable %d · failed %d · skipped %d",
		r.Message, r.Total, r.Delivered, r.Unreachable, r.Failed, r.Skipped), nil
}

func (c *Console) reach(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 1 {
		return "", c.usage("reach")
	}
	p := ops.Reachability{RoleID: req.Args[0]}
	if s := req.Arg(1); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return "", c.usage("reach")
		}
		p.Sample = n
	}
	data, err := c.call(ctx, bridge.KindTestReachability, p)
	if err != nil {
		return "", err
	}
	r, ok := data.(ops.ReachabilityResult)
	if !ok {
		return fmt.Sprintf("%v", data), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Role %s: %d members\n", r.RoleName, r.TotalMembers)
	for _, p := range r.Results {
		fmt.Fprintf(&b, "%s  %s\n", p.RecipientID, p.Status)
	}
	return b.String(), nil
}

func (c *Console) presence(ctx context.Context, req *Request) (string, error) {
	head, text := cutArgs(req.Rest, 2)
	if len(head) < 2 {
		return "", c.usage("presence")
	}
	if _, err := c.call(ctx, bridge.KindSetPresence, ops.Presence{Status: head[0], ActivityType: head[1], ActivityText: text}); err != nil {
		return "", err
	}
	return "✅ presence updated", nil
}

func (c *Console) campaigns(ctx context.Context, _ *Request) (string, error) {
	jobs, err := c.deps.Store.ListCampaigns(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No campaigns.", nil
	}
	var b strings.Builder
	for _, j := range jobs {
		state := "stopped"
		if j.Active {
			state = "active"
		}
		every := "one-shot"
		if !j.OneShot() {
			every = fmt.Sprintf("every %dm", j.IntervalMinutes)
		}
		last := "never"
		if j.LastFiredAt != nil {
			last = j.LastFiredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s [%s] %s · roles %s · last %s\n  %s\n", j.ID, state, every, strings.Join(j.AudienceRoleIDs, ","), last, preview(j.Message, 60))
	}
	return b.String(), nil
}

func (c *Console) campaignAdd(ctx context.Context, req *Request) (string, error) {
	head, text := cutArgs(req.Rest, 2)
	if len(head) < 2 {
		return "", c.usage("campaign_add")
	}
	minutes, err := strconv.Atoi(head[0])
	if err != nil || minutes < 0 {
		return "", fmt.Errorf("minutes must be a non-negative integer")
	}
	roles := splitList(head[1])
	if len(roles) == 0 {
		return "", c.usage("campaign_add")
	}

	job := storage.CampaignJob{
		ID:              uuid.NewString(),
		AudienceRoleIDs: roles,
		IntervalMinutes: minutes,
		Active:          true,
		CreatedAt:       c.now(),
	}
	for {
		flag, rest := cutArgs(text, 1)
		if len(flag) == 0 || !strings.HasPrefix(flag[0], "--") {
			break
		}
		switch {
		case flag[0] == "--logo":
			job.IncludeLogo = true
		case strings.HasPrefix(flag[0], "--claim="):
			job.ClaimRoleID = strings.TrimPrefix(flag[0], "--claim=")
		default:
			return "", fmt.Errorf("unknown flag %s", flag[0])
		}
		text = rest
	}
	if text == "" {
		return "", c.usage("campaign_add")
	}
	job.Message = text
	job.Name = preview(text, 32)

	if err := c.deps.Store.UpsertCampaign(ctx, job); err != nil {
		return "", err
	}
	c.log.Info("campaign created", logx.String("job", job.ID), logx.Int("interval_minutes", minutes))
	return fmt.Sprintf("✅ campaign %s created", job.ID), nil
}

func (c *Console) campaignStop(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", c.usage("campaign_stop")
	}
	if _, err := c.deps.Store.Campaign(ctx, req.Args[0]); errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("campaign %s not found", req.Args[0])
	} else if err != nil {
		return "", err
	}
	ok, err := c.deps.Store.DeactivateCampaign(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	if !ok {
		return "campaign already stopped", nil
	}
	return "✅ campaign stopped; a run in progress will finish", nil
}

func (c *Console) optouts(ctx context.Context, _ *Request) (string, error) {
	list, err := c.deps.Store.ListSuppressions(ctx, storage.KindMarketing)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No opt-outs.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d opted out:\n", len(list))
	for _, e := range list {
		name := e.RecipientName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(&b, "%s %s since %s\n", e.RecipientID, name, e.CreatedAt.Format("2006-01-02"))
	}
	return b.String(), nil
}

func (c *Console) audit(ctx context.Context, req *Request) (string, error) {
	n := 10
	if s := req.Arg(0); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return "", c.usage("audit")
		}
		n = v
	}
	entries, err := c.deps.Store.RecentAudit(ctx, n)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No activity yet.", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s ok=%d fail=%d", e.At.Format("01-02 15:04"), e.Action, e.Target, e.OK, e.Fail)
		if e.Error != "" {
			fmt.Fprintf(&b, " err=%s", preview(e.Error, 60))
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (c *Console) status(context.Context, *Request) (string, error) {
	var b strings.Builder
	if c.deps.Scheduler != nil {
		st := c.deps.Scheduler.Status()
		fmt.Fprintf(&b, "scheduler: running=%t tick=%s in_flight=%d\n", st.Running, st.Tick, len(st.InFlight))
	}
	if c.deps.Status != nil {
		m := c.deps.Status()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, m[k])
		}
	}
	if b.Len() == 0 {
		return "ok", nil
	}
	return b.String(), nil
}

// cutArgs takes n whitespace-separated tokens off s and returns them with
// the untouched remainder.
func cutArgs(s string, n int) ([]string, string) {
	var out []string
	s = strings.TrimSpace(s)
	for len(out) < n && s != "" {
		i := strings.IndexAny(s, " \t\n")
		if i < 0 {
			out = append(out, s)
			s = ""
			break
		}
		out = append(out, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	return out, s
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
