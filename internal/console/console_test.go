package console

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/bridge"
	"castbot/internal/ops"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls []bridge.Kind
	last  any
	res   bridge.Result
	err   error
}

func (f *fakeCaller) Call(_ context.Context, kind bridge.Kind, payload any) (bridge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.last = payload
	return f.res, f.err
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

const owner = int64(42)

func newConsole(t *testing.T, caller *fakeCaller) (*Console, *storage.Memory, *fakeAdapter) {
	t.Helper()
	st := storage.NewMemory()
	ad := &fakeAdapter{}
	c := New(Deps{Adapter: ad, Owners: []int64{owner}, Bridge: caller, Store: st, Timeout: time.Second})
	return c, st, ad
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args []string
		rest string
		ok   bool
	}{
		{"/notify 123 hello  world", "notify", []string{"123", "hello", "world"}, "123 hello  world", true},
		{"/Help@castbot", "help", nil, "", true},
		{"  /status ", "status", nil, "", true},
		{"hello", "", nil, "", false},
		{"/", "", nil, "", false},
	}
	for _, tc := range cases {
		cmd, args, rest, ok := parse(tc.in)
		if ok != tc.ok || cmd != tc.cmd || rest != tc.rest || strings.Join(args, "|") != strings.Join(tc.args, "|") {
			t.Fatalf("parse(%q) = %q %q %q %v", tc.in, cmd, args, rest, ok)
		}
	}
}

func TestCutArgs(t *testing.T) {
	head, rest := cutArgs("  5 r1,r2 line one\nline two", 2)
	if strings.Join(head, "|") != "5|r1,r2" || rest != "line one\nline two" {
		t.Fatalf("head=%q rest=%q", head, rest)
	}
	head, rest = cutArgs("only", 2)
	if len(head) != 1 || rest != "" {
		t.Fatalf("head=%q rest=%q", head, rest)
	}
}

func TestNonOwnerIgnored(t *testing.T) {
	caller := &fakeCaller{res: bridge.Ok(ops.Done{})}
	c, _, _ := newConsole(t, caller)
	if _, ok := c.Dispatch(context.Background(), kit.ChatTarget{ChatID: 1}, 7, "/notify r1 hi"); ok {
		t.Fatal("non-owner command handled")
	}
	if len(caller.calls) != 0 {
		t.Fatalf("calls = %v", caller.calls)
	}
	if _, ok := c.Dispatch(context.Background(), kit.ChatTarget{ChatID: 1}, owner, "/unknown"); ok {
		t.Fatal("unknown command handled")
	}
}

func TestNotify(t *testing.T) {
	caller := &fakeCaller{res: bridge.Ok(ops.QuickNotifyResult{Message: "Quick notify completed for role 'VIP'", Total: 3, Delivered: 2, Skipped: 1})}
	c, _, _ := newConsole(t, caller)

	reply, ok := c.Dispatch(context.Background(), kit.ChatTarget{}, owner, "/notify r1 Big sale\ntoday")
	if !ok || !strings.Contains(reply, "delivered 2") || !strings.Contains(reply, "skipped 1") {
		t.Fatalf("reply = %q", reply)
	}
	p, _ := caller.last.(ops.QuickNotify)
	if p.RoleID != "r1" || p.Message != "Big sale\ntoday" {
		t.Fatalf("payload = %+v", caller.last)
	}

	reply, _ = c.Dispatch(context.Background(), kit.ChatTarget{}, owner, "/notify r1")
	if !strings.Contains(reply, "usage") {
		t.Fatalf("missing text reply = %q", reply)
	}
}

func TestCallFailures(t *testing.T) {
	cases := []struct {
		name   string
		caller *fakeCaller
		want   string
	}{
		{"failed", &fakeCaller{res: bridge.Fail("Role not found")}, "Role not found"},
		{"timed out", &fakeCaller{err: bridge.ErrTimedOut}, "may still complete"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newConsole(t, tc.caller)
			reply, ok := c.Dispatch(context.Background(), kit.ChatTarget{}, owner, "/reach r1 2")
			if !ok || !strings.HasPrefix(reply, "❌") || !strings.Contains(reply, tc.want) {
				t.Fatalf("reply = %q", reply)
			}
			p, _ := tc.caller.last.(ops.Reachability)
			if p.Sample != 2 {
				t.Fatalf("payload = %+v", tc.caller.last)
			}
		})
	}
}

func TestCampaignLifecycle(t *testing.T) {
	c, st, _ := newConsole(t, &fakeCaller{})
	ctx := context.Background()

	reply, _ := c.Dispatch(ctx, kit.ChatTarget{}, owner, "/campaign_add 30 r1, --claim=r9 --logo Weekend sale")
	if !strings.Contains(reply, "created") {
		t.Fatalf("add reply = %q", reply)
	}
	jobs, err := st.ListCampaigns(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, %v", jobs, err)
	}
	j := jobs[0]
	if j.IntervalMinutes != 30 || !j.Active || j.ClaimRoleID != "r9" || !j.IncludeLogo || j.Message != "Weekend sale" ||
		strings.Join(j.AudienceRoleIDs, ",") != "r1" {
		t.Fatalf("job = %+v", j)
	}

	reply, _ = c.Dispatch(ctx, kit.ChatTarget{}, owner, "/campaigns")
	if !strings.Contains(reply, j.ID) || !strings.Contains(reply, "every 30m") {
		t.Fatalf("list = %q", reply)
	}

	reply, _ = c.Dispatch(ctx, kit.ChatTarget{}, owner, "/campaign_stop "+j.ID)
	if !strings.Contains(reply, "stopped") {
		t.Fatalf("stop = %q", reply)
	}
	reply, _ = c.Dispatch(ctx, kit.ChatTarget{}, owner, "/campaign_stop "+j.ID)
	if reply != "campaign already stopped" {
		t.Fatalf("second stop = %q", reply)
	}
	reply, _ = c.Dispatch(ctx, kit.ChatTarget{}, owner, "/campaign_add x r1 hi")
	if !strings.HasPrefix(reply, "❌") {
		t.Fatalf("bad minutes = %q", reply)
	}
}

func TestOptoutsAndAudit(t *testing.T) {
	c, st, _ := newConsole(t, &fakeCaller{})
	ctx := context.Background()

	if reply, _ := c.Dispatch(ctx, kit.ChatTarget{}, owner, "/optouts"); reply != "No opt-outs." {
		t.Fatalf("empty = %q", reply)
	}
	_ = st.AddSuppression(ctx, storage.SuppressionEntry{RecipientID: "u1", RecipientName: "ann", Kind: storage.KindMarketing, CreatedAt: time.Now()})
	if reply, _ := c.Dispatch(ctx, kit.ChatTarget{}, owner, "/optouts"); !strings.Contains(reply, "u1 ann") {
		t.Fatalf("list = %q", reply)
	}

	_ = st.AppendAudit(ctx, storage.AuditEntry{At: time.Now(), Action: "quick_notify", Target: "r1", OK: 2, Fail: 1})
	if reply, _ := c.Dispatch(ctx, kit.ChatTarget{}, owner, "/audit 5"); !strings.Contains(reply, "quick_notify r1 ok=2 fail=1") {
		t.Fatalf("audit = %q", reply)
	}
}

func TestRunRepliesToOwner(t *testing.T) {
	c, _, ad := newConsole(t, &fakeCaller{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan kit.Update, 2)
	updates <- kit.Update{Message: &kit.Message{ChatID: 5, FromID: 9, Text: "/help"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: 5, FromID: owner, Text: "/help"}}
	close(updates)

	if err := c.Run(ctx, updates); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sent := ad.texts()
	if len(sent) != 1 || !strings.Contains(sent[0], "/campaign_add") {
		t.Fatalf("sent = %q", sent)
	}
	if len(c.Menu()) != len(c.order) {
		t.Fatalf("menu = %v", c.Menu())
	}
}
