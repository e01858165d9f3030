package app

import (
	"context"
	"testing"
	"time"

	"castbot/internal/bridge"
	"castbot/internal/campaign"
	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/optout"
	"castbot/internal/rolenotify"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func TestAuditEntry(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		ev     eventbus.Event
		ok     bool
		action string
		target string
		okN    int
		failN  int
	}{
		{
			name:   "operation failed",
			ev:     eventbus.Event{Type: eventbus.OperationFinished, Time: at, Subject: "op1", Data: bridge.OperationEvent{ID: "op1", Kind: bridge.KindQuickNotify, Error: "Role not found"}},
			ok:     true,
			action: "quick_notify", target: "op1", failN: 1,
		},
		{
			name: "campaign fired",
			ev: eventbus.Event{Type: eventbus.CampaignFired, Time: at, Subject: "job1", Data: campaign.FireEvent{
				JobID:  "job1",
				Report: delivery.Report{Total: 4, Delivered: 2, Unreachable: 1, Failed: 1},
			}},
			ok:     true,
			action: eventbus.CampaignFired, target: "job1", okN: 2, failN: 2,
		},
		{
			name:   "role notified",
			ev:     eventbus.Event{Type: eventbus.RoleNotified, Time: at, Data: rolenotify.Notified{RecipientID: "u1", RoleID: "r1", Status: "delivered"}},
			ok:     true,
			action: eventbus.RoleNotified, target: "u1", okN: 1,
		},
		{
			name:   "claim rejected",
			ev:     eventbus.Event{Type: eventbus.ClaimRejected, Time: at, Data: rolenotify.ClaimEvent{RecipientID: "u1", RoleID: "r1", Reason: "not a member"}},
			ok:     true,
			action: eventbus.ClaimRejected, target: "r1", failN: 1,
		},
		{
			name:   "opt out",
			ev:     eventbus.Event{Type: eventbus.SuppressionAdded, Time: at, Data: optout.Change{RecipientID: "u2", Kind: storage.KindMarketing}},
			ok:     true,
			action: eventbus.SuppressionAdded, target: storage.KindMarketing, okN: 1,
		},
		{
			name: "config reload is not audited",
			ev:   eventbus.Event{Type: eventbus.ConfigReloaded, Time: at, Subject: "logging"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row, ok := auditEntry(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok = %v", ok)
			}
			if !ok {
				return
			}
			if row.Action != tc.action || row.Target != tc.target || row.OK != tc.okN || row.Fail != tc.failN || !row.At.Equal(at) {
				t.Fatalf("row = %+v", row)
			}
		})
	}
}

func TestRunAuditAppends(t *testing.T) {
	bus := eventbus.New()
	store := storage.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runAudit(ctx, bus, store, logx.Nop())
		close(done)
	}()

	// Subscribe happens inside runAudit; publish until the row shows up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.SuppressionLifted, Data: optout.Change{RecipientID: "u1", Kind: storage.KindMarketing}})
		rows, err := store.RecentAudit(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) > 0 {
			if rows[0].Action != eventbus.SuppressionLifted || rows[0].Actor != "u1" {
				t.Fatalf("row = %+v", rows[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no audit row written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
