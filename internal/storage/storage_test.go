package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "castbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestCampaignLifecycle(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.UnixMilli(1_700_000_000_000)
			job := CampaignJob{
				ID: "c1", Name: "launch", Message: "hello", AudienceRoleIDs: []string{"r1", "r2"},
				Active: true, ClaimRoleID: "vip", IncludeLogo: true, CreatedAt: created,
			}
			if err := st.UpsertCampaign(ctx, job); err != nil {
				t.Fatal(err)
			}
			if err := st.UpsertCampaign(ctx, CampaignJob{ID: "c2", Message: "later", IntervalMinutes: 30, Active: true, CreatedAt: created.Add(time.Second)}); err != nil {
				t.Fatal(err)
			}

			active, err := st.ActiveCampaigns(ctx)
			if err != nil || len(active) != 2 || active[0].ID != "c1" {
				t.Fatalf("active = %+v, %v", active, err)
			}
			got := active[0]
			if !reflect.DeepEqual(got.AudienceRoleIDs, []string{"r1", "r2"}) || !got.IncludeLogo || got.ClaimRoleID != "vip" || got.LastFiredAt != nil {
				t.Fatalf("round trip = %+v", got)
			}

			ok, err := st.DeactivateCampaign(ctx, "c1")
			if err != nil || !ok {
				t.Fatalf("first deactivate = %v, %v", ok, err)
			}
			ok, err = st.DeactivateCampaign(ctx, "c1")
			if err != nil || ok {
				t.Fatalf("second deactivate = %v, %v", ok, err)
			}

			fired := created.Add(time.Hour)
			if err := st.MarkCampaignFired(ctx, "c2", fired); err != nil {
				t.Fatal(err)
			}
			c2, err := st.Campaign(ctx, "c2")
			if err != nil || c2.LastFiredAt == nil || !c2.LastFiredAt.Equal(fired) {
				t.Fatalf("c2 = %+v, %v", c2, err)
			}

			active, _ = st.ActiveCampaigns(ctx)
			if len(active) != 1 || active[0].ID != "c2" {
				t.Fatalf("active after stop = %+v", active)
			}
			all, _ := st.ListCampaigns(ctx)
			if len(all) != 2 {
				t.Fatalf("stopped jobs must not be deleted, have %d", len(all))
			}
			if _, err := st.Campaign(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing campaign err = %v", err)
			}
			if err := st.MarkCampaignFired(ctx, "missing", fired); !errors.Is(err, ErrNotFound) {
				t.Fatalf("mark missing err = %v", err)
			}
		})
	}
}

func TestDeactivateHasOneWinner(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.UpsertCampaign(ctx, CampaignJob{ID: "once", Message: "x", Active: true}); err != nil {
				t.Fatal(err)
			}
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := st.DeactivateCampaign(ctx, "once"); err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("winners = %d, want 1", wins.Load())
			}
		})
	}
}

func TestSuppressionIdempotence(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := SuppressionEntry{RecipientID: "u1", RecipientName: "ann"}
			for i := 0; i < 2; i++ {
				if err := st.AddSuppression(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
			list, err := st.ListSuppressions(ctx, KindMarketing)
			if err != nil || len(list) != 1 || list[0].RecipientName != "ann" {
				t.Fatalf("list = %+v, %v", list, err)
			}
			set, _ := st.Suppressed(ctx, KindMarketing)
			if _, ok := set["u1"]; !ok || len(set) != 1 {
				t.Fatalf("set = %v", set)
			}

			if err := st.RemoveSuppression(ctx, "nobody", KindMarketing); err != nil {
				t.Fatalf("removing absent entry: %v", err)
			}
			if err := st.RemoveSuppression(ctx, "u1", KindMarketing); err != nil {
				t.Fatal(err)
			}
			if ok, _ := st.IsSuppressed(ctx, "u1", KindMarketing); ok {
				t.Fatal("still suppressed")
			}
		})
	}
}

func TestRoleNotificationsAndAudit(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := RoleNotification{RoleID: "r1", RoleName: "VIP", Body: "welcome", Claim: &ClaimSpec{RoleID: "r2", ButtonLabel: "Grab", ButtonColor: "success", ButtonEmoji: "🎉"}}
			if err := st.UpsertRoleNotification(ctx, n); err != nil {
				t.Fatal(err)
			}
			got, err := st.RoleNotification(ctx, "r1")
			if err != nil || got.Claim == nil || got.Claim.ButtonEmoji != "🎉" || got.Body != "welcome" {
				t.Fatalf("got %+v, %v", got, err)
			}
			n.Claim = nil
			_ = st.UpsertRoleNotification(ctx, n)
			got, _ = st.RoleNotification(ctx, "r1")
			if got.Claim != nil {
				t.Fatal("claim should be cleared")
			}
			_ = st.DeleteRoleNotification(ctx, "r1")
			if _, err := st.RoleNotification(ctx, "r1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("after delete err = %v", err)
			}

			for _, a := range []string{"first", "second"} {
				if err := st.AppendAudit(ctx, AuditEntry{Action: a, OK: 1}); err != nil {
					t.Fatal(err)
				}
			}
			recent, err := st.RecentAudit(ctx, 1)
			if err != nil || len(recent) != 1 || recent[0].Action != "second" {
				t.Fatalf("recent = %+v, %v", recent, err)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
}
