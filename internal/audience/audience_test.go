package audience

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func TestResolveDeduplicatesAcrossRoles(t *testing.T) {
	r := roster.New()
	r.UpsertMember(roster.Member{ID: "u2", Roles: []string{"a", "b"}})
	r.UpsertMember(roster.Member{ID: "u1", Roles: []string{"b"}})
	r.UpsertMember(roster.Member{ID: "u3", Roles: []string{"c"}})

	got := Resolve([]string{"b", "a", "missing"}, r)
	if !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Fatalf("Resolve = %v", got)
	}
	if got := Resolve(nil, r); len(got) != 0 {
		t.Fatalf("empty role list = %v", got)
	}
}

func TestFilter(t *testing.T) {
	kept, skipped := Filter([]string{"u1", "u2", "u3"}, map[string]struct{}{"u2": {}, "zz": {}})
	if !reflect.DeepEqual(kept, []string{"u1", "u3"}) || skipped != 1 {
		t.Fatalf("kept=%v skipped=%d", kept, skipped)
	}
}

func TestResolverMarketingSkipsSuppressed(t *testing.T) {
	ro := roster.New()
	ro.UpsertRole(roster.Role{ID: "vip", Name: "VIP"})
	ro.UpsertMember(roster.Member{ID: "u1", Roles: []string{"vip"}})
	ro.UpsertMember(roster.Member{ID: "u2", Roles: []string{"vip"}})

	l := loop.New(ro, nil, logx.Nop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	st := storage.NewMemory()
	_ = st.AddSuppression(ctx, storage.SuppressionEntry{RecipientID: "u2", Kind: storage.KindMarketing})

	res := NewResolver(l, st)
	kept, skipped, err := res.Marketing(ctx, []string{"vip"})
	if err != nil || !reflect.DeepEqual(kept, []string{"u1"}) || skipped != 1 {
		t.Fatalf("kept=%v skipped=%d err=%v", kept, skipped, err)
	}

	role, members, err := res.Role(ctx, "vip")
	if err != nil || role.Name != "VIP" || len(members) != 2 {
		t.Fatalf("Role = %+v %v %v", role, members, err)
	}
	if _, _, err := res.Role(ctx, "nope"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("unknown role err = %v", err)
	}
}
