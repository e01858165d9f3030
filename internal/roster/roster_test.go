package roster

import (
	"reflect"
	"testing"
)

func TestUpsertMemberReturnsPreviousRoles(t *testing.T) {
	r := New()
	if prev, known := r.UpsertMember(Member{ID: "u1", Roles: []string{"a"}}); known || prev != nil {
		t.Fatalf("first upsert: prev=%v known=%v", prev, known)
	}
	prev, known := r.UpsertMember(Member{ID: "u1", Roles: []string{"a", "b"}})
	if !known || !reflect.DeepEqual(prev, []string{"a"}) {
		t.Fatalf("second upsert: prev=%v known=%v", prev, known)
	}
	if got := r.MembersWithRole("b"); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("MembersWithRole(b) = %v", got)
	}

	r.UpsertMember(Member{ID: "u1", Roles: []string{"b"}})
	if got := r.MembersWithRole("a"); len(got) != 0 {
		t.Fatalf("role a should be empty, got %v", got)
	}
}

func TestRemoveRoleStripsMembers(t *testing.T) {
	r := New()
	r.UpsertRole(Role{ID: "vip", Name: "VIP"})
	r.UpsertMember(Member{ID: "u1", Roles: []string{"vip", "x"}})
	r.RemoveRole("vip")

	if _, ok := r.Role("vip"); ok {
		t.Fatal("role still present")
	}
	m, _ := r.Member("u1")
	if !reflect.DeepEqual(m.Roles, []string{"x"}) {
		t.Fatalf("member roles = %v", m.Roles)
	}
}

func TestMemberReturnsCopy(t *testing.T) {
	r := New()
	r.UpsertMember(Member{ID: "u1", Roles: []string{"a"}})
	m, _ := r.Member("u1")
	m.Roles[0] = "mutated"
	again, _ := r.Member("u1")
	if again.Roles[0] != "a" {
		t.Fatal("Member leaked internal slice")
	}
}

func TestRoleByName(t *testing.T) {
	r := New()
	r.UpsertRole(Role{ID: "2", Name: "Gold"})
	r.UpsertRole(Role{ID: "1", Name: "Gold"})
	role, ok := r.RoleByName("Gold")
	if !ok || role.ID != "1" {
		t.Fatalf("RoleByName = %+v, %v", role, ok)
	}
}
