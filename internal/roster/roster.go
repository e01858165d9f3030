// Package roster keeps the runtime's view of guild roles and members.
//
// A Roster is not safe for concurrent use. It is owned by the runtime loop
// (internal/runtime/loop) and only touched from loop tasks.
package roster

import "sort"

type Role struct {
	ID      string
	GuildID string
	Name    string
}

type Member struct {
	ID      string
	GuildID string
	Name    string
	Roles   []string // in the order the gateway reported them
}

// HasRole reports whether m currently holds roleID.
func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

type Roster struct {
	roles   map[string]Role
	members map[string]Member
	byRole  map[string]map[string]struct{}
}

func New() *Roster {
	return &Roster{
		roles:   map[string]Role{},
		members: map[string]Member{},
		byRole:  map[string]map[string]struct{}{},
	}
}

func (r *Roster) UpsertRole(role Role) { r.roles[role.ID] = role }

func (r *Roster) RemoveRole(roleID string) {
	delete(r.roles, roleID)
	for id := range r.byRole[roleID] {
		m := r.members[id]
		m.Roles = without(m.Roles, roleID)
		r.members[id] = m
	}
	delete(r.byRole, roleID)
}

func (r *Roster) Role(roleID string) (Role, bool) {
	role, ok := r.roles[roleID]
	return role, ok
}

// RoleByName returns the first role with the given name, ordered by id.
func (r *Roster) RoleByName(name string) (Role, bool) {
	ids := make([]string, 0, len(r.roles))
	for id, role := range r.roles {
		if role.Name == name {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Role{}, false
	}
	sort.Strings(ids)
	return r.roles[ids[0]], true
}

// RoleNames returns a copy of the id → name map.
func (r *Roster) RoleNames() map[string]string {
	out := make(map[string]string, len(r.roles))
	for id, role := range r.roles {
		out[id] = role.Name
	}
	return out
}

// UpsertMember stores m and returns the roles it held before, or nil and
// false if the member was unknown.
func (r *Roster) UpsertMember(m Member) (previous []string, known bool) {
	old, known := r.members[m.ID]
	if known {
		previous = old.Roles
		for _, roleID := range old.Roles {
			if set := r.byRole[roleID]; set != nil {
				delete(set, m.ID)
			}
		}
	}
	m.Roles = append([]string(nil), m.Roles...)
	r.members[m.ID] = m
	for _, roleID := range m.Roles {
		set := r.byRole[roleID]
		if set == nil {
			set = map[string]struct{}{}
			r.byRole[roleID] = set
		}
		set[m.ID] = struct{}{}
	}
	return previous, known
}

func (r *Roster) RemoveMember(memberID string) {
	old, ok := r.members[memberID]
	if !ok {
		return
	}
	for _, roleID := range old.Roles {
		delete(r.byRole[roleID], memberID)
	}
	delete(r.members, memberID)
}

func (r *Roster) Member(memberID string) (Member, bool) {
	m, ok := r.members[memberID]
	if ok {
		m.Roles = append([]string(nil), m.Roles...)
	}
	return m, ok
}

// MembersWithRole returns member ids holding roleID, sorted.
func (r *Roster) MembersWithRole(roleID string) []string {
	set := r.byRole[roleID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Roster) Counts() (roles, members int) { return len(r.roles), len(r.members) }

func without(in []string, drop string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
