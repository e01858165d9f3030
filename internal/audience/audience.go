// Package audience turns role ids into recipients and drops suppressed ones.
package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	"castbot/internal/storage"
)

var ErrUnknownRole = errors.New("role not found")

// Snapshot is the membership view Resolve reads.
type Snapshot interface {
	MembersWithRole(roleID string) []string
}

// Resolve returns every recipient holding any of roleIDs, deduplicated and
// sorted. Role order does not matter.
func Resolve(roleIDs []string, snap Snapshot) []string {
	seen := map[string]struct{}{}
	for _, roleID := range roleIDs {
		for _, id := range snap.MembersWithRole(roleID) {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Filter removes suppressed recipients, keeping order. It returns the kept
// recipients and how many were skipped.
func Filter(recipients []string, suppressed map[string]struct{}) (kept []string, skipped int) {
	kept = make([]string, 0, len(recipients))
	for _, id := range recipients {
		if _, ok := suppressed[id]; ok {
			skipped++
			continue
		}
		kept = append(kept, id)
	}
	return kept, skipped
}

// Resolver resolves audiences against the runtime roster and the
// suppression store.
type Resolver struct {
	loop         *loop.Loop
	suppressions storage.SuppressionStore
}

func NewResolver(l *loop.Loop, s storage.SuppressionStore) *Resolver {
	return &Resolver{loop: l, suppressions: s}
}

// Members resolves roleIDs inside the runtime loop.
func (r *Resolver) Members(ctx context.Context, roleIDs []string) ([]string, error) {
	var out []string
	err := r.loop.Do(ctx, "audience.resolve", func(ro *roster.Roster) error {
		out = Resolve(roleIDs, ro)
		return nil
	})
	return out, err
}

// Role returns the role with id and its member ids.
func (r *Resolver) Role(ctx context.Context, roleID string) (roster.Role, []string, error) {
	var (
		role    roster.Role
		members []string
	)
	err := r.loop.Do(ctx, "audience.role", func(ro *roster.Roster) error {
		var ok bool
		role, ok = ro.Role(roleID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
		}
		members = ro.MembersWithRole(roleID)
		return nil
	})
	return role, members, err
}

// Marketing resolves roleIDs and removes marketing suppressions.
func (r *Resolver) Marketing(ctx context.Context, roleIDs []string) (kept []string, skipped int, err error) {
	members, err := r.Members(ctx, roleIDs)
	if err != nil {
		return nil, 0, err
	}
	return r.FilterMarketing(ctx, members)
}

// FilterMarketing applies the marketing suppression list to recipients.
func (r *Resolver) FilterMarketing(ctx context.Context, recipients []string) ([]string, int, error) {
	suppressed, err := r.suppressions.Suppressed(ctx, storage.KindMarketing)
	if err != nil {
		return nil, 0, fmt.Errorf("loading suppressions: %w", err)
	}
	kept, skipped := Filter(recipients, suppressed)
	return kept, skipped, nil
}
