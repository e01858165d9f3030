package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It is safe for concurrent use and keeps
// nothing across restarts.
type Memory struct {
	mu           sync.Mutex
	campaigns    map[string]CampaignJob
	roleNotes    map[string]RoleNotification
	suppressions map[string]SuppressionEntry // kind|recipient
	audit        []AuditEntry
	auditCap     int
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:    map[string]CampaignJob{},
		roleNotes:    map[string]RoleNotification{},
		suppressions: map[string]SuppressionEntry{},
		auditCap:     1000,
	}
}

func (m *Memory) Close() error { return nil }

func cloneJob(j CampaignJob) CampaignJob {
	j.AudienceRoleIDs = append([]string(nil), j.AudienceRoleIDs...)
	if j.LastFiredAt != nil {
		t := *j.LastFiredAt
		j.LastFiredAt = &t
	}
	return j
}

func (m *Memory) sortedJobs(keep func(CampaignJob) bool) []CampaignJob {
	out := make([]CampaignJob, 0, len(m.campaigns))
	for _, j := range m.campaigns {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (m *Memory) ActiveCampaigns(context.Context) ([]CampaignJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobs(func(j CampaignJob) bool { return j.Active }), nil
}

func (m *Memory) ListCampaigns(context.Context) ([]CampaignJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobs(func(CampaignJob) bool { return true }), nil
}

func (m *Memory) Campaign(_ context.Context, id string) (CampaignJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.campaigns[id]
	if !ok {
		return CampaignJob{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) UpsertCampaign(_ context.Context, j CampaignJob) error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("campaign id must not be empty")
	}
	if j.IntervalMinutes < 0 {
		return errors.New("campaign interval must be >= 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.campaigns[j.ID]; ok {
		j.CreatedAt = old.CreatedAt
	} else if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.campaigns[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) DeactivateCampaign(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.campaigns[id]
	if !ok || !j.Active {
		return false, nil
	}
	j.Active = false
	m.campaigns[id] = j
	return true, nil
}

func (m *Memory) MarkCampaignFired(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	j.LastFiredAt = &at
	m.campaigns[id] = j
	return nil
}

func (m *Memory) RoleNotification(_ context.Context, roleID string) (RoleNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.roleNotes[roleID]
	if !ok {
		return RoleNotification{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) ListRoleNotifications(context.Context) ([]RoleNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoleNotification, 0, len(m.roleNotes))
	for _, n := range m.roleNotes {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RoleID < out[b].RoleID })
	return out, nil
}

func (m *Memory) UpsertRoleNotification(_ context.Context, n RoleNotification) error {
	if strings.TrimSpace(n.RoleID) == "" {
		return errors.New("role id must not be empty")
	}
	if n.Claim != nil {
		c := *n.Claim
		n.Claim = &c
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.roleNotes[n.RoleID] = n
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRoleNotification(_ context.Context, roleID string) error {
	m.mu.Lock()
	delete(m.roleNotes, roleID)
	m.mu.Unlock()
	return nil
}

func suppressionKey(kind, id string) string { return kind + "|" + id }

func (m *Memory) AddSuppression(_ context.Context, e SuppressionEntry) error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return errors.New("recipient id must not be empty")
	}
	if e.Kind == "" {
		e.Kind = KindMarketing
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.suppressions[suppressionKey(e.Kind, e.RecipientID)] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveSuppression(_ context.Context, recipientID, kind string) error {
	if kind == "" {
		kind = KindMarketing
	}
	m.mu.Lock()
	delete(m.suppressions, suppressionKey(kind, recipientID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsSuppressed(_ context.Context, recipientID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suppressions[suppressionKey(kind, recipientID)]
	return ok, nil
}

func (m *Memory) Suppressed(_ context.Context, kind string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for _, e := range m.suppressions {
		if e.Kind == kind {
			out[e.RecipientID] = struct{}{}
		}
	}
	return out, nil
}

func (m *Memory) ListSuppressions(_ context.Context, kind string) ([]SuppressionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SuppressionEntry, 0)
	for _, e := range m.suppressions {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].RecipientID < out[b].RecipientID
	})
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	if len(m.audit) > m.auditCap {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-m.auditCap:]...)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
