package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // postgres
	BusyTimeout time.Duration
}

// KindMarketing is the suppression kind checked by campaigns and quick notify.
const KindMarketing = "marketing"

// CampaignJob is a recurring or one-shot broadcast. IntervalMinutes == 0
// means one-shot. Jobs are never deleted; stopping sets Active=false.
type CampaignJob struct {
	ID              string
	Name            string
	Message         string
	AudienceRoleIDs []string
	IntervalMinutes int
	Active          bool
	ClaimRoleID     string
	IncludeLogo     bool
	LastFiredAt     *time.Time
	CreatedAt       time.Time
}

func (j CampaignJob) OneShot() bool { return j.IntervalMinutes == 0 }

// ClaimSpec configures the claim button of a role notification.
type ClaimSpec struct {
	RoleID      string
	ButtonLabel string
	ButtonColor string
	ButtonEmoji string
}

// RoleNotification is sent to a member when they gain RoleID. At most one
// exists per role.
type RoleNotification struct {
	RoleID      string
	RoleName    string
	Title       string
	Body        string
	Claim       *ClaimSpec
	IncludeLogo bool
	UpdatedAt   time.Time
}

type SuppressionEntry struct {
	RecipientID   string
	RecipientName string
	Kind          string
	CreatedAt     time.Time
}

// AuditEntry records a finished operation, campaign fire or claim.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
	Meta   string // JSON
}

type CampaignStore interface {
	ActiveCampaigns(ctx context.Context) ([]CampaignJob, error)
	ListCampaigns(ctx context.Context) ([]CampaignJob, error)
	Campaign(ctx context.Context, id string) (CampaignJob, error)
	UpsertCampaign(ctx context.Context, job CampaignJob) error
	// DeactivateCampaign flips Active from true to false. It reports false
	// when the job was already inactive, so only one caller wins.
	DeactivateCampaign(ctx context.Context, id string) (bool, error)
	MarkCampaignFired(ctx context.Context, id string, at time.Time) error
}

type RoleNotificationStore interface {
	RoleNotification(ctx context.Context, roleID string) (RoleNotification, error)
	ListRoleNotifications(ctx context.Context) ([]RoleNotification, error)
	UpsertRoleNotification(ctx context.Context, n RoleNotification) error
	DeleteRoleNotification(ctx context.Context, roleID string) error
}

// SuppressionStore: adding twice equals adding once; removing an absent
// entry is not an error.
type SuppressionStore interface {
	AddSuppression(ctx context.Context, e SuppressionEntry) error
	RemoveSuppression(ctx context.Context, recipientID, kind string) error
	IsSuppressed(ctx context.Context, recipientID, kind string) (bool, error)
	Suppressed(ctx context.Context, kind string) (map[string]struct{}, error)
	ListSuppressions(ctx context.Context, kind string) ([]SuppressionEntry, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

type Store interface {
	CampaignStore
	RoleNotificationStore
	SuppressionStore
	AuditStore
	Close() error
}
