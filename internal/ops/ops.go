// Package ops implements the operations callers submit through the bridge:
// quick notify, reachability test, avatar update and presence update.
//
// Handlers run on the bridge dispatcher goroutine. They read the roster
// through the runtime loop and do network work directly, never on the loop.
package ops

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castbot/internal/audience"
	"castbot/internal/bridge"
	"castbot/internal/delivery"
	"castbot/internal/roster"
	logx "castbot/pkg/logx"
)

var (
	ErrNotReady     = errors.New("Bot is not ready")
	ErrRoleNotFound = errors.New("Role not found")
)

const (
	DefaultNotifyTitle = "Message from Server"
	DefaultSample      = 3
)

// Gateway is the live bot session.
type Gateway interface {
	Ready() bool
	// ProbeDM opens a direct-message channel with userID without sending
	// anything. Unreachable recipients return an error that IsUnreachable
	// classifies.
	ProbeDM(ctx context.Context, userID string) error
	IsUnreachable(err error) bool
	// SetAvatar takes a data URI.
	SetAvatar(ctx context.Context, dataURI string) error
	Username() string
	SetUsername(ctx context.Context, name string) error
	SetPresence(ctx context.Context, status, activityType, activityText string) error
}

// Directory is the roster view handlers need. *audience.Resolver
// satisfies it.
type Directory interface {
	Role(ctx context.Context, roleID string) (roster.Role, []string, error)
	FilterMarketing(ctx context.Context, recipients []string) ([]string, int, error)
}

// Sender fans a message out. *delivery.Fanout satisfies it.
type Sender interface {
	Send(ctx context.Context, recipients []string, msg delivery.Message, skipped int) delivery.Report
}

type QuickNotify struct {
	RoleID      string `json:"role_id"`
	Title       string `json:"title,omitempty"`
	Message     string `json:"message"`
	IncludeLogo bool   `json:"include_logo,omitempty"`
}

type QuickNotifyResult struct {
	Message     string                    `json:"message"`
	RoleName    string                    `json:"role_name"`
	Total       int                       `json:"total"`
	Delivered   int                       `json:"delivered"`
	Unreachable int                       `json:"unreachable"`
	Failed      int                       `json:"failed"`
	Skipped     int                       `json:"skipped"`
	Errors      []delivery.RecipientError `json:"errors,omitempty"`
}

type Reachability struct {
	RoleID string `json:"role_id"`
	Sample int    `json:"sample,omitempty"`
}

type Probe struct {
	RecipientID string `json:"recipient_id"`
	Reachable   bool   `json:"reachable"`
	Status      string `json:"status"`
}

type ReachabilityResult struct {
	RoleName     string  `json:"role_name"`
	TotalMembers int     `json:"total_members"`
	Results      []Probe `json:"results"`
}

type Avatar struct {
	AvatarData string `json:"avatar_data"`
}

type Presence struct {
	Username     string `json:"username,omitempty"`
	Status       string `json:"status,omitempty"`
	ActivityType string `json:"activity_type,omitempty"`
	ActivityText string `json:"activity_text,omitempty"`
}

type Done struct {
	Message string `json:"message"`
}

type Handlers struct {
	gw     Gateway
	dir    Directory
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu      sync.RWMutex
	logoURL string
	sample  int
}

func New(gw Gateway, dir Directory, sender Sender, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{gw: gw, dir: dir, sender: sender, log: log, now: time.Now, sample: DefaultSample}
}

// Configure applies hot-reloadable settings.
func (h *Handlers) Configure(logoURL string, sample int) {
	if sample <= 0 {
		sample = DefaultSample
	}
	h.mu.Lock()
	h.logoURL = strings.TrimSpace(logoURL)
	h.sample = sample
	h.mu.Unlock()
}

func (h *Handlers) settings() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.logoURL, h.sample
}

// Register installs every handler on d. Quick notify is not bounded by the
// op timeout: a started fan-out runs to the last recipient.
func (h *Handlers) Register(d *bridge.Dispatcher) {
	d.HandleUnbounded(bridge.KindQuickNotify, h.ready(h.QuickNotify))
	d.Handle(bridge.KindTestReachability, h.ready(h.TestReachability))
	d.Handle(bridge.KindSetAvatar, h.ready(h.SetAvatar))
	d.Handle(bridge.KindSetPresence, h.ready(h.SetPresence))
}

func (h *Handlers) ready(next bridge.Handler) bridge.Handler {
	return func(ctx context.Context, req bridge.Request) (any, error) {
		if h.gw == nil || !h.gw.Ready() {
			return nil, ErrNotReady
		}
		return next(ctx, req)
	}
}

func (h *Handlers) role(ctx context.Context, roleID string) (roster.Role, []string, error) {
	role, members, err := h.dir.Role(ctx, roleID)
	if errors.Is(err, audience.ErrUnknownRole) {
		return role, nil, ErrRoleNotFound
	}
	if err != nil {
		return role, nil, err
	}
	if len(members) == 0 {
		return role, nil, fmt.Errorf("No members found with the role '%s'", role.Name)
	}
	return role, members, nil
}

// QuickNotify sends a one-off message to every member of a role, skipping
// marketing suppressions. A title or logo turns it into an embed.
func (h *Handlers) QuickNotify(ctx context.Context, req bridge.Request) (any, error) {
	var p QuickNotify
	if err := decode(req.Kind, req.Payload, &p); err != nil {
		return nil, err
	}
	p.Title, p.Message = strings.TrimSpace(p.Title), strings.TrimSpace(p.Message)
	if p.Message == "" {
		return nil, errors.New("message is required")
	}
	role, members, err := h.role(ctx, p.RoleID)
	if err != nil {
		return nil, err
	}
	kept, skipped, err := h.dir.FilterMarketing(ctx, members)
	if err != nil {
		return nil, err
	}

	logoURL, _ := h.settings()
	msg := delivery.Message{Body: p.Message}
	if p.Title != "" || p.IncludeLogo {
		msg.Title = p.Title
		if msg.Title == "" {
			msg.Title = DefaultNotifyTitle
		}
		msg.Color = delivery.ColorBrand
		msg.Timestamp = h.now()
		if p.IncludeLogo && logoURL != "" {
			msg.ThumbnailURL = logoURL
		}
	}

	rep := h.sender.Send(ctx, kept, msg, skipped)
	h.log.Info("quick notify finished",
		logx.String("role", role.ID),
		logx.Int("delivered", rep.Delivered),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
	)
	return QuickNotifyResult{
		Message:     fmt.Sprintf("Quick notify completed for role '%s'", role.Name),
		RoleName:    role.Name,
		Total:       rep.Total,
		Delivered:   rep.Delivered,
		Unreachable: rep.Unreachable,
		Failed:      rep.Failed,
		Skipped:     rep.Skipped,
		Errors:      rep.Errors,
	}, nil
}

// TestReachability opens DM channels with the first few members of a role
// without sending anything.
func (h *Handlers) TestReachability(ctx context.Context, req bridge.Request) (any, error) {
	var p Reachability
	if err := decode(req.Kind, req.Payload, &p); err != nil {
		return nil, err
	}
	role, members, err := h.role(ctx, p.RoleID)
	if err != nil {
		return nil, err
	}
	_, sample := h.settings()
	if p.Sample > 0 {
		sample = p.Sample
	}
	if sample > len(members) {
		sample = len(members)
	}

	out := ReachabilityResult{RoleName: role.Name, TotalMembers: len(members), Results: make([]Probe, 0, sample)}
	for _, id := range members[:sample] {
		pr := Probe{RecipientID: id, Reachable: true, Status: "✅ DMs enabled"}
		if err := h.gw.ProbeDM(ctx, id); err != nil {
			pr.Reachable = false
			if h.gw.IsUnreachable(err) {
				pr.Status = "❌ DMs disabled"
			} else {
				pr.Status = "❌ Error: " + err.Error()
			}
		}
		out.Results = append(out.Results, pr)
	}
	return out, nil
}

// SetAvatar accepts a data URI or bare base64 image data.
func (h *Handlers) SetAvatar(ctx context.Context, req bridge.Request) (any, error) {
	var p Avatar
	if err := decode(req.Kind, req.Payload, &p); err != nil {
		return nil, err
	}
	uri, err := AvatarDataURI(p.AvatarData)
	if err != nil {
		return nil, err
	}
	if err := h.gw.SetAvatar(ctx, uri); err != nil {
		return nil, err
	}
	return Done{Message: "Bot avatar updated successfully!"}, nil
}

// AvatarDataURI normalises avatar input into a data URI. Bare base64 is
// sniffed for PNG, JPEG, GIF and WEBP signatures.
func AvatarDataURI(data string) (string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", errors.New("No avatar data provided")
	}
	if strings.HasPrefix(data, "data:") {
		if !strings.Contains(data, ";base64,") {
			return "", errors.New("avatar data URI must be base64 encoded")
		}
		return data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("avatar data is not base64: %w", err)
	}
	mime := sniffImage(raw)
	if mime == "" {
		return "", errors.New("Invalid file type. Please use PNG, JPG, JPEG, GIF, or WEBP.")
	}
	return "data:" + mime + ";base64," + data, nil
}

func sniffImage(b []byte) string {
	switch {
	case len(b) >= 8 && string(b[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return "image/jpeg"
	case len(b) >= 6 && (string(b[:6]) == "GIF87a" || string(b[:6]) == "GIF89a"):
		return "image/gif"
	case len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WEBP":
		return "image/webp"
	}
	return ""
}

// SetPresence renames the bot when the name differs and updates its status
// and activity. Missing fields default to online / watching.
func (h *Handlers) SetPresence(ctx context.Context, req bridge.Request) (any, error) {
	var p Presence
	if err := decode(req.Kind, req.Payload, &p); err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(p.Username); name != "" && name != h.gw.Username() {
		if err := h.gw.SetUsername(ctx, name); err != nil {
			return nil, fmt.Errorf("rename: %w", err)
		}
		h.log.Info("bot renamed", logx.String("username", name))
	}
	status := NormalizeStatus(p.Status)
	activity := p.ActivityType
	if activity == "" {
		activity = "watching"
	}
	if err := h.gw.SetPresence(ctx, status, activity, strings.TrimSpace(p.ActivityText)); err != nil {
		return nil, err
	}
	return Done{Message: "Bot customization applied successfully!"}, nil
}

// NormalizeStatus maps offline to invisible, since a connected session
// cannot report itself offline, and empty to online.
func NormalizeStatus(s string) string {
	switch s {
	case "", "online":
		return "online"
	case "offline":
		return "invisible"
	default:
		return s
	}
}
