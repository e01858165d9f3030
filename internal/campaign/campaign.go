// Package campaign fires recurring and one-shot broadcasts.
//
// On every tick the scheduler loads active jobs, decides which are due and
// runs each due job on its own goroutine: resolve the audience, drop
// marketing suppressions, fan out, then record the completion time. A job
// that is still running is skipped by later ticks.
package campaign

import (
	"context"
	"time"

	"castbot/internal/delivery"
	"castbot/internal/storage"
)

const (
	Title      = "📢 Marketing Update"
	ClaimLabel = "Claim Now"
	ClaimEmoji = "🎁"
)

// Due reports whether job should fire at now. A one-shot job is due once,
// before it has ever fired. A repeating job is due when IntervalMinutes have
// passed since its own last fire.
func Due(job storage.CampaignJob, now time.Time) bool {
	if !job.Active || job.IntervalMinutes < 0 {
		return false
	}
	if job.LastFiredAt == nil {
		return true
	}
	if job.OneShot() {
		return false
	}
	return now.Sub(*job.LastFiredAt) >= time.Duration(job.IntervalMinutes)*time.Minute
}

// Render builds the message sent for job.
func Render(job storage.CampaignJob, guildID, logoURL string, now time.Time) delivery.Message {
	msg := delivery.Message{
		Title:     Title,
		Body:      job.Message,
		Color:     delivery.ColorBrand,
		Timestamp: now,
	}
	if job.IncludeLogo && logoURL != "" {
		msg.ThumbnailURL = logoURL
	}
	if job.ClaimRoleID != "" {
		msg.Claim = &delivery.ClaimAffordance{
			Label:      ClaimLabel,
			Style:      delivery.StylePrimary,
			Emoji:      ClaimEmoji,
			Descriptor: delivery.ClaimDescriptor{GuildID: guildID, RoleID: job.ClaimRoleID},
		}
	}
	return msg
}

// Audience resolves role ids into deliverable recipients.
type Audience interface {
	Marketing(ctx context.Context, roleIDs []string) (kept []string, skipped int, err error)
}

// Sender fans a message out.
type Sender interface {
	Send(ctx context.Context, recipients []string, msg delivery.Message, skipped int) delivery.Report
}

// FireEvent is published after a job fired.
type FireEvent struct {
	JobID   string          `json:"job_id"`
	Name    string          `json:"name,omitempty"`
	OneShot bool            `json:"one_shot"`
	Report  delivery.Report `json:"report"`
	Started time.Time       `json:"started"`
	Done    time.Time       `json:"done"`
}

// SkipEvent is published when a due job was not fired.
type SkipEvent struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}
