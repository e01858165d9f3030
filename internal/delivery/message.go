// Package delivery sends direct messages to recipients and fans a message
// out over an audience.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status int

const (
	Delivered Status = iota
	Unreachable
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Unreachable:
		return "unreachable"
	default:
		return "error"
	}
}

// Outcome is the per-recipient result of Channel.Send.
type Outcome struct {
	Status Status
	Err    error
}

func OK() Outcome                   { return Outcome{Status: Delivered} }
func NotReachable(err error) Outcome { return Outcome{Status: Unreachable, Err: err} }
func Error(err error) Outcome       { return Outcome{Status: Failed, Err: err} }

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Embed colours.
const (
	ColorBrand   = 0x8b5cf6
	ColorSuccess = 0x10b981
)

// Button styles understood by transports.
const (
	StylePrimary   = "primary"
	StyleSecondary = "secondary"
	StyleSuccess   = "success"
	StyleDanger    = "danger"
)

// ClaimAffordance is an interactive button that grants a role when clicked.
type ClaimAffordance struct {
	Label      string
	Style      string
	Emoji      string
	Descriptor ClaimDescriptor
}

// Message is transport-neutral. A message with no Title, ThumbnailURL or
// Fields is sent as plain text; anything else is rendered as an embed.
type Message struct {
	Title        string
	Body         string
	ThumbnailURL string
	Timestamp    time.Time
	Color        int
	Fields       []Field
	Footer       string
	Claim        *ClaimAffordance
}

func (m Message) IsPlain() bool {
	return m.Title == "" && m.ThumbnailURL == "" && len(m.Fields) == 0 && m.Footer == ""
}

// Channel sends one message to one recipient. Implementations classify
// failures: Unreachable for recipients that cannot be messaged (DMs closed,
// unknown user), Failed for everything else.
type Channel interface {
	Send(ctx context.Context, recipientID string, msg Message) Outcome
}

// ClaimDescriptor identifies the role a claim button grants. It travels in
// the button's custom id and is decoded when the button is clicked.
type ClaimDescriptor struct {
	GuildID string
	RoleID  string
}

const claimPrefix = "claim"

var ErrNotClaim = errors.New("not a claim descriptor")

// Encode returns the custom id form "claim|<guild>|<role>".
func (d ClaimDescriptor) Encode() string {
	return claimPrefix + "|" + d.GuildID + "|" + d.RoleID
}

func ParseClaimDescriptor(customID string) (ClaimDescriptor, error) {
	parts := strings.Split(customID, "|")
	if len(parts) != 3 || parts[0] != claimPrefix {
		return ClaimDescriptor{}, ErrNotClaim
	}
	if parts[2] == "" {
		return ClaimDescriptor{}, fmt.Errorf("claim descriptor %q: missing role", customID)
	}
	return ClaimDescriptor{GuildID: parts[1], RoleID: parts[2]}, nil
}
