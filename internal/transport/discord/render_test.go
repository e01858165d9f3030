package discord

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"castbot/internal/delivery"

	"github.com/bwmarrin/discordgo"
)

func TestMessageSendPlain(t *testing.T) {
	out := messageSend(delivery.Message{Body: "hello"})
	if out.Content != "hello" || len(out.Embeds) != 0 || len(out.Components) != 0 {
		t.Fatalf("plain = %+v", out)
	}
}

func TestMessageSendEmbedWithClaim(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	out := messageSend(delivery.Message{
		Title:        "📢 Marketing Update",
		Body:         "sale",
		Color:        delivery.ColorBrand,
		Timestamp:    ts,
		ThumbnailURL: "https://logo",
		Fields:       []delivery.Field{{Name: "a", Value: "b"}},
		Footer:       "bye",
		Claim: &delivery.ClaimAffordance{
			Label:      "Claim Now",
			Style:      delivery.StylePrimary,
			Emoji:      "🎁",
			Descriptor: delivery.ClaimDescriptor{GuildID: "g", RoleID: "r"},
		},
	})
	if out.Content != "" || len(out.Embeds) != 1 {
		t.Fatalf("out = %+v", out)
	}
	e := out.Embeds[0]
	if e.Title != "📢 Marketing Update" || e.Color != delivery.ColorBrand || e.Timestamp != "2026-03-01T10:00:00Z" ||
		e.Thumbnail == nil || e.Thumbnail.URL != "https://logo" || len(e.Fields) != 1 || e.Footer == nil {
		t.Fatalf("embed = %+v", e)
	}
	row, ok := out.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 1 {
		t.Fatalf("components = %+v", out.Components)
	}
	btn := row.Components[0].(discordgo.Button)
	if btn.CustomID != "claim|g|r" || btn.Style != discordgo.PrimaryButton || btn.Emoji.Name != "🎁" {
		t.Fatalf("button = %+v", btn)
	}
}

func TestUnreachable(t *testing.T) {
	closed := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeCannotSendMessagesToThisUser},
	}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	server := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusInternalServerError}}

	cases := []struct {
		err  error
		want bool
	}{
		{closed, true},
		{fmt.Errorf("wrapped: %w", forbidden), true},
		{server, false},
		{errors.New("dial tcp: timeout"), false},
	}
	for i, tc := range cases {
		if got := unreachable(tc.err); got != tc.want {
			t.Fatalf("case %d: unreachable = %v", i, got)
		}
	}
}

func TestActivityType(t *testing.T) {
	if activityType("Playing") != discordgo.ActivityTypeGame || activityType("") != discordgo.ActivityTypeWatching {
		t.Fatal("activity mapping")
	}
}
