package discord

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"castbot/internal/delivery"

	"github.com/bwmarrin/discordgo"
)

// messageSend renders msg. Plain messages become content; everything else
// becomes one embed. A claim affordance adds a single button row.
func messageSend(msg delivery.Message) *discordgo.MessageSend {
	out := &discordgo.MessageSend{}
	if msg.IsPlain() {
		out.Content = msg.Body
	} else {
		e := &discordgo.MessageEmbed{
			Title:       msg.Title,
			Description: msg.Body,
			Color:       msg.Color,
		}
		if !msg.Timestamp.IsZero() {
			e.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
		}
		if msg.ThumbnailURL != "" {
			e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: msg.ThumbnailURL}
		}
		for _, f := range msg.Fields {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		if msg.Footer != "" {
			e.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
		}
		out.Embeds = []*discordgo.MessageEmbed{e}
	}
	if c := msg.Claim; c != nil {
		btn := discordgo.Button{
			Label:    c.Label,
			Style:    buttonStyle(c.Style),
			CustomID: c.Descriptor.Encode(),
		}
		if c.Emoji != "" {
			btn.Emoji = discordgo.ComponentEmoji{Name: c.Emoji}
		}
		out.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{btn}},
		}
	}
	return out
}

func buttonStyle(s string) discordgo.ButtonStyle {
	switch s {
	case delivery.StyleSecondary:
		return discordgo.SecondaryButton
	case delivery.StyleSuccess:
		return discordgo.SuccessButton
	case delivery.StyleDanger:
		return discordgo.DangerButton
	default:
		return discordgo.PrimaryButton
	}
}

// unreachable reports whether err means the user cannot receive DMs from
// the bot: closed DMs, no shared server, or an unknown user.
func unreachable(err error) bool {
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return false
	}
	if re.Message != nil {
		switch re.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesToThisUser, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusForbidden
}

func activityType(s string) discordgo.ActivityType {
	switch strings.ToLower(s) {
	case "playing":
		return discordgo.ActivityTypeGame
	case "streaming":
		return discordgo.ActivityTypeStreaming
	case "listening":
		return discordgo.ActivityTypeListening
	case "competing":
		return discordgo.ActivityTypeCompeting
	default:
		return discordgo.ActivityTypeWatching
	}
}
