// Package transport holds the chat-neutral types the ops console is built
// on. The Telegram adapter produces Updates and sends replies through them.
package transport

import "context"

// Update is one inbound console command.
type Update struct {
	Message *Message
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 outside topics
	FromID   int64
	Text     string
}

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a sent message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Replier sends text to a chat.
type Replier interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the chat's command menu.
type BotCommand struct {
	Command     string
	Description string
}
