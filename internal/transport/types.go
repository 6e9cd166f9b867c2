package transport

import "context"

// ChatTarget addresses a chat (and optional forum thread) on a messaging platform.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers plain-text messages to an operator chat.
// The logging alert sink depends on this, not on a concrete platform.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string) error
}
