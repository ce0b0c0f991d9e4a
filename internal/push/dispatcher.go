// Package push provides the multicast push dispatcher capability: deliver a
// payload to a set of device tokens, counting per-token failures without ever
// failing the multicast as a whole.
package push

import (
	"context"
	"log/slog"
)

// Message is a notification payload. Data travels opaque to the client app.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result counts per-token outcomes of one multicast.
type Result struct {
	Success int
	Failure int
}

// Dispatcher sends one message to many tokens. Implementations never return
// an error for partial failure; delivery is fire-and-forget.
type Dispatcher interface {
	Multicast(ctx context.Context, tokens []string, msg *Message) Result
}

// LogDispatcher is the fallback used when push delivery is not configured.
// It logs what would have been sent and counts every token as delivered.
type LogDispatcher struct{}

func (LogDispatcher) Multicast(ctx context.Context, tokens []string, msg *Message) Result {
	slog.InfoContext(ctx, "push dispatch skipped (not configured)",
		"tokens", len(tokens), "title", msg.Title)
	return Result{Success: len(tokens)}
}
