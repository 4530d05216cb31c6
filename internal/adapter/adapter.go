// Package adapter declares the boundary interfaces the core depends on but
// never implements: config table sourcing, render hooks for player-facing
// output, and structured event emission. Concrete transports (HTTP, a bot
// frontend, a message queue) live outside this module and satisfy these
// interfaces; the core only ever calls through them.
package adapter

import (
	"context"

	"farmengine/internal/config"
)

// ConfigSource supplies table bytes on startup and pushes the same shape on
// every detected change, so ConfigRegistry never has to open a file itself.
type ConfigSource interface {
	Load(ctx context.Context) (config.Tables, error)
	// Watch invokes onChange with updated Tables and the list of table names
	// that changed, whenever the source detects an on-disk or remote update.
	// Implementations run until ctx is cancelled.
	Watch(ctx context.Context, onChange func(config.Tables, []string)) error
}

// RenderEvent is a unit of player-facing output CropLifecycle and its peers
// hand to whatever frontend is attached — a rendered message, an inline
// keyboard, a plain status line. The core never formats text itself.
type RenderEvent struct {
	PlayerID string
	Kind     string // "harvest", "levelup", "market", "ranking", ...
	Payload  map[string]any
}

// RenderHook receives render-worthy outcomes for delivery to a player.
type RenderHook interface {
	Render(ctx context.Context, event RenderEvent) error
}

// Event is one structured occurrence emitted for observability or
// downstream processing (analytics, audit log, achievement tracking).
type Event struct {
	Name      string
	PlayerID  string
	Fields    map[string]any
	Timestamp int64
}

// EventSink receives every Event the core emits. Implementations decide
// whether to log, queue, or drop them; emission never blocks or fails a
// core operation — callers invoke it best-effort and ignore the error.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NoopEventSink discards every event; used where no adapter is wired yet.
type NoopEventSink struct{}

func (NoopEventSink) Emit(ctx context.Context, ev Event) error { return nil }

// NoopRenderHook drops every render request.
type NoopRenderHook struct{}

func (NoopRenderHook) Render(ctx context.Context, event RenderEvent) error { return nil }
