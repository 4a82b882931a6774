// Package sandbox hosts the content side of the bridge.
//
// A Sandbox is a single-threaded script context: pushes from the host are
// queued onto it, and messages posted by its content arrive on it. The
// [Script] implementation runs content in an embedded goja VM on an event
// loop. Package browser provides one backed by a real Chromium page.
package sandbox

import (
	"context"
	"errors"

	"github.com/joeycumines/spatial-bridge/internal/protocol"
)

// ErrClosed is returned once a sandbox has been torn down.
var ErrClosed = errors.New("sandbox: closed")

// MessageHandler receives a message posted by sandbox content. It runs on the
// sandbox's own context and must not block.
type MessageHandler func(env protocol.Envelope)

// Sandbox is the host's view of the content renderer.
type Sandbox interface {
	// Invoke queues call onto the sandbox context and returns immediately.
	// It returns ErrClosed (and does nothing) after Close.
	Invoke(call protocol.Call) error
	// Handle registers h for messages posted to name. Each name may be
	// registered once.
	Handle(name string, h MessageHandler) error
	// LoadContent starts loading the content at url.
	LoadContent(ctx context.Context, url string) error
	// Close tears the sandbox down. It is safe to call more than once.
	Close() error
}
