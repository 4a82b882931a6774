package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/joeycumines/spatial-bridge/internal/sandbox"
)

// Sandbox wraps a sandbox.Sandbox and records its traffic. Recording never
// affects delivery: write failures are logged once and otherwise ignored.
type Sandbox struct {
	inner  sandbox.Sandbox
	w      *Writer
	logger *slog.Logger

	warnOnce sync.Once
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// Wrap records inner's traffic to w. Closing the returned Sandbox closes
// both.
func Wrap(inner sandbox.Sandbox, w *Writer, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{inner: inner, w: w, logger: logger}
}

// Invoke records call once the inner sandbox has accepted it.
func (s *Sandbox) Invoke(call protocol.Call) error {
	if err := s.inner.Invoke(call); err != nil {
		return err
	}
	s.record(s.w.WriteCall(call))
	return nil
}

// Handle records each message before h sees it.
func (s *Sandbox) Handle(name string, h sandbox.MessageHandler) error {
	if h == nil {
		return s.inner.Handle(name, nil)
	}
	return s.inner.Handle(name, func(env protocol.Envelope) {
		s.record(s.w.WriteMessage(env))
		h(env)
	})
}

func (s *Sandbox) LoadContent(ctx context.Context, url string) error {
	return s.inner.LoadContent(ctx, url)
}

func (s *Sandbox) Close() error {
	return errors.Join(s.inner.Close(), s.w.Close())
}

func (s *Sandbox) record(err error) {
	if err == nil {
		return
	}
	s.warnOnce.Do(func() {
		s.logger.Warn("recorder: write failed, traffic is no longer recorded", slog.Any("error", err))
	})
}
