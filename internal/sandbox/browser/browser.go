// Package browser implements sandbox.Sandbox on a headless Chromium page,
// driven over the DevTools protocol with go-rod.
//
// Pushes are evaluated with page.Eval, passing the call's path and arguments
// as JSON values rather than building source text. Content posts through a
// Runtime.addBinding channel, exposed to the page as
// webkit.messageHandlers[name].postMessage(body) so scenes written for an
// embedding web view run unchanged.
//
// All sends and handler calls run on one dispatch goroutine, which plays the
// role of the web view's UI thread. Its queue is bounded for per-frame pushes
// only: when it backs up, the oldest such push is dropped, while responses and
// incoming messages are always kept.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/joeycumines/spatial-bridge/internal/sandbox"
)

// bindingName is the CDP binding content posts through.
const bindingName = "__spatialBridgePost"

// shimJS runs before any page script. It only installs webkit.messageHandlers
// if the page does not already have one.
const shimJS = `(() => {
	const post = globalThis.` + bindingName + `;
	if (typeof post !== 'function') return;
	if (globalThis.webkit && globalThis.webkit.messageHandlers) return;
	const handlers = new Proxy({}, {
		get: (_, name) => ({
			postMessage: (body) => post(JSON.stringify({
				name: String(name),
				body: body === undefined ? null : body,
			})),
		}),
	});
	globalThis.webkit = { messageHandlers: handlers };
})();`

// invokeJS is evaluated with (path, args). It resolves path from the global
// object and applies the function to args with its owner as this.
const invokeJS = `(path, args) => {
	let self = globalThis;
	let fn = globalThis;
	for (const key of path) {
		if (fn === undefined || fn === null) return false;
		self = fn;
		fn = fn[key];
	}
	if (typeof fn !== 'function') return false;
	fn.apply(self, args);
	return true;
}`

// DefaultQueueSize bounds queued per-frame pushes.
const DefaultQueueSize = 256

// Options configures a Sandbox.
type Options struct {
	// RemoteURL is the DevTools websocket URL of a running browser. Empty
	// launches a local one.
	RemoteURL string
	// Headless applies when launching locally.
	Headless bool
	// Args are extra command-line switches for a locally launched browser,
	// e.g. "--window-size=1125,2436".
	Args []string
	// QueueSize bounds queued per-frame pushes; the oldest is dropped to
	// make room.
	QueueSize int
	Logger    *slog.Logger
}

// Sandbox is a sandbox.Sandbox backed by a browser page.
type Sandbox struct {
	logger  *slog.Logger
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher

	queue *jobQueue

	mu       sync.Mutex
	handlers map[string]sandbox.MessageHandler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// New connects to (or launches) a browser and prepares a blank page.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		logger:   opts.Logger,
		queue:    newJobQueue(opts.QueueSize),
		handlers: make(map[string]sandbox.MessageHandler),
		ctx:      lifecycle,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	controlURL := opts.RemoteURL
	if controlURL != "" && len(opts.Args) > 0 {
		s.logger.Warn("browser: launch args ignored for a remote browser", slog.Any("args", opts.Args))
	}
	if controlURL == "" {
		s.lnch = launcher.New().Headless(opts.Headless)
		for _, arg := range opts.Args {
			name, values, err := launchFlag(arg)
			if err != nil {
				cancel()
				return nil, err
			}
			s.lnch.Set(name, values...)
		}
		u, err := s.lnch.Context(ctx).Launch()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		s.abort()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	s.browser = b

	page, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	s.page = page

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		s.abort()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(shimJS); err != nil {
		s.abort()
		return nil, fmt.Errorf("browser: install shim: %w", err)
	}

	go s.dispatch()
	go s.listen()

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = s.Close() })
	}
	return s, nil
}

func (s *Sandbox) abort() {
	s.cancel()
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.lnch != nil {
		s.lnch.Kill()
	}
}

// dispatch is the sandbox's single execution context.
func (s *Sandbox) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.ready:
		}
		for s.ctx.Err() == nil {
			j, ok := s.queue.pop()
			if !ok {
				break
			}
			j.run()
		}
	}
}

// listen forwards binding calls onto the dispatch goroutine.
func (s *Sandbox) listen() {
	s.page.Context(s.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		s.receive(e.Payload)
	})()
}

// receive queues a binding payload for delivery to its handler.
func (s *Sandbox) receive(payload string) {
	env, err := parseBinding(payload)
	if err != nil {
		s.logger.Debug("browser: dropping malformed post", slog.Any("error", err))
		return
	}
	s.enqueue(job{name: env.Name, run: func() { s.deliver(env) }})
}

func (s *Sandbox) deliver(env protocol.Envelope) {
	s.mu.Lock()
	h := s.handlers[env.Name]
	s.mu.Unlock()
	if h == nil {
		s.logger.Debug("browser: no handler", slog.String("name", env.Name))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("browser: message handler panicked", slog.String("name", env.Name), slog.Any("panic", r))
		}
	}()
	h(env)
}

func (s *Sandbox) enqueue(j job) {
	if s.ctx.Err() != nil {
		return
	}
	if dropped, ok := s.queue.push(j); ok {
		s.logger.Warn("browser: dispatch queue full, dropping push", slog.String("function", dropped.name))
	}
}

// Invoke implements sandbox.Sandbox.
func (s *Sandbox) Invoke(call protocol.Call) error {
	if s.isClosed() {
		return sandbox.ErrClosed
	}
	args := call.Args
	if args == nil {
		args = []any{}
	}
	s.enqueue(job{
		name:      call.Function,
		droppable: call.PerFrame(),
		run: func() {
			res, err := s.page.Context(s.ctx).Eval(invokeJS, call.Path(), args)
			if err != nil {
				s.logger.Debug("browser: push failed", slog.String("function", call.Function), slog.Any("error", err))
				return
			}
			if !res.Value.Bool() {
				s.logger.Debug("browser: push not delivered", slog.String("function", call.Function))
			}
		},
	})
	return nil
}

// Handle implements sandbox.Sandbox.
func (s *Sandbox) Handle(name string, h sandbox.MessageHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("browser: invalid handler registration %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("browser: handler %q already registered", name)
	}
	s.handlers[name] = h
	return nil
}

// LoadContent implements sandbox.Sandbox.
func (s *Sandbox) LoadContent(ctx context.Context, url string) error {
	if s.isClosed() {
		return sandbox.ErrClosed
	}
	page := s.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		s.logger.Warn("browser: wait load", slog.String("url", url), slog.Any("error", err))
	}
	s.logger.Info("browser: content loaded", slog.String("url", url))
	return nil
}

// Close implements sandbox.Sandbox.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	var errs []error
	if s.page != nil {
		errs = append(errs, s.page.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.lnch != nil {
		s.lnch.Kill()
	}
	return errors.Join(errs...)
}

func (s *Sandbox) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// launchFlag splits "--name=value" (or "--name") into a launcher switch.
func launchFlag(arg string) (flags.Flag, []string, error) {
	name, ok := strings.CutPrefix(arg, "--")
	if !ok || name == "" || strings.HasPrefix(name, "=") {
		return "", nil, fmt.Errorf("browser: launch arg %q: want --name or --name=value", arg)
	}
	if name, value, ok := strings.Cut(name, "="); ok {
		return flags.Flag(name), []string{value}, nil
	}
	return flags.Flag(name), nil, nil
}

// parseBinding decodes the shim's {name, body} payload.
func parseBinding(payload string) (protocol.Envelope, error) {
	var msg struct {
		Name *string         `json:"name"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return protocol.Envelope{}, fmt.Errorf("browser: binding payload: %w", err)
	}
	if msg.Name == nil || *msg.Name == "" {
		return protocol.Envelope{}, errors.New("browser: binding payload: missing name")
	}
	if len(msg.Body) == 0 {
		msg.Body = json.RawMessage("null")
	}
	return protocol.Envelope{Name: *msg.Name, Body: msg.Body}, nil
}
