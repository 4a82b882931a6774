package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
)

// ModuleName is the native module sandbox content can require for the
// protocol's names.
const ModuleName = "spatial:bridge"

// MaxContentSize caps a loaded script.
const MaxContentSize = 8 << 20

// Script is a Sandbox that runs content in an embedded goja VM.
//
// Content posts to the host with the same API an embedding web view offers:
//
//	webkit.messageHandlers.arkit_hit_test.postMessage({requestId: "r1", screenX: "0.5", screenY: "0.5"})
//
// and receives pushes as calls on the ARKitBridge global it defines.
type Script struct {
	rt      *Runtime
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]MessageHandler
}

var _ Sandbox = (*Script)(nil)

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithLogger sets the logger used for sandbox diagnostics and console output.
func WithLogger(logger *slog.Logger) ScriptOption {
	return func(s *Script) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHTTPClient sets the client LoadContent uses for http(s) URLs.
func WithHTTPClient(c *http.Client) ScriptOption {
	return func(s *Script) {
		if c != nil {
			s.client = c
		}
	}
}

// WithScriptTimeout bounds how long loading content may hold the loop.
// Zero waits forever.
func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(s *Script) {
		s.timeout = d
	}
}

// NewScript starts a goja sandbox. Cancelling ctx closes it.
func NewScript(ctx context.Context, opts ...ScriptOption) (*Script, error) {
	s := &Script{
		logger:   slog.Default(),
		client:   &http.Client{Timeout: 30 * time.Second},
		timeout:  DefaultSyncTimeout,
		handlers: make(map[string]MessageHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	rt, err := NewRuntime(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	rt.SetTimeout(s.timeout)
	rt.Registry().RegisterNativeModule(ModuleName, requireModule)

	if err := rt.RunOnLoopSync(s.installGlobals); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("sandbox: install globals: %w", err)
	}
	return s, nil
}

// Runtime exposes the underlying runtime, mainly for tests and embedding.
func (s *Script) Runtime() *Runtime {
	return s.rt
}

// installGlobals sets up window, console and webkit.messageHandlers.
func (s *Script) installGlobals(vm *goja.Runtime) error {
	global := vm.GlobalObject()
	if err := vm.Set("window", global); err != nil {
		return err
	}

	console := vm.NewObject()
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			s.logger.Log(context.Background(), level, strings.Join(parts, " "), slog.String("source", "sandbox"))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	webkit := vm.NewObject()
	if err := webkit.Set("messageHandlers", vm.NewObject()); err != nil {
		return err
	}
	return vm.Set("webkit", webkit)
}

// Handle implements Sandbox. The handler object becomes visible to content
// as webkit.messageHandlers[name].
func (s *Script) Handle(name string, h MessageHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("sandbox: invalid handler registration %q", name)
	}
	s.mu.Lock()
	if _, ok := s.handlers[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("sandbox: handler %q already registered", name)
	}
	s.handlers[name] = h
	s.mu.Unlock()

	install := func(vm *goja.Runtime) error {
		handlers := vm.Get("webkit").ToObject(vm).Get("messageHandlers").ToObject(vm)
		obj := vm.NewObject()
		if err := obj.Set("postMessage", func(call goja.FunctionCall) goja.Value {
			s.post(name, call.Argument(0))
			return goja.Undefined()
		}); err != nil {
			return err
		}
		return handlers.Set(name, obj)
	}
	return s.rt.RunOnLoopSync(install)
}

// post runs on the loop: it turns the posted value into an envelope and
// hands it to the registered handler.
func (s *Script) post(name string, body goja.Value) {
	s.mu.Lock()
	h := s.handlers[name]
	s.mu.Unlock()
	if h == nil {
		return
	}

	var exported any
	if body != nil && !goja.IsUndefined(body) {
		exported = body.Export()
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		s.logger.Debug("sandbox: dropping unserializable message", slog.String("name", name), slog.Any("error", err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sandbox: message handler panicked", slog.String("name", name), slog.Any("panic", r))
		}
	}()
	h(protocol.Envelope{Name: name, Body: raw})
}

// Invoke implements Sandbox. The call's arguments are converted to JS values
// directly; nothing is evaluated as source text.
func (s *Script) Invoke(call protocol.Call) error {
	if !s.rt.RunOnLoop(func(vm *goja.Runtime) {
		if err := invoke(vm, call); err != nil {
			s.logger.Debug("sandbox: push not delivered", slog.String("function", call.Function), slog.Any("error", err))
		}
	}) {
		return ErrClosed
	}
	return nil
}

func invoke(vm *goja.Runtime, call protocol.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var this goja.Value = vm.GlobalObject()
	var target goja.Value = this
	for _, key := range call.Path() {
		if target == nil || goja.IsUndefined(target) || goja.IsNull(target) {
			return fmt.Errorf("%s is not defined", call.Function)
		}
		this = target
		target = target.ToObject(vm).Get(key)
	}
	fn, ok := goja.AssertFunction(target)
	if !ok {
		return fmt.Errorf("%s is not a function", call.Function)
	}

	args := make([]goja.Value, len(call.Args))
	for i, a := range call.Args {
		args[i] = vm.ToValue(a)
	}
	_, err = fn(this, args...)
	return err
}

// LoadScript runs code in the sandbox and waits for it to finish.
func (s *Script) LoadScript(name, code string) error {
	return s.rt.RunScript(name, code)
}

// LoadContent implements Sandbox. http and https URLs are fetched, file URLs
// and bare paths are read from disk; the result is run as a script.
func (s *Script) LoadContent(ctx context.Context, rawURL string) error {
	code, err := s.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	s.logger.Info("sandbox: content loaded", slog.String("url", rawURL), slog.Int("bytes", len(code)))
	return s.LoadScript(rawURL, code)
}

func (s *Script) fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sandbox: parse url: %w", err)
	}

	var r io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", fmt.Errorf("sandbox: new request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("sandbox: fetch %s: %w", rawURL, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return "", fmt.Errorf("sandbox: fetch %s: %s", rawURL, resp.Status)
		}
		r = resp.Body
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = rawURL
		}
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("sandbox: open content: %w", err)
		}
		r = f
	default:
		return "", fmt.Errorf("sandbox: unsupported content scheme %q", u.Scheme)
	}
	defer r.Close()

	b, err := io.ReadAll(io.LimitReader(r, MaxContentSize+1))
	if err != nil {
		return "", fmt.Errorf("sandbox: read content: %w", err)
	}
	if len(b) > MaxContentSize {
		return "", fmt.Errorf("sandbox: content exceeds %d bytes", MaxContentSize)
	}
	return string(b), nil
}

// Close implements Sandbox.
func (s *Script) Close() error {
	return s.rt.Close()
}

// requireModule backs require("spatial:bridge").
func requireModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	messages := vm.NewObject()
	_ = messages.Set("hitTest", protocol.HitTestMessage)
	_ = messages.Set("registerAnchor", protocol.RegisterAnchorMessage)
	_ = exports.Set("messages", messages)
	_ = exports.Set("bridgeObject", protocol.BridgeObject)
	_ = exports.Set("functions", []string{
		protocol.FuncViewProjectionUpdate,
		protocol.FuncLightingEstimateUpdate,
		protocol.FuncAnchorTransformUpdate,
		protocol.FuncImageAnchorResponse,
		protocol.FuncHitTestResponse,
		protocol.FuncRegisterAnchorResponse,
		protocol.FuncAnchorRemoved,
	})
}
