package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

// DefaultSyncTimeout bounds RunOnLoopSync.
const DefaultSyncTimeout = 5 * time.Second

// Runtime owns a goja VM and the event loop that serializes every access to
// it. goja.Runtime is not goroutine-safe: all use goes through RunOnLoop or
// RunOnLoopSync, and the *goja.Runtime handed to the callback must not escape
// it.
type Runtime struct {
	loop     *eventloop.EventLoop
	registry *require.Registry
	timeout  time.Duration

	// loopGoroutine is the event loop goroutine's ID, captured once at start.
	loopGoroutine atomic.Int64

	mu      sync.RWMutex
	stopped bool

	// ctx is independent of the parent so that Done() closing always implies
	// IsRunning() == false.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime starts an event loop. registry may be nil. Cancelling ctx closes
// the runtime.
func NewRuntime(ctx context.Context, registry *require.Registry) (*Runtime, error) {
	if registry == nil {
		registry = require.NewRegistry()
	}

	loop := eventloop.NewEventLoop(eventloop.WithRegistry(registry))
	lifecycle, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		loop:     loop,
		registry: registry,
		timeout:  DefaultSyncTimeout,
		ctx:      lifecycle,
		cancel:   cancel,
	}

	loop.Start()

	ready := make(chan struct{})
	if !loop.RunOnLoop(func(*goja.Runtime) {
		rt.loopGoroutine.Store(goroutineID())
		close(ready)
	}) {
		cancel()
		loop.Stop()
		return nil, errors.New("sandbox: event loop not running")
	}
	<-ready

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = rt.Close() })
	}
	return rt, nil
}

// Registry returns the require registry native modules are registered with.
func (rt *Runtime) Registry() *require.Registry {
	return rt.registry
}

// SetTimeout changes the RunOnLoopSync bound. Zero waits forever.
func (rt *Runtime) SetTimeout(d time.Duration) {
	rt.mu.Lock()
	rt.timeout = d
	rt.mu.Unlock()
}

// Close stops the loop. Jobs already queued may still run; new ones are
// refused. Safe to call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.cancel()
	rt.mu.Unlock()

	rt.loop.Stop()
	return nil
}

// Done is closed once the runtime stops.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// IsRunning reports whether the runtime still accepts work.
func (rt *Runtime) IsRunning() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return !rt.stopped
}

// OnLoop reports whether the caller is running on the event loop goroutine.
func (rt *Runtime) OnLoop() bool {
	id := rt.loopGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// RunOnLoop queues fn and returns immediately. It returns false if the
// runtime is stopped.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	if !rt.IsRunning() {
		return false
	}
	return rt.loop.RunOnLoop(fn)
}

// RunOnLoopSync queues fn and waits for it. It must not be called from the
// loop goroutine.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	if rt.OnLoop() {
		return errors.New("sandbox: RunOnLoopSync called from the event loop")
	}

	rt.mu.RLock()
	stopped, timeout := rt.stopped, rt.timeout
	rt.mu.RUnlock()
	if stopped {
		return ErrClosed
	}

	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		return ErrClosed
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return ErrClosed
	case <-expired:
		return fmt.Errorf("sandbox: loop job timed out after %v", timeout)
	}
}

// RunScript compiles and runs code on the loop.
func (rt *Runtime) RunScript(name, code string) error {
	prg, err := goja.Compile(name, code, false)
	if err != nil {
		return fmt.Errorf("sandbox: compile %s: %w", name, err)
	}
	return rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		if _, err := vm.RunProgram(prg); err != nil {
			return fmt.Errorf("sandbox: run %s: %w", name, err)
		}
		return nil
	})
}
