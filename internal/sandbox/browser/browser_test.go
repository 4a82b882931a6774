package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/joeycumines/spatial-bridge/internal/matrix"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/joeycumines/spatial-bridge/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPage stands in for a browser page: a VM with the binding function and
// the shim installed, in that order.
func newPage(t *testing.T) (*goja.Runtime, *[]string) {
	t.Helper()
	vm := goja.New()
	var posted []string
	require.NoError(t, vm.Set(bindingName, func(payload string) { posted = append(posted, payload) }))
	_, err := vm.RunString(shimJS)
	require.NoError(t, err)
	return vm, &posted
}

func TestShim_PostMessageUsesBinding(t *testing.T) {
	t.Parallel()

	vm, posted := newPage(t)
	_, err := vm.RunString(`
		webkit.messageHandlers.arkit_hit_test.postMessage({requestId: "r1", screenX: 0.5, screenY: "0.25"});
		webkit.messageHandlers.arkit_register_anchor.postMessage();
	`)
	require.NoError(t, err)
	require.Len(t, *posted, 2)

	env, err := parseBinding((*posted)[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.HitTestMessage, env.Name)
	assert.JSONEq(t, `{"requestId":"r1","screenX":0.5,"screenY":"0.25"}`, string(env.Body))

	req, err := protocol.DecodeRequest(env)
	require.NoError(t, err)
	assert.Equal(t, "r1", req.RequestID())

	env, err = parseBinding((*posted)[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.RegisterAnchorMessage, env.Name)
	assert.JSONEq(t, `null`, string(env.Body))
}

func TestShim_KeepsExistingMessageHandlers(t *testing.T) {
	t.Parallel()

	vm := goja.New()
	require.NoError(t, vm.Set(bindingName, func(string) {}))
	_, err := vm.RunString(`var webkit = { messageHandlers: { marker: true } };`)
	require.NoError(t, err)
	_, err = vm.RunString(shimJS)
	require.NoError(t, err)

	v, err := vm.RunString(`webkit.messageHandlers.marker === true`)
	require.NoError(t, err)
	assert.True(t, v.ToBoolean())
}

func TestShim_WithoutBindingIsInert(t *testing.T) {
	t.Parallel()

	vm := goja.New()
	_, err := vm.RunString(shimJS)
	require.NoError(t, err)
	v, err := vm.RunString(`typeof webkit`)
	require.NoError(t, err)
	assert.Equal(t, "undefined", v.String())
}

func TestInvokeJS(t *testing.T) {
	t.Parallel()

	vm := goja.New()
	_, err := vm.RunString(`
		var got = null;
		var ARKitBridge = {
			hitTestResponse: function (id, m) { got = {id: id, m: m, self: this === ARKitBridge}; },
		};
	`)
	require.NoError(t, err)
	fnValue, err := vm.RunString(invokeJS)
	require.NoError(t, err)
	fn, ok := goja.AssertFunction(fnValue)
	require.True(t, ok)

	// rod passes arguments as JSON values, so round-trip them the same way
	call := func(c protocol.Call) bool {
		t.Helper()
		raw, err := json.Marshal([]any{c.Path(), c.Args})
		require.NoError(t, err)
		var decoded []any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		res, err := fn(goja.Undefined(), vm.ToValue(decoded[0]), vm.ToValue(decoded[1]))
		require.NoError(t, err)
		return res.ToBoolean()
	}

	hit := matrix.Translation(0, 0, -1)
	assert.True(t, call(protocol.HitTestResponse("r1", &hit)))
	got, err := vm.RunString(`JSON.stringify(got)`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","m":`+jsonString(t, matrix.Encode(hit))+`,"self":true}`, got.String())

	assert.False(t, call(protocol.AnchorRemoved("a")), "undefined function")
	assert.False(t, call(protocol.Call{Function: "Missing.fn"}), "undefined object")
}

func TestParseBinding(t *testing.T) {
	t.Parallel()

	env, err := parseBinding(`{"name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "x", env.Name)
	assert.JSONEq(t, `null`, string(env.Body))

	for _, payload := range []string{``, `[]`, `{"body":{}}`, `{"name":""}`, `{"name":1}`} {
		_, err := parseBinding(payload)
		assert.Error(t, err, payload)
	}
}

func jsonString(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestLaunchFlag(t *testing.T) {
	t.Parallel()

	name, values, err := launchFlag("--window-size=1125,2436")
	require.NoError(t, err)
	assert.Equal(t, flags.Flag("window-size"), name)
	assert.Equal(t, []string{"1125,2436"}, values)

	name, values, err = launchFlag("--disable-gpu")
	require.NoError(t, err)
	assert.Equal(t, flags.Flag("disable-gpu"), name)
	assert.Empty(t, values)

	name, values, err = launchFlag("--lang=")
	require.NoError(t, err)
	assert.Equal(t, flags.Flag("lang"), name)
	assert.Equal(t, []string{""}, values)

	for _, bad := range []string{"", "--", "-x", "window-size=1", "--=1"} {
		_, _, err := launchFlag(bad)
		assert.Error(t, err, bad)
	}
}

// newOffline builds a Sandbox without a browser. Jobs only run if the caller
// starts the dispatcher.
func newOffline(t *testing.T, queueSize int, logs *bytes.Buffer) *Sandbox {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		logger:   slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		queue:    newJobQueue(queueSize),
		handlers: make(map[string]sandbox.MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.Cleanup(cancel)
	return s
}

func queuedNames(q *jobQueue) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	for i, j := range q.items {
		out[i] = j.name
	}
	return out
}

func TestJobQueue_DropsOldestDroppable(t *testing.T) {
	t.Parallel()

	q := newJobQueue(2)
	push := func(name string, droppable bool) string {
		t.Helper()
		dropped, ok := q.push(job{name: name, droppable: droppable})
		if !ok {
			return ""
		}
		return dropped.name
	}

	assert.Empty(t, push("p1", true))
	assert.Empty(t, push("p2", true))
	assert.Equal(t, "p1", push("r1", false))
	assert.Equal(t, []string{"p2", "r1"}, queuedNames(q))

	assert.Equal(t, "p2", push("p3", true))
	assert.Equal(t, "p3", push("r2", false))
	assert.Empty(t, push("r3", false), "kept past the limit")
	assert.Equal(t, "p4", push("p4", true), "nothing older to drop")
	assert.Equal(t, []string{"r1", "r2", "r3"}, queuedNames(q))

	for _, want := range []string{"r1", "r2", "r3"} {
		j, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, j.name)
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestInvoke_FullQueueKeepsResponses(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	s := newOffline(t, 2, &logs)

	require.NoError(t, s.Invoke(protocol.LightingEstimateUpdate(1000, 6500)))
	require.NoError(t, s.Invoke(protocol.LightingEstimateUpdate(1001, 6500)))
	require.NoError(t, s.Invoke(protocol.HitTestResponse("r1", nil)))
	require.NoError(t, s.Invoke(protocol.RegisterAnchorResponse("r2", "A-1")))
	require.NoError(t, s.Invoke(protocol.AnchorRemoved("A-1")))
	require.NoError(t, s.Invoke(protocol.LightingEstimateUpdate(1002, 6500)))

	assert.Equal(t, []string{
		"ARKitBridge.hitTestResponse",
		"ARKitBridge.registerAnchorResponse",
		"ARKitBridge.anchorRemoved",
	}, queuedNames(s.queue))
	assert.Contains(t, logs.String(), "dispatch queue full")
	assert.Contains(t, logs.String(), "function=ARKitBridge.lightingEstimateUpdate")
}

func TestReceive_DeliversEveryMessage(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	s := newOffline(t, 1, &logs)

	var (
		mu  sync.Mutex
		got []string
	)
	record := func(env protocol.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.Name+" "+string(env.Body))
	}
	require.NoError(t, s.Handle("a", record))
	require.NoError(t, s.Handle("boom", func(protocol.Envelope) { panic("handler bug") }))
	require.Error(t, s.Handle("a", record))
	require.Error(t, s.Handle("", record))

	s.receive(`{"name":"a","body":1}`)
	s.receive(`not json`)
	s.receive(`{"name":"boom"}`)
	s.receive(`{"name":"unhandled"}`)
	s.receive(`{"name":"a","body":2}`)
	s.receive(`{"name":"a","body":3}`)
	assert.Equal(t, []string{"a", "boom", "unhandled", "a", "a"}, queuedNames(s.queue))

	go s.dispatch()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a 1", "a 2", "a 3"}, got)
	mu.Unlock()

	require.NoError(t, s.Close())
	assert.Contains(t, logs.String(), "message handler panicked")
}

func TestClose_StopsDispatch(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	s := newOffline(t, DefaultQueueSize, &logs)
	go s.dispatch()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "idempotent")
	select {
	case <-s.done:
	default:
		t.Fatal("dispatcher still running")
	}

	assert.ErrorIs(t, s.Invoke(protocol.HitTestResponse("r1", nil)), sandbox.ErrClosed)
	assert.ErrorIs(t, s.LoadContent(context.Background(), "about:blank"), sandbox.ErrClosed)
	s.receive(`{"name":"a"}`)
	assert.Empty(t, queuedNames(s.queue))
}

// TestSandbox_Chromium needs a local Chromium; rod downloads one if missing.
func TestSandbox_Chromium(t *testing.T) {
	if os.Getenv("SPATIAL_BRIDGE_BROWSER_TEST") == "" {
		t.Skip("set SPATIAL_BRIDGE_BROWSER_TEST=1 to run against a real browser")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s, err := New(ctx, Options{Headless: true})
	require.NoError(t, err)
	defer s.Close()

	got := make(chan protocol.Envelope, 4)
	require.NoError(t, s.Handle(protocol.HitTestMessage, func(env protocol.Envelope) { got <- env }))
	require.NoError(t, s.Handle("echo", func(env protocol.Envelope) { got <- env }))

	const page = `<script>
		window.ARKitBridge = {
			hitTestResponse: (id, m) => webkit.messageHandlers.echo.postMessage({id: id, m: m}),
		};
		webkit.messageHandlers.arkit_hit_test.postMessage({requestId: "r1", screenX: 0.5, screenY: 0.5});
	</script>`
	require.NoError(t, s.LoadContent(ctx, "data:text/html,"+url.PathEscape(page)))

	select {
	case env := <-got:
		assert.Equal(t, protocol.HitTestMessage, env.Name)
		assert.JSONEq(t, `{"requestId":"r1","screenX":0.5,"screenY":0.5}`, string(env.Body))
	case <-ctx.Done():
		t.Fatal("no post from the page")
	}

	require.NoError(t, s.Invoke(protocol.HitTestResponse("r1", nil)))
	select {
	case env := <-got:
		assert.Equal(t, "echo", env.Name)
		assert.JSONEq(t, `{"id":"r1","m":null}`, string(env.Body))
	case <-ctx.Done():
		t.Fatal("response not delivered")
	}
}
