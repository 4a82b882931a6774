package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/spatial-bridge/internal/matrix"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recorderJS = `
var calls = [];
var ARKitBridge = {};
[
	"viewProjectionMatrixUpdate", "lightingEstimateUpdate", "anchorTransformUpdate",
	"imageAnchorResponse", "hitTestResponse", "registerAnchorResponse", "anchorRemoved"
].forEach(function (name) {
	ARKitBridge[name] = function () {
		calls.push({fn: name, args: Array.prototype.slice.call(arguments), self: this === ARKitBridge});
	};
});
`

func newScript(t *testing.T, opts ...ScriptOption) *Script {
	t.Helper()
	s, err := NewScript(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// drain waits until every job queued before it has run.
func drain(t *testing.T, s *Script) {
	t.Helper()
	require.NoError(t, s.Runtime().RunOnLoopSync(func(*goja.Runtime) error { return nil }))
}

type recordedCall struct {
	Fn   string `json:"fn"`
	Args []any  `json:"args"`
	Self bool   `json:"self"`
}

func recordedCalls(t *testing.T, s *Script) []recordedCall {
	t.Helper()
	drain(t, s)
	var raw string
	require.NoError(t, s.Runtime().RunOnLoopSync(func(vm *goja.Runtime) error {
		v, err := vm.RunString(`JSON.stringify(calls)`)
		if err != nil {
			return err
		}
		raw = v.String()
		return nil
	}))
	var out []recordedCall
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestScript_InvokePassesArgumentsAsData(t *testing.T) {
	t.Parallel()

	s := newScript(t)
	require.NoError(t, s.LoadScript("recorder.js", recorderJS))

	hit := matrix.Translation(1, 2, 3)
	require.NoError(t, s.Invoke(protocol.HitTestResponse("r1", &hit)))
	require.NoError(t, s.Invoke(protocol.HitTestResponse("r2", nil)))
	// content that would break naive string interpolation
	require.NoError(t, s.Invoke(protocol.RegisterAnchorResponse(`'); throw 1; ('`, "A")))

	calls := recordedCalls(t, s)
	require.Len(t, calls, 3)

	assert.Equal(t, "hitTestResponse", calls[0].Fn)
	assert.Equal(t, []any{"r1", matrix.Encode(hit)}, calls[0].Args)
	assert.True(t, calls[0].Self, "called with ARKitBridge as this")

	assert.Equal(t, []any{"r2", nil}, calls[1].Args)

	assert.Equal(t, "registerAnchorResponse", calls[2].Fn)
	assert.Equal(t, []any{`'); throw 1; ('`, "A"}, calls[2].Args)
}

func TestScript_InvokeMissingFunctionIsNoop(t *testing.T) {
	t.Parallel()

	s := newScript(t)
	// before content defines ARKitBridge
	require.NoError(t, s.Invoke(protocol.AnchorRemoved("x")))
	require.NoError(t, s.LoadScript("partial.js", `var ARKitBridge = { hitTestResponse: 5 };`))
	require.NoError(t, s.Invoke(protocol.HitTestResponse("r", nil)))
	require.NoError(t, s.LoadScript("throws.js", `ARKitBridge.anchorRemoved = function () { throw new Error("boom"); };`))
	require.NoError(t, s.Invoke(protocol.AnchorRemoved("x")))
	drain(t, s)
	assert.True(t, s.Runtime().IsRunning())
}

func TestScript_PostMessageReachesHandler(t *testing.T) {
	t.Parallel()

	s := newScript(t)

	var mu sync.Mutex
	var got []protocol.Envelope
	require.NoError(t, s.Handle(protocol.HitTestMessage, func(env protocol.Envelope) {
		assert.True(t, s.Runtime().OnLoop(), "handlers run on the loop")
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}))

	require.NoError(t, s.LoadScript("post.js", `
		webkit.messageHandlers.arkit_hit_test.postMessage({requestId: "r1", screenX: "0.5", screenY: "0.5"});
		window.webkit.messageHandlers.arkit_hit_test.postMessage("just a string");
		webkit.messageHandlers.arkit_hit_test.postMessage();
	`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, protocol.HitTestMessage, got[0].Name)
	assert.JSONEq(t, `{"requestId":"r1","screenX":"0.5","screenY":"0.5"}`, string(got[0].Body))
	assert.JSONEq(t, `"just a string"`, string(got[1].Body))
	assert.JSONEq(t, `null`, string(got[2].Body))
}

func TestScript_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	s := newScript(t)
	require.NoError(t, s.Handle("boom", func(protocol.Envelope) { panic("nope") }))
	require.NoError(t, s.LoadScript("post.js", `webkit.messageHandlers.boom.postMessage({})`))
	assert.True(t, s.Runtime().IsRunning())
}

func TestScript_HandleValidation(t *testing.T) {
	t.Parallel()

	s := newScript(t)
	noop := func(protocol.Envelope) {}
	require.NoError(t, s.Handle("a", noop))
	assert.Error(t, s.Handle("a", noop))
	assert.Error(t, s.Handle("", noop))
	assert.Error(t, s.Handle("b", nil))
}

func TestScript_ClosedIsNoop(t *testing.T) {
	t.Parallel()

	s, err := NewScript(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Invoke(protocol.AnchorRemoved("x")), ErrClosed)
	assert.ErrorIs(t, s.LoadScript("x.js", "1"), ErrClosed)
}

func TestScript_TimeoutBoundsLoad(t *testing.T) {
	t.Parallel()

	s := newScript(t, WithScriptTimeout(50*time.Millisecond))
	err := s.LoadScript("slow.js", "var end = Date.now() + 300; while (Date.now() < end) {}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// the loop is still healthy once the slow script finishes
	assert.Eventually(t, func() bool {
		return s.Runtime().RunOnLoopSync(func(*goja.Runtime) error { return nil }) == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestScript_ContextCancelCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewScript(ctx)
	require.NoError(t, err)
	cancel()
	<-s.Runtime().Done()
	assert.False(t, s.Runtime().IsRunning())
}

func TestScript_LoadContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scene.js":
			_, _ = w.Write([]byte(`var loadedFrom = "http";`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "scene.js")
	require.NoError(t, os.WriteFile(file, []byte(`var fromFile = 42;`), 0o644))

	s := newScript(t)
	ctx := context.Background()
	require.NoError(t, s.LoadContent(ctx, srv.URL+"/scene.js"))
	require.NoError(t, s.LoadContent(ctx, "file://"+file))
	require.NoError(t, s.LoadContent(ctx, file))

	require.NoError(t, s.Runtime().RunOnLoopSync(func(vm *goja.Runtime) error {
		assert.Equal(t, "http", vm.Get("loadedFrom").String())
		assert.Equal(t, int64(42), vm.Get("fromFile").ToInteger())
		return nil
	}))

	assert.Error(t, s.LoadContent(ctx, srv.URL+"/missing.js"))
	assert.Error(t, s.LoadContent(ctx, "ftp://example.com/scene.js"))
	assert.Error(t, s.LoadContent(ctx, filepath.Join(dir, "missing.js")))
}

func TestScript_ConsoleAndModule(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := newScript(t, WithLogger(logger))

	require.NoError(t, s.LoadScript("mod.js", `
		var bridge = require("spatial:bridge");
		console.log("hit test handler is", bridge.messages.hitTest, bridge.functions.length);
	`))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "hit test handler is arkit_hit_test 7")
	assert.Contains(t, buf.String(), "source=sandbox")
}

func TestParseGoroutineID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(123), parseGoroutineID([]byte("goroutine 123 [running]:\nmain.main()")))
	assert.Equal(t, int64(0), parseGoroutineID([]byte("goroutine x [running]")))
	assert.Equal(t, int64(0), parseGoroutineID([]byte("nothing here")))
	assert.Equal(t, int64(0), parseGoroutineID(nil))
	assert.NotZero(t, goroutineID())
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
