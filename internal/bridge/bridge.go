// Package bridge connects a tracking session to a sandbox.
//
// A Controller turns tracking frames into pushes (view/projection, lighting,
// anchor transforms), answers the sandbox's hit-test and register-anchor
// requests, and announces recognized images and removed anchors. It holds no
// global state: construct one per active view, Close it when the view goes
// away.
//
// Delegate callbacks arrive on the tracking session's goroutine; request
// handlers run on the sandbox's context. Neither touches the sandbox
// directly: every outgoing message goes through Sandbox.Invoke, which queues
// it onto the sandbox's own context.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/spatial-bridge/internal/matrix"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/joeycumines/spatial-bridge/internal/sandbox"
	"github.com/joeycumines/spatial-bridge/internal/tracking"
)

// ErrNoCurrentFrame is returned by HitTest before the session has produced a
// frame.
var ErrNoCurrentFrame = errors.New("bridge: no current frame")

// HitTestTypes is the surface filter used for sandbox hit-tests.
const HitTestTypes = tracking.HitTestExistingPlaneUsingExtent

// Config holds the handles and initial state for New.
type Config struct {
	Sandbox     sandbox.Sandbox
	Session     tracking.Session
	Viewport    tracking.Viewport
	Orientation tracking.Orientation
	// ZNear and ZFar default to tracking.DefaultZNear and DefaultZFar.
	ZNear  float32
	ZFar   float32
	Logger *slog.Logger
}

// Controller is the bridge between one tracking session and one sandbox.
type Controller struct {
	sb      sandbox.Sandbox
	session tracking.Session
	logger  *slog.Logger
	zNear   float32
	zFar    float32

	mu          sync.RWMutex
	viewport    tracking.Viewport
	orientation tracking.Orientation

	// announced holds image anchors already pushed, so each is sent once.
	announcedMu sync.Mutex
	announced   map[string]struct{}

	closed atomic.Bool
}

var _ tracking.Delegate = (*Controller)(nil)

// New performs setup: it registers the request handlers with the sandbox and
// makes the controller the session's delegate. Call it once per
// sandbox/session pair, before the session starts producing frames.
func New(cfg Config) (*Controller, error) {
	if cfg.Sandbox == nil {
		return nil, errors.New("bridge: nil sandbox")
	}
	if cfg.Session == nil {
		return nil, errors.New("bridge: nil session")
	}
	if !cfg.Viewport.Valid() {
		return nil, fmt.Errorf("bridge: invalid viewport %vx%v", cfg.Viewport.Width, cfg.Viewport.Height)
	}
	if cfg.ZNear == 0 {
		cfg.ZNear = tracking.DefaultZNear
	}
	if cfg.ZFar == 0 {
		cfg.ZFar = tracking.DefaultZFar
	}
	if cfg.ZNear <= 0 || cfg.ZFar <= cfg.ZNear {
		return nil, fmt.Errorf("bridge: invalid clip planes near=%v far=%v", cfg.ZNear, cfg.ZFar)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		sb:          cfg.Sandbox,
		session:     cfg.Session,
		logger:      cfg.Logger,
		zNear:       cfg.ZNear,
		zFar:        cfg.ZFar,
		viewport:    cfg.Viewport,
		orientation: cfg.Orientation,
		announced:   make(map[string]struct{}),
	}

	for _, name := range protocol.MessageNames {
		if err := c.sb.Handle(name, c.receive); err != nil {
			return nil, fmt.Errorf("bridge: register %s: %w", name, err)
		}
	}
	c.session.SetDelegate(c)

	c.logger.Debug("bridge: ready",
		slog.String("orientation", cfg.Orientation.String()),
		slog.Any("viewport", cfg.Viewport),
	)
	return c, nil
}

// LoadContent asks the sandbox to load url.
func (c *Controller) LoadContent(ctx context.Context, url string) error {
	if c.closed.Load() {
		return sandbox.ErrClosed
	}
	return c.sb.LoadContent(ctx, url)
}

// Close detaches from the session and tears the sandbox down. Later pushes
// and responses are no-ops.
func (c *Controller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.session.SetDelegate(nil)
	return c.sb.Close()
}

// Viewport returns the current viewport.
func (c *Controller) Viewport() tracking.Viewport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewport
}

// SetViewport updates the viewport used for later projection pushes. An
// invalid viewport is rejected and the previous one kept.
func (c *Controller) SetViewport(vp tracking.Viewport) error {
	if !vp.Valid() {
		return fmt.Errorf("bridge: invalid viewport %vx%v", vp.Width, vp.Height)
	}
	c.mu.Lock()
	c.viewport = vp
	c.mu.Unlock()
	return nil
}

// Orientation returns the current interface orientation.
func (c *Controller) Orientation() tracking.Orientation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orientation
}

// SetOrientation updates the orientation used for later pushes.
func (c *Controller) SetOrientation(o tracking.Orientation) {
	c.mu.Lock()
	c.orientation = o
	c.mu.Unlock()
}

// DidUpdateFrame implements tracking.Delegate. It always pushes the view and
// projection transforms, then lighting if estimated, then anchor transforms
// if any anchor is active.
func (c *Controller) DidUpdateFrame(f tracking.Frame) {
	if c.closed.Load() {
		return
	}

	c.mu.RLock()
	vp, o := c.viewport, c.orientation
	c.mu.RUnlock()

	c.send(protocol.FuncViewProjectionUpdate, func() protocol.Call {
		return protocol.ViewProjectionUpdate(
			f.ViewMatrix(o),
			f.ProjectionMatrix(o, vp, c.zNear, c.zFar),
		)
	})

	if light, ok := f.LightEstimate(); ok {
		c.send(protocol.FuncLightingEstimateUpdate, func() protocol.Call {
			return protocol.LightingEstimateUpdate(light.AmbientIntensity, light.AmbientColorTemperature)
		})
	}

	anchors := f.Anchors()
	if len(anchors) == 0 {
		return
	}
	transforms := make(map[string]matrix.Transform, len(anchors))
	for _, a := range anchors {
		transforms[a.Identifier()] = a.Transform()
	}
	c.send(protocol.FuncAnchorTransformUpdate, func() protocol.Call {
		return protocol.AnchorTransformUpdate(transforms)
	})
}

// DidAddAnchors implements tracking.Delegate. Image anchors are announced;
// other anchors show up in the next transform update.
func (c *Controller) DidAddAnchors(anchors []tracking.Anchor) {
	for _, a := range anchors {
		if img, ok := a.(tracking.ImageAnchor); ok {
			c.HandleImageAnchorAdded(img, img.ReferenceImageName())
		}
	}
}

// DidRemoveAnchors implements tracking.Delegate.
func (c *Controller) DidRemoveAnchors(anchors []tracking.Anchor) {
	for _, a := range anchors {
		id := a.Identifier()
		c.announcedMu.Lock()
		delete(c.announced, id)
		c.announcedMu.Unlock()
		c.send(protocol.FuncAnchorRemoved, func() protocol.Call { return protocol.AnchorRemoved(id) })
	}
}

// HandleImageAnchorAdded pushes a recognized image with the anchor's current
// transform. imageName may be empty. Repeat calls for the same anchor are
// ignored.
func (c *Controller) HandleImageAnchorAdded(a tracking.Anchor, imageName string) {
	id := a.Identifier()
	c.announcedMu.Lock()
	_, seen := c.announced[id]
	if !seen {
		c.announced[id] = struct{}{}
	}
	c.announcedMu.Unlock()
	if seen {
		return
	}
	c.send(protocol.FuncImageAnchorResponse, func() protocol.Call {
		return protocol.ImageAnchorRecognized(imageName, a.Transform())
	})
}

// HitTest returns the nearest surface hit under the request's screen point,
// or nil if nothing was hit. It returns ErrNoCurrentFrame if the session has
// no frame yet.
func (c *Controller) HitTest(req *protocol.HitTestRequest) (*matrix.Transform, error) {
	f, ok := c.session.CurrentFrame()
	if !ok {
		return nil, ErrNoCurrentFrame
	}
	results := f.HitTest(tracking.Point{X: req.ScreenX, Y: req.ScreenY}, HitTestTypes)
	if len(results) == 0 {
		return nil, nil
	}
	hit := results[0].WorldTransform
	return &hit, nil
}

// RegisterAnchor creates a session anchor at the request's transform.
func (c *Controller) RegisterAnchor(req *protocol.RegisterAnchorRequest) tracking.Anchor {
	return c.session.AddAnchor(req.Transform)
}

// receive is the sandbox message handler for every request kind.
func (c *Controller) receive(env protocol.Envelope) {
	if c.closed.Load() {
		return
	}
	req, err := protocol.DecodeRequest(env)
	if err != nil {
		c.logger.Debug("bridge: dropping message", slog.String("name", env.Name), slog.Any("error", err))
		return
	}

	switch req := req.(type) {
	case *protocol.HitTestRequest:
		c.handleHitTest(req)
	case *protocol.RegisterAnchorRequest:
		c.handleRegisterAnchor(req)
	}
}

func (c *Controller) handleHitTest(req *protocol.HitTestRequest) {
	hit, err := c.HitTest(req)
	if err != nil {
		// the sandbox is waiting on this id, so answer with no result
		c.logger.Debug("bridge: hit test", slog.String("requestId", req.ID), slog.Any("error", err))
	}
	c.send(protocol.FuncHitTestResponse, func() protocol.Call { return protocol.HitTestResponse(req.ID, hit) })
}

func (c *Controller) handleRegisterAnchor(req *protocol.RegisterAnchorRequest) {
	a := c.RegisterAnchor(req)
	c.logger.Debug("bridge: anchor registered", slog.String("requestId", req.ID), slog.String("anchor", a.Identifier()))
	c.send(protocol.FuncRegisterAnchorResponse, func() protocol.Call {
		return protocol.RegisterAnchorResponse(req.ID, a.Identifier())
	})
}

// send builds a call and invokes it, fire-and-forget. A torn-down sandbox
// makes it a no-op, and a call that cannot be encoded (a transform holding
// NaN or Inf) is dropped.
func (c *Controller) send(method string, build func() protocol.Call) {
	if c.closed.Load() {
		return
	}
	call, ok := c.build(method, build)
	if !ok {
		return
	}
	if err := c.sb.Invoke(call); err != nil {
		c.logger.Debug("bridge: send dropped", slog.String("function", call.Function), slog.Any("error", err))
	}
}

func (c *Controller) build(method string, build func() protocol.Call) (call protocol.Call, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("bridge: dropping unencodable call", slog.String("method", method), slog.Any("panic", r))
			ok = false
		}
	}()
	return build(), true
}
