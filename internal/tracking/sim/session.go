// Package sim is a simulated spatial-tracking subsystem.
//
// It stands in for a device tracker: a camera moves through a scripted
// scenario, horizontal planes and reference images are "detected" at scripted
// frames, and frames are delivered to a tracking.Delegate on the session's own
// goroutine. The cmd binary runs it in place of real hardware and the bridge
// tests use it as the tracking double.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/joeycumines/spatial-bridge/internal/matrix"
	"github.com/joeycumines/spatial-bridge/internal/tracking"
)

// Session is a simulated tracking session. It is safe for concurrent use;
// delegate callbacks are only ever made from Step.
type Session struct {
	scenario Scenario
	logger   *slog.Logger
	newID    func() string

	// stepMu serializes Step so delegate calls never overlap.
	stepMu sync.Mutex

	mu             sync.Mutex
	delegate       tracking.Delegate
	index          int
	current        *frame
	anchors        []tracking.Anchor
	planes         []*planeAnchor
	pendingAdded   []tracking.Anchor
	pendingRemoved []tracking.Anchor
	lightEnabled   bool
}

var _ tracking.Session = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator replaces the anchor identifier source (default: random UUIDs).
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewSession creates a session for scenario. No frame exists until the first
// Step.
func NewSession(scenario Scenario, opts ...Option) *Session {
	s := &Session{
		scenario:     scenario,
		logger:       slog.Default(),
		newID:        func() string { return uuid.New().String() },
		lightEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scenario returns the scenario the session was created with.
func (s *Session) Scenario() Scenario {
	return s.scenario
}

// SetDelegate implements tracking.Session.
func (s *Session) SetDelegate(d tracking.Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// CurrentFrame implements tracking.Session.
func (s *Session) CurrentFrame() (tracking.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	return s.current, true
}

// AddAnchor implements tracking.Session. The anchor is part of the active set
// from the next frame on.
func (s *Session) AddAnchor(t matrix.Transform) tracking.Anchor {
	a := &anchor{id: s.newID(), transform: t}
	s.mu.Lock()
	s.anchors = append(s.anchors, a)
	s.pendingAdded = append(s.pendingAdded, a)
	s.mu.Unlock()
	s.logger.Debug("sim: anchor added", slog.String("id", a.id))
	return a
}

// Anchor looks up an active anchor by identifier.
func (s *Session) Anchor(id string) (tracking.Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anchors {
		if a.Identifier() == id {
			return a, true
		}
	}
	return nil, false
}

// RemoveAnchor drops an anchor, as a tracker does after losing it. The
// delegate hears about it on the next Step.
func (s *Session) RemoveAnchor(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.anchors {
		if a.Identifier() != id {
			continue
		}
		s.anchors = append(s.anchors[:i:i], s.anchors[i+1:]...)
		for j, p := range s.planes {
			if tracking.Anchor(p) == a {
				s.planes = append(s.planes[:j:j], s.planes[j+1:]...)
				break
			}
		}
		s.pendingRemoved = append(s.pendingRemoved, a)
		return true
	}
	return false
}

// SetLightEstimation turns light estimation on or off for later frames.
func (s *Session) SetLightEstimation(enabled bool) {
	s.mu.Lock()
	s.lightEnabled = enabled
	s.mu.Unlock()
}

// Step produces the next frame and delivers, in order, any anchor additions,
// removals and the frame update to the delegate.
func (s *Session) Step() tracking.Frame {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.mu.Lock()
	index := s.index
	s.index++
	s.detect(index)

	f := &frame{
		index:   index,
		camera:  s.cameraAt(index),
		fovY:    mgl32.DegToRad(s.scenario.Camera.FieldOfView),
		aspect:  s.scenario.Camera.Aspect,
		anchors: append([]tracking.Anchor(nil), s.anchors...),
		planes:  append([]*planeAnchor(nil), s.planes...),
	}
	if l := s.scenario.Light; l != nil && s.lightEnabled {
		f.light = &tracking.LightEstimate{AmbientIntensity: l.Intensity, AmbientColorTemperature: l.Temperature}
	}
	s.current = f

	added, removed := s.pendingAdded, s.pendingRemoved
	s.pendingAdded, s.pendingRemoved = nil, nil
	d := s.delegate
	s.mu.Unlock()

	if d != nil {
		if len(added) > 0 {
			d.DidAddAnchors(added)
		}
		if len(removed) > 0 {
			d.DidRemoveAnchors(removed)
		}
		d.DidUpdateFrame(f)
	}
	return f
}

// Run steps at the scenario frame rate until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if err := checkFrameRate(s.scenario.FrameRate); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	ticker := time.NewTicker(time.Second / time.Duration(s.scenario.FrameRate))
	defer ticker.Stop()
	s.logger.Info("sim: session running", slog.Int("fps", s.scenario.FrameRate))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}

// detect adds the planes and images scheduled for frame index. Caller holds mu.
func (s *Session) detect(index int) {
	for _, p := range s.scenario.Planes {
		if p.AppearAt != index {
			continue
		}
		a := &planeAnchor{
			anchor: anchor{id: s.newID(), transform: matrix.Translation(p.Center[0], p.Center[1], p.Center[2])},
			extent: p.Extent,
		}
		s.planes = append(s.planes, a)
		s.anchors = append(s.anchors, a)
		s.pendingAdded = append(s.pendingAdded, a)
		s.logger.Debug("sim: plane detected", slog.String("name", p.Name), slog.String("id", a.id))
	}
	for _, img := range s.scenario.Images {
		if img.AppearAt != index {
			continue
		}
		a := &imageAnchor{
			anchor: anchor{id: s.newID(), transform: matrix.Translation(img.Position[0], img.Position[1], img.Position[2])},
			name:   img.Name,
		}
		s.anchors = append(s.anchors, a)
		s.pendingAdded = append(s.pendingAdded, a)
		s.logger.Debug("sim: image recognized", slog.String("name", img.Name), slog.String("id", a.id))
	}
}

// cameraAt returns the camera-to-world transform for frame index.
func (s *Session) cameraAt(index int) mgl32.Mat4 {
	c := s.scenario.Camera
	seconds := float64(index) / float64(s.scenario.FrameRate)
	offset := c.Sway * float32(math.Sin(2*math.Pi*seconds/float64(c.SwayPeriod)))
	eye := mgl32.Vec3{c.Position[0] + offset, c.Position[1], c.Position[2]}
	target := mgl32.Vec3{c.Target[0] + offset, c.Target[1], c.Target[2]}
	return mgl32.LookAtV(eye, target, mgl32.Vec3{0, 1, 0}).Inv()
}
