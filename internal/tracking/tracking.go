// Package tracking describes the boundary with the spatial-tracking subsystem.
//
// The subsystem is an opaque producer: it estimates camera pose, detects
// surfaces and images, estimates lighting, and hands the bridge an immutable
// Frame snapshot per update. Nothing here specifies how any of that is done.
package tracking

import (
	"fmt"
	"strings"

	"github.com/joeycumines/spatial-bridge/internal/matrix"
)

// Default clip distances for the projection transform.
const (
	DefaultZNear float32 = 0.02
	DefaultZFar  float32 = 20
)

// Orientation of the host interface, used to pick the camera transforms.
type Orientation int

const (
	OrientationPortrait Orientation = iota
	OrientationPortraitUpsideDown
	OrientationLandscapeLeft
	OrientationLandscapeRight
)

var orientationNames = [...]string{
	OrientationPortrait:           "portrait",
	OrientationPortraitUpsideDown: "portrait-upside-down",
	OrientationLandscapeLeft:      "landscape-left",
	OrientationLandscapeRight:     "landscape-right",
}

func (o Orientation) String() string {
	if o >= 0 && int(o) < len(orientationNames) {
		return orientationNames[o]
	}
	return fmt.Sprintf("Orientation(%d)", int(o))
}

// ParseOrientation is the inverse of Orientation.String.
func ParseOrientation(s string) (Orientation, error) {
	for i, name := range orientationNames {
		if strings.EqualFold(s, name) {
			return Orientation(i), nil
		}
	}
	return 0, fmt.Errorf("tracking: unknown orientation %q", s)
}

// Viewport is the size of the host rendering surface, in points.
type Viewport struct {
	Width  float32
	Height float32
}

// Valid reports whether both dimensions are positive.
func (v Viewport) Valid() bool {
	return v.Width > 0 && v.Height > 0
}

// AspectRatio returns Width/Height.
func (v Viewport) AspectRatio() float32 {
	return v.Width / v.Height
}

// Point is a normalized screen coordinate: (0,0) top-left, (1,1) bottom-right.
type Point struct {
	X float32
	Y float32
}

// LightEstimate is the scene lighting for one frame.
type LightEstimate struct {
	// AmbientIntensity in lux. 1000 is neutral.
	AmbientIntensity float32
	// AmbientColorTemperature in Kelvin. 6500 is neutral.
	AmbientColorTemperature float32
}

// Anchor is a tracked pose with a stable unique identifier.
type Anchor interface {
	Identifier() string
	Transform() matrix.Transform
}

// ImageAnchor is an Anchor produced by recognizing a reference image.
type ImageAnchor interface {
	Anchor
	// ReferenceImageName is empty when the subsystem has no name for it.
	ReferenceImageName() string
}

// HitTestType filters hit-test results by surface kind.
type HitTestType uint

const (
	// HitTestExistingPlaneUsingExtent hits detected planes within their extent.
	HitTestExistingPlaneUsingExtent HitTestType = 1 << iota
	// HitTestExistingPlane hits detected planes extended infinitely.
	HitTestExistingPlane
)

// HitTestResult is one intersection between a screen ray and a surface.
type HitTestResult struct {
	// WorldTransform is the pose of the hit point in world space.
	WorldTransform matrix.Transform
	// Distance from the camera along the ray.
	Distance float32
	// Anchor is the surface that was hit, if any.
	Anchor Anchor
}

// Frame is an immutable snapshot of the tracking state.
type Frame interface {
	// ViewMatrix returns the world-to-camera transform for o.
	ViewMatrix(o Orientation) matrix.Transform
	// ProjectionMatrix returns the camera projection for o and vp.
	ProjectionMatrix(o Orientation, vp Viewport, zNear, zFar float32) matrix.Transform
	// LightEstimate reports false if lighting could not be estimated.
	LightEstimate() (LightEstimate, bool)
	// Anchors is the active anchor set for this frame.
	Anchors() []Anchor
	// HitTest returns results ordered nearest first.
	HitTest(p Point, types HitTestType) []HitTestResult
}

// Delegate receives tracking events. Calls arrive on the subsystem's own
// goroutine, one at a time.
type Delegate interface {
	DidUpdateFrame(f Frame)
	DidAddAnchors(anchors []Anchor)
	DidRemoveAnchors(anchors []Anchor)
}

// Session is a running tracking session.
type Session interface {
	// CurrentFrame reports false until the first frame is available.
	CurrentFrame() (Frame, bool)
	// AddAnchor creates and starts tracking an anchor at t. The returned
	// anchor carries a fresh identifier.
	AddAnchor(t matrix.Transform) Anchor
	// SetDelegate replaces the event receiver. nil detaches.
	SetDelegate(d Delegate)
}
