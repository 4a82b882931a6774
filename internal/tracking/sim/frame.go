package sim

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/joeycumines/spatial-bridge/internal/matrix"
	"github.com/joeycumines/spatial-bridge/internal/tracking"
)

type anchor struct {
	id        string
	transform matrix.Transform
}

func (a *anchor) Identifier() string          { return a.id }
func (a *anchor) Transform() matrix.Transform { return a.transform }

type planeAnchor struct {
	anchor
	extent [2]float32
}

// contains reports whether world point p lies within the plane's extent,
// ignoring height.
func (p *planeAnchor) contains(v mgl32.Vec3) bool {
	c := p.transform.Col(3)
	return abs32(v.X()-c.X()) <= p.extent[0]/2 && abs32(v.Z()-c.Z()) <= p.extent[1]/2
}

type imageAnchor struct {
	anchor
	name string
}

func (a *imageAnchor) ReferenceImageName() string { return a.name }

// frame is an immutable snapshot. Slices are never modified after creation.
type frame struct {
	index   int
	camera  mgl32.Mat4 // camera-to-world
	fovY    float32    // radians
	aspect  float32
	light   *tracking.LightEstimate
	anchors []tracking.Anchor
	planes  []*planeAnchor
}

var _ tracking.Frame = (*frame)(nil)

// orientationRoll is the rotation about the view axis for each interface
// orientation, relative to portrait.
func orientationRoll(o tracking.Orientation) float32 {
	switch o {
	case tracking.OrientationPortraitUpsideDown:
		return math.Pi
	case tracking.OrientationLandscapeLeft:
		return -math.Pi / 2
	case tracking.OrientationLandscapeRight:
		return math.Pi / 2
	default:
		return 0
	}
}

func (f *frame) ViewMatrix(o tracking.Orientation) matrix.Transform {
	return mgl32.HomogRotate3DZ(orientationRoll(o)).Mul4(f.camera.Inv())
}

func (f *frame) ProjectionMatrix(o tracking.Orientation, vp tracking.Viewport, zNear, zFar float32) matrix.Transform {
	aspect := f.aspect
	if vp.Valid() {
		aspect = vp.AspectRatio()
	}
	return mgl32.Perspective(f.fovY, aspect, zNear, zFar)
}

func (f *frame) LightEstimate() (tracking.LightEstimate, bool) {
	if f.light == nil {
		return tracking.LightEstimate{}, false
	}
	return *f.light, true
}

func (f *frame) Anchors() []tracking.Anchor {
	out := make([]tracking.Anchor, len(f.anchors))
	copy(out, f.anchors)
	return out
}

// HitTest casts a ray from the camera through p (portrait image space) and
// intersects it with every detected horizontal plane.
func (f *frame) HitTest(p tracking.Point, types tracking.HitTestType) []tracking.HitTestResult {
	if types&(tracking.HitTestExistingPlaneUsingExtent|tracking.HitTestExistingPlane) == 0 {
		return nil
	}

	origin, dir := f.ray(p)
	if abs32(dir.Y()) < 1e-6 {
		return nil
	}

	var results []tracking.HitTestResult
	for _, plane := range f.planes {
		height := plane.transform.Col(3).Y()
		t := (height - origin.Y()) / dir.Y()
		if t <= 0 {
			continue
		}
		hit := origin.Add(dir.Mul(t))
		if types&tracking.HitTestExistingPlane == 0 && !plane.contains(hit) {
			continue
		}
		results = append(results, tracking.HitTestResult{
			WorldTransform: matrix.Translation(hit.X(), hit.Y(), hit.Z()),
			Distance:       t,
			Anchor:         plane,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	return results
}

// ray returns the camera position and a unit direction in world space.
func (f *frame) ray(p tracking.Point) (mgl32.Vec3, mgl32.Vec3) {
	halfH := float32(math.Tan(float64(f.fovY) / 2))
	ndcX := 2*p.X - 1
	ndcY := 1 - 2*p.Y
	local := mgl32.Vec4{ndcX * halfH * f.aspect, ndcY * halfH, -1, 0}
	dir := f.camera.Mul4x1(local).Vec3().Normalize()
	return f.camera.Col(3).Vec3(), dir
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
