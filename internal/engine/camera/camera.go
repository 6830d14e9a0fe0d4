// Package camera provides the orbit camera that drives terrain observers.
package camera

import (
	gomath "math"

	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/pkg/math"
)

// OrbitCamera orbits around a center point.
type OrbitCamera struct {
	// Center point to orbit around
	Center math.Vec3

	// Spherical coordinates
	Distance  float64 // Distance from center
	RotationX float64 // Pitch (vertical angle, radians)
	RotationY float64 // Yaw (horizontal angle, radians)

	// Constraints
	MinDistance float64
	MaxDistance float64
	MinPitch    float64
	MaxPitch    float64

	// Sensitivity
	DragSensitivity float64
	ZoomSensitivity float64

	// Projection
	FOV  float64 // vertical, radians
	Near float64
	Far  float64
}

// NewOrbitCamera creates a new orbit camera with default settings.
func NewOrbitCamera() *OrbitCamera {
	return &OrbitCamera{
		Distance:        200.0,
		RotationX:       0.5,
		RotationY:       0.0,
		MinDistance:     1.0,
		MaxDistance:     1e7,
		MinPitch:        0.05,
		MaxPitch:        1.5,
		DragSensitivity: 0.005,
		ZoomSensitivity: 0.1,
		FOV:             gomath.Pi / 3,
		Near:            0.5,
		Far:             1e7,
	}
}

// Position returns the camera position in world space.
func (c *OrbitCamera) Position() math.Vec3 {
	x := c.Distance * gomath.Cos(c.RotationX) * gomath.Sin(c.RotationY)
	y := c.Distance * gomath.Sin(c.RotationX)
	z := c.Distance * gomath.Cos(c.RotationX) * gomath.Cos(c.RotationY)

	return c.Center.Add(math.Vec3{X: x, Y: y, Z: z})
}

// ViewMatrix returns the view matrix for this camera.
func (c *OrbitCamera) ViewMatrix() math.Mat4 {
	up := math.Vec3{X: 0, Y: 1, Z: 0}
	return math.LookAt(c.Position(), c.Center, up)
}

// ProjectionMatrix returns the perspective projection for a viewport of the
// given aspect ratio.
func (c *OrbitCamera) ProjectionMatrix(aspect float64) math.Mat4 {
	if aspect <= 0 {
		aspect = 1
	}
	return math.Perspective(c.FOV, aspect, c.Near, c.Far)
}

// Observer returns the tile tree observer seen through this camera.
func (c *OrbitCamera) Observer(aspect float64) tiletree.Observer {
	return tiletree.Observer{
		Position:       c.Position(),
		ViewProjection: c.ProjectionMatrix(aspect).Mul(c.ViewMatrix()),
	}
}

// HandleDrag updates rotation based on mouse drag delta.
func (c *OrbitCamera) HandleDrag(deltaX, deltaY float64) {
	c.RotationY -= deltaX * c.DragSensitivity
	c.RotationX = math.Clamp(c.RotationX+deltaY*c.DragSensitivity, c.MinPitch, c.MaxPitch)
}

// HandleZoom updates distance based on scroll wheel delta.
func (c *OrbitCamera) HandleZoom(delta float64) {
	c.Distance = math.Clamp(c.Distance-delta*c.Distance*c.ZoomSensitivity, c.MinDistance, c.MaxDistance)
}

// HandleMovement pans the camera center point based on keyboard input.
func (c *OrbitCamera) HandleMovement(forward, right, up float64) {
	// Speed scales with distance for consistent feel
	speed := c.Distance * 0.01

	dirX, dirZ := gomath.Sin(c.RotationY), gomath.Cos(c.RotationY)
	rightX, rightZ := gomath.Cos(c.RotationY), -gomath.Sin(c.RotationY)

	// Negate forward so W moves "into" the scene
	c.Center.X += (-dirX*forward + rightX*right) * speed
	c.Center.Z += (-dirZ*forward + rightZ*right) * speed
	c.Center.Y += up * speed
}

// Orbit advances the yaw by one step of a revolution lasting period steps.
func (c *OrbitCamera) Orbit(period int) {
	if period <= 0 {
		return
	}
	c.RotationY = gomath.Mod(c.RotationY+2*gomath.Pi/float64(period), 2*gomath.Pi)
}

// FitToBounds adjusts camera to view the given bounding box.
func (c *OrbitCamera) FitToBounds(b math.AABB) {
	c.Center = b.Center()

	size := b.Max.Sub(b.Min)
	c.Distance = math.Clamp(gomath.Max(size.X, size.Z)*0.75, c.MinDistance, c.MaxDistance)
	c.Far = gomath.Max(c.Far, c.Distance*4)

	c.RotationX = 0.6 // Look down at ~35 degrees
	c.RotationY = 0.0
}
