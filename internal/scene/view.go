package scene

import (
	"errors"
	"fmt"
	gomath "math"

	"github.com/Faultbox/meshlive/pkg/math"
)

// Representation selects how the mesh is drawn.
type Representation string

// Representations understood by the render widget.
const (
	Surface          Representation = "surface"
	Wireframe        Representation = "wireframe"
	Points           Representation = "points"
	SurfaceWithEdges Representation = "surface_with_edges"
)

// ColorPresets maps preset names to RGB.
var ColorPresets = map[string][3]float32{
	"blue":  {0.3, 0.5, 0.8},
	"red":   {0.8, 0.3, 0.3},
	"green": {0.3, 0.8, 0.3},
	"white": {0.9, 0.9, 0.9},
}

// Pitch limits for the orbit camera (radians).
const (
	MinPitch = -1.5
	MaxPitch = 1.5
)

// ErrInvalidView is returned for view parameters the widget cannot apply.
var ErrInvalidView = errors.New("invalid view")

// View holds the display parameters of a target. The camera orbits Center
// at Distance, with Pitch the vertical and Yaw the horizontal angle.
type View struct {
	Center         math.Vec3      `json:"center"`
	Distance       float32        `json:"distance"`
	Pitch          float32        `json:"pitch"`
	Yaw            float32        `json:"yaw"`
	Representation Representation `json:"representation"`
	Color          string         `json:"color"`
	Opacity        float32        `json:"opacity"`
	Visible        bool           `json:"visible"`
}

// DefaultView returns the view used before anything was committed.
func DefaultView() View {
	return View{
		Distance:       10,
		Pitch:          0.6,
		Representation: Surface,
		Color:          "blue",
		Opacity:        1,
		Visible:        true,
	}
}

// Validate checks that the widget can apply v.
func (v View) Validate() error {
	switch v.Representation {
	case Surface, Wireframe, Points, SurfaceWithEdges:
	default:
		return fmt.Errorf("%w: unknown representation %q", ErrInvalidView, v.Representation)
	}
	if _, ok := ColorPresets[v.Color]; !ok {
		return fmt.Errorf("%w: unknown color %q", ErrInvalidView, v.Color)
	}
	if !(v.Opacity >= 0 && v.Opacity <= 1) {
		return fmt.Errorf("%w: opacity %v outside [0, 1]", ErrInvalidView, v.Opacity)
	}
	if !(v.Distance > 0) || gomath.IsInf(float64(v.Distance), 0) {
		return fmt.Errorf("%w: distance must be positive", ErrInvalidView)
	}
	if !(v.Pitch >= MinPitch && v.Pitch <= MaxPitch) {
		return fmt.Errorf("%w: pitch %v outside [%v, %v]", ErrInvalidView, v.Pitch, MinPitch, MaxPitch)
	}
	if !v.Center.IsFinite() || gomath.IsNaN(float64(v.Yaw)) || gomath.IsInf(float64(v.Yaw), 0) {
		return fmt.Errorf("%w: non-finite camera", ErrInvalidView)
	}
	return nil
}

// Eye returns the camera position in world space.
func (v View) Eye() math.Vec3 {
	pitch, yaw := float64(v.Pitch), float64(v.Yaw)
	return math.Vec3{
		X: v.Center.X + v.Distance*float32(gomath.Cos(pitch)*gomath.Sin(yaw)),
		Y: v.Center.Y + v.Distance*float32(gomath.Sin(pitch)),
		Z: v.Center.Z + v.Distance*float32(gomath.Cos(pitch)*gomath.Cos(yaw)),
	}
}

// FitView returns v with the camera reset to frame bounds. Display
// properties are kept.
func FitView(v View, bounds math.Bounds) View {
	if bounds.IsEmpty() {
		d := DefaultView()
		v.Center, v.Distance, v.Pitch, v.Yaw = d.Center, d.Distance, d.Pitch, d.Yaw
		return v
	}

	v.Center = bounds.Center()
	size := bounds.Size()
	maxSize := max(size.X, size.Y, size.Z)

	// Far enough for the bounding sphere to fit a ~30 degree field of view.
	v.Distance = maxSize * 2
	if v.Distance < 1e-3 {
		v.Distance = 1e-3
	}
	v.Pitch = 0.6 // look down at ~35 degrees
	v.Yaw = 0
	return v
}
