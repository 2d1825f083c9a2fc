package client

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// WalkSpeed is the camera speed in world units per second.
const WalkSpeed = 8

// ViewState is the presentation layer's camera.
type ViewState struct {
	Position mgl32.Vec3
	Yaw      float64 // degrees
	Pitch    float64 // degrees, within [-89, 89]
	Moving   float32 // -1 backwards, 0 still, 1 forwards
}

// Event is an input to Update.
type Event interface {
	isEvent()
}

// Look turns the camera by the given angles in degrees.
type Look struct {
	DYaw, DPitch float64
}

// Walk sets the walking direction along the view vector.
type Walk struct {
	Forward float32
}

// Teleport moves the camera.
type Teleport struct {
	Position mgl32.Vec3
}

// Elapsed advances the camera by one frame.
type Elapsed struct {
	Delta time.Duration
}

func (Look) isEvent()     {}
func (Walk) isEvent()     {}
func (Teleport) isEvent() {}
func (Elapsed) isEvent()  {}

// Update returns the state after ev. It has no side effects.
func Update(ev Event, s ViewState) ViewState {
	switch ev := ev.(type) {
	case Look:
		s.Yaw += ev.DYaw
		s.Pitch += ev.DPitch
		if s.Pitch > 89.0 {
			s.Pitch = 89.0
		}
		if s.Pitch < -89.0 {
			s.Pitch = -89.0
		}
	case Walk:
		s.Moving = max(-1, min(1, ev.Forward))
	case Teleport:
		s.Position = ev.Position
	case Elapsed:
		if s.Moving != 0 && ev.Delta > 0 {
			step := s.Moving * float32(ev.Delta.Seconds()) * WalkSpeed
			s.Position = s.Position.Add(s.Front().Mul(step))
		}
	}
	return s
}

// Front is the unit view vector.
func (s ViewState) Front() mgl32.Vec3 {
	y := mgl32.DegToRad(float32(s.Yaw))
	pt := mgl32.DegToRad(float32(s.Pitch))
	fx := float32(math.Cos(float64(y)) * math.Cos(float64(pt)))
	fy := float32(math.Sin(float64(pt)))
	fz := float32(math.Sin(float64(y)) * math.Cos(float64(pt)))
	return mgl32.Vec3{fx, fy, fz}.Normalize()
}

// ViewMatrix returns the look-at matrix for the camera.
func (s ViewState) ViewMatrix() mgl32.Mat4 {
	return mgl32.LookAtV(s.Position, s.Position.Add(s.Front()), mgl32.Vec3{0, 1, 0})
}
