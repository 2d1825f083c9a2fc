package client

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestUpdateClampsPitch(t *testing.T) {
	s := Update(Look{DPitch: 120}, ViewState{})
	assert.Equal(t, 89.0, s.Pitch)
	s = Update(Look{DYaw: 30, DPitch: -400}, s)
	assert.Equal(t, -89.0, s.Pitch)
	assert.Equal(t, 30.0, s.Yaw)
}

func TestUpdateWalksAlongView(t *testing.T) {
	s := ViewState{Position: mgl32.Vec3{1, 2, 3}}
	s = Update(Walk{Forward: 5}, s)
	assert.Equal(t, float32(1), s.Moving, "clamped")

	s = Update(Elapsed{Delta: 500 * time.Millisecond}, s)
	assert.True(t, s.Position.ApproxEqual(mgl32.Vec3{1 + WalkSpeed/2, 2, 3}), "%v", s.Position)

	s = Update(Walk{}, s)
	before := s.Position
	s = Update(Elapsed{Delta: time.Second}, s)
	assert.Equal(t, before, s.Position)
}

func TestUpdateIsPure(t *testing.T) {
	in := ViewState{Position: mgl32.Vec3{1, 1, 1}, Moving: 1}
	out := Update(Teleport{Position: mgl32.Vec3{9, 9, 9}}, in)
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, in.Position)
	assert.Equal(t, mgl32.Vec3{9, 9, 9}, out.Position)
	assert.Equal(t, in.Moving, out.Moving)
}

func TestFrontVector(t *testing.T) {
	assert.True(t, ViewState{}.Front().ApproxEqual(mgl32.Vec3{1, 0, 0}))
	up := ViewState{Pitch: 89}.Front()
	assert.Greater(t, up.Y(), float32(0.99))
	assert.InDelta(t, 1, ViewState{Yaw: 37, Pitch: 12}.Front().Len(), 1e-5)
}
