package probe

import (
	"probe-tracker/pkg/geometry"
)

// Detection is one successful coarse detection, in the coordinates of the
// image the detector was given plus DetectInput.Offset.
type Detection struct {
	Tip       geometry.Point2D   `json:"tip"`
	Base      geometry.Point2D   `json:"base"`
	Direction geometry.Direction `json:"direction"`
	Angle     float64            `json:"angle"`
}

// Length returns the tip to base distance.
func (d Detection) Length() float64 {
	return d.Tip.Distance(d.Base)
}

// State is what a camera pipeline remembers about its probe between frames.
type State struct {
	Tip       geometry.Point2D
	Base      geometry.Point2D
	Direction geometry.Direction
	// Angle is the shaft angle bin in degrees, valid when HasAngle is set.
	Angle    float64
	HasAngle bool
	// Frames counts consecutive successful detections.
	Frames int
}

// Apply records a successful detection.
func (s *State) Apply(d Detection) {
	s.Tip = d.Tip
	s.Base = d.Base
	s.Direction = d.Direction
	s.Angle = d.Angle
	s.HasAngle = true
	s.Frames++
}

// Reset forgets the probe so the next frame runs a first detection.
func (s *State) Reset() {
	*s = State{}
}

// Detected reports whether the state holds a probe.
func (s *State) Detected() bool {
	return s.HasAngle
}
