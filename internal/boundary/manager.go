// Package boundary manages the search region used to re-find a tracked probe.
//
// Each frame starts a new episode with a tight crop around the last known
// shaft. Every failed attempt grows the crop until it spans the whole frame,
// at which point the episode is over and the frame counts as a miss.
package boundary

import (
	"image"

	"probe-tracker/pkg/geometry"
)

// State is the manager's position in an episode.
type State int

const (
	// StateNominal is the first attempt of an episode.
	StateNominal State = iota
	// StateExpanding means at least one attempt failed.
	StateExpanding
	// StateExhausted means the crop already covered the frame and failed.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateNominal:
		return "nominal"
	case StateExpanding:
		return "expanding"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Params tunes crop growth. Sizes are margins in working-frame pixels added on
// every side of the tip/base bounding box.
type Params struct {
	InitialCrop int `json:"initial_crop" yaml:"initial_crop" toml:"initial_crop"`
	Increment   int `json:"increment" yaml:"increment" toml:"increment"`
	EdgeBuffer  int `json:"edge_buffer" yaml:"edge_buffer" toml:"edge_buffer"`
}

// DefaultParams returns the standard growth schedule.
func DefaultParams() Params {
	return Params{InitialCrop: 50, Increment: 100, EdgeBuffer: 5}
}

// Manager is the per-camera boundary state machine. It is not safe for
// concurrent use.
type Manager struct {
	frame  image.Point
	params Params

	state     State
	margin    int
	tip, base geometry.Point2D
	region    geometry.RectInt
	attempts  int
}

// NewManager creates a Manager for frames of the given size.
func NewManager(frame image.Point, params Params) *Manager {
	if params.InitialCrop <= 0 {
		params.InitialCrop = DefaultParams().InitialCrop
	}
	if params.Increment <= 0 {
		params.Increment = DefaultParams().Increment
	}
	return &Manager{frame: frame, params: params, state: StateExhausted}
}

// Begin starts an episode around the last known tip and base and returns the
// first region to search.
func (m *Manager) Begin(tip, base geometry.Point2D) geometry.RectInt {
	m.tip, m.base = tip, base
	m.state = StateNominal
	m.margin = m.params.InitialCrop
	m.attempts = 1
	m.region = m.regionFor(m.margin)
	return m.region
}

// Region returns the region of the current attempt.
func (m *Manager) Region() geometry.RectInt {
	return m.region
}

// Margin returns the crop margin of the current attempt.
func (m *Manager) Margin() int {
	return m.margin
}

// Step returns the growth step of the current attempt, starting at 1 for the
// initial crop.
func (m *Manager) Step() int {
	return m.margin / m.params.InitialCrop
}

// Attempts returns how many regions have been handed out this episode.
func (m *Manager) Attempts() int {
	return m.attempts
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Failed records a failed attempt. It grows the region and returns true if
// another attempt should be made, or returns false once the frame is covered.
func (m *Manager) Failed() bool {
	if m.state == StateExhausted {
		return false
	}
	next := m.margin + m.params.Increment
	if m.region.Covers(geometry.RectInt{Width: m.frame.X, Height: m.frame.Y}) || next > max(m.frame.X, m.frame.Y) {
		m.state = StateExhausted
		return false
	}
	m.margin = next
	m.region = m.regionFor(next)
	m.state = StateExpanding
	m.attempts++
	return true
}

// Succeeded ends the episode.
func (m *Manager) Succeeded() {
	m.state = StateNominal
}

// Accept reports whether a detected tip can be trusted in the current region:
// a tip within the edge buffer of the crop boundary may have been cut off.
func (m *Manager) Accept(tip geometry.Point2D) bool {
	return !OnEdge(m.region, tip, m.params.EdgeBuffer)
}

func (m *Manager) regionFor(margin int) geometry.RectInt {
	left := int(min(m.tip.X, m.base.X)) - margin
	top := int(min(m.tip.Y, m.base.Y)) - margin
	right := int(max(m.tip.X, m.base.X)) + margin
	bottom := int(max(m.tip.Y, m.base.Y)) + margin
	return geometry.RectFromBounds(left, top, right, bottom).Clamp(m.frame)
}

// OnEdge reports whether p lies within buffer px of any edge line of r.
func OnEdge(r geometry.RectInt, p geometry.Point2D, buffer int) bool {
	b := float64(buffer)
	near := func(v float64, edge int) bool {
		return v >= float64(edge)-b && v <= float64(edge)+b
	}
	return near(p.Y, r.Y) || near(p.Y, r.Bottom()) || near(p.X, r.X) || near(p.X, r.Right())
}

// Around returns a square region of the given half size centred on p and
// clamped to the frame, as used for the fine tip crop.
func Around(p geometry.Point2D, half int, frame image.Point) geometry.RectInt {
	c := p.Round()
	return geometry.RectFromBounds(c.X-half, c.Y-half, c.X+half, c.Y+half).Clamp(frame)
}
