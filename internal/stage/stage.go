// Package stage follows the manipulator stages through the status document
// of the stage HTTP server and reports when each stage starts and stops
// moving.
package stage

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Info is one stage entry of the status document. Positions are in
// millimetres.
type Info struct {
	SerialNumber string  `json:"SerialNumber"`
	X            float64 `json:"Stage_X"`
	Y            float64 `json:"Stage_Y"`
	Z            float64 `json:"Stage_Z"`
}

// Status is the document served by the stage server.
type Status struct {
	Probes        int    `json:"Probes"`
	SelectedProbe int    `json:"SelectedProbe"`
	ProbeArray    []Info `json:"ProbeArray"`
}

// Selected returns the stage selected on the server.
func (s Status) Selected() (Info, bool) {
	if s.SelectedProbe < 0 || s.SelectedProbe >= len(s.ProbeArray) {
		return Info{}, false
	}
	return s.ProbeArray[s.SelectedProbe], true
}

// DecodeStatus reads a status document.
func DecodeStatus(r io.Reader) (Status, error) {
	var s Status
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Status{}, fmt.Errorf("decode stage status: %w", err)
	}
	return s, nil
}

// Params tunes motion detection.
type Params struct {
	// URL of the stage server status document. Empty disables polling.
	URL string `json:"url" yaml:"url" toml:"url"`
	// MoveThreshold is the per-axis change in mm that counts as a move.
	MoveThreshold float64 `json:"move_threshold" yaml:"move_threshold" toml:"move_threshold"`
	// IdleTime is how long in seconds a stage must keep still to count as
	// stopped.
	IdleTime float64 `json:"idle_time" yaml:"idle_time" toml:"idle_time"`
	// PollInterval is the polling period in seconds.
	PollInterval float64 `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// DefaultParams returns the stage server settings.
func DefaultParams() Params {
	return Params{MoveThreshold: 0.001, IdleTime: 1, PollInterval: 0.05}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Change is a stage starting or stopping.
type Change struct {
	Serial string
	Moving bool
	Info   Info
	Time   time.Time
}

type motion struct {
	last   Info // position at the last move
	moved  time.Time
	moving bool
}

// Monitor turns position samples into Changes. It is safe for concurrent
// use; onChange is called without the lock held.
type Monitor struct {
	params   Params
	onChange func(Change)

	mu     sync.Mutex
	stages map[string]*motion
}

// NewMonitor creates a Monitor. onChange may be nil.
func NewMonitor(params Params, onChange func(Change)) *Monitor {
	def := DefaultParams()
	if params.MoveThreshold <= 0 {
		params.MoveThreshold = def.MoveThreshold
	}
	if params.IdleTime <= 0 {
		params.IdleTime = def.IdleTime
	}
	return &Monitor{params: params, onChange: onChange, stages: make(map[string]*motion)}
}

// Observe records a sample taken at now. A stage seen for the first time is
// stationary. A change of MoveThreshold on any axis since the last move
// starts it moving; IdleTime without such a change stops it.
func (m *Monitor) Observe(now time.Time, info Info) {
	m.mu.Lock()
	st, ok := m.stages[info.SerialNumber]
	if !ok {
		m.stages[info.SerialNumber] = &motion{last: info, moved: now}
		m.mu.Unlock()
		return
	}
	var out *Change
	switch {
	case m.significant(st.last, info):
		st.last, st.moved = info, now
		if !st.moving {
			st.moving = true
			out = &Change{Serial: info.SerialNumber, Moving: true, Info: info, Time: now}
		}
	case st.moving && now.Sub(st.moved) >= seconds(m.params.IdleTime):
		st.moving = false
		out = &Change{Serial: info.SerialNumber, Moving: false, Info: info, Time: now}
	}
	m.mu.Unlock()

	if out != nil && m.onChange != nil {
		m.onChange(*out)
	}
}

// ObserveStatus records every stage of a status document.
func (m *Monitor) ObserveStatus(now time.Time, s Status) {
	for _, info := range s.ProbeArray {
		if info.SerialNumber != "" {
			m.Observe(now, info)
		}
	}
}

// Moving reports whether a stage is moving.
func (m *Monitor) Moving(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[serial]
	return ok && st.moving
}

func (m *Monitor) significant(a, b Info) bool {
	t := m.params.MoveThreshold
	return math.Abs(a.X-b.X) >= t || math.Abs(a.Y-b.Y) >= t || math.Abs(a.Z-b.Z) >= t
}
