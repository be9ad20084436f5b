package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusDoc = `{
  "Probes": 2,
  "SelectedProbe": 1,
  "ProbeArray": [
    {"SerialNumber": "SN1", "Stage_X": 7.5, "Stage_Y": 7.5, "Stage_Z": 7.5, "Stage_XOffset": 0},
    {"SerialNumber": "SN2", "Stage_X": 1.25, "Stage_Y": 2.5, "Stage_Z": 3.75}
  ]
}`

func TestDecodeStatus(t *testing.T) {
	s, err := DecodeStatus(strings.NewReader(statusDoc))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Probes)
	require.Len(t, s.ProbeArray, 2)
	sel, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, Info{SerialNumber: "SN2", X: 1.25, Y: 2.5, Z: 3.75}, sel)

	s.SelectedProbe = 5
	_, ok = s.Selected()
	assert.False(t, ok)

	_, err = DecodeStatus(strings.NewReader("{"))
	assert.Error(t, err)
}

type changes struct {
	mu  sync.Mutex
	got []Change
}

func (c *changes) add(ch Change) {
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
}

func (c *changes) list() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.got...)
}

func TestMonitorMovingAndIdle(t *testing.T) {
	var c changes
	m := NewMonitor(Params{}, c.add)
	t0 := time.Unix(1000, 0)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }
	pos := func(x float64) Info { return Info{SerialNumber: "SN1", X: x, Y: 1, Z: 1} }

	m.Observe(at(0), pos(1))
	assert.False(t, m.Moving("SN1"))
	m.Observe(at(100), pos(1.0004))
	assert.False(t, m.Moving("SN1"), "below the threshold")

	m.Observe(at(200), pos(1.002))
	assert.True(t, m.Moving("SN1"))
	m.Observe(at(300), pos(1.004))
	m.Observe(at(1200), pos(1.004))
	assert.True(t, m.Moving("SN1"), "idle for less than a second")
	m.Observe(at(1300), pos(1.004))
	assert.False(t, m.Moving("SN1"))
	m.Observe(at(5000), pos(1.004))

	got := c.list()
	require.Len(t, got, 2)
	assert.Equal(t, Change{Serial: "SN1", Moving: true, Info: pos(1.002), Time: at(200)}, got[0])
	assert.Equal(t, Change{Serial: "SN1", Moving: false, Info: pos(1.004), Time: at(1300)}, got[1])
	assert.False(t, m.Moving("SN9"))
}

func TestMonitorStagesAreIndependent(t *testing.T) {
	m := NewMonitor(DefaultParams(), nil)
	now := time.Now()
	m.ObserveStatus(now, Status{ProbeArray: []Info{{SerialNumber: "SN1"}, {SerialNumber: "SN2"}, {}}})
	m.ObserveStatus(now.Add(time.Millisecond), Status{ProbeArray: []Info{{SerialNumber: "SN1", Z: 0.5}, {SerialNumber: "SN2"}}})
	assert.True(t, m.Moving("SN1"))
	assert.False(t, m.Moving("SN2"))
	assert.False(t, m.Moving(""))
}

func TestPollerFeedsMonitor(t *testing.T) {
	var x atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		step := x.Add(1)
		s := Status{Probes: 1, ProbeArray: []Info{{SerialNumber: "SN1", X: float64(min(step, 3)) * 0.01}}}
		assert.NoError(t, json.NewEncoder(w).Encode(s))
	}))
	defer srv.Close()

	var c changes
	m := NewMonitor(Params{IdleTime: 0.05}, c.add)
	p := NewPoller(Params{URL: srv.URL, PollInterval: 0.005}, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return len(c.list()) >= 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	got := c.list()
	assert.True(t, got[0].Moving)
	assert.False(t, got[1].Moving)
	assert.Equal(t, "SN1", got[1].Serial)
}

func TestPollerReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disabled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewPoller(Params{URL: srv.URL}, NewMonitor(Params{}, nil), nil)
	_, err := p.Fetch(context.Background())
	assert.ErrorContains(t, err, "503")
}
