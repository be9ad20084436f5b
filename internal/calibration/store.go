package calibration

import (
	"context"
	"sync/atomic"
)

// Store publishes the current StereoParams. Readers never block and always
// see a complete parameter set; a publish replaces the set wholesale.
type Store struct {
	current atomic.Pointer[StereoParams]
	version atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the current parameters. The caller must not modify p
// afterwards.
func (s *Store) Publish(p *StereoParams) {
	s.current.Store(p)
	s.version.Add(1)
}

// Load returns the current parameters, or nil before the first publish.
func (s *Store) Load() *StereoParams {
	return s.current.Load()
}

// Version counts publishes.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// AsyncResult is delivered by CalibrateAsync.
type AsyncResult struct {
	Result StereoResult
	Err    error
}

// CalibrateAsync runs CalibrateExtrinsics in its own goroutine. On success
// the parameters are published to store (when not nil) before the result is
// sent. The channel receives exactly one value and is then closed.
func CalibrateAsync(ctx context.Context, views []CameraView, intr map[string]Intrinsics, ref string, store *Store) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		res, err := CalibrateExtrinsics(ctx, views, intr, ref)
		if err == nil && store != nil {
			params := res.Params
			store.Publish(&params)
		}
		ch <- AsyncResult{Result: res, Err: err}
	}()
	return ch
}
