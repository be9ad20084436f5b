package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gocv.io/x/gocv"
)

var (
	// ErrUnknownCamera is returned for a camera id with no worker.
	ErrUnknownCamera = errors.New("tracking: unknown camera")
	// ErrRunning is returned when the registry changes while started.
	ErrRunning = errors.New("tracking: registry running")
)

// Registry owns one Worker per camera and runs them together.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker

	cancel context.CancelFunc
	done   chan struct{} // closed once the workers of the last Start returned
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{workers: make(map[string]*Worker), log: log}
}

// Add registers a worker for proc's camera. onResult is passed to the worker.
func (r *Registry) Add(proc Processor, onResult func(Result)) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return nil, ErrRunning
	}
	id := proc.Camera()
	if _, ok := r.workers[id]; ok {
		return nil, fmt.Errorf("camera %q already registered", id)
	}
	w := NewWorker(proc, onResult, r.log)
	r.workers[id] = w
	return w, nil
}

// runningLocked reports whether workers of the last Start are still running.
// A run ends with Stop or when its context is done.
func (r *Registry) runningLocked() bool {
	if r.cancel == nil {
		return false
	}
	select {
	case <-r.done:
		r.cancel()
		r.cancel, r.done = nil, nil
		return false
	default:
		return true
	}
}

// Start runs every worker in its own goroutine until ctx is done or Stop is
// called. The registry can be started again once either has happened.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w *Worker) {
			defer r.wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("worker exited", "camera", w.Camera(), "err", err)
			}
		}(w)
	}
	go func() {
		r.wg.Wait()
		close(done)
	}()
	r.log.Info("tracking started", "cameras", len(r.workers))
	return nil
}

// Running reports whether the workers are running.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

// Stop cancels the workers and waits for them to return.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.log.Info("tracking stopped")
}

// Offer passes a frame to the camera's worker, which takes ownership of it.
func (r *Registry) Offer(camera string, frame gocv.Mat) error {
	w, ok := r.Worker(camera)
	if !ok {
		frame.Close()
		return fmt.Errorf("camera %q: %w", camera, ErrUnknownCamera)
	}
	w.Offer(frame)
	return nil
}

// Worker returns the worker of a camera.
func (r *Registry) Worker(camera string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[camera]
	return w, ok
}

// Latest returns the most recent result of a camera.
func (r *Registry) Latest(camera string) (Result, bool) {
	w, ok := r.Worker(camera)
	if !ok {
		return Result{}, false
	}
	return w.Latest()
}

// Cameras returns the registered camera ids in order.
func (r *Registry) Cameras() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
