package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// Processor is the frame-handling side of a Worker. *Pipeline satisfies it.
type Processor interface {
	Camera() string
	ProcessFrame(ctx context.Context, frame gocv.Mat) Result
}

// Stats counts frames seen by a Worker.
type Stats struct {
	Offered   uint64 `json:"offered"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Found     uint64 `json:"found"`
}

// Worker feeds the most recent frame of one camera to its pipeline. Frames
// arriving while the pipeline is busy replace the pending one, so the
// pipeline never falls behind the camera.
type Worker struct {
	proc Processor
	slot chan gocv.Mat
	// offerMu serializes producers around the drain-and-replace.
	offerMu sync.Mutex

	mu      sync.RWMutex
	latest  Result
	hasLast bool

	offered, dropped, processed, found atomic.Uint64

	onResult func(Result)
	log      *slog.Logger
}

// NewWorker creates a Worker for proc. onResult, if set, is called from the
// worker goroutine after every processed frame.
func NewWorker(proc Processor, onResult func(Result), log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		proc:     proc,
		slot:     make(chan gocv.Mat, 1),
		onResult: onResult,
		log:      log.With("camera", proc.Camera()),
	}
}

// Camera returns the camera id of the pipeline.
func (w *Worker) Camera() string {
	return w.proc.Camera()
}

// Offer hands a frame to the worker and never blocks. The worker takes
// ownership of frame: it is closed after processing or when a newer frame
// replaces it. Offer reports whether an older pending frame was dropped.
func (w *Worker) Offer(frame gocv.Mat) (dropped bool) {
	w.offerMu.Lock()
	defer w.offerMu.Unlock()
	w.offered.Add(1)
	for {
		select {
		case w.slot <- frame:
			return dropped
		default:
		}
		select {
		case old := <-w.slot:
			old.Close()
			w.dropped.Add(1)
			dropped = true
		default:
			// The worker took the pending frame; the slot is free now.
		}
	}
}

// Run processes frames until ctx is done. Cancellation is observed between
// frames; a pending frame is closed on exit.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug("worker started")
	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("worker stopped")
			return ctx.Err()
		case frame := <-w.slot:
			res := w.proc.ProcessFrame(ctx, frame)
			frame.Close()
			w.processed.Add(1)
			if res.Found {
				w.found.Add(1)
			}
			w.mu.Lock()
			w.latest, w.hasLast = res, true
			w.mu.Unlock()
			if w.onResult != nil {
				w.onResult(res)
			}
		}
	}
}

func (w *Worker) drain() {
	select {
	case f := <-w.slot:
		f.Close()
	default:
	}
}

// Latest returns the most recent result.
func (w *Worker) Latest() (Result, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.hasLast
}

// Stats returns the frame counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Offered:   w.offered.Load(),
		Dropped:   w.dropped.Load(),
		Processed: w.processed.Load(),
		Found:     w.found.Load(),
	}
}
