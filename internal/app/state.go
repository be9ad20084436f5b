// Package app ties the tracking runtime, calibration and reticle metadata
// into one session and notifies listeners of what happens in it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"probe-tracker/internal/bundle"
	"probe-tracker/internal/calibration"
	"probe-tracker/internal/config"
	"probe-tracker/internal/coords"
	"probe-tracker/internal/project"
	"probe-tracker/internal/stage"
	"probe-tracker/internal/tracking"
)

// State holds one tracking session: its cameras, the published calibration
// and reticle metadata, and the event listeners.
type State struct {
	mu sync.RWMutex

	// Session identity
	SessionID uuid.UUID
	Started   time.Time

	Config config.Config

	// Shared, lock-free published state
	Stereo   *calibration.Store
	Metadata *coords.MetadataStore

	Registry   *tracking.Registry
	Aggregator *tracking.Aggregator
	pipelines  map[string]*tracking.Pipeline

	// Calibration bookkeeping, persisted to the project file
	ProjectPath       string
	Modified          bool
	Intrinsics        map[string]calibration.Intrinsics
	CalibrationError  float64
	BundleAdjusted    bool
	LastCalibrationAt time.Time

	// Whether each camera saw the probe in its last frame
	found map[string]bool

	// Event listeners
	listeners map[EventType][]EventListener

	log *slog.Logger
}

// EventType identifies different session events.
type EventType int

const (
	EventDetection EventType = iota
	EventLost
	EventCalibrated
	EventMetadataLoaded
	EventCameraAdded
	EventProjectLoaded
	EventProjectSaved
	EventStage
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// Calibrated is the payload of EventCalibrated.
type Calibrated struct {
	Params         *calibration.StereoParams
	ErrorMicrons   float64
	PixelError     map[string]float64
	BundleAdjusted bool
}

// NewState creates a session with a fresh id.
func NewState(cfg config.Config, log *slog.Logger) *State {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	id := uuid.New()
	log = log.With("session", id.String())
	s := &State{
		SessionID:  id,
		Started:    time.Now(),
		Config:     cfg,
		Stereo:     calibration.NewStore(),
		Metadata:   coords.NewMetadataStore(),
		Registry:   tracking.NewRegistry(log),
		pipelines:  make(map[string]*tracking.Pipeline),
		Intrinsics: make(map[string]calibration.Intrinsics),
		found:      make(map[string]bool),
		listeners:  make(map[EventType][]EventListener),
		log:        log,
	}
	s.Aggregator = tracking.NewAggregator(s.Registry, s.Stereo, s.Metadata)
	return s
}

// On registers an event listener for the specified event type.
func (s *State) On(event EventType, listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (s *State) Emit(event EventType, data interface{}) {
	s.mu.RLock()
	listeners := s.listeners[event]
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// AddCamera creates the pipeline and worker of a camera. It must be called
// before Start.
func (s *State) AddCamera(id, probeID string) (*tracking.Pipeline, error) {
	p := tracking.NewPipeline(id, s.Config.Components(), s.log)
	if probeID != "" {
		p.SelectProbe(probeID)
	}
	if _, err := s.Registry.Add(p, s.handleResult); err != nil {
		p.Close()
		return nil, err
	}
	s.mu.Lock()
	s.pipelines[id] = p
	s.mu.Unlock()
	s.Emit(EventCameraAdded, id)
	return p, nil
}

// handleResult runs on worker goroutines.
func (s *State) handleResult(res tracking.Result) {
	s.mu.Lock()
	was := s.found[res.Camera]
	s.found[res.Camera] = res.Found
	s.mu.Unlock()

	switch {
	case res.Found:
		s.Emit(EventDetection, res)
	case was:
		s.Emit(EventLost, res)
	}
}

// Start runs the camera workers until ctx is done or Stop is called.
func (s *State) Start(ctx context.Context) error {
	return s.Registry.Start(ctx)
}

// Stop stops the workers and releases the pipelines.
func (s *State) Stop() {
	s.Registry.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pipelines {
		p.Close()
		delete(s.pipelines, id)
	}
}

// SetMoving tells a camera's pipeline whether its stage is moving.
func (s *State) SetMoving(camera string, moving bool) error {
	s.mu.RLock()
	p, ok := s.pipelines[camera]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("camera %q: %w", camera, tracking.ErrUnknownCamera)
	}
	p.SetMoving(moving)
	return nil
}

// HandleStage applies a stage change to the cameras. A stage that starts
// moving becomes the tracked probe of every camera; a stage that stops only
// affects cameras tracking it.
func (s *State) HandleStage(ch stage.Change) {
	s.mu.RLock()
	pipes := make([]*tracking.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipes = append(pipes, p)
	}
	s.mu.RUnlock()

	for _, p := range pipes {
		switch {
		case ch.Moving:
			p.SelectProbe(ch.Serial)
			p.SetMoving(true)
		case p.Probe() == ch.Serial:
			p.SetMoving(false)
		}
	}
	s.log.Debug("stage", "serial", ch.Serial, "moving", ch.Moving)
	s.Emit(EventStage, ch)
}

// WatchStage polls the stage server in the configuration until ctx is done
// and applies every stage change.
func (s *State) WatchStage(ctx context.Context) error {
	params := s.Config.Stage
	if params.URL == "" {
		return errors.New("no stage server url")
	}
	m := stage.NewMonitor(params, s.HandleStage)
	return stage.NewPoller(params, m, s.log).Run(ctx)
}

// Locate triangulates the latest tip, in global coordinates of the given
// reticle label (raw micrometres when label is empty).
func (s *State) Locate(label string) (tracking.Position, error) {
	return s.Aggregator.Locate(label)
}

// Calibrate runs stereo calibration on reticle views in the background,
// optionally refines it by bundle adjustment, then publishes it. The
// returned channel yields the outcome once.
func (s *State) Calibrate(ctx context.Context, views []calibration.CameraView) <-chan error {
	out := make(chan error, 1)
	s.mu.RLock()
	intr := make(map[string]calibration.Intrinsics, len(s.Intrinsics))
	for id, in := range s.Intrinsics {
		intr[id] = in
	}
	s.mu.RUnlock()
	cc := s.Config.Calibration

	go func() {
		defer close(out)
		res := <-calibration.CalibrateAsync(ctx, views, intr, cc.Reference, nil)
		if res.Err != nil {
			out <- fmt.Errorf("calibrate: %w", res.Err)
			return
		}
		params := res.Result.Params
		adjusted := false
		if cc.Bundle {
			prob, ids := bundle.FromStereo(res.Result, views)
			br, err := bundle.NewAdjuster(cc.BundleSettings, s.log).Refine(ctx, prob)
			switch {
			case err == nil:
				params = bundle.ToStereo(params, br, ids)
				adjusted = true
				s.log.Info("bundle adjustment", "initial_px", br.InitialError, "final_px", br.FinalError)
			case errors.Is(err, bundle.ErrNotConverged):
				s.log.Warn("bundle adjustment kept initial calibration", "err", err)
			default:
				out <- fmt.Errorf("bundle adjustment: %w", err)
				return
			}
		}
		s.Stereo.Publish(&params)

		s.mu.Lock()
		s.CalibrationError = res.Result.MeanErrorMicrons
		s.BundleAdjusted = adjusted
		s.LastCalibrationAt = time.Now()
		s.Modified = true
		s.mu.Unlock()

		s.log.Info("calibration published",
			"cameras", len(params.Cameras),
			"error_um", res.Result.MeanErrorMicrons,
			"bundle", adjusted)
		s.Emit(EventCalibrated, Calibrated{
			Params:         &params,
			ErrorMicrons:   res.Result.MeanErrorMicrons,
			PixelError:     res.Result.PixelError,
			BundleAdjusted: adjusted,
		})
		out <- nil
	}()
	return out
}

// SetIntrinsics records the lens calibration of a camera for later stereo
// calibrations.
func (s *State) SetIntrinsics(camera string, in calibration.Intrinsics) {
	s.mu.Lock()
	s.Intrinsics[camera] = in
	s.Modified = true
	s.mu.Unlock()
}

// LoadMetadata loads a reticle metadata file and publishes it.
func (s *State) LoadMetadata(path string) error {
	snap, err := coords.LoadMetadataFile(path)
	if err != nil {
		return err
	}
	s.Metadata.Publish(snap)
	s.Emit(EventMetadataLoaded, snap.Labels())
	return nil
}

// WatchMetadata keeps the metadata store in sync with a file until ctx is
// done.
func (s *State) WatchMetadata(ctx context.Context, path string) error {
	return coords.WatchMetadata(ctx, path, s.Metadata, s.log)
}

// LoadProject restores intrinsics and the calibration from a project file
// and publishes the calibration.
func (s *State) LoadProject(path string) error {
	proj, err := project.Load(path)
	if err != nil {
		return err
	}
	stereo, err := proj.Stereo()
	if err != nil && !errors.Is(err, project.ErrNoCalibration) {
		return err
	}

	s.mu.Lock()
	s.ProjectPath = path
	s.Modified = false
	for id, in := range proj.Intrinsics {
		s.Intrinsics[id] = in
	}
	s.CalibrationError = proj.CalibrationError
	s.BundleAdjusted = proj.BundleAdjusted
	s.mu.Unlock()

	if stereo != nil {
		s.Stereo.Publish(stereo)
	}
	s.Emit(EventProjectLoaded, path)
	return nil
}

// SaveProject saves the session's calibration to a project file.
func (s *State) SaveProject(path string) error {
	proj, err := project.Load(path)
	if err != nil {
		proj = project.New(s.SessionID.String())
	}
	s.mu.RLock()
	proj.Session = s.SessionID.String()
	proj.Intrinsics = make(map[string]calibration.Intrinsics, len(s.Intrinsics))
	for id, in := range s.Intrinsics {
		proj.Intrinsics[id] = in
	}
	for _, id := range s.Registry.Cameras() {
		if !hasCamera(proj.Cameras, id) {
			proj.Cameras = append(proj.Cameras, project.Camera{ID: id})
		}
	}
	errMicrons, adjusted := s.CalibrationError, s.BundleAdjusted
	s.mu.RUnlock()

	if params := s.Stereo.Load(); params != nil {
		proj.SetCalibration(*params, errMicrons, adjusted)
	}
	if err := proj.Save(path); err != nil {
		return err
	}

	s.mu.Lock()
	s.ProjectPath = path
	s.Modified = false
	s.mu.Unlock()

	s.Emit(EventProjectSaved, path)
	return nil
}

func hasCamera(cams []project.Camera, id string) bool {
	for _, c := range cams {
		if c.ID == id {
			return true
		}
	}
	return false
}
