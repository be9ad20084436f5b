// Package tracking runs the per-camera probe pipeline and fans camera
// results into 3D positions.
package tracking

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"probe-tracker/internal/boundary"
	"probe-tracker/internal/framediff"
	"probe-tracker/internal/imgproc"
	"probe-tracker/internal/mask"
	"probe-tracker/internal/probe"
	"probe-tracker/internal/reticle"
	"probe-tracker/pkg/geometry"
)

// Params tunes the pipeline glue around the detectors.
type Params struct {
	// WorkSize is the resolution detection runs at.
	WorkSize image.Point `json:"work_size" yaml:"work_size" toml:"work_size"`
	BlurSize int         `json:"blur_size" yaml:"blur_size" toml:"blur_size"`
	// Half sizes (original pixels) of the fine tip crop per strategy.
	FineCropPrevious   int `json:"fine_crop_previous" yaml:"fine_crop_previous" toml:"fine_crop_previous"`
	FineCropBackground int `json:"fine_crop_background" yaml:"fine_crop_background" toml:"fine_crop_background"`
	// Hough minimum line length during updates is Base + Step*PerStep, where
	// Step counts boundary growth steps.
	UpdateMinLinePrevious   int `json:"update_min_line_previous" yaml:"update_min_line_previous" toml:"update_min_line_previous"`
	UpdateMinLineBackground int `json:"update_min_line_background" yaml:"update_min_line_background" toml:"update_min_line_background"`
	UpdateMinLinePerStep    int `json:"update_min_line_per_step" yaml:"update_min_line_per_step" toml:"update_min_line_per_step"`
	// DetectReticle looks for the reticle once per probe so background
	// detections lying on the gridlines are rejected.
	DetectReticle bool `json:"detect_reticle" yaml:"detect_reticle" toml:"detect_reticle"`
}

// DefaultParams returns the settings for 4000x3000 camera frames.
func DefaultParams() Params {
	return Params{
		WorkSize:                image.Pt(1000, 750),
		BlurSize:                9,
		FineCropPrevious:        25,
		FineCropBackground:      20,
		UpdateMinLinePrevious:   40,
		UpdateMinLineBackground: 60,
		UpdateMinLinePerStep:    5,
		DetectReticle:           true,
	}
}

// Components bundles the detector settings a Pipeline is built from.
type Components struct {
	Tracking Params
	Mask     mask.Params
	Reticle  reticle.Params
	Diff     framediff.Params
	Probe    probe.Params
	FineTip  probe.FineTipParams
	Boundary boundary.Params
}

// DefaultComponents returns default settings for every stage.
func DefaultComponents() Components {
	return Components{
		Tracking: DefaultParams(),
		Mask:     mask.DefaultParams(),
		Reticle:  reticle.DefaultParams(),
		Diff:     framediff.DefaultParams(),
		Probe:    probe.DefaultParams(),
		FineTip:  probe.DefaultFineTipParams(),
		Boundary: boundary.DefaultParams(),
	}
}

// Result is the outcome of one frame. Pixel positions are in original frame
// coordinates.
type Result struct {
	Camera string    `json:"camera"`
	Probe  string    `json:"probe,omitempty"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`

	Found bool `json:"found"`
	// Tip is the fine tip when Precise, else the coarse tip.
	Tip       geometry.Point2D   `json:"tip"`
	CoarseTip geometry.Point2D   `json:"coarse_tip"`
	Base      geometry.Point2D   `json:"base"`
	Precise   bool               `json:"precise"`
	Direction geometry.Direction `json:"direction"`
	Angle     float64            `json:"angle"`
	Mode      framediff.Mode     `json:"mode"`
	// Attempts is the number of boundary regions tried; 0 for a first detection.
	Attempts int `json:"attempts"`

	ReticleFound bool `json:"reticle_found"`
}

// track is the per-probe part of the pipeline state.
type track struct {
	state  probe.State
	diff   *framediff.Differencer
	bounds *boundary.Manager
	zone   *reticle.Zone
	tested bool // reticle detection has run
}

// Pipeline turns frames of one camera into probe detections. Frames are
// processed one at a time; probe selection and stage motion may be changed
// from other goroutines.
type Pipeline struct {
	camera string
	comp   Components

	masks    *mask.Generator
	reticles *reticle.Detector
	detector *probe.Detector
	fine     *probe.FineTipDetector

	// mu guards the tracks and is held for a whole frame.
	mu      sync.Mutex
	tracks  map[string]*track
	current string
	seq     uint64

	moving atomic.Bool

	log *slog.Logger
}

// NewPipeline creates a pipeline for one camera.
func NewPipeline(camera string, comp Components, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("camera", camera)
	p := &Pipeline{
		camera:   camera,
		comp:     comp,
		masks:    mask.NewGenerator(comp.Mask, log),
		reticles: reticle.NewDetector(comp.Reticle, log),
		detector: probe.NewDetector(comp.Probe, log),
		fine:     probe.NewFineTipDetector(comp.FineTip, log),
		tracks:   make(map[string]*track),
		log:      log,
	}
	p.tracks[""] = p.newTrack()
	return p
}

func (p *Pipeline) newTrack() *track {
	return &track{
		diff:   framediff.New(p.comp.Diff),
		bounds: boundary.NewManager(p.comp.Tracking.WorkSize, p.comp.Boundary),
	}
}

// Camera returns the camera id.
func (p *Pipeline) Camera() string {
	return p.camera
}

// SelectProbe switches to the probe with the given id (a stage serial
// number). Each probe keeps its own state and references; the first
// selection of an id starts from scratch.
func (p *Pipeline) SelectProbe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == p.current {
		return
	}
	if _, ok := p.tracks[id]; !ok {
		p.tracks[id] = p.newTrack()
	}
	p.current = id
	p.log.Debug("probe selected", "probe", id)
}

// SetMoving tells the pipeline whether the stage is moving. A moving probe
// is compared against the background first, and the previous frame is only
// replaced while the stage is stationary. It takes effect on the next frame.
func (p *Pipeline) SetMoving(moving bool) {
	p.moving.Store(moving)
}

// Moving reports the last stage motion set.
func (p *Pipeline) Moving() bool {
	return p.moving.Load()
}

// Probe returns the selected probe id.
func (p *Pipeline) Probe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// State returns a copy of the current probe state.
func (p *Pipeline) State() probe.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[p.current].state
}

// Reset forgets the current probe so the next frame runs a first detection.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tracks[p.current]
	t.state.Reset()
	t.diff.Reset()
}

// Close releases retained frames of every probe.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		t.diff.Close()
	}
	return nil
}

// frameData is the per-frame working set.
type frameData struct {
	gray     gocv.Mat // original resolution, grayscale
	work     gocv.Mat // resized and blurred
	mask     gocv.Mat // plate mask at work size
	original image.Point
	reticle  bool
}

func (f *frameData) close() {
	f.gray.Close()
	f.work.Close()
	f.mask.Close()
}

// ProcessFrame runs detection on one frame. The frame is not modified or
// closed. A cancelled context stops the pipeline between strategies and the
// frame reports no detection.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame gocv.Mat) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	moving := p.moving.Load()
	p.seq++
	res := Result{Camera: p.camera, Probe: p.current, Seq: p.seq, Time: time.Now()}
	if frame.Empty() || ctx.Err() != nil {
		return res
	}
	fd := p.prepare(frame)
	defer fd.close()
	res.ReticleFound = fd.reticle

	t := p.tracks[p.current]
	if p.comp.Tracking.DetectReticle && !t.tested && fd.reticle {
		p.detectReticle(t, fd)
	}

	// The first frame only seeds the reference.
	if !t.diff.HasPrevious() {
		t.diff.Commit(fd.work)
		return res
	}

	first := !t.state.Detected()
	modes := []framediff.Mode{framediff.ModePrevious, framediff.ModeBackground}
	if !first {
		primary := framediff.ModeFor(moving)
		modes = []framediff.Mode{primary, primary.Other()}
	}
	for _, mode := range modes {
		if ctx.Err() != nil {
			return res
		}
		var ok bool
		if first {
			ok = p.firstDetect(t, fd, mode, &res)
		} else {
			ok = p.updateDetect(t, fd, mode, &res)
		}
		if ok {
			res.Found = true
			res.Mode = mode
			// A moving stage keeps the last stationary frame as reference.
			if !moving {
				t.diff.Commit(fd.work)
			}
			p.log.Debug("probe detected", "mode", mode, "tip", res.Tip, "precise", res.Precise, "attempts", res.Attempts)
			return res
		}
	}
	p.log.Debug("probe not detected", "first", first, "seq", p.seq)
	return res
}

func (p *Pipeline) prepare(frame gocv.Mat) *frameData {
	tp := p.comp.Tracking
	fd := &frameData{gray: imgproc.ToGray(frame), original: imgproc.Size(frame)}
	fd.work = imgproc.ResizeTo(fd.gray, tp.WorkSize)
	if tp.BlurSize > 1 {
		gocv.GaussianBlur(fd.work, &fd.work, image.Pt(tp.BlurSize, tp.BlurSize), 0, 0, gocv.BorderDefault)
	}
	m := p.masks.Process(fd.work)
	fd.mask = m.Mask
	fd.reticle = m.ReticleFound
	return fd
}

// detectReticle locates the reticle gridlines at full resolution and keeps
// their zone for the current probe.
func (p *Pipeline) detectReticle(t *track, fd *frameData) {
	t.tested = true
	full := gocv.NewMat()
	defer full.Close()
	gocv.Resize(fd.mask, &full, fd.original, 0, 0, gocv.InterpolationNearestNeighbor)
	ip, err := p.reticles.GetCoords(fd.gray, full)
	if err != nil {
		p.log.Warn("reticle detection failed", "err", err)
		return
	}
	if ip == nil {
		p.log.Debug("no reticle in frame")
		return
	}
	z := reticle.ZoneOf(*ip, p.comp.Reticle.ZoneWidth)
	t.zone = &z
	p.log.Info("reticle zone set", "center", ip.Center)
}

// workRegion adapts a reticle zone in original pixels to work coordinates.
type workRegion struct {
	zone           reticle.Zone
	work, original image.Point
}

func (w workRegion) Contains(pt geometry.Point2D) bool {
	return w.zone.Contains(imgproc.ScaleToOriginal(pt, w.work, w.original))
}

// Distance is in original pixels.
func (w workRegion) Distance(pt geometry.Point2D) float64 {
	return w.zone.Distance(imgproc.ScaleToOriginal(pt, w.work, w.original))
}

func (p *Pipeline) exclude(t *track, fd *frameData, mode framediff.Mode) probe.Region {
	if mode != framediff.ModeBackground || t.zone == nil {
		return nil
	}
	return workRegion{zone: *t.zone, work: p.comp.Tracking.WorkSize, original: fd.original}
}

// firstDetect searches the whole frame. A failed fine tip keeps the coarse tip.
func (p *Pipeline) firstDetect(t *track, fd *frameData, mode framediff.Mode, res *Result) bool {
	diff, ok := t.diff.UpdateCmp(mode, fd.work, fd.mask)
	defer diff.Close()
	if !ok {
		return false
	}
	det, ok := p.detector.Detect(diff, probe.DetectInput{Mask: fd.mask, Exclude: p.exclude(t, fd, mode)})
	if !ok {
		return false
	}
	p.finish(t, fd, mode, det, res)
	return true
}

// updateDetect searches boundary regions around the last known probe, growing
// them until the probe is found or the frame is covered. The fine tip must
// succeed too.
func (p *Pipeline) updateDetect(t *track, fd *frameData, mode framediff.Mode, res *Result) bool {
	diff, ok := t.diff.UpdateCmp(mode, fd.work, fd.mask)
	defer diff.Close()
	if !ok {
		return false
	}
	known := t.state
	bounds := t.bounds
	region := bounds.Begin(known.Tip, known.Base)
	exclude := p.exclude(t, fd, mode)
	for {
		res.Attempts = bounds.Attempts()
		if det, ok := p.detectIn(diff, region, bounds.Step(), fd, &known, mode, exclude); ok && bounds.Accept(det.Tip) {
			if p.finish(t, fd, mode, det, res) {
				bounds.Succeeded()
				return true
			}
			// Coarse line found but no tip: a larger region will not help.
			return false
		}
		if !bounds.Failed() {
			return false
		}
		region = bounds.Region()
	}
}

func (p *Pipeline) detectIn(diff gocv.Mat, region geometry.RectInt, step int, fd *frameData, known *probe.State, mode framediff.Mode, exclude probe.Region) (probe.Detection, bool) {
	crop, err := imgproc.Crop(diff, region)
	if err != nil {
		return probe.Detection{}, false
	}
	defer crop.Close()
	h := p.updateHough(mode, step)
	return p.detector.Detect(crop, probe.DetectInput{
		Offset:  region.Origin(),
		Mask:    fd.mask,
		Known:   known,
		Hough:   &h,
		Exclude: exclude,
	})
}

// updateHough scales the minimum line length with the boundary size; the
// background diff is too noisy to bridge gaps.
func (p *Pipeline) updateHough(mode framediff.Mode, step int) probe.HoughParams {
	tp := p.comp.Tracking
	h := p.comp.Probe.HoughUpdate
	if mode == framediff.ModeBackground {
		h.MinLineLength = tp.UpdateMinLineBackground + step*tp.UpdateMinLinePerStep
		h.MaxLineGap = 0
	} else {
		h.MinLineLength = tp.UpdateMinLinePrevious + step*tp.UpdateMinLinePerStep
	}
	return h
}

// finish refines the tip and records the detection. It returns whether the
// fine tip was found; first detections are recorded either way.
func (p *Pipeline) finish(t *track, fd *frameData, mode framediff.Mode, det probe.Detection, res *Result) bool {
	work := p.comp.Tracking.WorkSize
	tip := imgproc.ScaleToOriginal(det.Tip, work, fd.original)
	base := imgproc.ScaleToOriginal(det.Base, work, fd.original)
	precise, ok := p.fineTip(fd, mode, tip, base, det.Direction)

	first := !t.state.Detected()
	if !ok && !first {
		return false
	}
	if ok && mode == framediff.ModeBackground {
		det.Tip = scaleToWork(precise, work, fd.original)
	}
	t.state.Apply(det)
	if mode == framediff.ModeBackground {
		t.diff.UpdateBackground(fd.work, fd.mask, det.Tip, det.Base)
	}

	res.CoarseTip, res.Base = tip, base
	res.Tip, res.Precise = tip, ok
	if ok {
		res.Tip = precise
	}
	res.Direction = det.Direction
	res.Angle = det.Angle
	return ok
}

func (p *Pipeline) fineTip(fd *frameData, mode framediff.Mode, tip, base geometry.Point2D, dir geometry.Direction) (geometry.Point2D, bool) {
	half := p.comp.Tracking.FineCropPrevious
	if mode == framediff.ModeBackground {
		half = p.comp.Tracking.FineCropBackground
	}
	region := boundary.Around(tip, half, fd.original)
	crop, err := imgproc.Crop(fd.gray, region)
	if err != nil {
		return geometry.Point2D{}, false
	}
	defer crop.Close()
	return p.fine.GetPreciseTip(crop, tip, base, dir, region.Origin())
}

func scaleToWork(p geometry.Point2D, work, original image.Point) geometry.Point2D {
	return imgproc.ScaleToOriginal(p, original, work)
}
