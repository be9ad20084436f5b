package tracking

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"probe-tracker/internal/boundary"
	"probe-tracker/internal/calibration"
	"probe-tracker/internal/coords"
	"probe-tracker/internal/framediff"
	"probe-tracker/internal/probe"
	"probe-tracker/internal/reticle"
	"probe-tracker/pkg/geometry"
)

var _ Processor = (*Pipeline)(nil)

// fakeProc reports a fixed tip and records the height of every frame it saw.
type fakeProc struct {
	id    string
	found bool
	tip   geometry.Point2D

	mu   sync.Mutex
	seen []int
}

func (f *fakeProc) Camera() string { return f.id }

func (f *fakeProc) ProcessFrame(_ context.Context, frame gocv.Mat) Result {
	f.mu.Lock()
	f.seen = append(f.seen, frame.Rows())
	f.mu.Unlock()
	return Result{Camera: f.id, Found: f.found, Tip: f.tip, Time: time.Now()}
}

func (f *fakeProc) frames() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.seen...)
}

func tagged(rows int) gocv.Mat {
	return gocv.NewMatWithSize(rows, 1, gocv.MatTypeCV8UC1)
}

func TestWorkerKeepsLatestFrame(t *testing.T) {
	proc := &fakeProc{id: "camA", found: true}
	var got []Result
	var mu sync.Mutex
	w := NewWorker(proc, func(r Result) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, nil)

	assert.False(t, w.Offer(tagged(1)))
	assert.True(t, w.Offer(tagged(2)))
	assert.True(t, w.Offer(tagged(3)))
	st := w.Stats()
	assert.Equal(t, uint64(3), st.Offered)
	assert.Equal(t, uint64(2), st.Dropped)

	_, ok := w.Latest()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3}, proc.frames(), "only the newest frame is processed")
	res, ok := w.Latest()
	require.True(t, ok)
	assert.True(t, res.Found)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerOfferNeverBlocks(t *testing.T) {
	w := NewWorker(&fakeProc{id: "camA"}, nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			w.Offer(tagged(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked without a consumer")
	}
	assert.Equal(t, uint64(99), w.Stats().Dropped)
	w.drain()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeProc{id: "camA", found: true}
	_, err := r.Add(a, nil)
	require.NoError(t, err)
	_, err = r.Add(&fakeProc{id: "camA"}, nil)
	assert.Error(t, err)
	_, err = r.Add(&fakeProc{id: "camB"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"camA", "camB"}, r.Cameras())

	assert.ErrorIs(t, r.Offer("camZ", tagged(1)), ErrUnknownCamera)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunning)
	_, err = r.Add(&fakeProc{id: "camC"}, nil)
	assert.ErrorIs(t, err, ErrRunning)

	require.NoError(t, r.Offer("camA", tagged(7)))
	require.Eventually(t, func() bool {
		res, ok := r.Latest("camA")
		return ok && res.Found
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := r.Latest("camB")
	assert.False(t, ok)

	r.Stop()
	r.Stop()
	require.NoError(t, r.Start(context.Background()), "a stopped registry can be restarted")
	r.Stop()
}

func TestRegistryRestartsAfterContextDone(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Add(&fakeProc{id: "camA", found: true}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	assert.True(t, r.Running())
	cancel()
	require.Eventually(t, func() bool { return !r.Running() }, 2*time.Second, 5*time.Millisecond)

	_, err = r.Add(&fakeProc{id: "camB"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.NoError(t, r.Offer("camA", tagged(3)))
	require.Eventually(t, func() bool {
		res, ok := r.Latest("camA")
		return ok && res.Found
	}, 2*time.Second, 5*time.Millisecond)
}

func lookAt(c r3.Vector) calibration.Pose {
	z := c.Mul(-1).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	r := calibration.Mat3{{x.X, x.Y, x.Z}, {y.X, y.Y, y.Z}, {z.X, z.Y, z.Z}}
	return calibration.Pose{R: r, T: r.MulVec(c).Mul(-1)}
}

func TestAggregatorLocate(t *testing.T) {
	in := calibration.Intrinsics{FX: 2000, FY: 2000, CX: 1000, CY: 750}
	camA := calibration.CameraParams{ID: "camA", Intrinsics: in, Pose: lookAt(r3.Vector{X: 20, Y: -30, Z: 50})}
	camB := calibration.CameraParams{ID: "camB", Intrinsics: in, Pose: lookAt(r3.Vector{X: -25, Y: -30, Z: 50})}
	want := r3.Vector{X: 0.75, Y: -0.4, Z: 1.2}
	pa, ok := calibration.ProjectPoint(camA, want)
	require.True(t, ok)
	pb, ok := calibration.ProjectPoint(camB, want)
	require.True(t, ok)

	reg := NewRegistry(nil)
	_, err := reg.Add(&fakeProc{id: "camA", found: true, tip: pa}, nil)
	require.NoError(t, err)
	_, err = reg.Add(&fakeProc{id: "camB", found: true, tip: pb}, nil)
	require.NoError(t, err)
	lost := &fakeProc{id: "camC"}
	_, err = reg.Add(lost, nil)
	require.NoError(t, err)

	store := calibration.NewStore()
	meta := coords.NewMetadataStore()
	agg := NewAggregator(reg, store, meta)

	_, err = agg.Locate("")
	assert.ErrorIs(t, err, ErrNotCalibrated)

	store.Publish(&calibration.StereoParams{
		Reference: "camA",
		Cameras:   map[string]calibration.CameraParams{"camA": camA, "camB": camB},
	})
	_, err = agg.Locate("")
	assert.ErrorIs(t, err, ErrTooFewViews)

	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()
	for _, id := range []string{"camA", "camB", "camC"} {
		require.NoError(t, reg.Offer(id, tagged(1)))
	}
	require.Eventually(t, func() bool {
		_, a := reg.Latest("camA")
		_, b := reg.Latest("camB")
		_, c := reg.Latest("camC")
		return a && b && c
	}, 2*time.Second, 5*time.Millisecond)

	pos, err := agg.Locate("")
	require.NoError(t, err)
	assert.Equal(t, []string{"camA", "camB"}, pos.Cameras)
	assert.InDelta(t, 0, pos.Local.Sub(want).Norm(), 1e-6)
	assert.Equal(t, coords.RoundGlobal(want.Mul(1000)), pos.Global)
	assert.Less(t, pos.ReprojectionError, 1e-3)
	assert.GreaterOrEqual(t, pos.Skew, time.Duration(0))

	m := coords.ReticleMetadata{Label: "B", Rotation: 90, Offset: r3.Vector{X: 100, Y: 200, Z: 300}}
	snap, err := coords.NewSnapshot([]coords.ReticleMetadata{m})
	require.NoError(t, err)
	meta.Publish(snap)
	pos, err = agg.Locate("B")
	require.NoError(t, err)
	assert.Equal(t, "B", pos.Label)
	assert.Equal(t, coords.RoundGlobal(coords.ToGlobal(coords.RoundGlobal(want.Mul(1000)), m)), pos.Global)

	_, err = agg.Locate("nope")
	assert.ErrorIs(t, err, coords.ErrUnknownLabel)
}

var (
	plateGray = color.RGBA{R: 220, G: 220, B: 220, A: 255}
	shaftGray = color.RGBA{R: 40, G: 40, B: 40, A: 255}
)

// plateFrame draws a bright plate on a dark background, optionally crossed
// by a dark probe shaft from base to tip.
func plateFrame(base, tip image.Point, shaft bool) gocv.Mat {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0), 600, 800, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&frame, image.Rect(100, 75, 700, 525), plateGray, -1)
	if shaft {
		gocv.Line(&frame, base, tip, shaftGray, 6)
	}
	return frame
}

func testComponents() Components {
	c := DefaultComponents()
	c.Tracking.WorkSize = image.Pt(400, 300)
	c.Tracking.DetectReticle = false
	return c
}

func TestPipelineFirstFrameSeedsReference(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	res := p.ProcessFrame(context.Background(), empty)
	assert.False(t, res.Found)
	assert.Equal(t, uint64(1), res.Seq)

	frame := plateFrame(image.Point{}, image.Point{}, false)
	defer frame.Close()
	res = p.ProcessFrame(context.Background(), frame)
	assert.False(t, res.Found)
	assert.True(t, res.ReticleFound)
	assert.Equal(t, "camA", res.Camera)
	assert.False(t, detected(p.State()))
}

func TestPipelineDetectsMovedProbe(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	ctx := context.Background()
	base, tip := image.Pt(300, 100), image.Pt(500, 450)

	still := plateFrame(base, tip, false)
	defer still.Close()
	moved := plateFrame(base, tip, true)
	defer moved.Close()

	p.ProcessFrame(ctx, still)
	res := p.ProcessFrame(ctx, moved)
	require.True(t, res.Found)
	assert.Equal(t, framediff.ModePrevious, res.Mode)
	assert.Equal(t, 0, res.Attempts)
	// Coarse positions come from a 2x downscale.
	assert.InDelta(t, float64(tip.X), res.CoarseTip.X, 20)
	assert.InDelta(t, float64(tip.Y), res.CoarseTip.Y, 20)
	assert.True(t, detected(p.State()))

	// Nothing moves: both strategies fail and the probe is kept.
	res = p.ProcessFrame(ctx, moved)
	assert.False(t, res.Found)
	assert.True(t, detected(p.State()))
}

func TestPipelineKeepsReferenceWhileMoving(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	ctx := context.Background()
	base, tip := image.Pt(300, 100), image.Pt(500, 450)

	still := plateFrame(base, tip, false)
	defer still.Close()
	moved := plateFrame(base, tip, true)
	defer moved.Close()

	p.SetMoving(true)
	p.ProcessFrame(ctx, still)
	res := p.ProcessFrame(ctx, moved)
	require.True(t, res.Found)
	assert.Equal(t, framediff.ModePrevious, res.Mode)

	// The stage stops with the probe where it was last seen. The reference
	// is still the frame without the probe, so it is found again.
	p.SetMoving(false)
	res = p.ProcessFrame(ctx, moved)
	require.True(t, res.Found)
	assert.Equal(t, framediff.ModePrevious, res.Mode)
	assert.InDelta(t, float64(tip.X), res.CoarseTip.X, 20)
	assert.InDelta(t, float64(tip.Y), res.CoarseTip.Y, 20)

	// Stationary detections replace the reference.
	res = p.ProcessFrame(ctx, moved)
	assert.False(t, res.Found)
}

func TestPipelineControlsDuringProcessing(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	reg := NewRegistry(nil)
	_, err := reg.Add(p, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))
	defer func() {
		reg.Stop()
		p.Close()
	}()

	base, tip := image.Pt(300, 100), image.Pt(500, 450)
	still := plateFrame(base, tip, false)
	defer still.Close()
	moved := plateFrame(base, tip, true)
	defer moved.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p.SetMoving(i%2 == 0)
			p.SelectProbe([]string{"SN1", "SN2"}[i%2])
			_ = p.State()
			if i%7 == 0 {
				p.Reset()
			}
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < 20; i++ {
		src := still
		if i%2 == 1 {
			src = moved
		}
		require.NoError(t, reg.Offer("camA", src.Clone()))
		time.Sleep(2 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		res, ok := reg.Latest("camA")
		return ok && res.Seq > 1
	}, 5*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Contains(t, []string{"SN1", "SN2"}, p.Probe())
}

func TestPipelineCancelledContext(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	frame := plateFrame(image.Point{}, image.Point{}, false)
	defer frame.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.ProcessFrame(ctx, frame)
	assert.False(t, res.Found)
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}

func TestPipelineProbesAreIndependent(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	p.SelectProbe("SN1")
	p.tracks["SN1"].state.Apply(probeAt(10, 10))
	assert.True(t, detected(p.State()))

	p.SelectProbe("SN2")
	assert.False(t, detected(p.State()))

	p.SelectProbe("SN1")
	assert.True(t, detected(p.State()))
	p.Reset()
	assert.False(t, detected(p.State()))
}

func TestPipelineProbesHaveOwnSearchRegion(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	p.SelectProbe("SN1")
	b1 := p.tracks["SN1"].bounds
	b1.Begin(geometry.Point2D{X: 200, Y: 150}, geometry.Point2D{X: 150, Y: 100})
	require.True(t, b1.Failed())
	require.Equal(t, boundary.StateExpanding, b1.State())

	p.SelectProbe("SN2")
	b2 := p.tracks["SN2"].bounds
	assert.NotSame(t, b1, b2)
	assert.Equal(t, boundary.StateExhausted, b2.State())
	assert.Equal(t, 0, b2.Attempts())

	p.SelectProbe("SN1")
	assert.Same(t, b1, p.tracks["SN1"].bounds)
	assert.Equal(t, 2, b1.Attempts())
}

func TestUpdateHoughGrowsWithBoundary(t *testing.T) {
	p := NewPipeline("camA", testComponents(), nil)
	defer p.Close()
	h := p.updateHough(framediff.ModePrevious, 1)
	assert.Equal(t, 45, h.MinLineLength)
	assert.Equal(t, p.comp.Probe.HoughUpdate.MaxLineGap, h.MaxLineGap)

	h = p.updateHough(framediff.ModeBackground, 3)
	assert.Equal(t, 75, h.MinLineLength)
	assert.Equal(t, 0, h.MaxLineGap)
	assert.Equal(t, p.comp.Probe.HoughUpdate.Threshold, h.Threshold)
}

func TestWorkRegionScalesToOriginal(t *testing.T) {
	// A vertical gridline at x=2000 in a 4000x3000 frame.
	line, ok := geometry.LineThrough(geometry.Point2D{X: 2000, Y: 0}, geometry.Point2D{X: 2000, Y: 3000})
	require.True(t, ok)
	far, ok := geometry.LineThrough(geometry.Point2D{X: 0, Y: -5000}, geometry.Point2D{X: 1, Y: -5000})
	require.True(t, ok)
	w := workRegion{
		zone:     reticleZone(line, far, 40),
		work:     image.Pt(1000, 750),
		original: image.Pt(4000, 3000),
	}
	assert.True(t, w.Contains(geometry.Point2D{X: 500, Y: 300}))
	assert.True(t, w.Contains(geometry.Point2D{X: 504, Y: 300}))
	assert.False(t, w.Contains(geometry.Point2D{X: 510, Y: 300}))
	assert.Zero(t, w.Distance(geometry.Point2D{X: 500, Y: 300}))
	// 10 work px is 40 original px from the line, 20 beyond the band.
	assert.InDelta(t, 20, w.Distance(geometry.Point2D{X: 510, Y: 300}), 1e-9)
}

func probeAt(x, y float64) probe.Detection {
	return probe.Detection{
		Tip:       geometry.Point2D{X: x, Y: y},
		Base:      geometry.Point2D{X: x - 100, Y: y - 100},
		Direction: geometry.DirSE,
		Angle:     45,
	}
}

func reticleZone(a, b geometry.Line2D, width float64) reticle.Zone {
	return reticle.Zone{Lines: [2]geometry.Line2D{a, b}, Width: width}
}

// detected calls the pointer-receiver Detected on a State snapshot.
func detected(s probe.State) bool {
	return s.Detected()
}
