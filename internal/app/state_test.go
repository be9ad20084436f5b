package app

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probe-tracker/internal/calibration"
	"probe-tracker/internal/config"
	"probe-tracker/internal/stage"
	"probe-tracker/internal/tracking"
	"probe-tracker/pkg/geometry"
)

func lookAt(c r3.Vector) calibration.Pose {
	z := c.Mul(-1).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	r := calibration.Mat3{{x.X, x.Y, x.Z}, {y.X, y.Y, y.Z}, {z.X, z.Y, z.Z}}
	return calibration.Pose{R: r, T: r.MulVec(c).Mul(-1)}
}

var testIntrinsics = calibration.Intrinsics{FX: 2000, FY: 2000, CX: 1000, CY: 750}

func reticleViews(t *testing.T) []calibration.CameraView {
	t.Helper()
	object := calibration.ReticleObjectPoints(10, calibration.ReticlePitch)
	var views []calibration.CameraView
	for id, c := range map[string]r3.Vector{
		"camA": {X: 20, Y: -30, Z: 50},
		"camB": {X: -25, Y: -30, Z: 50},
	} {
		cam := calibration.CameraParams{ID: id, Intrinsics: testIntrinsics, Pose: lookAt(c)}
		img := make([]geometry.Point2D, len(object))
		for i, o := range object {
			p, ok := calibration.ProjectPoint(cam, o)
			require.True(t, ok)
			img[i] = p
		}
		views = append(views, calibration.CameraView{
			Camera: id,
			Size:   image.Pt(2000, 1500),
			View:   calibration.PlanarView{Object: object, Image: img},
		})
	}
	// Keep camA first so it is the default reference.
	if views[0].Camera != "camA" {
		views[0], views[1] = views[1], views[0]
	}
	return views
}

func TestEventsFollowDetections(t *testing.T) {
	s := NewState(config.Default(), nil)
	var mu sync.Mutex
	var events []EventType
	record := func(ev EventType) EventListener {
		return func(interface{}) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}
	s.On(EventDetection, record(EventDetection))
	s.On(EventLost, record(EventLost))

	s.handleResult(tracking.Result{Camera: "camA"})
	s.handleResult(tracking.Result{Camera: "camA", Found: true})
	s.handleResult(tracking.Result{Camera: "camA", Found: true})
	s.handleResult(tracking.Result{Camera: "camA"})
	s.handleResult(tracking.Result{Camera: "camA"})
	s.handleResult(tracking.Result{Camera: "camB", Found: true})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventDetection, EventDetection, EventLost, EventDetection}, events)
}

func TestAddCamera(t *testing.T) {
	s := NewState(config.Default(), nil)
	var added []string
	s.On(EventCameraAdded, func(d interface{}) { added = append(added, d.(string)) })

	p, err := s.AddCamera("camA", "SN-1")
	require.NoError(t, err)
	assert.Equal(t, "camA", p.Camera())
	_, err = s.AddCamera("camA", "")
	assert.Error(t, err)
	assert.Equal(t, []string{"camA"}, added)
	assert.Equal(t, []string{"camA"}, s.Registry.Cameras())
	assert.NotEqual(t, s.SessionID.String(), NewState(config.Default(), nil).SessionID.String())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestStageMotionReachesPipelines(t *testing.T) {
	s := NewState(config.Default(), nil)
	defer s.Stop()
	pa, err := s.AddCamera("camA", "SN1")
	require.NoError(t, err)
	pb, err := s.AddCamera("camB", "SN2")
	require.NoError(t, err)
	var seen []stage.Change
	s.On(EventStage, func(d interface{}) { seen = append(seen, d.(stage.Change)) })

	require.NoError(t, s.SetMoving("camA", true))
	assert.True(t, pa.Moving())
	assert.False(t, pb.Moving())
	assert.ErrorIs(t, s.SetMoving("camZ", true), tracking.ErrUnknownCamera)

	// SN2 stops: only the camera tracking it changes.
	s.HandleStage(stage.Change{Serial: "SN2", Moving: false})
	assert.True(t, pa.Moving())

	s.HandleStage(stage.Change{Serial: "SN3", Moving: true})
	for _, p := range []*tracking.Pipeline{pa, pb} {
		assert.Equal(t, "SN3", p.Probe())
		assert.True(t, p.Moving())
	}
	s.HandleStage(stage.Change{Serial: "SN3", Moving: false})
	assert.False(t, pa.Moving())
	assert.False(t, pb.Moving())
	assert.Len(t, seen, 3)

	assert.Error(t, s.WatchStage(context.Background()), "no server configured")
}

func TestCalibratePublishesAndEmits(t *testing.T) {
	cfg := config.Default()
	cfg.Calibration.BundleSettings.Iterations = 10
	s := NewState(cfg, nil)
	s.SetIntrinsics("camA", testIntrinsics)
	s.SetIntrinsics("camB", testIntrinsics)

	got := make(chan Calibrated, 1)
	s.On(EventCalibrated, func(d interface{}) { got <- d.(Calibrated) })

	select {
	case err := <-s.Calibrate(context.Background(), reticleViews(t)):
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("calibration did not finish")
	}
	ev := <-got
	assert.Less(t, ev.ErrorMicrons, 1.0)
	require.NotNil(t, s.Stereo.Load())
	assert.Equal(t, uint64(1), s.Stereo.Version())
	assert.Equal(t, "camA", s.Stereo.Load().Reference)
	assert.Len(t, s.Stereo.Load().Cameras, 2)

	// The calibration survives a project round trip.
	path := filepath.Join(t.TempDir(), "rig.ptproj")
	require.NoError(t, s.SaveProject(path))
	other := NewState(config.Default(), nil)
	require.NoError(t, other.LoadProject(path))
	require.NotNil(t, other.Stereo.Load())
	assert.Equal(t, s.Stereo.Load().Cameras["camB"].Pose.T, other.Stereo.Load().Cameras["camB"].Pose.T)
	assert.Equal(t, testIntrinsics, other.Intrinsics["camA"])
}

func TestCalibrateFails(t *testing.T) {
	s := NewState(config.Default(), nil)
	views := reticleViews(t)
	err := <-s.Calibrate(context.Background(), views[:1])
	assert.ErrorIs(t, err, calibration.ErrInsufficientPoints)
	assert.Nil(t, s.Stereo.Load())
}

func TestLoadMetadata(t *testing.T) {
	s := NewState(config.Default(), nil)
	path := filepath.Join(t.TempDir(), "reticle_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"A","rot":0,"offset_x":0,"offset_y":0,"offset_z":0}]`), 0o644))

	var labels []string
	s.On(EventMetadataLoaded, func(d interface{}) { labels = d.([]string) })
	require.NoError(t, s.LoadMetadata(path))
	assert.Equal(t, []string{"A"}, labels)
	assert.Equal(t, 1, s.Metadata.Load().Len())

	assert.Error(t, s.LoadMetadata(filepath.Join(t.TempDir(), "missing.json")))
}
