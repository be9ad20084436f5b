package coords

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probe-tracker/internal/calibration"
	"probe-tracker/pkg/geometry"
)

func lookAt(c r3.Vector) calibration.Pose {
	z := c.Mul(-1).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	r := calibration.Mat3{{x.X, x.Y, x.Z}, {y.X, y.Y, y.Z}, {z.X, z.Y, z.Z}}
	return calibration.Pose{R: r, T: r.MulVec(c).Mul(-1)}
}

func testCameras() []calibration.CameraParams {
	in := calibration.Intrinsics{FX: 2000, FY: 2000, CX: 1000, CY: 750, Dist: calibration.Distortion{K1: -0.05}}
	return []calibration.CameraParams{
		{ID: "camA", Intrinsics: in, Pose: lookAt(r3.Vector{X: 20, Y: -30, Z: 50})},
		{ID: "camB", Intrinsics: in, Pose: lookAt(r3.Vector{X: -25, Y: -30, Z: 50})},
	}
}

func TestToLocalInvertsToGlobal(t *testing.T) {
	metas := []ReticleMetadata{
		{Label: "A"},
		{Label: "B", Rotation: 90, Offset: r3.Vector{X: 100, Y: -50, Z: 3}},
		{Label: "C", Rotation: -33.3, Offset: r3.Vector{X: 1.5, Y: 2.5, Z: -7}},
	}
	pts := []r3.Vector{{}, {X: 1, Y: 2, Z: 3}, {X: -1000, Y: 250.5, Z: 0.001}}
	for _, m := range metas {
		for _, p := range pts {
			got := ToLocal(ToGlobal(p, m), m)
			assert.InDelta(t, 0, got.Sub(p).Norm(), 1e-9, "%s %v", m.Label, p)
		}
	}
}

func TestToGlobalRotatesThenOffsets(t *testing.T) {
	m := ReticleMetadata{Label: "B", Rotation: 90, Offset: r3.Vector{X: 10, Y: 20, Z: 30}}
	g := ToGlobal(r3.Vector{X: 1}, m)
	assert.InDelta(t, 10, g.X, 1e-12)
	assert.InDelta(t, 21, g.Y, 1e-12)
	assert.InDelta(t, 30, g.Z, 1e-12)
	assert.Equal(t, r3.Vector{X: 1.2, Y: -3.5, Z: 10}, RoundGlobal(r3.Vector{X: 1.234, Y: -3.456, Z: 9.96}))
}

func TestTriangulateRecoversPoint(t *testing.T) {
	cams := testCameras()
	want := r3.Vector{X: 0.75, Y: -0.4, Z: 1.2}
	var obs []Observation2D
	for _, c := range cams {
		px, ok := calibration.ProjectPoint(c, want)
		require.True(t, ok)
		obs = append(obs, Observation2D{Camera: c.ID, Pixel: px})
	}
	got, err := Triangulate(obs, cams)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.Sub(want).Norm(), 1e-6)

	e, err := ReprojectionError(got, obs, cams)
	require.NoError(t, err)
	assert.Less(t, e, 1e-3)

	// Sub-pixel noise keeps the point within tens of microns.
	obs[0].Pixel.X += 0.3
	obs[1].Pixel.Y -= 0.3
	got, err = Triangulate(obs, cams)
	require.NoError(t, err)
	assert.Less(t, got.Sub(want).Norm(), 0.05)
}

func TestTriangulateDegenerate(t *testing.T) {
	cams := testCameras()
	px := geometry.Point2D{X: 1000, Y: 750}

	_, err := Triangulate([]Observation2D{{Camera: "camA", Pixel: px}}, cams)
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = Triangulate([]Observation2D{{Camera: "camA", Pixel: px}, {Camera: "camA", Pixel: px}}, cams)
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = Triangulate([]Observation2D{{Camera: "camA", Pixel: px}, {Camera: "camZ", Pixel: px}}, cams)
	assert.ErrorIs(t, err, calibration.ErrUnknownCamera)

	same := []calibration.CameraParams{cams[0], cams[0]}
	same[1].ID = "camB"
	_, err = Triangulate([]Observation2D{{Camera: "camA", Pixel: px}, {Camera: "camB", Pixel: px}}, same)
	assert.ErrorIs(t, err, ErrDegenerate)
}

const metadataFile = `[
    {"lineEditName": "A", "lineEditRot": "0", "lineEditOffsetX": "0", "lineEditOffsetY": "0", "lineEditOffsetZ": "0"},
    {"lineEditName": "B", "lineEditRot": " 90 ", "lineEditOffsetX": "1500.5", "lineEditOffsetY": "-200", "lineEditOffsetZ": "12"},
    {"name": "C", "rot": -45, "offset_x": 1, "offset_y": 2, "offset_z": 3}
]`

func TestLoadMetadata(t *testing.T) {
	snap, err := LoadMetadata(strings.NewReader(metadataFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, snap.Labels())
	b, ok := snap.Get("B")
	require.True(t, ok)
	assert.Equal(t, 90.0, b.Rotation)
	assert.Equal(t, r3.Vector{X: 1500.5, Y: -200, Z: 12}, b.Offset)
	c, _ := snap.Get("C")
	assert.Equal(t, -45.0, c.Rotation)

	_, err = snap.Global(r3.Vector{}, "Z")
	assert.ErrorIs(t, err, ErrUnknownLabel)

	var buf bytes.Buffer
	require.NoError(t, SaveMetadata(&buf, snap))
	again, err := LoadMetadata(&buf)
	require.NoError(t, err)
	assert.Equal(t, snap.Entries(), again.Entries())
}

func TestLoadMetadataRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"duplicate": `[{"name":"A","rot":0,"offset_x":0,"offset_y":0,"offset_z":0},{"name":"A","rot":1,"offset_x":0,"offset_y":0,"offset_z":0}]`,
		"empty":     `[{"name":"","rot":0,"offset_x":0,"offset_y":0,"offset_z":0}]`,
		"nan":       `[{"name":"A","rot":"abc","offset_x":0,"offset_y":0,"offset_z":0}]`,
		"missing":   `[{"name":"A","rot":0,"offset_x":0,"offset_y":0}]`,
		"syntax":    `[{`,
	} {
		_, err := LoadMetadata(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
	_, err := LoadMetadata(strings.NewReader(`[{"name":"A","rot":0,"offset_x":0,"offset_y":0,"offset_z":0},{"name":"A","rot":1,"offset_x":0,"offset_y":0,"offset_z":0}]`))
	assert.ErrorIs(t, err, ErrDuplicateLabel)
}

func TestMetadataStorePublish(t *testing.T) {
	s := NewMetadataStore()
	require.NotNil(t, s.Load())
	assert.Equal(t, 0, s.Load().Len())

	old := s.Load()
	snap, err := NewSnapshot([]ReticleMetadata{{Label: "A", Rotation: 10}})
	require.NoError(t, err)
	s.Publish(snap)
	assert.Equal(t, 1, s.Load().Len())
	// Earlier readers keep their snapshot.
	assert.Equal(t, 0, old.Len())
}

func TestWatchMetadataReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reticle_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"A","rot":0,"offset_x":0,"offset_y":0,"offset_z":0}]`), 0o644))

	store := NewMetadataStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchMetadata(ctx, path, store, nil) }()

	require.Eventually(t, func() bool { return store.Load().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Give the watcher time to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(metadataFile), 0o644))
	require.Eventually(t, func() bool { return store.Load().Len() == 3 }, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the last good snapshot.
	require.NoError(t, os.WriteFile(path, []byte(`[{`), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, store.Load().Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchMetadataMissingFile(t *testing.T) {
	err := WatchMetadata(context.Background(), filepath.Join(t.TempDir(), "nope.json"), NewMetadataStore(), nil)
	assert.Error(t, err)
}

func TestFitStageTransform(t *testing.T) {
	want := StageTransform{
		R:     calibration.EulerXYZ(0.02, -0.03, 0.6),
		T:     r3.Vector{X: 120, Y: -40, Z: 8},
		Scale: r3.Vector{X: 1, Y: 1, Z: 1},
	}
	var local, global []r3.Vector
	for i := 0; i < 12; i++ {
		p := r3.Vector{X: float64(i%4) * 1000, Y: float64(i/4) * 800, Z: float64(i%3) * 500}
		local = append(local, p)
		global = append(global, want.Apply(p))
	}
	got, e, err := FitStageTransform(context.Background(), local, global, false)
	require.NoError(t, err)
	assert.Less(t, e, 1e-3)
	assert.InDelta(t, 0, got.T.Sub(want.T).Norm(), 1e-2)
	_, _, yaw := got.Angles()
	assert.InDelta(t, 0.6, yaw, 1e-6)

	// A mirrored stage needs the reflected fit.
	want.Reflect = true
	for i, p := range local {
		global[i] = want.Apply(p)
	}
	got, e, err = FitStageTransform(context.Background(), local, global, true)
	require.NoError(t, err)
	assert.Less(t, e, 1e-3)
	assert.True(t, got.Reflect || got.Scale.Z < 0)

	_, _, err = FitStageTransform(context.Background(), local[:3], global[:3], false)
	assert.ErrorIs(t, err, calibration.ErrInsufficientPoints)
}

func TestEulerAnglesRoundTrip(t *testing.T) {
	roll, pitch, yaw := eulerAngles(calibration.EulerXYZ(0.1, -0.2, 2.5))
	assert.InDelta(t, 0.1, roll, 1e-12)
	assert.InDelta(t, -0.2, pitch, 1e-12)
	assert.InDelta(t, 2.5, yaw, 1e-12)
	assert.False(t, math.IsNaN(roll))
}
