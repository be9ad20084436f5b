package calibration

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"probe-tracker/pkg/geometry"
)

var testIntrinsics = Intrinsics{FX: 2000, FY: 2000, CX: 1000, CY: 750}

var testSize = image.Pt(2000, 1500)

// lookAt builds a world-to-camera pose for a camera at c looking at the
// world origin.
func lookAt(c r3.Vector) Pose {
	z := c.Mul(-1).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	r := Mat3{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}
	return Pose{R: r, T: r.MulVec(c).Mul(-1)}
}

func gridPoints(nx, ny int, pitch float64) []r3.Vector {
	var pts []r3.Vector
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			pts = append(pts, r3.Vector{X: (float64(i) - float64(nx-1)/2) * pitch, Y: (float64(j) - float64(ny-1)/2) * pitch})
		}
	}
	return pts
}

func synthView(t *testing.T, object []r3.Vector, in Intrinsics, pose Pose) PlanarView {
	t.Helper()
	img := make([]geometry.Point2D, len(object))
	for i, o := range object {
		p, ok := projectWith(in, pose, o)
		require.True(t, ok, "point %d behind camera", i)
		img[i] = p
	}
	return PlanarView{Object: object, Image: img}
}

func TestRodriguesRoundTrip(t *testing.T) {
	for _, v := range []r3.Vector{
		{X: 0.1, Y: -0.2, Z: 0.3},
		{X: 1.2},
		{Z: -2.5},
		{X: math.Pi - 1e-8},
		{},
	} {
		got := RotationVector(Rodrigues(v))
		if v.Norm() > math.Pi-1e-6 {
			// Axis sign is ambiguous at 180 degrees.
			assert.InDelta(t, v.Norm(), got.Norm(), 1e-6)
			continue
		}
		assert.InDelta(t, 0, got.Sub(v).Norm(), 1e-9, "%v", v)
	}
}

func TestOrthonormalize(t *testing.T) {
	r := EulerXYZ(0.1, 0.2, 0.3)
	noisy := r
	noisy[0][1] += 0.01
	noisy[2][0] -= 0.01
	got, ok := Orthonormalize(noisy)
	require.True(t, ok)
	prod := got.Mul(got.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, prod[i][j], 1e-9)
		}
	}
}

func TestRotZCounterClockwise(t *testing.T) {
	p := RotZ(90).MulVec(r3.Vector{X: 1})
	assert.InDelta(t, 0, p.X, 1e-12)
	assert.InDelta(t, 1, p.Y, 1e-12)
}

func TestUndistortInvertsDistort(t *testing.T) {
	d := Distortion{K1: -0.2, K2: 0.05, P1: 0.001, P2: -0.002, K3: 0.01}
	for _, p := range [][2]float64{{0, 0}, {0.1, -0.2}, {0.3, 0.25}, {-0.4, 0.1}} {
		xd, yd := d.Distort(p[0], p[1])
		xu, yu := d.Undistort(xd, yd)
		assert.InDelta(t, p[0], xu, 1e-9)
		assert.InDelta(t, p[1], yu, 1e-9)
	}
}

func TestProjectBehindCamera(t *testing.T) {
	cam := CameraParams{Intrinsics: testIntrinsics, Pose: Pose{R: Identity3()}}
	_, ok := ProjectPoint(cam, r3.Vector{Z: -1})
	assert.False(t, ok)
	p, ok := ProjectPoint(cam, r3.Vector{X: 1, Y: 2, Z: 10})
	require.True(t, ok)
	assert.InDelta(t, 1200, p.X, 1e-9)
	assert.InDelta(t, 1150, p.Y, 1e-9)
}

func TestHomographyRecovers(t *testing.T) {
	want := Mat3{{1.2, 0.1, 30}, {-0.05, 0.9, 12}, {1e-4, 2e-4, 1}}
	var src, dst []geometry.Point2D
	for _, p := range gridPoints(5, 4, 25) {
		s := geometry.Point2D{X: p.X + 100, Y: p.Y + 80}
		src = append(src, s)
		dst = append(dst, applyH(want, s))
	}
	h, err := Homography(src, dst)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, want[i][j], h[i][j], 1e-6*math.Max(1, math.Abs(want[i][j])))
		}
	}

	_, err = Homography(src[:3], dst[:3])
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestSolvePose(t *testing.T) {
	pose := lookAt(r3.Vector{X: 20, Y: -30, Z: 50})
	view := synthView(t, ReticleObjectPoints(10, ReticlePitch), testIntrinsics, pose)

	got, rms, err := SolvePose(context.Background(), view, testIntrinsics)
	require.NoError(t, err)
	assert.Less(t, rms, 1e-3)
	assert.InDelta(t, 0, got.T.Sub(pose.T).Norm(), 1e-4)
	assert.InDelta(t, 0, got.Center().Sub(pose.Center()).Norm(), 1e-3)
}

func TestCalibrateIntrinsicsMultiView(t *testing.T) {
	object := gridPoints(9, 7, 10)
	var views []PlanarView
	for _, c := range []r3.Vector{
		{X: 60, Y: 40, Z: 300},
		{X: -80, Y: 20, Z: 280},
		{X: 20, Y: -90, Z: 320},
		{X: -40, Y: -60, Z: 260},
	} {
		views = append(views, synthView(t, object, testIntrinsics, lookAt(c)))
	}

	in, rms, err := CalibrateIntrinsics(context.Background(), views, testSize, IntrinsicOptions{})
	require.NoError(t, err)
	assert.Less(t, rms, 0.5)
	assert.InEpsilon(t, testIntrinsics.FX, in.FX, 0.02)
	assert.InEpsilon(t, testIntrinsics.FY, in.FY, 0.02)
	assert.InDelta(t, testIntrinsics.CX, in.CX, 20)
	assert.InDelta(t, testIntrinsics.CY, in.CY, 20)
}

func TestZhangTwoViews(t *testing.T) {
	object := gridPoints(9, 7, 10)
	var hs []Mat3
	for _, c := range []r3.Vector{{X: 60, Y: 40, Z: 300}, {X: -80, Y: -50, Z: 280}} {
		v := synthView(t, object, testIntrinsics, lookAt(c))
		plane := make([]geometry.Point2D, len(object))
		for i, o := range object {
			plane[i] = geometry.Point2D{X: o.X, Y: o.Y}
		}
		h, err := Homography(plane, v.Image)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	in, err := zhang(hs, testSize)
	require.NoError(t, err)
	assert.InEpsilon(t, 2000, in.FX, 0.02)
	assert.InEpsilon(t, 2000, in.FY, 0.02)
}

func TestCalibrateIntrinsicsSingleView(t *testing.T) {
	view := synthView(t, gridPoints(9, 7, 10), testIntrinsics, lookAt(r3.Vector{X: 90, Y: 60, Z: 250}))
	in, rms, err := CalibrateIntrinsics(context.Background(), []PlanarView{view}, testSize, IntrinsicOptions{FixDistortion: true, FixAspect: true})
	require.NoError(t, err)
	assert.Less(t, rms, 0.5)
	assert.InEpsilon(t, 2000, in.FX, 0.02)
	assert.Equal(t, testIntrinsics.CX, in.CX)
	assert.Equal(t, testIntrinsics.CY, in.CY)
}

func TestCalibrateIntrinsicsRejects(t *testing.T) {
	_, _, err := CalibrateIntrinsics(context.Background(), nil, testSize, IntrinsicOptions{})
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	short := PlanarView{Object: gridPoints(3, 1, 1), Image: make([]geometry.Point2D, 3)}
	_, _, err = CalibrateIntrinsics(context.Background(), []PlanarView{short}, testSize, IntrinsicOptions{})
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestReticleObjectPoints(t *testing.T) {
	pts := ReticleObjectPoints(10, ReticlePitch)
	require.Len(t, pts, 42)
	assert.InDelta(t, -2.0, pts[0].X, 1e-12)
	assert.Equal(t, r3.Vector{}, pts[10])
	assert.InDelta(t, 2.0, pts[20].X, 1e-12)
	assert.InDelta(t, -2.0, pts[21].Y, 1e-12)
	assert.InDelta(t, 2.0, pts[41].Y, 1e-12)

	_, err := ReticleView(make([]geometry.Point2D, 4), make([]geometry.Point2D, 4), ReticlePitch)
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func stereoViews(t *testing.T, in Intrinsics, size image.Point) ([]CameraView, map[string]Pose) {
	t.Helper()
	object := ReticleObjectPoints(10, ReticlePitch)
	poses := map[string]Pose{
		"camA": lookAt(r3.Vector{X: 20, Y: -30, Z: 50}),
		"camB": lookAt(r3.Vector{X: -25, Y: -30, Z: 50}),
	}
	var views []CameraView
	for _, id := range []string{"camA", "camB"} {
		views = append(views, CameraView{Camera: id, Size: size, View: synthView(t, object, in, poses[id])})
	}
	return views, poses
}

func TestCalibrateExtrinsics(t *testing.T) {
	views, poses := stereoViews(t, testIntrinsics, testSize)
	intr := map[string]Intrinsics{"camA": testIntrinsics, "camB": testIntrinsics}

	res, err := CalibrateExtrinsics(context.Background(), views, intr, "camA")
	require.NoError(t, err)
	assert.Less(t, res.MeanError, 1e-3)
	assert.InDelta(t, res.MeanError*1000, res.MeanErrorMicrons, 1e-9)
	assert.Less(t, res.PixelError["camA"], 0.01)
	assert.Less(t, res.PixelError["camB"], 0.01)
	require.Len(t, res.Points, 42)
	assert.Equal(t, "camA", res.Params.Reference)

	want := RelativePose(poses["camA"], poses["camB"])
	got := res.Params.Relative["camB"]
	assert.InDelta(t, 0, got.T.Sub(want.T).Norm(), 1e-3)
	self := res.Params.Relative["camA"]
	assert.InDelta(t, 0, self.T.Norm(), 1e-9)
}

func TestCalibrateExtrinsicsDefaultGuess(t *testing.T) {
	size := image.Pt(4000, 3000)
	views, _ := stereoViews(t, DefaultGuess(size), size)
	res, err := CalibrateExtrinsics(context.Background(), views, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "camA", res.Params.Reference)
	assert.Less(t, res.MeanError, 1e-3)
	cam, err := res.Params.Camera("camB")
	require.NoError(t, err)
	assert.Equal(t, 15400.0, cam.Intrinsics.FX)
}

func TestCalibrateExtrinsicsRejects(t *testing.T) {
	views, _ := stereoViews(t, testIntrinsics, testSize)
	_, err := CalibrateExtrinsics(context.Background(), views[:1], nil, "")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = CalibrateExtrinsics(context.Background(), []CameraView{views[0], views[0]}, nil, "")
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = CalibrateExtrinsics(context.Background(), views, nil, "camZ")
	assert.ErrorIs(t, err, ErrUnknownCamera)
}

func TestRelativePose(t *testing.T) {
	a := lookAt(r3.Vector{X: 10, Y: 5, Z: 40})
	b := lookAt(r3.Vector{X: -15, Y: 8, Z: 45})
	rel := RelativePose(a, b)
	x := r3.Vector{X: 0.3, Y: -0.7, Z: 0.1}
	assert.InDelta(t, 0, rel.Apply(a.Apply(x)).Sub(b.Apply(x)).Norm(), 1e-9)
}

func TestTriangulate(t *testing.T) {
	camA := CameraParams{ID: "a", Intrinsics: testIntrinsics, Pose: lookAt(r3.Vector{X: 20, Y: -30, Z: 50})}
	camB := CameraParams{ID: "b", Intrinsics: testIntrinsics, Pose: lookAt(r3.Vector{X: -25, Y: -30, Z: 50})}
	x := r3.Vector{X: 0.4, Y: -0.2, Z: 0.6}
	pa, _ := ProjectPoint(camA, x)
	pb, _ := ProjectPoint(camB, x)

	got, err := Triangulate([]CameraParams{camA, camB}, []geometry.Point2D{pa, pb})
	require.NoError(t, err)
	assert.InDelta(t, 0, got.Sub(x).Norm(), 1e-6)

	_, err = Triangulate([]CameraParams{camA, camA}, []geometry.Point2D{pa, pa})
	assert.ErrorIs(t, err, ErrDegenerate)
	_, err = Triangulate([]CameraParams{camA}, []geometry.Point2D{pa})
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestStoreReadersSeeCompleteParams(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Load())

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				p := s.Load()
				if p == nil {
					continue
				}
				// Every published set carries both cameras.
				assert.Len(t, p.Cameras, 2)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		s.Publish(&StereoParams{
			Cameras:   map[string]CameraParams{"a": {ID: "a"}, "b": {ID: "b"}},
			Reference: "a",
			MeanError: float64(i),
		})
	}
	wg.Wait()
	assert.Equal(t, uint64(100), s.Version())
	assert.Equal(t, 99.0, s.Load().MeanError)
}

func TestCalibrateAsyncPublishes(t *testing.T) {
	views, _ := stereoViews(t, testIntrinsics, testSize)
	intr := map[string]Intrinsics{"camA": testIntrinsics, "camB": testIntrinsics}
	s := NewStore()

	res, ok := <-CalibrateAsync(context.Background(), views, intr, "camA", s)
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.NotNil(t, s.Load())
	assert.Equal(t, "camA", s.Load().Reference)

	res = <-CalibrateAsync(context.Background(), views[:1], intr, "camA", s)
	assert.ErrorIs(t, res.Err, ErrInsufficientPoints)
	assert.Equal(t, uint64(1), s.Version())
}

func TestDetectCheckerboard(t *testing.T) {
	const (
		square = 40
		margin = 60
	)
	img := gocv.NewMatWithSize(6*square+2*margin, 8*square+2*margin, gocv.MatTypeCV8UC1)
	defer img.Close()
	img.SetTo(gocv.NewScalar(255, 0, 0, 0))
	for r := 0; r < 6; r++ {
		for c := 0; c < 8; c++ {
			if (r+c)%2 == 0 {
				rect := image.Rect(margin+c*square, margin+r*square, margin+(c+1)*square, margin+(r+1)*square)
				gocv.Rectangle(&img, rect, color.RGBA{A: 255}, -1)
			}
		}
	}

	view, ok := DetectCheckerboard(img, image.Pt(7, 5), 2.5)
	require.True(t, ok)
	require.Len(t, view.Image, 35)
	require.Len(t, view.Object, 35)
	assert.InDelta(t, 2.5, view.Object[1].X, 1e-12)
	for _, p := range view.Image {
		gx := math.Round((p.X-margin)/square) * square
		gy := math.Round((p.Y-margin)/square) * square
		assert.InDelta(t, gx+margin, p.X, 1.5)
		assert.InDelta(t, gy+margin, p.Y, 1.5)
	}

	empty := gocv.NewMat()
	defer empty.Close()
	_, ok = DetectCheckerboard(empty, image.Pt(7, 5), 1)
	assert.False(t, ok)
}
