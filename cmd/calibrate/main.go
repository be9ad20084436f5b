// Command calibrate computes stereo camera parameters from reticle
// detections in two or more cameras, refines them by bundle adjustment and
// stores them in a project file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"probe-tracker/internal/app"
	"probe-tracker/internal/calibration"
	"probe-tracker/internal/config"
	"probe-tracker/internal/imgproc"
	"probe-tracker/internal/logging"
	"probe-tracker/internal/mask"
	"probe-tracker/internal/reticle"
	"probe-tracker/internal/version"
)

func main() {
	pointsPath := flag.String("points", "", "JSON file of reticle axis points per camera")
	images := flag.String("images", "", "Reticle images as id=path,id=path (detected instead of -points)")
	boards := flag.String("checkerboards", "", "Checkerboard frame directories as id=dir,id=dir for lens calibration")
	configPath := flag.String("config", "", "Configuration file (YAML, TOML or JSON)")
	projectPath := flag.String("project", "", "Project file to store the calibration in")
	reference := flag.String("ref", "", "Reference camera id (default: first camera)")
	noBundle := flag.Bool("no-bundle", false, "Skip bundle adjustment")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("calibrate"))
		return
	}
	if (*pointsPath == "") == (*images == "") {
		fmt.Println("Usage: calibrate (-points file.json | -images camA=a.png,camB=b.png) [-checkerboards camA=dir] [-project rig.ptproj]")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *reference != "" {
		cfg.Calibration.Reference = *reference
	}
	if *noBundle {
		cfg.Calibration.Bundle = false
	}
	log, err := logging.FromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var views []calibration.CameraView
	if *pointsPath != "" {
		views, err = loadPoints(*pointsPath, cfg.Calibration.Pitch)
	} else {
		views, err = detectViews(*images, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read reticle points: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reticle views: %d cameras, %d points each\n", len(views), len(views[0].View.Object))

	state := app.NewState(cfg, log)
	if *projectPath != "" {
		if err := state.LoadProject(*projectPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Failed to load project: %v\n", err)
			os.Exit(1)
		}
	}

	if *boards != "" {
		for id, dir := range parsePairs(*boards) {
			in, rms, n, err := calibrateLens(ctx, dir, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Lens calibration of %s failed: %v\n", id, err)
				os.Exit(1)
			}
			fmt.Printf("Lens %s: %d boards, fx=%.1f fy=%.1f cx=%.1f cy=%.1f k1=%.4f, RMS %.3f px\n",
				id, n, in.FX, in.FY, in.CX, in.CY, in.Dist.K1, rms)
			state.SetIntrinsics(id, in)
		}
	}

	state.On(app.EventCalibrated, func(data interface{}) {
		c := data.(app.Calibrated)
		fmt.Printf("\nCalibration (reference %s, bundle adjusted: %v)\n", c.Params.Reference, c.BundleAdjusted)
		fmt.Printf("  Reticle error: %s µm\n", humanize.FtoaWithDigits(c.ErrorMicrons, 2))
		ids := make([]string, 0, len(c.Params.Cameras))
		for id := range c.Params.Cameras {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cam := c.Params.Cameras[id]
			centre := cam.Pose.Center()
			fmt.Printf("  %-8s f=%8.1f  centre=(%8.2f, %8.2f, %8.2f) mm  reprojection %.3f px\n",
				id, cam.Intrinsics.FX, centre.X, centre.Y, centre.Z, c.PixelError[id])
		}
	})

	start := time.Now()
	if err := <-state.Calibrate(ctx, views); err != nil {
		fmt.Fprintf(os.Stderr, "Calibration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Took %s\n", time.Since(start).Round(time.Millisecond))

	if *projectPath != "" {
		if err := state.SaveProject(*projectPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save project: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nSaved to %s\n", *projectPath)
	}
}

// parsePairs splits "a=x,b=y".
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		id, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && id != "" && val != "" {
			out[id] = val
		}
	}
	return out
}

// detectViews finds the reticle in one image per camera.
func detectViews(pairsArg string, cfg config.Config) ([]calibration.CameraView, error) {
	pairs := parsePairs(pairsArg)
	ids := make([]string, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if cfg.Calibration.Reference != "" {
		// Reference first, so it is also the default.
		sort.SliceStable(ids, func(i, j int) bool { return ids[i] == cfg.Calibration.Reference })
	}

	var views []calibration.CameraView
	for _, id := range ids {
		frame, err := imgproc.LoadFrame(pairs[id])
		if err != nil {
			return nil, err
		}
		m := mask.NewGenerator(cfg.Mask, nil).Process(frame)
		gray := imgproc.ToGray(frame)
		ip, err := reticle.NewDetector(cfg.Reticle, nil).GetCoords(gray, m.Mask)
		size := imgproc.Size(frame)
		gray.Close()
		m.Close()
		frame.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		if ip == nil {
			return nil, fmt.Errorf("%s: no reticle found in %s", id, pairs[id])
		}
		view, err := calibration.ReticleView(ip.XAxis, ip.YAxis, cfg.Calibration.Pitch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		fmt.Printf("Camera %s: reticle centre (%.1f, %.1f)\n", id, ip.Center.X, ip.Center.Y)
		views = append(views, calibration.CameraView{Camera: id, Size: size, View: view})
	}
	return views, nil
}

// calibrateLens runs intrinsic calibration over the checkerboard frames in
// dir and reports how many boards were usable.
func calibrateLens(ctx context.Context, dir string, cfg config.Config) (calibration.Intrinsics, float64, int, error) {
	paths, err := imgproc.ListFrames(dir)
	if err != nil {
		return calibration.Intrinsics{}, 0, 0, err
	}
	var (
		views []calibration.PlanarView
		size  image.Point
	)
	for _, path := range paths {
		frame, err := imgproc.LoadFrame(path)
		if err != nil {
			return calibration.Intrinsics{}, 0, 0, err
		}
		size = imgproc.Size(frame)
		v, ok := calibration.DetectCheckerboard(frame, cfg.Calibration.Checkerboard, cfg.Calibration.SquareSize)
		frame.Close()
		if ok {
			views = append(views, v)
		}
	}
	if len(views) == 0 {
		return calibration.Intrinsics{}, 0, 0, fmt.Errorf("no checkerboard found in %s", dir)
	}
	in, rms, err := calibration.CalibrateIntrinsics(ctx, views, size, calibration.IntrinsicOptions{})
	return in, rms, len(views), err
}
