// Package main provides the headless probe tracker. It replays a frame
// directory per camera through the tracking workers and prints the
// triangulated tip position.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"probe-tracker/internal/app"
	"probe-tracker/internal/config"
	"probe-tracker/internal/imgproc"
	"probe-tracker/internal/logging"
	"probe-tracker/internal/tracking"
	"probe-tracker/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Configuration file (YAML, TOML or JSON)")
	projectPath := flag.String("project", "", "Project file with the stereo calibration")
	metadataPath := flag.String("metadata", "", "Reticle metadata file (watched for changes)")
	stageURL := flag.String("stage", "", "Stage server status URL (polled for stage motion)")
	label := flag.String("reticle", "", "Reticle label for global coordinates")
	fps := flag.Float64("fps", 10, "Replay rate per camera")
	interval := flag.Duration("interval", time.Second, "How often to print the tip position")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("probe-tracker"))
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *projectPath != "" {
		cfg.ProjectPath = *projectPath
	}
	if *metadataPath != "" {
		cfg.MetadataPath = *metadataPath
	}
	if *stageURL != "" {
		cfg.Stage.URL = *stageURL
	}
	if len(cfg.Cameras) == 0 {
		fmt.Println("Usage: probe-tracker -config rig.yaml [-project rig.ptproj] [-reticle A]")
		fmt.Println("The configuration must list cameras with their frame directories.")
		os.Exit(1)
	}
	if *fps <= 0 {
		fmt.Fprintln(os.Stderr, "-fps must be positive")
		os.Exit(1)
	}

	log, err := logging.FromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log.Info("starting", "version", version.String("probe-tracker"))

	state := app.NewState(cfg, log)
	if cfg.ProjectPath != "" {
		if err := state.LoadProject(cfg.ProjectPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load project %s: %v\n", cfg.ProjectPath, err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetadataPath != "" {
		if err := state.LoadMetadata(cfg.MetadataPath); err != nil {
			log.Warn("reticle metadata unavailable", "path", cfg.MetadataPath, "err", err)
		}
		go func() {
			if err := state.WatchMetadata(ctx, cfg.MetadataPath); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("metadata watch stopped", "err", err)
			}
		}()
	}

	frames := make(map[string][]string, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		if _, err := state.AddCamera(cam.ID, cam.Probe); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		paths, err := imgproc.ListFrames(cam.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Camera %s: %v\n", cam.ID, err)
			os.Exit(1)
		}
		frames[cam.ID] = paths
		log.Info("camera", "id", cam.ID, "frames", len(paths), "dir", cam.Dir)
	}

	state.On(app.EventLost, func(data interface{}) {
		res := data.(tracking.Result)
		log.Info("probe lost", "camera", res.Camera, "seq", res.Seq)
	})

	if cfg.Stage.URL != "" {
		go func() {
			if err := state.WatchStage(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("stage polling stopped", "err", err)
			}
		}()
	}

	if err := state.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer state.Stop()

	var wg sync.WaitGroup
	for id, paths := range frames {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replay(ctx, state.Registry, id, paths, *fps)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			// Let the workers finish the last frames.
			time.Sleep(*interval)
			report(state, *label)
			return
		case <-ticker.C:
			report(state, *label)
		}
	}
}

// replay offers the frames of one camera at a fixed rate. The worker drops
// frames it cannot keep up with.
func replay(ctx context.Context, reg *tracking.Registry, camera string, paths []string, fps float64) {
	tick := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer tick.Stop()
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		frame, err := imgproc.LoadFrame(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", path, err)
			continue
		}
		if err := reg.Offer(camera, frame); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return
		}
	}
}

func report(state *app.State, label string) {
	pos, err := state.Locate(label)
	switch {
	case errors.Is(err, tracking.ErrNotCalibrated):
		for _, id := range state.Registry.Cameras() {
			if res, ok := state.Registry.Latest(id); ok && res.Found {
				fmt.Printf("%s  %-8s tip (%7.1f, %7.1f) px\n", res.Time.Format("15:04:05.000"), id, res.Tip.X, res.Tip.Y)
			}
		}
	case err != nil:
		fmt.Printf("%s  no position: %v\n", time.Now().Format("15:04:05.000"), err)
	default:
		fmt.Printf("%s  local (%8.3f, %8.3f, %8.3f) mm  global (%9.1f, %9.1f, %9.1f) µm %s  %d cams, %.2f px\n",
			pos.Time.Format("15:04:05.000"),
			pos.Local.X, pos.Local.Y, pos.Local.Z,
			pos.Global.X, pos.Global.Y, pos.Global.Z, pos.Label,
			len(pos.Cameras), pos.ReprojectionError)
	}
}
