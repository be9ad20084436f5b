// Command probetest runs the probe tracking pipeline over a directory of
// frames from one camera and prints each detection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"probe-tracker/internal/config"
	"probe-tracker/internal/imgproc"
	"probe-tracker/internal/logging"
	"probe-tracker/internal/tracking"
	"probe-tracker/internal/version"
)

func main() {
	dir := flag.String("dir", "", "Directory of frames, processed in name order")
	configPath := flag.String("config", "", "Configuration file (YAML, TOML or JSON)")
	camera := flag.String("camera", "cam0", "Camera id")
	probeID := flag.String("probe", "", "Stage serial number of the probe")
	moving := flag.Bool("moving", false, "Treat the stage as moving (background diff first)")
	noReticle := flag.Bool("no-reticle", false, "Skip reticle zone detection")
	asJSON := flag.Bool("json", false, "Print one JSON result per frame")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("probetest"))
		return
	}
	if *dir == "" {
		fmt.Println("Usage: probetest -dir <frames> [-config file] [-camera id] [-moving] [-json]")
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
	log, err := logging.FromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	paths, err := imgproc.ListFrames(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list frames: %v\n", err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "No frames in %s\n", *dir)
		os.Exit(1)
	}

	comp := cfg.Components()
	if *noReticle {
		comp.Tracking.DetectReticle = false
	}
	p := tracking.NewPipeline(*camera, comp, log)
	defer p.Close()
	if *probeID != "" {
		p.SelectProbe(*probeID)
	}
	p.SetMoving(*moving)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !*asJSON {
		fmt.Printf("Processing %s frames from %s\n\n", humanize.Comma(int64(len(paths))), *dir)
		fmt.Printf("%-24s %6s %-10s %9s %9s %7s %5s %8s\n",
			"Frame", "Found", "Mode", "Tip X", "Tip Y", "Precise", "Dir", "Time")
	}
	enc := json.NewEncoder(os.Stdout)
	var found int
	var total time.Duration
	start := time.Now()
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		frame, err := imgproc.LoadFrame(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", path, err)
			continue
		}
		t0 := time.Now()
		res := p.ProcessFrame(ctx, frame)
		elapsed := time.Since(t0)
		frame.Close()
		total += elapsed
		if res.Found {
			found++
		}

		if *asJSON {
			if err := enc.Encode(res); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			continue
		}
		if !res.Found {
			fmt.Printf("%-24s %6s %-10s %9s %9s %7s %5s %8s\n",
				filepath.Base(path), "-", "", "", "", "", "", elapsed.Round(time.Millisecond))
			continue
		}
		fmt.Printf("%-24s %6s %-10s %9.1f %9.1f %7v %5s %8s\n",
			filepath.Base(path), "yes", res.Mode, res.Tip.X, res.Tip.Y, res.Precise, res.Direction,
			elapsed.Round(time.Millisecond))
	}

	if !*asJSON {
		n := max(1, len(paths))
		fmt.Printf("\nDetected in %s of %s frames, %s per frame, started %s\n",
			humanize.Comma(int64(found)), humanize.Comma(int64(len(paths))),
			(total / time.Duration(n)).Round(time.Millisecond), humanize.Time(start))
	}
}
