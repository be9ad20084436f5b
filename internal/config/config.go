// Package config gathers the tunable parameters of every stage into one
// document that can be read from YAML, TOML or JSON.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"probe-tracker/internal/boundary"
	"probe-tracker/internal/framediff"
	"probe-tracker/internal/mask"
	"probe-tracker/internal/probe"
	"probe-tracker/internal/reticle"
	"probe-tracker/internal/solver"
	"probe-tracker/internal/stage"
	"probe-tracker/internal/tracking"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Log selects the logger.
type Log struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	// Format is "text", "json" or "auto" (JSON unless stderr is a terminal).
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Camera is one frame source of the headless tracker.
type Camera struct {
	ID  string `json:"id" yaml:"id" toml:"id"`
	Dir string `json:"dir" yaml:"dir" toml:"dir"`
	// Probe is the stage serial number the camera is tracking.
	Probe string `json:"probe" yaml:"probe" toml:"probe"`
}

// Calibration tunes stereo calibration.
type Calibration struct {
	Reference string `json:"reference" yaml:"reference" toml:"reference"`
	// Pitch is the reticle tick spacing in millimetres.
	Pitch float64 `json:"pitch" yaml:"pitch" toml:"pitch"`
	// Checkerboard is the inner corner count for intrinsic calibration.
	Checkerboard image.Point `json:"checkerboard" yaml:"checkerboard" toml:"checkerboard"`
	SquareSize   float64     `json:"square_size" yaml:"square_size" toml:"square_size"`

	Bundle         bool            `json:"bundle" yaml:"bundle" toml:"bundle"`
	BundleSettings solver.Settings `json:"bundle_settings" yaml:"bundle_settings" toml:"bundle_settings"`
}

// Config is the whole configuration document.
type Config struct {
	Log          Log      `json:"log" yaml:"log" toml:"log"`
	Cameras      []Camera `json:"cameras" yaml:"cameras" toml:"cameras"`
	MetadataPath string   `json:"metadata_path" yaml:"metadata_path" toml:"metadata_path"`
	ProjectPath  string   `json:"project_path" yaml:"project_path" toml:"project_path"`

	Tracking    tracking.Params     `json:"tracking" yaml:"tracking" toml:"tracking"`
	Mask        mask.Params         `json:"mask" yaml:"mask" toml:"mask"`
	Reticle     reticle.Params      `json:"reticle" yaml:"reticle" toml:"reticle"`
	Diff        framediff.Params    `json:"diff" yaml:"diff" toml:"diff"`
	Probe       probe.Params        `json:"probe" yaml:"probe" toml:"probe"`
	FineTip     probe.FineTipParams `json:"fine_tip" yaml:"fine_tip" toml:"fine_tip"`
	Boundary    boundary.Params     `json:"boundary" yaml:"boundary" toml:"boundary"`
	Calibration Calibration         `json:"calibration" yaml:"calibration" toml:"calibration"`
	Stage       stage.Params        `json:"stage" yaml:"stage" toml:"stage"`
}

// Default returns the built-in configuration.
func Default() Config {
	c := tracking.DefaultComponents()
	return Config{
		Log:         Log{Level: "info", Format: "auto"},
		Tracking:    c.Tracking,
		Mask:        c.Mask,
		Reticle:     c.Reticle,
		Diff:        c.Diff,
		Probe:       c.Probe,
		FineTip:     c.FineTip,
		Boundary:    c.Boundary,
		Calibration: Calibration{
			Pitch:          0.2,
			Checkerboard:   image.Pt(9, 6),
			SquareSize:     1,
			Bundle:         true,
			BundleSettings: solver.DefaultSettings(),
		},
		Stage: stage.DefaultParams(),
	}
}

// Components returns the per-stage settings a tracking pipeline needs.
func (c Config) Components() tracking.Components {
	return tracking.Components{
		Tracking: c.Tracking,
		Mask:     c.Mask,
		Reticle:  c.Reticle,
		Diff:     c.Diff,
		Probe:    c.Probe,
		FineTip:  c.FineTip,
		Boundary: c.Boundary,
	}
}

// Load reads a configuration file over the defaults. The format follows the
// file extension: .yaml/.yml, .toml or .json.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses data in the format named by ext over the defaults and
// validates the result.
func Decode(data []byte, ext string) (Config, error) {
	cfg := Default()
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &cfg)
	case "toml":
		_, err = toml.Decode(string(data), &cfg)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return Config{}, fmt.Errorf("unknown config format %q", ext)
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	odd := func(k int) bool { return k == 0 || (k > 0 && k%2 == 1) }

	check(c.Tracking.WorkSize.X > 0 && c.Tracking.WorkSize.Y > 0, "tracking.work_size %v", c.Tracking.WorkSize)
	check(odd(c.Tracking.BlurSize), "tracking.blur_size %d must be odd", c.Tracking.BlurSize)
	check(c.Tracking.FineCropPrevious > 0 && c.Tracking.FineCropBackground > 0, "tracking fine crop must be positive")
	check(c.Mask.WorkSize.X > 0 && c.Mask.WorkSize.Y > 0, "mask.work_size %v", c.Mask.WorkSize)
	check(odd(c.Mask.BlurSize), "mask.blur_size %d must be odd", c.Mask.BlurSize)
	check(c.Reticle.InterestHalf >= 1, "reticle.interest_half %d", c.Reticle.InterestHalf)
	check(c.Reticle.BlockSize >= 3 && odd(c.Reticle.BlockSize), "reticle.block_size %d", c.Reticle.BlockSize)
	check(c.Reticle.ZoneWidth >= 0, "reticle.zone_width %g", c.Reticle.ZoneWidth)
	check(c.Diff.BlockSize >= 3 && odd(c.Diff.BlockSize), "diff.block_size %d", c.Diff.BlockSize)
	check(c.Diff.ShadowRatio >= 0 && c.Diff.ShadowRatio < 1, "diff.shadow_ratio %g", c.Diff.ShadowRatio)
	check(c.Probe.AngleStep > 0 && c.Probe.AngleStep < 180, "probe.angle_step %g", c.Probe.AngleStep)
	check(odd(c.FineTip.BlurSize), "fine_tip.blur_size %d must be odd", c.FineTip.BlurSize)
	check(c.Boundary.InitialCrop > 0 && c.Boundary.Increment > 0, "boundary crop sizes must be positive")
	check(c.Calibration.Pitch > 0, "calibration.pitch %g", c.Calibration.Pitch)
	check(c.Stage.MoveThreshold > 0 && c.Stage.IdleTime > 0 && c.Stage.PollInterval > 0, "stage thresholds must be positive")
	check(c.Calibration.Checkerboard.X >= 2 && c.Calibration.Checkerboard.Y >= 2, "calibration.checkerboard %v", c.Calibration.Checkerboard)

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		check(cam.ID != "", "cameras[%d] has no id", i)
		check(!seen[cam.ID], "camera %q listed twice", cam.ID)
		seen[cam.ID] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "text", "json":
	default:
		check(false, "log.format %q", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
