// Package project provides persistence of a tracking setup: the calibration
// in use and the files it relies on.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"probe-tracker/internal/calibration"
)

// CurrentVersion is written by Save.
const CurrentVersion = 1

// ErrNoCalibration is returned when a project holds no stereo parameters.
var ErrNoCalibration = errors.New("project: no calibration")

// Camera is a camera of the setup and where its frames are read from.
type Camera struct {
	ID       string `json:"id"`
	FrameDir string `json:"frame_dir,omitempty"`
}

// File represents a tracking project file (.ptproj).
type File struct {
	Version  int       `json:"version"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	// Session is the id of the tracking session that produced the calibration.
	Session string `json:"session,omitempty"`

	Cameras []Camera `json:"cameras,omitempty"`

	// Paths relative to the project file.
	MetadataPath string `json:"metadata,omitempty"`

	Intrinsics  map[string]calibration.Intrinsics `json:"intrinsics,omitempty"`
	Calibration *calibration.StereoParams         `json:"calibration,omitempty"`
	// CalibrationError is the mean 3D error of the calibration target in µm.
	CalibrationError float64 `json:"calibration_error,omitempty"`
	BundleAdjusted   bool    `json:"bundle_adjusted,omitempty"`
}

// New creates a new project file.
func New(name string) *File {
	now := time.Now()
	return &File{
		Version:  CurrentVersion,
		Name:     name,
		Created:  now,
		Modified: now,
	}
}

// Load loads a project from a file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var proj File
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if proj.Version > CurrentVersion {
		return nil, fmt.Errorf("%s: project version %d is newer than %d", path, proj.Version, CurrentVersion)
	}

	return &proj, nil
}

// Save saves the project to a file.
func (p *File) Save(path string) error {
	p.Version = CurrentVersion
	p.Modified = time.Now()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// SetCalibration records a stereo calibration and its quality.
func (p *File) SetCalibration(params calibration.StereoParams, errMicrons float64, bundle bool) {
	p.Calibration = &params
	p.CalibrationError = errMicrons
	p.BundleAdjusted = bundle
	p.Modified = time.Now()
}

// Stereo returns the recorded calibration, ready to publish.
func (p *File) Stereo() (*calibration.StereoParams, error) {
	if p.Calibration == nil || len(p.Calibration.Cameras) == 0 {
		return nil, ErrNoCalibration
	}
	params := *p.Calibration
	return &params, nil
}

// SetMetadataPath sets the reticle metadata path (relative to project).
func (p *File) SetMetadataPath(projectPath, metadataPath string) {
	rel, err := filepath.Rel(filepath.Dir(projectPath), metadataPath)
	if err != nil {
		p.MetadataPath = metadataPath
	} else {
		p.MetadataPath = rel
	}
	p.Modified = time.Now()
}

// GetMetadataPath returns the absolute path to the reticle metadata file.
func (p *File) GetMetadataPath(projectPath string) string {
	if p.MetadataPath == "" {
		// Default: reticle_metadata.json next to the project
		return filepath.Join(filepath.Dir(projectPath), "reticle_metadata.json")
	}
	if filepath.IsAbs(p.MetadataPath) {
		return p.MetadataPath
	}
	return filepath.Join(filepath.Dir(projectPath), p.MetadataPath)
}

// FrameDir returns the absolute frame directory of a camera, or "" when the
// camera has none.
func (p *File) FrameDir(projectPath, camera string) string {
	for _, c := range p.Cameras {
		if c.ID != camera || c.FrameDir == "" {
			continue
		}
		if filepath.IsAbs(c.FrameDir) {
			return c.FrameDir
		}
		return filepath.Join(filepath.Dir(projectPath), c.FrameDir)
	}
	return ""
}
