package main

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"probe-tracker/internal/calibration"
	"probe-tracker/pkg/geometry"
)

// pointsFile is the -points input: reticle axis pixels per camera, ordered
// from the negative to the positive end of each axis.
type pointsFile struct {
	Cameras []struct {
		ID     string       `json:"id"`
		Width  int          `json:"width"`
		Height int          `json:"height"`
		XAxis  [][2]float64 `json:"x_axis"`
		YAxis  [][2]float64 `json:"y_axis"`
	} `json:"cameras"`
}

func loadPoints(path string, pitch float64) ([]calibration.CameraView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf pointsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(pf.Cameras) == 0 {
		return nil, fmt.Errorf("%s: no cameras", path)
	}
	views := make([]calibration.CameraView, 0, len(pf.Cameras))
	for _, c := range pf.Cameras {
		view, err := calibration.ReticleView(toPoints(c.XAxis), toPoints(c.YAxis), pitch)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", c.ID, err)
		}
		views = append(views, calibration.CameraView{
			Camera: c.ID,
			Size:   image.Pt(c.Width, c.Height),
			View:   view,
		})
	}
	return views, nil
}

func toPoints(raw [][2]float64) []geometry.Point2D {
	pts := make([]geometry.Point2D, len(raw))
	for i, p := range raw {
		pts[i] = geometry.Point2D{X: p[0], Y: p[1]}
	}
	return pts
}
