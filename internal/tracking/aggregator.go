package tracking

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"probe-tracker/internal/calibration"
	"probe-tracker/internal/coords"
)

var (
	// ErrNotCalibrated is returned before any stereo parameters are published.
	ErrNotCalibrated = errors.New("tracking: no calibration published")
	// ErrTooFewViews is returned when fewer than two calibrated cameras see the tip.
	ErrTooFewViews = errors.New("tracking: tip seen by fewer than two cameras")
)

// Position is a triangulated probe tip.
type Position struct {
	// Local is the tip in the reticle frame, in millimetres.
	Local r3.Vector `json:"local"`
	// Global is the tip in micrometres, rotated and offset for Label when a
	// reticle label was requested, rounded to 0.1.
	Global r3.Vector `json:"global"`
	Label  string    `json:"label,omitempty"`

	Cameras []string `json:"cameras"`
	// Skew is the time between the oldest and newest result used.
	Skew time.Duration `json:"skew"`
	// ReprojectionError is the mean pixel residual of the tip.
	ReprojectionError float64   `json:"reprojection_error"`
	Time              time.Time `json:"time"`
}

// Aggregator combines the latest result of each camera into a 3D position
// with whatever calibration and reticle metadata are current.
type Aggregator struct {
	registry *Registry
	params   *calibration.Store
	metadata *coords.MetadataStore
}

// NewAggregator creates an Aggregator. metadata may be nil when only local
// coordinates are needed.
func NewAggregator(registry *Registry, params *calibration.Store, metadata *coords.MetadataStore) *Aggregator {
	return &Aggregator{registry: registry, params: params, metadata: metadata}
}

// Locate triangulates the tip from every calibrated camera whose latest
// result found it. Results from different cameras may be a frame apart.
func (a *Aggregator) Locate(label string) (Position, error) {
	stereo := a.params.Load()
	if stereo == nil {
		return Position{}, ErrNotCalibrated
	}
	var (
		obs          []coords.Observation2D
		cams         []calibration.CameraParams
		pos          Position
		oldest, last time.Time
	)
	for _, id := range a.registry.Cameras() {
		cam, err := stereo.Camera(id)
		if err != nil {
			continue
		}
		res, ok := a.registry.Latest(id)
		if !ok || !res.Found {
			continue
		}
		obs = append(obs, coords.Observation2D{Camera: id, Pixel: res.Tip})
		cams = append(cams, cam)
		pos.Cameras = append(pos.Cameras, id)
		if oldest.IsZero() || res.Time.Before(oldest) {
			oldest = res.Time
		}
		if res.Time.After(last) {
			last = res.Time
		}
	}
	if len(obs) < 2 {
		return Position{}, fmt.Errorf("%d views: %w", len(obs), ErrTooFewViews)
	}

	p, err := coords.Triangulate(obs, cams)
	if err != nil {
		return Position{}, fmt.Errorf("triangulate tip: %w", err)
	}
	pos.Local = p
	pos.Skew = last.Sub(oldest)
	pos.Time = last
	pos.ReprojectionError, _ = coords.ReprojectionError(p, obs, cams)

	g := p.Mul(1000)
	if label != "" && a.metadata != nil {
		g, err = a.metadata.Load().Global(coords.RoundGlobal(g), label)
		if err != nil {
			return Position{}, err
		}
		pos.Label = label
	}
	pos.Global = coords.RoundGlobal(g)
	return pos, nil
}
