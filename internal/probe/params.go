package probe

// HoughParams are the probabilistic Hough transform settings for one pass.
type HoughParams struct {
	Threshold     int `json:"threshold" yaml:"threshold" toml:"threshold"`
	MinLineLength int `json:"min_line_length" yaml:"min_line_length" toml:"min_line_length"`
	MaxLineGap    int `json:"max_line_gap" yaml:"max_line_gap" toml:"max_line_gap"`
}

// Params tunes the coarse probe detector.
type Params struct {
	// Largest contour area below which the diff is treated as empty.
	ContourThreshFirst  float64 `json:"contour_thresh_first" yaml:"contour_thresh_first" toml:"contour_thresh_first"`
	ContourThreshUpdate float64 `json:"contour_thresh_update" yaml:"contour_thresh_update" toml:"contour_thresh_update"`
	// Contours smaller than NoiseThreshold^2 are removed before a first detection.
	NoiseThreshold float64 `json:"noise_threshold" yaml:"noise_threshold" toml:"noise_threshold"`

	HoughFirst  HoughParams `json:"hough_first" yaml:"hough_first" toml:"hough_first"`
	HoughUpdate HoughParams `json:"hough_update" yaml:"hough_update" toml:"hough_update"`
	// A pass returning this many segments or more is looking at texture, not a probe.
	MaxSegments int `json:"max_segments" yaml:"max_segments" toml:"max_segments"`

	AngleStep          float64 `json:"angle_step" yaml:"angle_step" toml:"angle_step"`
	MinTipBaseDistance float64 `json:"min_tip_base_distance" yaml:"min_tip_base_distance" toml:"min_tip_base_distance"`

	Debug bool `json:"debug" yaml:"debug" toml:"debug"`
}

// DefaultParams returns the settings for single-shank probes.
func DefaultParams() Params {
	return Params{
		ContourThreshFirst:  50,
		ContourThreshUpdate: 20,
		NoiseThreshold:      1,
		HoughFirst:          HoughParams{Threshold: 100, MinLineLength: 130, MaxLineGap: 50},
		HoughUpdate:         HoughParams{Threshold: 50, MinLineLength: 200, MaxLineGap: 10},
		MaxSegments:         30,
		AngleStep:           9,
		MinTipBaseDistance:  50,
	}
}

// MultiShankParams returns settings for multi-shank probes, whose shanks must
// not be bridged into one segment.
func MultiShankParams() Params {
	p := DefaultParams()
	p.HoughFirst.MaxLineGap = 0
	p.HoughUpdate.MaxLineGap = 0
	return p
}

// WithAngleStep returns a copy with a different angle bin width.
func (p Params) WithAngleStep(step float64) Params {
	p.AngleStep = step
	return p
}

// FineTipParams tunes the fine tip refinement.
type FineTipParams struct {
	BlurSize      int     `json:"blur_size" yaml:"blur_size" toml:"blur_size"`
	HarrisBlock   int     `json:"harris_block" yaml:"harris_block" toml:"harris_block"`
	HarrisKSize   int     `json:"harris_ksize" yaml:"harris_ksize" toml:"harris_ksize"`
	HarrisK       float64 `json:"harris_k" yaml:"harris_k" toml:"harris_k"`
	HarrisRatio   float64 `json:"harris_ratio" yaml:"harris_ratio" toml:"harris_ratio"`
	TipOffset     float64 `json:"tip_offset" yaml:"tip_offset" toml:"tip_offset"`
	MaxBorderHits int     `json:"max_border_hits" yaml:"max_border_hits" toml:"max_border_hits"`
}

// DefaultFineTipParams returns the standard refinement settings.
func DefaultFineTipParams() FineTipParams {
	return FineTipParams{
		BlurSize:      7,
		HarrisBlock:   7,
		HarrisKSize:   5,
		HarrisK:       0.1,
		HarrisRatio:   0.3,
		TipOffset:     3,
		MaxBorderHits: 1,
	}
}
