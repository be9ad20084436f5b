package reticle

// RANSACParams tunes the gridline fit. When a pass finds fewer than
// MinInliers, the next pass gets TrialStep more trials and a threshold one
// pixel looser (up to MaxResidualThreshold).
type RANSACParams struct {
	ResidualThreshold    float64 `json:"residual_threshold" yaml:"residual_threshold" toml:"residual_threshold"`
	MaxResidualThreshold float64 `json:"max_residual_threshold" yaml:"max_residual_threshold" toml:"max_residual_threshold"`
	MaxTrials            int     `json:"max_trials" yaml:"max_trials" toml:"max_trials"`
	TrialStep            int     `json:"trial_step" yaml:"trial_step" toml:"trial_step"`
	MinInliers           int     `json:"min_inliers" yaml:"min_inliers" toml:"min_inliers"`
	MaxRetries           int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
}

// Params holds the reticle detector settings.
type Params struct {
	BlurSize    int     `json:"blur_size" yaml:"blur_size" toml:"blur_size"`
	BlockSize   int     `json:"block_size" yaml:"block_size" toml:"block_size"`
	BlockC      float64 `json:"block_c" yaml:"block_c" toml:"block_c"`
	MedianSize  int     `json:"median_size" yaml:"median_size" toml:"median_size"`
	CloseKernel int     `json:"close_kernel" yaml:"close_kernel" toml:"close_kernel"`
	ErodeKernel int     `json:"erode_kernel" yaml:"erode_kernel" toml:"erode_kernel"`

	// Erosion stops once the blob count lies strictly inside (MinBlobs, MaxBlobs)
	// and the largest blob is smaller than MaxBlobArea.
	MaxErodeIterations int     `json:"max_erode_iterations" yaml:"max_erode_iterations" toml:"max_erode_iterations"`
	MinBlobs           int     `json:"min_blobs" yaml:"min_blobs" toml:"min_blobs"`
	MaxBlobs           int     `json:"max_blobs" yaml:"max_blobs" toml:"max_blobs"`
	MaxBlobArea        float64 `json:"max_blob_area" yaml:"max_blob_area" toml:"max_blob_area"`

	MinPoints int          `json:"min_points" yaml:"min_points" toml:"min_points"`
	RANSAC    RANSACParams `json:"ransac" yaml:"ransac" toml:"ransac"`

	// Gaps wider than GapFactor times the median pitch are filled in.
	GapFactor float64 `json:"gap_factor" yaml:"gap_factor" toml:"gap_factor"`

	// InterestHalf is n: each axis reports 2n+1 points centered on the origin.
	InterestHalf int `json:"interest_half" yaml:"interest_half" toml:"interest_half"`
	// CenterSearch is how far (px, per axis) the grid point replaced by the
	// line intersection may be from it.
	CenterSearch float64 `json:"center_search" yaml:"center_search" toml:"center_search"`
	// MinAxisSine rejects axis pairs closer to parallel than asin(MinAxisSine).
	MinAxisSine float64 `json:"min_axis_sine" yaml:"min_axis_sine" toml:"min_axis_sine"`

	// ZoneWidth is the thickness (px) of each gridline band in Zone.
	ZoneWidth float64 `json:"zone_width" yaml:"zone_width" toml:"zone_width"`

	Seed  int64 `json:"seed" yaml:"seed" toml:"seed"`
	Debug bool  `json:"debug" yaml:"debug" toml:"debug"`
}

// DefaultParams returns detector settings tuned for 4000x3000 reticle images.
func DefaultParams() Params {
	return Params{
		BlurSize:    11,
		BlockSize:   11,
		BlockC:      3,
		MedianSize:  5,
		CloseKernel: 5,
		ErodeKernel: 3,

		MaxErodeIterations: 100,
		MinBlobs:           50,
		MaxBlobs:           300,
		MaxBlobArea:        30 * 30,

		MinPoints: 10,
		RANSAC: RANSACParams{
			ResidualThreshold:    2,
			MaxResidualThreshold: 15,
			MaxTrials:            7000,
			TrialStep:            2000,
			MinInliers:           20,
			MaxRetries:           50,
		},

		GapFactor:    1.5,
		InterestHalf: 10, // 21 ticks per axis
		CenterSearch: 5,
		MinAxisSine:  0.2, // about 11.5 degrees
		ZoneWidth:    35,
		Seed:         1,
	}
}

// WithSeed returns a copy of params using a different RANSAC seed.
func (p Params) WithSeed(seed int64) Params {
	p.Seed = seed
	return p
}

// WithInterestHalf returns a copy of params reporting 2n+1 points per axis.
func (p Params) WithInterestHalf(n int) Params {
	p.InterestHalf = n
	return p
}
