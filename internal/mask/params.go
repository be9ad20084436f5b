package mask

import "image"

// Params controls the mask pipeline. The two presets differ in working
// resolution and morphology sizes: the coarse preset is used on the first
// frame of a camera to decide whether a reticle is visible at all.
type Params struct {
	WorkSize image.Point `json:"work_size" yaml:"work_size" toml:"work_size"`

	// BlurSize is the Gaussian kernel applied after downscaling (0 disables).
	BlurSize int `json:"blur_size" yaml:"blur_size" toml:"blur_size"`

	Homomorphic   bool    `json:"homomorphic" yaml:"homomorphic" toml:"homomorphic"`
	HighPassC     float64 `json:"high_pass_c" yaml:"high_pass_c" toml:"high_pass_c"`
	HighPassD0    float64 `json:"high_pass_d0" yaml:"high_pass_d0" toml:"high_pass_d0"`
	GammaHigh     float64 `json:"gamma_high" yaml:"gamma_high" toml:"gamma_high"`
	GammaLow      float64 `json:"gamma_low" yaml:"gamma_low" toml:"gamma_low"`
	CloseKernel   int     `json:"close_kernel" yaml:"close_kernel" toml:"close_kernel"`
	ErodeKernel   int     `json:"erode_kernel" yaml:"erode_kernel" toml:"erode_kernel"`
	MinBlobSide   int     `json:"min_blob_side" yaml:"min_blob_side" toml:"min_blob_side"`
	BoundaryDepth int     `json:"boundary_depth" yaml:"boundary_depth" toml:"boundary_depth"`

	// A border ring at least this white after Otsu means the camera is looking
	// at background only.
	ThresholdExist float64 `json:"threshold_exist" yaml:"threshold_exist" toml:"threshold_exist"`
	// Same check after morphology.
	MorphExist float64 `json:"morph_exist" yaml:"morph_exist" toml:"morph_exist"`
}

// DefaultParams returns the refinement preset (400x300 working image).
func DefaultParams() Params {
	return Params{
		WorkSize:       image.Pt(400, 300),
		BlurSize:       9,
		Homomorphic:    false,
		HighPassC:      1,
		HighPassD0:     30,
		GammaHigh:      1.5,
		GammaLow:       0.5,
		CloseKernel:    8,
		ErodeKernel:    10,
		MinBlobSide:    50, // blobs under 50x50 px at 400x300 are reflections
		BoundaryDepth:  5,
		ThresholdExist: 0.9,
		MorphExist:     0.5,
	}
}

// InitialParams returns the coarse preset used for the first detection: a
// 120x90 image with homomorphic shadow removal and small kernels.
func InitialParams() Params {
	p := DefaultParams()
	p.WorkSize = image.Pt(120, 90)
	p.BlurSize = 0
	p.Homomorphic = true
	p.CloseKernel = 2
	p.ErodeKernel = 3
	p.MinBlobSide = 5
	return p
}

// WithWorkSize returns a copy of params with a different working resolution.
func (p Params) WithWorkSize(size image.Point) Params {
	p.WorkSize = size
	return p
}
