// Command reticletest runs mask and reticle detection on one camera image and
// prints the interest points.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"

	"probe-tracker/internal/config"
	"probe-tracker/internal/imgproc"
	"probe-tracker/internal/logging"
	"probe-tracker/internal/mask"
	"probe-tracker/internal/reticle"
	"probe-tracker/internal/version"
	"probe-tracker/pkg/geometry"
)

func main() {
	imagePath := flag.String("image", "", "Path to camera image (TIFF, PNG, or JPEG)")
	configPath := flag.String("config", "", "Configuration file (YAML, TOML or JSON)")
	outPath := flag.String("out", "", "Write an annotated copy of the image here")
	half := flag.Int("half", 0, "Interest points per half axis (0 = config value)")
	seed := flag.Int64("seed", 0, "RANSAC seed (0 = config value)")
	clickX := flag.Float64("click-x", -1, "X pixel of the clicked +X marker")
	clickY := flag.Float64("click-y", -1, "Y pixel of the clicked +X marker")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("reticletest"))
		return
	}
	if *imagePath == "" {
		fmt.Println("Usage: reticletest -image <path> [-config file] [-out annotated.tif] [-half 10]")
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

	frame, err := imgproc.LoadFrame(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load image: %v\n", err)
		os.Exit(1)
	}
	defer frame.Close()
	fmt.Printf("Loaded %s: %dx%d pixels\n", filepath.Base(*imagePath), frame.Cols(), frame.Rows())

	params := cfg.Reticle
	if *half > 0 {
		params = params.WithInterestHalf(*half)
	}
	if *seed != 0 {
		params = params.WithSeed(*seed)
	}

	// Mask
	start := time.Now()
	m := mask.NewGenerator(cfg.Mask, log).Process(frame)
	defer m.Close()
	fmt.Printf("Mask: reticle plate found=%v, %d px on (%s)\n",
		m.ReticleFound, gocv.CountNonZero(m.Mask), time.Since(start).Round(time.Millisecond))
	if !m.ReticleFound {
		fmt.Println("No reticle plate in view")
		os.Exit(2)
	}

	// Reticle
	gray := imgproc.ToGray(frame)
	defer gray.Close()
	start = time.Now()
	ip, err := reticle.NewDetector(params, log).GetCoords(gray, m.Mask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reticle detection failed: %v\n", err)
		os.Exit(1)
	}
	if ip == nil {
		fmt.Println("No reticle gridlines found")
		os.Exit(2)
	}
	if *clickX >= 0 && *clickY >= 0 {
		*ip = reticle.SelectPositiveX(*ip, geometry.Point2D{X: *clickX, Y: *clickY})
	}
	fmt.Printf("Reticle found in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Center: (%.1f, %.1f)\n", ip.Center.X, ip.Center.Y)
	fmt.Printf("  +X marker: (%.1f, %.1f), axis angle %.2f deg\n", ip.PositiveX().X, ip.PositiveX().Y, ip.AngleDeg())
	for i, l := range ip.Lines {
		fmt.Printf("  Line %d: %d points (%d interpolated), %d inliers\n", i, len(l.Points), l.Interpolated, len(l.Inliers))
	}

	fmt.Printf("\n%-6s %10s %10s %10s %10s\n", "Index", "X.x", "X.y", "Y.x", "Y.y")
	for i := range ip.XAxis {
		fmt.Printf("%-6d %10.1f %10.1f %10.1f %10.1f\n",
			i-ip.Half(), ip.XAxis[i].X, ip.XAxis[i].Y, ip.YAxis[i].X, ip.YAxis[i].Y)
	}

	if *outPath != "" {
		if err := writeOverlay(frame, ip, *outPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write overlay: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nAnnotated image written to %s\n", *outPath)
	}
}

// writeOverlay draws the axes on a copy of frame, shading each axis from its
// negative to its positive end.
func writeOverlay(frame gocv.Mat, ip *reticle.InterestPoints, path string) error {
	canvas := gocv.NewMat()
	defer canvas.Close()
	if frame.Channels() == 1 {
		gocv.CvtColor(frame, &canvas, gocv.ColorGrayToBGR)
	} else {
		frame.CopyTo(&canvas)
	}
	radius := max(3, canvas.Cols()/400)
	for axis, pts := range [][]geometry.Point2D{ip.XAxis, ip.YAxis} {
		hue := 0.0
		if axis == 1 {
			hue = 120
		}
		for i, p := range pts {
			v := 0.4 + 0.6*float64(i)/float64(max(1, len(pts)-1))
			r, g, b := colorful.Hsv(hue, 1, v).RGB255()
			gocv.Circle(&canvas, p.Round(), radius, color.RGBA{R: r, G: g, B: b, A: 255}, -1)
		}
	}
	gocv.Circle(&canvas, ip.Center.Round(), 2*radius, color.RGBA{R: 255, G: 255, A: 255}, 2)

	img, err := canvas.ToImage()
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return imaging.Save(img, path)
	}
}
