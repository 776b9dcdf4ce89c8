package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"volwarp/pkg/config"
	"volwarp/pkg/metrics"
	"volwarp/pkg/transform"
	"volwarp/pkg/visualization"
	"volwarp/pkg/volume"
	"volwarp/pkg/warp"
)

// condWarnThreshold flags transforms that invert but are poorly
// conditioned; the warp proceeds with degraded interpolation quality.
const condWarnThreshold = 1e8

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Input volume file (raw little-endian float32)")
	output := flag.String("output", "warped.raw", "Output volume file")
	configPath := flag.String("config", "volwarp.yaml", "Configuration file")
	nx := flag.Int("ix", 0, "Input volume extent, X")
	ny := flag.Int("iy", 0, "Input volume extent, Y")
	nz := flag.Int("iz", 0, "Input volume extent, Z")
	channels := flag.Int("channels", 1, "Channels per voxel")
	ox := flag.Int("ox", 0, "Output volume extent, X (default: input extent)")
	oy := flag.Int("oy", 0, "Output volume extent, Y (default: input extent)")
	oz := flag.Int("oz", 0, "Output volume extent, Z (default: input extent)")
	matrixArg := flag.String("matrix", "", "Output-to-input transform as 16 comma-separated row-major values (default: identity)")
	random := flag.Bool("random", false, "Draw a random transform within the configured augmentation bounds")
	seed := flag.Uint64("seed", 0, "Random transform seed (overrides config when nonzero)")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save warped slices along all axes")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted slices (overrides config)")
	flag.Parse()

	// Validate inputs
	if *input == "" || *nx <= 0 || *ny <= 0 || *nz <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opts, err := cfg.WarpOptions()
	if err != nil {
		log.Fatalf("Invalid warp configuration: %v", err)
	}
	opts.OutputShape = [3]int{*ox, *oy, *oz}
	if *ox == 0 && *oy == 0 && *oz == 0 {
		opts.OutputShape = [3]int{}
	}

	fmt.Println("================================")
	fmt.Println("VOLWARP: GPU-STYLE 3D AFFINE VOLUME RESAMPLING")
	fmt.Println("================================")

	fmt.Printf("Loading %dx%dx%dx%d volume from %s...\n", *nx, *ny, *nz, *channels, *input)
	in, err := volume.ReadRaw(*input, *nx, *ny, *nz, *channels)
	if err != nil {
		log.Fatalf("Failed to load volume: %v", err)
	}

	var (
		out      *volume.Volume
		realized transform.Affine
	)
	startTime := time.Now()

	if *random {
		warpSeed := cfg.Augment.Seed
		if *seed != 0 {
			warpSeed = *seed
		}
		fmt.Printf("Drawing random transform with seed %d...\n", warpSeed)
		out, realized, err = warp.RandomWarp(in, cfg.AugmentSpec(), warpSeed, opts)
		if err != nil {
			log.Fatalf("Random warp failed: %v", err)
		}
	} else {
		t := transform.Identity()
		if *matrixArg != "" {
			t, err = parseMatrix(*matrixArg)
			if err != nil {
				log.Fatalf("Invalid -matrix: %v", err)
			}
		}
		if cond := t.Cond(); cond > condWarnThreshold {
			fmt.Printf("Warning: transform is near-singular (condition number %.3g); interpolation quality may degrade\n", cond)
		}
		out, err = warp.Warp(in, t, opts)
		if err != nil {
			log.Fatalf("Warp failed: %v", err)
		}
		realized = t
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nWarp completed in %.3f seconds (%s sampling, %s boundary)\n",
		elapsed.Seconds(), opts.Interpolation, opts.Boundary)
	fmt.Printf("Output volume: %dx%dx%dx%d\n", out.Nx, out.Ny, out.Nz, out.Channels)

	r := realized.Raw()
	fmt.Println("Transform applied (row-major):")
	for i := 0; i < 4; i++ {
		fmt.Printf("  [%9.4f %9.4f %9.4f %9.4f]\n", r[i*4], r[i*4+1], r[i*4+2], r[i*4+3])
	}

	// Fidelity metrics are only meaningful when the shapes match.
	if out.Nx == in.Nx && out.Ny == in.Ny && out.Nz == in.Nz {
		summary, err := metrics.Compare(in, out)
		if err != nil {
			log.Printf("Warning: failed to compute metrics: %v", err)
		} else {
			fmt.Println("\nFidelity vs input volume:")
			fmt.Printf("  Root Mean Square Error (RMSE): %.6f\n", summary.RMSE)
			fmt.Printf("  Structural Similarity (SSIM): %.3f\n", summary.SSIM)
			fmt.Printf("  Mutual Information (MI): %.3f\n", summary.MI)
			fmt.Printf("  Entropy Difference: %.3f\n", summary.EntropyDiff)
		}
	}

	if err := out.WriteRaw(*output); err != nil {
		log.Fatalf("Failed to write output volume: %v", err)
	}
	fmt.Printf("\nWarped volume saved to: %s\n", *output)

	if *extractSlices || cfg.Output.SaveSlices {
		dir := cfg.Output.SlicesDir
		if *slicesDir != "" {
			dir = *slicesDir
		}
		fmt.Println("\nExtracting warped slices along all axes...")

		viewer := visualization.NewViewer(out)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(dir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}
		fmt.Println("Slice extraction completed!")
	}
}

// parseMatrix reads 16 comma-separated row-major values into a transform.
func parseMatrix(s string) (transform.Affine, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 16 {
		return transform.Affine{}, fmt.Errorf("expected 16 values, got %d", len(fields))
	}
	var r [16]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return transform.Affine{}, fmt.Errorf("value %d: %w", i, err)
		}
		r[i] = v
	}
	return transform.FromRaw(r), nil
}
