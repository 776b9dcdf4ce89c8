package warp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"volwarp/pkg/augment"
	"volwarp/pkg/transform"
	"volwarp/pkg/volume"
)

// createRampVolume fills an n³ volume with a smooth linear ramp; trilinear
// interpolation reproduces linear fields exactly in the interior, which
// makes round-trip errors easy to bound.
func createRampVolume(n int) *volume.Volume {
	v, _ := volume.New(n, n, n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				v.Set(x, y, z, 0, float32(x)+2*float32(y)+3*float32(z))
			}
		}
	}
	return v
}

// TestWarpIdentityNearest verifies exact reproduction under the identity
// transform with nearest sampling
func TestWarpIdentityNearest(t *testing.T) {
	in := createRampVolume(6)

	out, err := Warp(in, transform.Identity(), Options{Interpolation: Nearest})
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}

	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Fatalf("Sample %d changed under identity: got %v, want %v", i, out.Data[i], in.Data[i])
		}
	}
}

// TestWarpIdentityTrilinear verifies reproduction within interpolation
// tolerance when every sample point aligns with an input sample
func TestWarpIdentityTrilinear(t *testing.T) {
	in := createRampVolume(6)

	out, err := Warp(in, transform.Identity(), Options{Interpolation: Trilinear})
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}

	for i := range in.Data {
		if math.Abs(float64(out.Data[i]-in.Data[i])) > 1e-5 {
			t.Fatalf("Sample %d off under identity trilinear: got %v, want %v", i, out.Data[i], in.Data[i])
		}
	}
}

// TestWarpRoundTrip verifies that warping by T then by T⁻¹ reproduces the
// volume up to bounded interpolation error away from the boundary
func TestWarpRoundTrip(t *testing.T) {
	in := createRampVolume(10)

	rot := transform.RotationZ(5 * math.Pi / 180).FixPoint(5, 5, 5)
	tr := transform.Translation(0.4, -0.3, 0.2).Mul(rot)
	inv, err := tr.Invert()
	if err != nil {
		t.Fatalf("Failed to invert transform: %v", err)
	}

	opts := Options{Interpolation: Trilinear, Boundary: ClampToEdge}
	mid, err := Warp(in, tr, opts)
	if err != nil {
		t.Fatalf("Forward warp failed: %v", err)
	}
	back, err := Warp(mid, inv, opts)
	if err != nil {
		t.Fatalf("Inverse warp failed: %v", err)
	}

	const margin = 2
	const maxErr = 0.05
	for z := margin; z < 10-margin; z++ {
		for y := margin; y < 10-margin; y++ {
			for x := margin; x < 10-margin; x++ {
				diff := math.Abs(float64(back.At(x, y, z, 0) - in.At(x, y, z, 0)))
				if diff > maxErr {
					t.Fatalf("Round trip error %v at (%d,%d,%d) exceeds %v", diff, x, y, z, maxErr)
				}
			}
		}
	}
}

// TestWarpUniformScaling verifies that a uniform volume is invariant under
// affine resampling: a 4³ all-ones volume warped to 8³ with a 0.5 scale
// stays constant 1.0 when every sampled neighbor resolves in bounds
func TestWarpUniformScaling(t *testing.T) {
	in, _ := volume.New(4, 4, 4)
	for i := range in.Data {
		in.Data[i] = 1
	}

	for _, boundary := range []Boundary{ClampToEdge, Reflect} {
		out, err := Warp(in, transform.Scaling(0.5, 0.5, 0.5), Options{
			Interpolation: Trilinear,
			Boundary:      boundary,
			OutputShape:   [3]int{8, 8, 8},
		})
		if err != nil {
			t.Fatalf("Warp with %v boundary failed: %v", boundary, err)
		}
		for i, s := range out.Data {
			if math.Abs(float64(s)-1) > 1e-6 {
				t.Fatalf("Boundary %v: sample %d = %v, want 1", boundary, i, s)
			}
		}
	}

	// Constant fill with fill 1: every sampled neighbor equals 1 whether it
	// resolves in bounds or not, so the 0.5 scale stays constant too.
	out, err := Warp(in, transform.Scaling(0.5, 0.5, 0.5), Options{
		Interpolation: Trilinear,
		Boundary:      ConstantFill,
		Fill:          1,
		OutputShape:   [3]int{8, 8, 8},
	})
	if err != nil {
		t.Fatalf("Warp with constant fill 1 failed: %v", err)
	}
	for i, s := range out.Data {
		if math.Abs(float64(s)-1) > 1e-6 {
			t.Fatalf("ConstantFill(1): sample %d = %v, want 1", i, s)
		}
	}

	// With fill 0 the property holds while the mapped coordinate stays
	// within the sample lattice: scale 3/7 maps output 0..7 onto input
	// 0..3 exactly.
	out, err = Warp(in, transform.Scaling(3.0/7, 3.0/7, 3.0/7), Options{
		Interpolation: Trilinear,
		Boundary:      ConstantFill,
		OutputShape:   [3]int{8, 8, 8},
	})
	if err != nil {
		t.Fatalf("Warp with constant fill failed: %v", err)
	}
	for i, s := range out.Data {
		if math.Abs(float64(s)-1) > 1e-6 {
			t.Fatalf("ConstantFill: sample %d = %v, want 1", i, s)
		}
	}
}

// TestWarpDefaultOutputShape verifies that a zero output shape means the
// input's shape
func TestWarpDefaultOutputShape(t *testing.T) {
	in := createRampVolume(5)
	out, err := Warp(in, transform.Identity(), Options{})
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}
	if out.Nx != 5 || out.Ny != 5 || out.Nz != 5 {
		t.Errorf("Expected 5x5x5 output, got %dx%dx%d", out.Nx, out.Ny, out.Nz)
	}
}

// TestWarpMultiChannel verifies that channels share the coordinate mapping
// but keep their own values
func TestWarpMultiChannel(t *testing.T) {
	in, _ := volume.NewMultiChannel(4, 4, 4, 2)
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				in.Set(x, y, z, 0, float32(x))
				in.Set(x, y, z, 1, 100+float32(y))
			}
		}
	}

	out, err := Warp(in, transform.Translation(1, 0, 0), Options{
		Interpolation: Nearest,
		Boundary:      ClampToEdge,
	})
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}

	// Output voxel (0,2,0) samples input (1,2,0)
	if got := out.At(0, 2, 0, 0); got != 1 {
		t.Errorf("Channel 0 = %v, want 1", got)
	}
	if got := out.At(0, 2, 0, 1); got != 102 {
		t.Errorf("Channel 1 = %v, want 102", got)
	}
}

// TestWarpSingularTransform verifies that a non-invertible transform fails
// validation before any device allocation happens
func TestWarpSingularTransform(t *testing.T) {
	in := createRampVolume(4)
	dev := &fakeDevice{}

	_, err := Warp(in, transform.Scaling(1, 0, 1), Options{Device: dev})
	if !errors.Is(err, transform.ErrSingularTransform) {
		t.Fatalf("Expected ErrSingularTransform, got %v", err)
	}
	if dev.allocs != 0 {
		t.Errorf("Validation failure touched the device: %d allocations", dev.allocs)
	}
}

// TestWarpBadShape verifies output shape validation
func TestWarpBadShape(t *testing.T) {
	in := createRampVolume(4)
	dev := &fakeDevice{}

	_, err := Warp(in, transform.Identity(), Options{
		Device:      dev,
		OutputShape: [3]int{4, -1, 4},
	})
	if !errors.Is(err, ErrBadShape) {
		t.Fatalf("Expected ErrBadShape, got %v", err)
	}
	if dev.allocs != 0 {
		t.Errorf("Validation failure touched the device: %d allocations", dev.allocs)
	}
}

// TestWarpStageFailures verifies that each stage failure is reported
// distinctly and that no device allocation leaks
func TestWarpStageFailures(t *testing.T) {
	in := createRampVolume(4)

	cases := []struct {
		name string
		dev  *fakeDevice
		want Stage
	}{
		{"alloc", &fakeDevice{failAlloc: true}, StageAlloc},
		{"second alloc", &fakeDevice{failAllocAfter: 1}, StageAlloc},
		{"upload", &fakeDevice{failUpload: true}, StageUpload},
		{"launch", &fakeDevice{failLaunch: true}, StageLaunch},
		{"download", &fakeDevice{failDownload: true}, StageDownload},
	}

	for _, c := range cases {
		_, err := Warp(in, transform.Identity(), Options{Device: c.dev})
		if err == nil {
			t.Fatalf("%s: expected failure, got none", c.name)
		}

		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			t.Fatalf("%s: expected StageError, got %v", c.name, err)
		}
		if stageErr.Stage != c.want {
			t.Errorf("%s: failed at stage %v, want %v", c.name, stageErr.Stage, c.want)
		}
		if c.dev.releases != c.dev.allocs {
			t.Errorf("%s: %d allocations but %d releases", c.name, c.dev.allocs, c.dev.releases)
		}
	}
}

// TestWarpContextCanceled verifies that a canceled context aborts the
// pipeline and releases every allocation
func TestWarpContextCanceled(t *testing.T) {
	in := createRampVolume(4)
	dev := &fakeDevice{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WarpContext(ctx, in, transform.Identity(), Options{Device: dev})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if dev.releases != dev.allocs {
		t.Errorf("%d allocations but %d releases after cancellation", dev.allocs, dev.releases)
	}
}

// TestRandomWarpDeterminism verifies that the same seed, spec and input
// produce bit-identical transform matrices and output volumes
func TestRandomWarpDeterminism(t *testing.T) {
	in := createRampVolume(8)

	spec := augment.DefaultSpec()
	for i := 0; i < 3; i++ {
		spec.Rotation[i] = augment.Bounds{Min: -10, Max: 10}
		spec.Translation[i] = augment.Bounds{Min: -2, Max: 2}
	}
	spec.NoiseLevel = 0.01
	opts := Options{Interpolation: Trilinear, Boundary: ClampToEdge}

	out1, t1, err := RandomWarp(in, spec, 1234, opts)
	if err != nil {
		t.Fatalf("RandomWarp failed: %v", err)
	}
	out2, t2, err := RandomWarp(in, spec, 1234, opts)
	if err != nil {
		t.Fatalf("RandomWarp failed: %v", err)
	}

	if t1.Raw() != t2.Raw() {
		t.Errorf("Same seed produced different transforms:\n%v\n%v", t1.Raw(), t2.Raw())
	}
	for i := range out1.Data {
		if out1.Data[i] != out2.Data[i] {
			t.Fatalf("Same seed produced different outputs at sample %d: %v vs %v",
				i, out1.Data[i], out2.Data[i])
		}
	}

	out3, t3, err := RandomWarp(in, spec, 99, opts)
	if err != nil {
		t.Fatalf("RandomWarp failed: %v", err)
	}
	if t1.Raw() == t3.Raw() {
		t.Error("Different seeds produced identical transforms")
	}
	same := true
	for i := range out1.Data {
		if out1.Data[i] != out3.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different seeds produced identical outputs")
	}
}

// TestRandomWarpCenteredCrop verifies that a smaller output shape samples
// the center of the input rather than its origin corner
func TestRandomWarpCenteredCrop(t *testing.T) {
	in, _ := volume.New(8, 8, 8)
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				in.Set(x, y, z, 0, float32(100*x+10*y+z))
			}
		}
	}

	out, tr, err := RandomWarp(in, augment.DefaultSpec(), 1, Options{
		Interpolation: Nearest,
		OutputShape:   [3]int{4, 4, 4},
	})
	if err != nil {
		t.Fatalf("RandomWarp failed: %v", err)
	}

	// The 4³ window starts at input (2,2,2)
	if got := out.At(0, 0, 0, 0); got != 222 {
		t.Errorf("Output origin = %v, want 222 (input voxel (2,2,2))", got)
	}
	if got := out.At(3, 3, 3, 0); got != 555 {
		t.Errorf("Output corner = %v, want 555 (input voxel (5,5,5))", got)
	}
	if x, y, z := tr.Apply(0, 0, 0); x != 2 || y != 2 || z != 2 {
		t.Errorf("Realized transform maps origin to (%v,%v,%v), want (2,2,2)", x, y, z)
	}
}

// TestRandomWarpInvalidBounds verifies bound validation before any device
// work
func TestRandomWarpInvalidBounds(t *testing.T) {
	in := createRampVolume(4)
	dev := &fakeDevice{}

	spec := augment.DefaultSpec()
	spec.Rotation[0] = augment.Bounds{Min: 5, Max: -5}

	_, _, err := RandomWarp(in, spec, 1, Options{Device: dev})
	if !errors.Is(err, augment.ErrInvalidBounds) {
		t.Fatalf("Expected ErrInvalidBounds, got %v", err)
	}
	if dev.allocs != 0 {
		t.Errorf("Bound validation failure touched the device: %d allocations", dev.allocs)
	}
}

// TestCPUDeviceLaunchValidation verifies grid and kernel checks
func TestCPUDeviceLaunchValidation(t *testing.T) {
	dev := NewCPUDevice(2)

	if err := dev.Launch(context.Background(), Grid{Nx: 0, Ny: 1, Nz: 1}, func(x, y, z int) {}); err == nil {
		t.Error("Expected error for empty grid")
	}
	if err := dev.Launch(context.Background(), Grid{Nx: 1, Ny: 1, Nz: 1}, nil); err == nil {
		t.Error("Expected error for nil kernel")
	}
}

// TestCPUDeviceCoversGrid verifies that every voxel of the grid is visited
// exactly once regardless of worker count
func TestCPUDeviceCoversGrid(t *testing.T) {
	for _, workers := range []int{1, 3, 16} {
		dev := NewCPUDevice(workers)
		g := Grid{Nx: 5, Ny: 4, Nz: 7}

		visits := make([]int32, g.Nx*g.Ny*g.Nz)
		err := dev.Launch(context.Background(), g, func(x, y, z int) {
			visits[((z*g.Ny)+y)*g.Nx+x]++
		})
		if err != nil {
			t.Fatalf("Launch with %d workers failed: %v", workers, err)
		}

		for i, n := range visits {
			if n != 1 {
				t.Fatalf("Workers %d: voxel %d visited %d times", workers, i, n)
			}
		}
	}
}

// fakeDevice counts allocations and releases and can fail any stage, used
// to assert the pipeline's resource discipline.
type fakeDevice struct {
	allocs   int
	releases int

	failAlloc      bool
	failAllocAfter int // fail once this many allocations succeeded
	failUpload     bool
	failLaunch     bool
	failDownload   bool
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Alloc(n int) (Buffer, error) {
	if d.failAlloc || (d.failAllocAfter > 0 && d.allocs >= d.failAllocAfter) {
		return nil, fmt.Errorf("forced allocation failure")
	}
	d.allocs++
	return &fakeBuffer{dev: d, data: make([]float32, n)}, nil
}

func (d *fakeDevice) Launch(ctx context.Context, g Grid, k Kernel) error {
	if d.failLaunch {
		return fmt.Errorf("forced launch failure")
	}
	return NewCPUDevice(1).Launch(ctx, g, k)
}

type fakeBuffer struct {
	dev      *fakeDevice
	data     []float32
	released bool
}

func (b *fakeBuffer) Len() int { return len(b.data) }

func (b *fakeBuffer) Upload(src []float32) error {
	if b.dev.failUpload {
		return fmt.Errorf("forced upload failure")
	}
	copy(b.data, src)
	return nil
}

func (b *fakeBuffer) Download(dst []float32) error {
	if b.dev.failDownload {
		return fmt.Errorf("forced download failure")
	}
	copy(dst, b.data)
	return nil
}

func (b *fakeBuffer) Data() []float32 { return b.data }

func (b *fakeBuffer) Release() {
	if !b.released {
		b.released = true
		b.dev.releases++
	}
}
