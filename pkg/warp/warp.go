// Package warp implements the resampling engine: a per-voxel sampler kernel
// that inverse-maps every output coordinate through an affine transform,
// and the execution pipeline that stages buffers on a device, launches the
// kernel over the output grid, and retrieves the result.
//
// One warp invocation is a single logical operation. The caller blocks
// until the kernel and the result transfer complete; no partial result is
// observable. Multiple invocations may run concurrently from multiple
// goroutines since every call stages its own buffers.
package warp

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"volwarp/pkg/augment"
	"volwarp/pkg/transform"
	"volwarp/pkg/volume"
)

// Options configures one warp invocation. The zero value warps with
// nearest-neighbor sampling, constant fill of zero, the input's shape, and
// a per-core CPU device.
type Options struct {
	// Interpolation is the sampling policy.
	Interpolation Interpolation

	// Boundary is the out-of-bounds policy.
	Boundary Boundary

	// Fill is the scalar substituted by ConstantFill.
	Fill float32

	// OutputShape is the output extent per axis. A zero value means the
	// input's shape.
	OutputShape [3]int

	// Device executes the kernel. Nil means a CPU device with Workers
	// goroutines.
	Device Device

	// Workers is the CPU device's worker count when Device is nil. Zero
	// means one per core.
	Workers int
}

func (o Options) device() Device {
	if o.Device != nil {
		return o.Device
	}
	return NewCPUDevice(o.Workers)
}

func (o Options) outputShape(in *volume.Volume) [3]int {
	if o.OutputShape == [3]int{} {
		return [3]int{in.Nx, in.Ny, in.Nz}
	}
	return o.OutputShape
}

// Warp resamples the input volume under the given transform. The transform
// is the output→input map: for every output voxel the kernel applies it to
// the voxel coordinate and samples the input there (inverse mapping).
// Callers holding the input→output direction invert once before the call.
// Degenerate transforms are rejected before any device resource is touched.
func Warp(in *volume.Volume, t transform.Affine, opts Options) (*volume.Volume, error) {
	return WarpContext(context.Background(), in, t, opts)
}

// WarpContext is Warp honoring a context. The deadline is observed between
// pipeline stages and, once the kernel is launched, between output slabs;
// aborting a launched kernel is best-effort. Device allocations are
// released on every exit path.
func WarpContext(ctx context.Context, in *volume.Volume, t transform.Affine, opts Options) (*volume.Volume, error) {
	// Validation happens entirely on the host.
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input volume: %w", err)
	}
	shape := opts.outputShape(in)
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return nil, fmt.Errorf("output shape %dx%dx%d: %w", shape[0], shape[1], shape[2], ErrBadShape)
	}
	if t.IsSingular() {
		return nil, fmt.Errorf("transform: %w", transform.ErrSingularTransform)
	}

	out, err := volume.NewMultiChannel(shape[0], shape[1], shape[2], in.Channels)
	if err != nil {
		return nil, err
	}
	out.Spacing = in.Spacing

	dev := opts.device()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inBuf, err := dev.Alloc(len(in.Data))
	if err != nil {
		return nil, &StageError{Stage: StageAlloc, Err: err}
	}
	defer inBuf.Release()

	outBuf, err := dev.Alloc(len(out.Data))
	if err != nil {
		return nil, &StageError{Stage: StageAlloc, Err: err}
	}
	defer outBuf.Release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := inBuf.Upload(in.Data); err != nil {
		return nil, &StageError{Stage: StageUpload, Err: err}
	}

	src := inBuf.Data()
	dst := outBuf.Data()
	if src == nil || dst == nil {
		return nil, &StageError{Stage: StageLaunch,
			Err: fmt.Errorf("device %q buffers are not host addressable", dev.Name())}
	}
	sampler := NewSampler(src, in.Nx, in.Ny, in.Nz, in.Channels,
		opts.Interpolation, opts.Boundary, opts.Fill)

	// One logical thread per output voxel. The matrix is flattened so the
	// inner loop stays free of matrix machinery.
	r := t.Raw()
	nx, ny, channels := shape[0], shape[1], in.Channels
	kernel := func(x, y, z int) {
		fx, fy, fz := float64(x), float64(y), float64(z)
		sx := r[0]*fx + r[1]*fy + r[2]*fz + r[3]
		sy := r[4]*fx + r[5]*fy + r[6]*fz + r[7]
		sz := r[8]*fx + r[9]*fy + r[10]*fz + r[11]
		base := (((z*ny)+y)*nx + x) * channels
		for c := 0; c < channels; c++ {
			dst[base+c] = sampler.Sample(sx, sy, sz, c)
		}
	}

	if err := dev.Launch(ctx, Grid{Nx: shape[0], Ny: shape[1], Nz: shape[2]}, kernel); err != nil {
		return nil, &StageError{Stage: StageLaunch, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := outBuf.Download(out.Data); err != nil {
		return nil, &StageError{Stage: StageDownload, Err: err}
	}
	return out, nil
}

// RandomWarp draws one transform within the spec's bounds, warps the input
// with it, applies the drawn intensity perturbations, and returns the
// realized transform alongside the output for reproducibility and logging.
// When the output shape differs from the input's, the drawn transform crops
// the input: centered by default, or per the spec's crop fields.
// The same seed, spec and input always produce bit-identical results.
func RandomWarp(in *volume.Volume, spec augment.Spec, seed uint64, opts Options) (*volume.Volume, transform.Affine, error) {
	return RandomWarpContext(context.Background(), in, spec, seed, opts)
}

// RandomWarpContext is RandomWarp honoring a context.
func RandomWarpContext(ctx context.Context, in *volume.Volume, spec augment.Spec, seed uint64, opts Options) (*volume.Volume, transform.Affine, error) {
	if err := in.Validate(); err != nil {
		return nil, transform.Affine{}, fmt.Errorf("input volume: %w", err)
	}
	shape := opts.outputShape(in)
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return nil, transform.Affine{}, fmt.Errorf("output shape %dx%dx%d: %w",
			shape[0], shape[1], shape[2], ErrBadShape)
	}

	// The generator pivots about the output center and anchors the crop
	// window when the output shape is smaller than the input.
	src := rand.NewSource(seed)
	t, params, err := augment.Generate(spec, [3]int{in.Nx, in.Ny, in.Nz}, shape, src)
	if err != nil {
		return nil, transform.Affine{}, err
	}

	out, err := WarpContext(ctx, in, t, opts)
	if err != nil {
		return nil, transform.Affine{}, err
	}
	augment.ApplyIntensity(out, params, src)
	return out, t, nil
}
