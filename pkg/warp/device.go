package warp

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Buffer is a device-resident flat float32 buffer. Lifetime is scoped to
// one warp invocation; Release must be safe to call more than once.
type Buffer interface {
	// Len returns the buffer length in samples.
	Len() int

	// Upload copies host samples into the buffer.
	Upload(src []float32) error

	// Download copies the buffer back into host samples.
	Download(dst []float32) error

	// Data returns the underlying slice if the buffer is host addressable,
	// nil otherwise. Kernels running on the host read and write through it.
	Data() []float32

	// Release frees the buffer. Idempotent.
	Release()
}

// Grid is the 3D index space a kernel is launched over, one logical thread
// per output voxel.
type Grid struct {
	Nx, Ny, Nz int
}

// Kernel computes one output voxel. Kernels must not share mutable state
// across invocations; every (x, y, z) owns its output exclusively.
type Kernel func(x, y, z int)

// Device stages buffers and launches kernels. The baseline implementation
// runs on the host CPU; a hardware backend substitutes its own buffer
// transfer and kernel dispatch behind the same surface.
type Device interface {
	// Name identifies the device for diagnostics.
	Name() string

	// Alloc reserves a buffer of n samples.
	Alloc(n int) (Buffer, error)

	// Launch runs the kernel over the grid and blocks until every voxel is
	// computed or the context is done. Cancellation after launch is
	// best-effort: workers observe the context between output slabs.
	Launch(ctx context.Context, g Grid, k Kernel) error
}

// CPUDevice executes kernels on the host, fanning the output z range across
// worker goroutines. It holds no state between launches and is safe for
// concurrent use from multiple warp invocations.
type CPUDevice struct {
	// Workers is the number of goroutines per launch. Zero or negative
	// means one per CPU core.
	Workers int
}

// NewCPUDevice returns a CPU device with the given worker count.
func NewCPUDevice(workers int) *CPUDevice {
	return &CPUDevice{Workers: workers}
}

// Name implements Device.
func (d *CPUDevice) Name() string { return "cpu" }

// Alloc implements Device.
func (d *CPUDevice) Alloc(n int) (Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("buffer length must be positive, got %d", n)
	}
	return &hostBuffer{data: make([]float32, n)}, nil
}

// Launch implements Device. The grid's z extent is split into contiguous
// slabs, one batch per worker; workers poll the context once per z plane.
func (d *CPUDevice) Launch(ctx context.Context, g Grid, k Kernel) error {
	if g.Nx <= 0 || g.Ny <= 0 || g.Nz <= 0 {
		return fmt.Errorf("launch grid %dx%dx%d: %w", g.Nx, g.Ny, g.Nz, ErrBadShape)
	}
	if k == nil {
		return fmt.Errorf("launch kernel is nil")
	}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > g.Nz {
		workers = g.Nz
	}

	slabs := (g.Nz + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0 := w * slabs
		z1 := z0 + slabs
		if z1 > g.Nz {
			z1 = g.Nz
		}
		if z0 >= z1 {
			continue
		}

		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				if ctx.Err() != nil {
					return
				}
				for y := 0; y < g.Ny; y++ {
					for x := 0; x < g.Nx; x++ {
						k(x, y, z)
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()

	return ctx.Err()
}

// hostBuffer is the CPU device's buffer: plain host memory, so upload and
// download are copies and kernels read it directly through Data.
type hostBuffer struct {
	data []float32
}

func (b *hostBuffer) Len() int { return len(b.data) }

func (b *hostBuffer) Upload(src []float32) error {
	if len(src) != len(b.data) {
		return fmt.Errorf("upload length %d does not match buffer length %d", len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

func (b *hostBuffer) Download(dst []float32) error {
	if len(dst) != len(b.data) {
		return fmt.Errorf("download length %d does not match buffer length %d", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (b *hostBuffer) Data() []float32 { return b.data }

func (b *hostBuffer) Release() { b.data = nil }
