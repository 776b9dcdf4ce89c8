package warp

import (
	"fmt"
	"math"
	"strings"
)

// Interpolation selects how fractional input coordinates map to an output
// value.
type Interpolation int

const (
	// Nearest rounds the mapped coordinate to the nearest input voxel.
	Nearest Interpolation = iota

	// Trilinear blends the 8 input voxels surrounding the mapped coordinate
	// with weights equal to the fractional distance along each axis.
	Trilinear
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Trilinear:
		return "trilinear"
	default:
		return fmt.Sprintf("interpolation(%d)", int(i))
	}
}

// ParseInterpolation maps a configuration string to an Interpolation.
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(s) {
	case "nearest":
		return Nearest, nil
	case "linear", "trilinear":
		return Trilinear, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q (must be nearest or trilinear)", s)
	}
}

// Boundary selects the value used when a mapped coordinate falls outside
// the input extent. The policy is applied per sampled neighbor and per axis
// independently.
type Boundary int

const (
	// ConstantFill substitutes a configured scalar for out-of-range
	// neighbors.
	ConstantFill Boundary = iota

	// ClampToEdge clamps each index into [0, extent-1].
	ClampToEdge

	// Reflect mirrors the index across the nearest edge using whole-sample
	// mirroring: index -1 maps to 1, index n maps to n-2, repeating for
	// coordinates further out.
	Reflect
)

func (b Boundary) String() string {
	switch b {
	case ConstantFill:
		return "constant"
	case ClampToEdge:
		return "clamp"
	case Reflect:
		return "reflect"
	default:
		return fmt.Sprintf("boundary(%d)", int(b))
	}
}

// ParseBoundary maps a configuration string to a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch strings.ToLower(s) {
	case "constant", "fill", "constant-fill":
		return ConstantFill, nil
	case "clamp", "clamp-to-edge", "edge":
		return ClampToEdge, nil
	case "reflect", "mirror":
		return Reflect, nil
	default:
		return 0, fmt.Errorf("unknown boundary %q (must be constant, clamp or reflect)", s)
	}
}

// Sampler produces one output value for a fractional input coordinate. The
// software implementation computes trilinear weights explicitly; a
// hardware-accelerated path (texture-unit interpolation) can be substituted
// behind the same interface on platforms that provide one.
type Sampler interface {
	// Sample returns the value at voxel coordinate (x, y, z) for channel c,
	// applying the interpolation and boundary policy.
	Sample(x, y, z float64, c int) float32
}

// NewSampler builds a software sampler over a flat x-fastest sample slice
// with the given extents and interleaved channel count.
func NewSampler(data []float32, nx, ny, nz, channels int, interp Interpolation, boundary Boundary, fill float32) Sampler {
	s := &softwareSampler{
		data:     data,
		nx:       nx,
		ny:       ny,
		nz:       nz,
		channels: channels,
		boundary: boundary,
		fill:     fill,
	}
	if interp == Nearest {
		return nearestSampler{s}
	}
	return trilinearSampler{s}
}

type softwareSampler struct {
	data       []float32
	nx, ny, nz int
	channels   int
	boundary   Boundary
	fill       float32
}

// fetch reads one neighbor, resolving each axis index under the boundary
// policy. With ConstantFill, any out-of-range axis yields the fill value.
func (s *softwareSampler) fetch(ix, iy, iz, c int) float32 {
	x, ok := resolveIndex(ix, s.nx, s.boundary)
	if !ok {
		return s.fill
	}
	y, ok := resolveIndex(iy, s.ny, s.boundary)
	if !ok {
		return s.fill
	}
	z, ok := resolveIndex(iz, s.nz, s.boundary)
	if !ok {
		return s.fill
	}
	return s.data[(((z*s.ny)+y)*s.nx+x)*s.channels+c]
}

func resolveIndex(i, n int, b Boundary) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	switch b {
	case ClampToEdge:
		if i < 0 {
			return 0, true
		}
		return n - 1, true
	case Reflect:
		return reflectIndex(i, n), true
	default:
		return 0, false
	}
}

// reflectIndex mirrors an index across the nearest edge, whole-sample
// convention, with period 2(n-1).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

type nearestSampler struct {
	*softwareSampler
}

func (s nearestSampler) Sample(x, y, z float64, c int) float32 {
	return s.fetch(int(math.Round(x)), int(math.Round(y)), int(math.Round(z)), c)
}

type trilinearSampler struct {
	*softwareSampler
}

// Sample gathers the 8 surrounding voxels and blends along x, then y, then
// z. The weights are the fractional parts of the mapped coordinate, so a
// coordinate that lands exactly on an input voxel reproduces that voxel.
func (s trilinearSampler) Sample(x, y, z float64, c int) float32 {
	fx, fy, fz := math.Floor(x), math.Floor(y), math.Floor(z)
	tx, ty, tz := x-fx, y-fy, z-fz
	ix, iy, iz := int(fx), int(fy), int(fz)

	c000 := float64(s.fetch(ix, iy, iz, c))
	c100 := float64(s.fetch(ix+1, iy, iz, c))
	c010 := float64(s.fetch(ix, iy+1, iz, c))
	c110 := float64(s.fetch(ix+1, iy+1, iz, c))
	c001 := float64(s.fetch(ix, iy, iz+1, c))
	c101 := float64(s.fetch(ix+1, iy, iz+1, c))
	c011 := float64(s.fetch(ix, iy+1, iz+1, c))
	c111 := float64(s.fetch(ix+1, iy+1, iz+1, c))

	front := lerp(lerp(c000, c100, tx), lerp(c010, c110, tx), ty)
	back := lerp(lerp(c001, c101, tx), lerp(c011, c111, tx), ty)
	return float32(lerp(front, back, tz))
}

func lerp(a, b, t float64) float64 {
	return (1-t)*a + t*b
}
