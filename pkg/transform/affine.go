// Package transform provides the affine transform descriptor used by the
// warping engine. Transforms are 4x4 homogeneous matrices that the kernel
// applies to output voxel coordinates to find the input coordinate to
// sample, so a transform handed to the engine is the output→input map;
// callers holding the forward (input→output) direction use Invert once
// before warping.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularTransform is returned when a transform cannot be inverted
// because its determinant is (numerically) zero.
var ErrSingularTransform = errors.New("transform is singular and cannot be inverted")

// detEpsilon scales the singularity rejection threshold. The determinant of
// the 3x3 linear part is degree three in its entries, so the tolerance is
// detEpsilon * max|entry|^3.
const detEpsilon = 1e-12

// Affine is a 4x4 homogeneous affine transform. The zero value is not
// usable; build transforms with the constructors in this package. Affine
// values are immutable: every operation returns a new transform.
type Affine struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() Affine {
	return FromRaw([16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// FromRaw builds a transform from 16 row-major matrix entries. This is the
// representation exchanged across the binding surface.
func FromRaw(r [16]float64) Affine {
	data := make([]float64, 16)
	copy(data, r[:])
	return Affine{m: mat.NewDense(4, 4, data)}
}

// Raw returns the 16 row-major matrix entries.
func (a Affine) Raw() [16]float64 {
	var r [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i*4+j] = a.m.At(i, j)
		}
	}
	return r
}

// Matrix returns a copy of the underlying 4x4 matrix.
func (a Affine) Matrix() *mat.Dense {
	return mat.DenseCopyOf(a.m)
}

// Translation returns a transform that translates by (tx, ty, tz).
func Translation(tx, ty, tz float64) Affine {
	return FromRaw([16]float64{
		1, 0, 0, tx,
		0, 1, 0, ty,
		0, 0, 1, tz,
		0, 0, 0, 1,
	})
}

// Scaling returns a transform that scales each axis independently.
func Scaling(sx, sy, sz float64) Affine {
	return FromRaw([16]float64{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
}

// RotationX returns a rotation about the x axis by the given angle in
// radians.
func RotationX(rad float64) Affine {
	c, s := math.Cos(rad), math.Sin(rad)
	return FromRaw([16]float64{
		1, 0, 0, 0,
		0, c, -s, 0,
		0, s, c, 0,
		0, 0, 0, 1,
	})
}

// RotationY returns a rotation about the y axis by the given angle in
// radians.
func RotationY(rad float64) Affine {
	c, s := math.Cos(rad), math.Sin(rad)
	return FromRaw([16]float64{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	})
}

// RotationZ returns a rotation about the z axis by the given angle in
// radians.
func RotationZ(rad float64) Affine {
	c, s := math.Cos(rad), math.Sin(rad)
	return FromRaw([16]float64{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Shear returns an upper-triangular shear: hxy shears x by y, hxz shears x
// by z, and hyz shears y by z.
func Shear(hxy, hxz, hyz float64) Affine {
	return FromRaw([16]float64{
		1, hxy, hxz, 0,
		0, 1, hyz, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Reflection returns a transform that mirrors the selected axes about the
// origin.
func Reflection(rx, ry, rz bool) Affine {
	d := func(b bool) float64 {
		if b {
			return -1
		}
		return 1
	}
	return Scaling(d(rx), d(ry), d(rz))
}

// Compose builds a transform from human-meaningful parameters with the
// fixed order translate ∘ rotate ∘ shear ∘ scale: scaling is applied first
// and translation last. Rotation angles are in radians and are composed
// about the x, then y, then z axes. Shear holds the upper-triangular terms
// (hxy, hxz, hyz).
func Compose(rotation, scale, shear, translation [3]float64) Affine {
	rot := RotationX(rotation[0]).
		Mul(RotationY(rotation[1])).
		Mul(RotationZ(rotation[2]))
	return Translation(translation[0], translation[1], translation[2]).
		Mul(rot).
		Mul(Shear(shear[0], shear[1], shear[2])).
		Mul(Scaling(scale[0], scale[1], scale[2]))
}

// Mul returns the composition a∘b, the transform that applies b first and
// then a.
func (a Affine) Mul(b Affine) Affine {
	var p mat.Dense
	p.Mul(a.m, b.m)
	return Affine{m: &p}
}

// Apply maps one coordinate through the transform.
func (a Affine) Apply(x, y, z float64) (float64, float64, float64) {
	r := a.Raw()
	return r[0]*x + r[1]*y + r[2]*z + r[3],
		r[4]*x + r[5]*y + r[6]*z + r[7],
		r[8]*x + r[9]*y + r[10]*z + r[11]
}

// FixPoint adjusts the translation component so that the transform fixes
// the given point while preserving its linear part. Augmentation uses this
// to pivot rotations, shears and scalings about the volume center.
func (a Affine) FixPoint(px, py, pz float64) Affine {
	r := a.Raw()
	r[3] = px - (r[0]*px + r[1]*py + r[2]*pz)
	r[7] = py - (r[4]*px + r[5]*py + r[6]*pz)
	r[11] = pz - (r[8]*px + r[9]*py + r[10]*pz)
	return FromRaw(r)
}

// Det returns the determinant of the transform matrix. For a homogeneous
// affine matrix this equals the determinant of its 3x3 linear part.
func (a Affine) Det() float64 {
	return mat.Det(a.m)
}

// Cond returns the 1-norm condition number of the matrix. Large values
// indicate a near-singular transform that still passes the inversion
// threshold but may degrade interpolation quality.
func (a Affine) Cond() float64 {
	return mat.Cond(a.m, 1)
}

// IsSingular reports whether the determinant falls below a tolerance
// scaled to the magnitude of the matrix entries, so that uniformly scaled
// matrices are judged consistently. Singular transforms are rejected
// before any device resource is touched.
func (a Affine) IsSingular() bool {
	r := a.Raw()
	scale := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if v := math.Abs(r[i*4+j]); v > scale {
				scale = v
			}
		}
	}
	return scale == 0 || math.Abs(a.Det()) <= detEpsilon*scale*scale*scale
}

// Invert returns the inverse transform. It fails with ErrSingularTransform
// when IsSingular reports the matrix degenerate.
func (a Affine) Invert() (Affine, error) {
	if a.IsSingular() {
		return Affine{}, fmt.Errorf("determinant %g: %w", a.Det(), ErrSingularTransform)
	}

	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return Affine{}, fmt.Errorf("matrix inversion failed: %w", ErrSingularTransform)
	}
	return Affine{m: &inv}, nil
}
