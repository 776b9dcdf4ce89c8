// Package augment generates randomized affine transforms and intensity
// perturbations for data augmentation. All randomness flows through an
// explicit generator source supplied by the caller, so two runs with the
// same seed and spec produce bit-identical transforms, and concurrent
// callers hold independent streams.
package augment

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"volwarp/pkg/transform"
	"volwarp/pkg/volume"
)

// ErrInvalidBounds is returned when a bound's minimum exceeds its maximum
// or a bound is out of its legal range.
var ErrInvalidBounds = errors.New("invalid augmentation bounds")

// Bounds is an inclusive [Min, Max] range for one drawn parameter. A
// zero-width bound pins the parameter to a constant.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (b Bounds) validate(name string) error {
	if b.Min > b.Max {
		return fmt.Errorf("%s: min %g exceeds max %g: %w", name, b.Min, b.Max, ErrInvalidBounds)
	}
	return nil
}

// Spec bounds the distribution of generated transforms. Each parameter is
// drawn uniformly within its bounds; DefaultSpec pins every parameter so
// the generated transform is the identity.
type Spec struct {
	// Rotation bounds per axis, in degrees.
	Rotation [3]Bounds

	// Scale bounds per axis. Both ends must be positive.
	Scale [3]Bounds

	// Shear bounds for the upper-triangular terms (hxy, hxz, hyz).
	Shear [3]Bounds

	// Translation bounds per axis, in voxels.
	Translation [3]Bounds

	// ReflectProb is the per-axis probability of mirroring the volume.
	ReflectProb [3]float64

	// NoiseLevel is the scale of the additive Gaussian noise; the realized
	// standard deviation is drawn as |N(0, NoiseLevel)| per call. Zero
	// disables noise.
	NoiseLevel float64

	// RandomCrop draws the crop start uniformly over the slack between the
	// input and output shapes instead of centering the crop.
	RandomCrop bool

	// CropOffset anchors the crop at fixed input indices, overriding the
	// centered default. Cannot be combined with RandomCrop.
	CropOffset *[3]float64

	// Window enables intensity windowing; the lower and upper thresholds
	// are drawn uniformly from WindowMin and WindowMax.
	Window    bool
	WindowMin Bounds
	WindowMax Bounds

	// OccludeProb is the probability of zeroing a random z slab, simulating
	// a missing chunk of data.
	OccludeProb float64
}

// DefaultSpec returns a spec that always generates the identity transform
// with no intensity perturbation.
func DefaultSpec() Spec {
	var s Spec
	for i := 0; i < 3; i++ {
		s.Scale[i] = Bounds{Min: 1, Max: 1}
	}
	return s
}

// Validate checks every bound of the spec.
func (s Spec) Validate() error {
	axes := [3]string{"x", "y", "z"}
	for i := 0; i < 3; i++ {
		if err := s.Rotation[i].validate("rotation " + axes[i]); err != nil {
			return err
		}
		if err := s.Scale[i].validate("scale " + axes[i]); err != nil {
			return err
		}
		if s.Scale[i].Min <= 0 {
			return fmt.Errorf("scale %s: bounds must be positive, got min %g: %w",
				axes[i], s.Scale[i].Min, ErrInvalidBounds)
		}
		if err := s.Shear[i].validate("shear " + axes[i]); err != nil {
			return err
		}
		if err := s.Translation[i].validate("translation " + axes[i]); err != nil {
			return err
		}
		if p := s.ReflectProb[i]; p < 0 || p > 1 {
			return fmt.Errorf("reflect probability %s: %g outside [0, 1]: %w",
				axes[i], p, ErrInvalidBounds)
		}
	}
	if s.RandomCrop && s.CropOffset != nil {
		return fmt.Errorf("crop offset cannot be combined with random crop: %w", ErrInvalidBounds)
	}
	if s.NoiseLevel < 0 {
		return fmt.Errorf("noise level %g is negative: %w", s.NoiseLevel, ErrInvalidBounds)
	}
	if s.Window {
		if err := s.WindowMin.validate("window min"); err != nil {
			return err
		}
		if err := s.WindowMax.validate("window max"); err != nil {
			return err
		}
	}
	if s.OccludeProb < 0 || s.OccludeProb > 1 {
		return fmt.Errorf("occlusion probability %g outside [0, 1]: %w",
			s.OccludeProb, ErrInvalidBounds)
	}
	return nil
}

// Params records the realized draw of one Generate call, for logging and
// reproducibility.
type Params struct {
	Rotation    [3]float64 // degrees
	Scale       [3]float64
	Shear       [3]float64
	Translation [3]float64
	Reflect     [3]bool

	// CropStart is the input index where the output region is anchored; zero
	// when the shapes match.
	CropStart [3]float64

	NoiseSigma     float64
	WinMin, WinMax float64
	// OccludeZMin/Max bound the zeroed z slab, inclusive. ZMax < ZMin means
	// no occlusion.
	OccludeZMin, OccludeZMax int
}

// Generate draws one transform mapping output voxel coordinates into an
// input volume of shape inShape. When outShape is smaller than inShape the
// input is cropped: centered by default, uniformly at random with
// RandomCrop, or anchored at CropOffset; the crop start becomes the
// outermost translation of the transform. Rotation, shear, scale and
// reflection pivot about the center of the cropped region, so content
// stays framed; translation and the crop anchor are applied last.
//
// The draw order is fixed (rotation, scale, shear, translation, reflection,
// crop, noise, window, occlusion) so that a given source state always
// yields the same transform.
func Generate(spec Spec, inShape, outShape [3]int, src rand.Source) (transform.Affine, Params, error) {
	if src == nil {
		return transform.Affine{}, Params{}, fmt.Errorf("augment: generator source is nil")
	}
	if err := spec.Validate(); err != nil {
		return transform.Affine{}, Params{}, err
	}

	var p Params
	for i := 0; i < 3; i++ {
		p.Rotation[i] = uniform(spec.Rotation[i], src)
	}
	for i := 0; i < 3; i++ {
		p.Scale[i] = uniform(spec.Scale[i], src)
	}
	for i := 0; i < 3; i++ {
		p.Shear[i] = uniform(spec.Shear[i], src)
	}
	for i := 0; i < 3; i++ {
		p.Translation[i] = uniform(spec.Translation[i], src)
	}
	for i := 0; i < 3; i++ {
		p.Reflect[i] = bernoulli(spec.ReflectProb[i], src)
	}

	switch {
	case spec.CropOffset != nil:
		p.CropStart = *spec.CropOffset
	case inShape != outShape:
		for i := 0; i < 3; i++ {
			slack := float64(inShape[i] - outShape[i])
			if slack < 0 {
				slack = 0
			}
			if spec.RandomCrop {
				p.CropStart[i] = uniform(Bounds{Min: 0, Max: slack}, src)
			} else {
				p.CropStart[i] = slack / 2
			}
		}
	}

	p.NoiseSigma = 0
	if spec.NoiseLevel > 0 {
		p.NoiseSigma = math.Abs(distuv.Normal{Mu: 0, Sigma: spec.NoiseLevel, Src: src}.Rand())
	}

	p.WinMin = math.Inf(-1)
	p.WinMax = math.Inf(1)
	if spec.Window {
		p.WinMin = uniform(spec.WindowMin, src)
		p.WinMax = uniform(spec.WindowMax, src)
	}

	p.OccludeZMin, p.OccludeZMax = 0, -1
	if spec.OccludeProb > 0 && bernoulli(spec.OccludeProb, src) {
		depth := float64(inShape[2])
		width := int(math.Floor(uniform(Bounds{Min: 0, Max: depth / 2}, src)))
		if width > 0 {
			zmin := int(math.Floor(uniform(Bounds{Min: float64(-width), Max: depth}, src)))
			p.OccludeZMin = zmin
			p.OccludeZMax = zmin + width - 1
		}
	}

	// Pivot about the output center; the crop anchor composed outermost then
	// shifts the whole framed region into the input window.
	center := [3]float64{
		float64(outShape[0]) / 2,
		float64(outShape[1]) / 2,
		float64(outShape[2]) / 2,
	}

	rad := [3]float64{
		p.Rotation[0] * math.Pi / 180,
		p.Rotation[1] * math.Pi / 180,
		p.Rotation[2] * math.Pi / 180,
	}
	t := transform.Compose(rad, p.Scale, p.Shear, [3]float64{0, 0, 0}).
		FixPoint(center[0], center[1], center[2]).
		Mul(transform.Reflection(p.Reflect[0], p.Reflect[1], p.Reflect[2]).
			FixPoint(center[0], center[1], center[2]))
	t = transform.Translation(p.Translation[0], p.Translation[1], p.Translation[2]).Mul(t)
	t = transform.Translation(p.CropStart[0], p.CropStart[1], p.CropStart[2]).Mul(t)

	return t, p, nil
}

// ApplyIntensity applies the drawn intensity perturbations to a warped
// volume in place: intensity windowing, additive Gaussian noise, then the
// occlusion slab. The same source that generated the transform continues
// the stream, keeping the whole random warp reproducible from one seed.
func ApplyIntensity(v *volume.Volume, p Params, src rand.Source) {
	windowed := !math.IsInf(p.WinMin, -1) || !math.IsInf(p.WinMax, 1)
	if windowed {
		for i, s := range v.Data {
			f := float64(s)
			if f < p.WinMin {
				f = p.WinMin
			}
			if f > p.WinMax {
				f = p.WinMax
			}
			v.Data[i] = float32(f)
		}
	}

	if p.NoiseSigma > 0 {
		noise := distuv.Normal{Mu: 0, Sigma: p.NoiseSigma, Src: src}
		for i := range v.Data {
			v.Data[i] += float32(noise.Rand())
		}
	}

	if p.OccludeZMax >= p.OccludeZMin {
		z0, z1 := p.OccludeZMin, p.OccludeZMax
		if z0 < 0 {
			z0 = 0
		}
		if z1 >= v.Nz {
			z1 = v.Nz - 1
		}
		for z := z0; z <= z1; z++ {
			base := v.Index(0, 0, z)
			slab := v.Nx * v.Ny * v.Channels
			for i := base; i < base+slab; i++ {
				v.Data[i] = 0
			}
		}
	}
}

func uniform(b Bounds, src rand.Source) float64 {
	if b.Min == b.Max {
		return b.Min
	}
	return distuv.Uniform{Min: b.Min, Max: b.Max, Src: src}.Rand()
}

func bernoulli(p float64, src rand.Source) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return distuv.Bernoulli{P: p, Src: src}.Rand() == 1
}
