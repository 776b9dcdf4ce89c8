// Package volume provides the 3D sample buffer that the warping engine
// consumes and produces. A volume is a flat array of float32 samples with
// explicit extents, an optional per-axis physical spacing, and an optional
// channel count for multi-channel data.
package volume

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Volume is a 3D (optionally multi-channel) array of scalar samples.
//
// Samples are stored x-fastest: the sample at voxel (x, y, z), channel c,
// lives at Data[(((z*Ny)+y)*Nx+x)*Channels+c]. Channels are interleaved so
// that all channels of one voxel are adjacent in memory.
//
// A Volume is treated as immutable once handed to a warp operation; the
// engine borrows it for the duration of one call and never retains it.
type Volume struct {
	// Data is the sample array in x-fastest order with interleaved channels.
	Data []float32

	// Nx, Ny, Nz are the voxel extents along each axis.
	Nx, Ny, Nz int

	// Channels is the number of interleaved channels per voxel (>= 1).
	Channels int

	// Spacing is the physical size of one voxel along each axis,
	// used to convert between voxel indices and physical coordinates.
	// A zero value means unit spacing.
	Spacing [3]float64
}

// New creates a single-channel volume with the given extents, initialized
// to zero. It fails if any extent is not positive.
func New(nx, ny, nz int) (*Volume, error) {
	return NewMultiChannel(nx, ny, nz, 1)
}

// NewMultiChannel creates a volume with the given extents and channel
// count, initialized to zero.
func NewMultiChannel(nx, ny, nz, channels int) (*Volume, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("volume extents must be positive, got %dx%dx%d", nx, ny, nz)
	}
	if channels < 1 {
		return nil, fmt.Errorf("volume must have at least one channel, got %d", channels)
	}
	return &Volume{
		Data:     make([]float32, nx*ny*nz*channels),
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		Channels: channels,
		Spacing:  [3]float64{1, 1, 1},
	}, nil
}

// FromData wraps an existing sample slice as a volume. The slice is not
// copied; it fails if the length does not match the extents.
func FromData(data []float32, nx, ny, nz, channels int) (*Volume, error) {
	v := &Volume{
		Data:     data,
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		Channels: channels,
		Spacing:  [3]float64{1, 1, 1},
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks that the extents, channel count and data length are
// consistent.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("volume is nil")
	}
	if v.Nx <= 0 || v.Ny <= 0 || v.Nz <= 0 {
		return fmt.Errorf("volume extents must be positive, got %dx%dx%d", v.Nx, v.Ny, v.Nz)
	}
	if v.Channels < 1 {
		return fmt.Errorf("volume must have at least one channel, got %d", v.Channels)
	}
	if want := v.Nx * v.Ny * v.Nz * v.Channels; len(v.Data) != want {
		return fmt.Errorf("volume data length %d does not match extents %dx%dx%dx%d (want %d)",
			len(v.Data), v.Nx, v.Ny, v.Nz, v.Channels, want)
	}
	return nil
}

// Index returns the position of voxel (x, y, z), channel 0, in Data.
// Indices are not bounds-checked.
func (v *Volume) Index(x, y, z int) int {
	return (((z*v.Ny)+y)*v.Nx + x) * v.Channels
}

// At returns the sample at voxel (x, y, z) for the given channel.
func (v *Volume) At(x, y, z, c int) float32 {
	return v.Data[v.Index(x, y, z)+c]
}

// Set stores a sample at voxel (x, y, z) for the given channel.
func (v *Volume) Set(x, y, z, c int, value float32) {
	v.Data[v.Index(x, y, z)+c] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	return &Volume{
		Data:     data,
		Nx:       v.Nx,
		Ny:       v.Ny,
		Nz:       v.Nz,
		Channels: v.Channels,
		Spacing:  v.Spacing,
	}
}

// Center returns the voxel-space center of the volume. Augmentation
// transforms pivot about this point so that rotations and shears do not
// push the content out of frame.
func (v *Volume) Center() [3]float64 {
	return [3]float64{float64(v.Nx) / 2, float64(v.Ny) / 2, float64(v.Nz) / 2}
}

// ToUint8 converts the samples to 8-bit unsigned storage with saturation:
// values are rounded and clamped into [0, 255], never wrapped.
func (v *Volume) ToUint8() []uint8 {
	out := make([]uint8, len(v.Data))
	for i, s := range v.Data {
		out[i] = uint8(clampRound(float64(s), 0, 255))
	}
	return out
}

// ToUint16 converts the samples to 16-bit unsigned storage with saturation.
func (v *Volume) ToUint16() []uint16 {
	out := make([]uint16, len(v.Data))
	for i, s := range v.Data {
		out[i] = uint16(clampRound(float64(s), 0, 65535))
	}
	return out
}

// FromUint8 builds a volume from 8-bit samples, widening to float32.
func FromUint8(data []uint8, nx, ny, nz, channels int) (*Volume, error) {
	samples := make([]float32, len(data))
	for i, s := range data {
		samples[i] = float32(s)
	}
	return FromData(samples, nx, ny, nz, channels)
}

// FromUint16 builds a volume from 16-bit samples, widening to float32.
func FromUint16(data []uint16, nx, ny, nz, channels int) (*Volume, error) {
	samples := make([]float32, len(data))
	for i, s := range data {
		samples[i] = float32(s)
	}
	return FromData(samples, nx, ny, nz, channels)
}

// clampRound rounds a value and clamps it into [lo, hi]. NaN maps to lo.
func clampRound(s, lo, hi float64) float64 {
	s = math.Round(s)
	if math.IsNaN(s) || s < lo {
		return lo
	}
	if s > hi {
		return hi
	}
	return s
}

// ReadRaw loads a volume from a raw little-endian float32 file, the format
// used by the command-line harness. The file must contain exactly
// nx*ny*nz*channels samples.
func ReadRaw(path string, nx, ny, nz, channels int) (*Volume, error) {
	v, err := NewMultiChannel(nx, ny, nz, channels)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat volume file: %w", err)
	}
	if want := int64(len(v.Data)) * 4; info.Size() != want {
		return nil, fmt.Errorf("volume file %s holds %d bytes, want %d for %dx%dx%dx%d float32",
			path, info.Size(), want, nx, ny, nz, channels)
	}

	if err := binary.Read(f, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("failed to read volume samples: %w", err)
	}
	return v, nil
}

// WriteRaw stores the volume as raw little-endian float32 samples.
func (v *Volume) WriteRaw(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}

	if err := binary.Write(f, binary.LittleEndian, v.Data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write volume samples: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close volume file: %w", err)
	}
	return nil
}
