// Package visualization extracts and exports axis-aligned slices of a
// volume, used to inspect warped output without a full 3D viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"volwarp/pkg/volume"
)

// Viewer extracts 2D slices from a 3D volume. Intensities are assumed to
// lie in [0, 1] and are clamped into 16-bit grayscale on export; only
// channel 0 is rendered for multi-channel volumes.
type Viewer struct {
	vol *volume.Volume
}

// NewViewer creates a viewer over the given volume.
func NewViewer(vol *volume.Volume) *Viewer {
	return &Viewer{vol: vol}
}

// ExtractSlice extracts a 2D slice from the volume along the specified
// axis at the given position.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Slice along the YZ plane.
		if position >= v.vol.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.vol.Nx)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Nz, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for z := 0; z < v.vol.Nz; z++ {
				img.SetGray16(z, y, gray(v.vol.At(position, y, z, 0)))
			}
		}

	case "y", "Y":
		// Slice along the XZ plane.
		if position >= v.vol.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.vol.Ny)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Nz))
		for z := 0; z < v.vol.Nz; z++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, z, gray(v.vol.At(x, position, z, 0)))
			}
		}

	case "z", "Z":
		// Slice along the XY plane.
		if position >= v.vol.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.vol.Nz)
		}

		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, y, gray(v.vol.At(x, y, position, 0)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// gray maps a [0, 1] intensity to 16-bit grayscale with clamping.
func gray(s float32) color.Gray16 {
	v := math.Max(0, math.Min(65535, float64(s)*65535))
	return color.Gray16{Y: uint16(v)}
}

// ExtractRegion extracts a 3D subregion of the volume as a new volume,
// keeping all channels.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*volume.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.vol.Nx || startY+sizeY > v.vol.Ny || startZ+sizeZ > v.vol.Nz {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region, err := volume.NewMultiChannel(sizeX, sizeY, sizeZ, v.vol.Channels)
	if err != nil {
		return nil, err
	}
	region.Spacing = v.vol.Spacing

	row := sizeX * v.vol.Channels
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := v.vol.Index(startX, startY+y, startZ+z)
			dst := region.Index(0, y, z)
			copy(region.Data[dst:dst+row], v.vol.Data[src:src+row])
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified
// axis into outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
