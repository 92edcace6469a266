// Package visualization exports slices of a volume as 16-bit grayscale TIFF
// images for quick inspection of masks and scans.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"qctmask/internal/models"
)

// Viewer maps volume samples to 16-bit gray levels. Samples at or below the
// window's lower end are black, samples at or above its upper end are white.
type Viewer struct {
	vol *models.Volume

	// window bounds in sample units
	lo, hi float64
}

// NewViewer creates a viewer whose window spans the volume's scalar range
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	lo, hi := vol.ScalarRange()
	return &Viewer{vol: vol, lo: lo, hi: hi}, nil
}

// SetWindow overrides the intensity window, e.g. a bone window of [-400, 1500]
func (v *Viewer) SetWindow(lo, hi float64) error {
	if !(hi > lo) {
		return fmt.Errorf("window [%g, %g] is empty: %w", lo, hi, models.ErrInvalidParameter)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// Window returns the intensity window
func (v *Viewer) Window() (lo, hi float64) {
	return v.lo, v.hi
}

// gray maps a sample into the window
func (v *Viewer) gray(s float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (s - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, t)) * 65535))}
}

// axisLength returns the number of slices along axis
func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Dims[0], nil
	case "y", "Y":
		return v.vol.Dims[1], nil
	case "z", "Z":
		return v.vol.Dims[2], nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z): %w", axis, models.ErrInvalidParameter)
	}
}

// ExtractSlice extracts the 2D slice at position along axis. An x slice is
// laid out with z horizontally and y vertically, a y slice with x and z, and a
// z slice with x and y.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) on axis %s: %w", position, n, axis, models.ErrInvalidParameter)
	}

	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	var img *image.Gray16

	switch axis {
	case "x", "X":
		img = image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
	case "y", "Y":
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a deflate-compressed TIFF image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %q: %v: %w", filename, err, models.ErrIOFailure)
	}

	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return fmt.Errorf("encode %q: %v: %w", filename, err, models.ErrIOFailure)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %q: %v: %w", filename, err, models.ErrIOFailure)
	}
	return nil
}

// SliceName returns the file name of the slice at position along axis
func SliceName(axis string, position int) string {
	return fmt.Sprintf("slice_%s_%03d.tif", axis, position)
}

// SaveSliceSequence extracts and saves every slice along axis into
// outputDir, returning the number of files written. A positive step keeps
// every step-th slice.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, step int) (int, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return 0, err
	}
	if step < 1 {
		return 0, fmt.Errorf("slice step %d must be positive: %w", step, models.ErrInvalidParameter)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("create %q: %v: %w", outputDir, err, models.ErrIOFailure)
	}

	written := 0
	for pos := 0; pos < n; pos += step {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return written, err
		}
		if err := v.SaveSlice(img, filepath.Join(outputDir, SliceName(axis, pos))); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
