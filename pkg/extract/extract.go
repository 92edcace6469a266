// Package extract cuts sub-volumes out of a volume: a sampled volume of
// interest, and the left/right halves of a scan holding both femurs.
package extract

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"qctmask/internal/models"
)

// Range is an inclusive voxel index range on one axis. A negative Upper
// selects the last index of the axis.
type Range struct {
	Lower int
	Upper int
}

// SubgetParams describes a volume of interest
type SubgetParams struct {
	// Ranges are the x, y and z index ranges
	Ranges [3]Range

	// Rates are the x, y and z sample rates; 2 keeps every other voxel
	Rates [3]int
}

// Whole returns the parameters that select the entire volume at full
// resolution
func Whole() SubgetParams {
	return SubgetParams{
		Ranges: [3]Range{{0, -1}, {0, -1}, {0, -1}},
		Rates:  [3]int{1, 1, 1},
	}
}

// Validate checks the sample rates
func (p SubgetParams) Validate() error {
	for axis, rate := range p.Rates {
		if rate < 1 {
			return fmt.Errorf("sample rate on axis %d is %d, must be at least 1: %w", axis, rate, models.ErrInvalidParameter)
		}
	}
	return nil
}

// resolve clamps r to [0, n-1] and orders it
func (r Range) resolve(n int) (lo, hi int) {
	lo, hi = r.Lower, r.Upper
	if hi < 0 || hi > n-1 {
		hi = n - 1
	}
	if lo < 0 {
		lo = 0
	}
	if lo > n-1 {
		lo = n - 1
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Bounds returns the resolved inclusive index bounds for a volume of the
// given dimensions
func (p SubgetParams) Bounds(dims [3]int) (lower, upper [3]int) {
	for axis := range dims {
		lower[axis], upper[axis] = p.Ranges[axis].resolve(dims[axis])
	}
	return lower, upper
}

// Subget extracts the volume of interest described by p.
//
// Ranges are clamped to the volume and swapped when reversed. The output
// origin is the physical position of the first kept voxel, and its spacing is
// the input spacing multiplied by the sample rate.
func Subget(vol *models.Volume, p SubgetParams) (*models.Volume, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	lower, upper := p.Bounds(vol.Dims)
	var dims [3]int
	for axis := range dims {
		dims[axis] = (upper[axis]-lower[axis])/p.Rates[axis] + 1
	}

	out := &models.Volume{
		Dims: dims,
		Spacing: r3.Vec{
			X: vol.Spacing.X * float64(p.Rates[0]),
			Y: vol.Spacing.Y * float64(p.Rates[1]),
			Z: vol.Spacing.Z * float64(p.Rates[2]),
		},
		Origin: vol.Position(lower[0], lower[1], lower[2]),
		Kind:   vol.Kind,
		Data:   make([]float64, dims[0]*dims[1]*dims[2]),
	}

	dst := 0
	for z := 0; z < dims[2]; z++ {
		sz := lower[2] + z*p.Rates[2]
		for y := 0; y < dims[1]; y++ {
			sy := lower[1] + y*p.Rates[1]
			for x := 0; x < dims[0]; x++ {
				out.Data[dst] = vol.At(lower[0]+x*p.Rates[0], sy, sz)
				dst++
			}
		}
	}
	return out, nil
}

// CutPoint returns the last x index of the right part when splitting a volume
// nx voxels wide at fraction f. The left part always keeps at least one slice.
func CutPoint(nx int, f float64) int {
	cut := int(float64(nx) * f)
	if cut < 0 {
		cut = 0
	}
	if cut > nx-2 {
		cut = nx - 2
	}
	return cut
}

// Split divides a volume along x at fraction f of its width.
//
// Parameters:
//   - vol: the scan holding both femurs
//   - f: position of the cut, in [0, 1]
//
// Returns:
//   - right: voxels x in [0, cut]
//   - left: voxels x in [cut+1, nx-1], mirrored along x so that it has the
//     orientation of a right femur
func Split(vol *models.Volume, f float64) (right, left *models.Volume, err error) {
	if f < 0 || f > 1 {
		return nil, nil, fmt.Errorf("split fraction %g is not in [0,1]: %w", f, models.ErrInvalidParameter)
	}
	if err := vol.Validate(); err != nil {
		return nil, nil, err
	}
	nx := vol.Dims[0]
	if nx < 2 {
		return nil, nil, fmt.Errorf("cannot split a volume %d voxel wide: %w", nx, models.ErrInvalidParameter)
	}

	cut := CutPoint(nx, f)
	p := Whole()

	p.Ranges[0] = Range{0, cut}
	right, err = Subget(vol, p)
	if err != nil {
		return nil, nil, err
	}

	p.Ranges[0] = Range{cut + 1, nx - 1}
	left, err = Subget(vol, p)
	if err != nil {
		return nil, nil, err
	}
	FlipX(left)
	return right, left, nil
}

// FlipX mirrors a volume in place along x. Geometry is unchanged.
func FlipX(vol *models.Volume) {
	nx := vol.Dims[0]
	for row := 0; row < vol.Dims[1]*vol.Dims[2]; row++ {
		line := vol.Data[row*nx : (row+1)*nx]
		for i, j := 0, nx-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
}
