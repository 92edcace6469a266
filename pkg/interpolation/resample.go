// Package interpolation resamples volumes onto a new voxel grid.
package interpolation

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"qctmask/internal/models"
	"qctmask/pkg/remap"
)

// ProgressCallback reports the number of completed output slices. Calls are
// serialized.
type ProgressCallback func(completed, total int)

// Resampler performs trilinear resampling of a volume onto a grid with a
// uniform spacing, in parallel over z-slabs of the output.
type Resampler struct {
	spacing  float64
	workers  int
	progress ProgressCallback
}

// NewResampler creates a resampler for the given output spacing. A spacing of
// zero selects the smallest input spacing at resample time.
func NewResampler(spacing float64, workers int) *Resampler {
	return &Resampler{spacing: spacing, workers: workers}
}

// SetProgressCallback sets a function to be called as output slices complete
func (r *Resampler) SetProgressCallback(callback ProgressCallback) {
	r.progress = callback
}

// IsotropicSpacing returns the smallest spacing of the volume
func IsotropicSpacing(vol *models.Volume) float64 {
	return floats.Min([]float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z})
}

// OutputDims returns the number of samples on each axis when a grid of dims
// with spacing in is resampled to spacing out. The physical extent never grows.
func OutputDims(dims [3]int, in r3.Vec, out float64) [3]int {
	spacing := [3]float64{in.X, in.Y, in.Z}
	var res [3]int
	for axis, n := range dims {
		extent := float64(n-1) * spacing[axis]
		// tolerate rounding noise in the extent
		res[axis] = int(math.Floor(extent/out+1e-9)) + 1
	}
	return res
}

// axisGrid returns, for each of m output samples, the continuous input index
// it falls on
func axisGrid(m int, in, out float64) []float64 {
	grid := make([]float64, m)
	if m > 1 {
		floats.Span(grid, 0, float64(m-1)*out/in)
	}
	return grid
}

// tap holds the two input indices and the weight of the upper one for a
// single output coordinate
type tap struct {
	i0, i1 int
	w      float64
}

func taps(grid []float64, n int) []tap {
	res := make([]tap, len(grid))
	for i, u := range grid {
		i0 := int(math.Floor(u))
		if i0 > n-2 {
			i0 = max(n-2, 0)
		}
		if i0 < 0 {
			i0 = 0
		}
		i1 := min(i0+1, n-1)
		w := u - float64(i0)
		if i1 == i0 {
			w = 0
		}
		res[i] = tap{i0: i0, i1: i1, w: math.Min(math.Max(w, 0), 1)}
	}
	return res
}

// Resample returns vol resampled to a uniform spacing. The origin is
// preserved. Integer kinds are rounded and clamped to their range, so the
// output keeps the input kind.
func (r *Resampler) Resample(vol *models.Volume) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if r.workers < 1 {
		return nil, fmt.Errorf("must have at least one worker, asked for %d: %w", r.workers, models.ErrInvalidParameter)
	}
	spacing := r.spacing
	if spacing == 0 {
		spacing = IsotropicSpacing(vol)
	}
	if spacing <= 0 || math.IsNaN(spacing) || math.IsInf(spacing, 0) {
		return nil, fmt.Errorf("output spacing %g must be positive: %w", spacing, models.ErrInvalidParameter)
	}

	dims := OutputDims(vol.Dims, vol.Spacing, spacing)
	out := &models.Volume{
		Dims:    dims,
		Spacing: r3.Vec{X: spacing, Y: spacing, Z: spacing},
		Origin:  vol.Origin,
		Kind:    vol.Kind,
		Data:    make([]float64, dims[0]*dims[1]*dims[2]),
	}

	in := [3]float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}
	var axes [3][]tap
	for axis := range axes {
		axes[axis] = taps(axisGrid(dims[axis], in[axis], spacing), vol.Dims[axis])
	}

	var (
		mu   sync.Mutex
		done int
	)
	report := func(n int) {
		if r.progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done += n
		r.progress(done, dims[2])
	}

	workers := min(r.workers, dims[2])
	slab := (dims[2] + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for z0 := 0; z0 < dims[2]; z0 += slab {
		z0 := z0
		z1 := min(z0+slab, dims[2])
		g.Go(func() error {
			for z := z0; z < z1; z++ {
				resampleSlice(vol, out, axes, z)
			}
			report(z1 - z0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if vol.Kind.IsInteger() {
		for i, s := range out.Data {
			out.Data[i] = math.Round(s)
		}
	}
	return remap.Cast(out, out.Kind)
}

// resampleSlice fills output slice z
func resampleSlice(vol, out *models.Volume, axes [3][]tap, z int) {
	tz := axes[2][z]
	dst := z * out.Dims[0] * out.Dims[1]
	for _, ty := range axes[1] {
		for _, tx := range axes[0] {
			c00 := lerp(vol.At(tx.i0, ty.i0, tz.i0), vol.At(tx.i1, ty.i0, tz.i0), tx.w)
			c10 := lerp(vol.At(tx.i0, ty.i1, tz.i0), vol.At(tx.i1, ty.i1, tz.i0), tx.w)
			c01 := lerp(vol.At(tx.i0, ty.i0, tz.i1), vol.At(tx.i1, ty.i0, tz.i1), tx.w)
			c11 := lerp(vol.At(tx.i0, ty.i1, tz.i1), vol.At(tx.i1, ty.i1, tz.i1), tx.w)
			out.Data[dst] = lerp(lerp(c00, c10, ty.w), lerp(c01, c11, ty.w), tz.w)
			dst++
		}
	}
}

func lerp(a, b, w float64) float64 {
	return a + (b-a)*w
}

// Isotropic resamples vol to its smallest spacing on every axis
func Isotropic(vol *models.Volume, workers int) (*models.Volume, error) {
	return NewResampler(0, workers).Resample(vol)
}
