// Package morphology implements grey-level dilation and erosion of 3D volumes
// with a box structuring element.
//
// A box maximum (minimum) is separable, so each operation runs as three
// whole-volume passes along x, y and z. Every pass reads only the complete
// buffer produced by the previous pass and writes a fresh one, which makes the
// result independent of traversal order and of the number of workers.
package morphology

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"qctmask/internal/models"
)

type reducer func(a, b float64) float64

func maxOf(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

func minOf(a, b float64) float64 {
	if b < a {
		return b
	}
	return a
}

// Dilate replaces every voxel with the maximum of its kernel neighborhood.
// Neighbors outside the volume are ignored rather than padded.
func Dilate(vol *models.Volume, k models.Kernel, workers int) (*models.Volume, error) {
	return apply(vol, k, workers, maxOf)
}

// Erode replaces every voxel with the minimum of its kernel neighborhood.
// Neighbors outside the volume are ignored rather than padded.
func Erode(vol *models.Volume, k models.Kernel, workers int) (*models.Volume, error) {
	return apply(vol, k, workers, minOf)
}

// Close dilates then erodes with the same kernel, as two separate passes
// over the whole volume.
func Close(vol *models.Volume, k models.Kernel, workers int) (*models.Volume, error) {
	dilated, err := Dilate(vol, k, workers)
	if err != nil {
		return nil, err
	}
	return Erode(dilated, k, workers)
}

func apply(vol *models.Volume, k models.Kernel, workers int, pick reducer) (*models.Volume, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, fmt.Errorf("worker count %d must be >= 1: %w", workers, models.ErrInvalidParameter)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	radii := k.Radii()
	src := vol.Data
	for axis := 0; axis < 3; axis++ {
		dst := make([]float64, len(src))
		in := src
		r := radii[axis]
		err := forEachSlab(vol.Dims[2], workers, func(z0, z1 int) {
			filterAxis(vol.Dims, in, dst, axis, r, z0, z1, pick)
		})
		if err != nil {
			return nil, err
		}
		src = dst
	}

	out := vol.NewLike()
	out.Data = src
	return out, nil
}

// filterAxis reduces src along one axis for the output planes [z0, z1)
func filterAxis(dims [3]int, src, dst []float64, axis, r, z0, z1 int, pick reducer) {
	nx, ny := dims[0], dims[1]
	strides := [3]int{1, nx, nx * ny}
	stride := strides[axis]
	n := dims[axis]

	for z := z0; z < z1; z++ {
		for y := 0; y < ny; y++ {
			row := z*nx*ny + y*nx
			for x := 0; x < nx; x++ {
				c := [3]int{x, y, z}[axis]
				base := row + x - c*stride

				lo := c - r
				if lo < 0 {
					lo = 0
				}
				hi := c + r
				if hi > n-1 {
					hi = n - 1
				}

				m := src[base+lo*stride]
				for j := lo + 1; j <= hi; j++ {
					m = pick(m, src[base+j*stride])
				}
				dst[row+x] = m
			}
		}
	}
}

// forEachSlab splits [0, nz) into at most workers contiguous slabs and runs
// fn on each of them concurrently.
func forEachSlab(nz, workers int, fn func(z0, z1 int)) error {
	if workers > nz {
		workers = nz
	}
	slab := (nz + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for z0 := 0; z0 < nz; z0 += slab {
		z0 := z0
		z1 := min(z0+slab, nz)
		g.Go(func() error {
			fn(z0, z1)
			return nil
		})
	}
	return g.Wait()
}
