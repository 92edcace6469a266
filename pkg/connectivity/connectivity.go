// Package connectivity extracts face-connected regions from 3D volumes.
package connectivity

import (
	"fmt"

	"qctmask/internal/models"
)

// LabelMode selects how voxels of the selected region are written
type LabelMode int

const (
	// Passthrough keeps the original value of selected voxels
	Passthrough LabelMode = iota

	// Constant writes Params.LabelValue into selected voxels
	Constant
)

// Params configures LargestRegion
type Params struct {
	// Low and High bound the candidate values, inclusive
	Low, High float64

	Mode LabelMode

	// LabelValue is required when Mode is Constant
	LabelValue *float64
}

// Value is a convenience for building an optional label value
func Value(v float64) *float64 {
	return &v
}

// Validate checks the range and label mode
func (p Params) Validate() error {
	if p.Low > p.High {
		return fmt.Errorf("scalar range [%g, %g] is empty: %w", p.Low, p.High, models.ErrInvalidParameter)
	}
	switch p.Mode {
	case Passthrough:
	case Constant:
		if p.LabelValue == nil {
			return fmt.Errorf("constant label mode needs a label value: %w", models.ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("unknown label mode %d: %w", p.Mode, models.ErrInvalidParameter)
	}
	return nil
}

// Labeling is the partition of candidate voxels into regions
type Labeling struct {
	// Labels holds the region id of each voxel, or -1 for non-candidates
	Labels []int32

	// Sizes holds the voxel count of each region
	Sizes []int

	// Seeds holds the first voxel of each region in raster order, which is
	// also its smallest (z, y, x) coordinate
	Seeds []int
}

// Count returns the number of regions
func (l *Labeling) Count() int {
	return len(l.Sizes)
}

// Largest returns the id of the region with the most voxels, or -1 when there
// are no regions. Among equally large regions the one whose smallest (z, y, x)
// voxel comes first wins.
func (l *Labeling) Largest() int {
	best := -1
	for id, size := range l.Sizes {
		if best < 0 || size > l.Sizes[best] || (size == l.Sizes[best] && l.Seeds[id] < l.Seeds[best]) {
			best = id
		}
	}
	return best
}

// Label partitions the voxels with values in [low, high] into 6-connected regions.
// Regions are numbered in raster order of their first voxel.
func Label(vol *models.Volume, low, high float64) (*Labeling, error) {
	if low > high {
		return nil, fmt.Errorf("scalar range [%g, %g] is empty: %w", low, high, models.ErrInvalidParameter)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]
	plane := nx * ny

	labels := make([]int32, len(vol.Data))
	for i, s := range vol.Data {
		if s >= low && s <= high {
			labels[i] = 0
		} else {
			labels[i] = -1
		}
	}
	// 0 marks an unclaimed candidate, so ids are shifted by one while flooding
	l := &Labeling{}
	queue := make([]int, 0, 1024)

	for seed := range labels {
		if labels[seed] != 0 {
			continue
		}
		id := int32(len(l.Sizes)) + 1

		queue = queue[:0]
		queue = append(queue, seed)
		labels[seed] = id
		size := 0
		visit := func(ni int) {
			if labels[ni] == 0 {
				labels[ni] = id
				queue = append(queue, ni)
			}
		}

		for head := 0; head < len(queue); head++ {
			curr := queue[head]
			size++

			z := curr / plane
			rem := curr % plane
			y := rem / nx
			x := rem % nx

			if x > 0 {
				visit(curr - 1)
			}
			if x < nx-1 {
				visit(curr + 1)
			}
			if y > 0 {
				visit(curr - nx)
			}
			if y < ny-1 {
				visit(curr + nx)
			}
			if z > 0 {
				visit(curr - plane)
			}
			if z < nz-1 {
				visit(curr + plane)
			}
		}

		l.Sizes = append(l.Sizes, size)
		l.Seeds = append(l.Seeds, seed)
	}

	for i, id := range labels {
		if id > 0 {
			labels[i] = id - 1
		}
	}
	l.Labels = labels
	return l, nil
}

// LargestRegion keeps the largest 6-connected region of voxels whose values
// lie in [p.Low, p.High] and sets every other voxel to zero. A volume without
// candidate voxels yields an all-zero result.
func LargestRegion(vol *models.Volume, p Params) (*models.Volume, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l, err := Label(vol, p.Low, p.High)
	if err != nil {
		return nil, err
	}

	out := vol.NewLike()
	best := l.Largest()
	if best < 0 {
		return out, nil
	}

	for i, id := range l.Labels {
		if int(id) != best {
			continue
		}
		if p.Mode == Constant {
			out.Data[i] = *p.LabelValue
		} else {
			out.Data[i] = vol.Data[i]
		}
	}
	return out, nil
}
