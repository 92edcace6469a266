// Package threshold classifies scalar volumes into two labels by intensity range.
package threshold

import (
	"fmt"

	"qctmask/internal/models"
)

// Params configures a classification. At least one bound must be set.
//
// With only Upper set a voxel is "in" when its value is >= Upper; with only
// Lower set it is "in" when its value is <= Lower; with both it is "in" when
// Lower <= value <= Upper. All bounds are inclusive.
type Params struct {
	Lower *float64
	Upper *float64

	// InValue is written for voxels inside the range
	InValue float64

	// OutValue is written for every other voxel
	OutValue float64
}

// Bound is a convenience for building optional bounds
func Bound(v float64) *float64 {
	return &v
}

// Validate checks that the bounds describe a usable range
func (p Params) Validate() error {
	if p.Lower == nil && p.Upper == nil {
		return fmt.Errorf("at least one of lower or upper must be given: %w", models.ErrInvalidParameter)
	}
	if p.Lower != nil && p.Upper != nil && *p.Lower > *p.Upper {
		return fmt.Errorf("lower %g exceeds upper %g: %w", *p.Lower, *p.Upper, models.ErrInvalidParameter)
	}
	return nil
}

// Contains reports whether s falls inside the configured range
func (p Params) Contains(s float64) bool {
	switch {
	case p.Lower != nil && p.Upper != nil:
		return *p.Lower <= s && s <= *p.Upper
	case p.Upper != nil:
		return s >= *p.Upper
	default:
		return s <= *p.Lower
	}
}

// Classify maps every voxel of vol to InValue or OutValue. The output keeps
// the input kind, so both values saturate at its bounds.
func Classify(vol *models.Volume, p Params) (*models.Volume, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	in, outside := vol.Kind.Convert(p.InValue), vol.Kind.Convert(p.OutValue)
	out := vol.NewLike()
	for i, s := range vol.Data {
		if p.Contains(s) {
			out.Data[i] = in
		} else {
			out.Data[i] = outside
		}
	}
	return out, nil
}
