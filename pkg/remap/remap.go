// Package remap substitutes exact label values and converts volumes between
// scalar kinds.
package remap

import (
	"qctmask/internal/models"
)

// Rule replaces voxels equal to Match with Replace
type Rule struct {
	Match   float64
	Replace float64
}

// Apply rewrites every voxel that exactly equals a rule's Match value. The
// first matching rule wins; voxels matching no rule are copied unchanged.
func Apply(vol *models.Volume, rules ...Rule) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	out := vol.NewLike()
	for i, s := range vol.Data {
		out.Data[i] = s
		for _, r := range rules {
			if s == r.Match {
				out.Data[i] = r.Replace
				break
			}
		}
	}
	return out, nil
}

// Cast converts vol to kind. Integer kinds truncate toward zero and clamp to
// the representable range instead of wrapping.
func Cast(vol *models.Volume, kind models.ScalarKind) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	out := vol.NewLike()
	out.Kind = kind
	for i, s := range vol.Data {
		out.Data[i] = kind.Convert(s)
	}
	return out, nil
}
