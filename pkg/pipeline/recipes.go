// Package pipeline composes the mask stages into the named recipes used to
// prepare QCT scans for registration, and runs them between input and output
// files.
//
// A recipe is an eager, fixed sequence of stage calls. Each stage consumes the
// previous stage's output and returns a new volume; nothing is mutated in
// place. Parameters are validated when the recipe is built, so a recipe that
// was built successfully only fails on malformed input volumes.
package pipeline

import (
	"fmt"
	"slices"

	"qctmask/internal/models"
	"qctmask/pkg/connectivity"
	"qctmask/pkg/morphology"
	"qctmask/pkg/remap"
	"qctmask/pkg/threshold"
)

// Tracer receives every intermediate stage output. Stage names are prefixed
// with their position in the recipe, e.g. "02_dilate".
type Tracer func(stage string, out *models.Volume)

// Recipe turns an input volume into a mask
type Recipe func(vol *models.Volume, trace Tracer) (*models.Volume, error)

// sequence numbers and reports the stages of one recipe invocation
type sequence struct {
	trace Tracer
	n     int
}

func (s *sequence) do(name string, stage func() (*models.Volume, error)) (*models.Volume, error) {
	out, err := stage()
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	s.n++
	if s.trace != nil {
		s.trace(fmt.Sprintf("%02d_%s", s.n, name), out)
	}
	return out, nil
}

func validateWorkers(workers int) error {
	if workers < 1 {
		return fmt.Errorf("must have at least one worker, asked for %d: %w", workers, models.ErrInvalidParameter)
	}
	return nil
}

// BoneParams holds the parameters of the bone mask recipe
type BoneParams struct {
	// Threshold is the lowest intensity counted as bone
	Threshold float64

	// Kernel is the dilation structuring element
	Kernel models.Kernel

	// Workers is the degree of parallelism for the dilation
	Workers int
}

// Validate checks the bone mask parameters
func (p BoneParams) Validate() error {
	if err := p.Kernel.Validate(); err != nil {
		return err
	}
	return validateWorkers(p.Workers)
}

// BoneMask builds the recipe that outputs a dilated, hole-filled mask around
// the largest bone structure.
//
// The stages are:
//  1. threshold at p.Threshold (values at or above become 1)
//  2. dilate with p.Kernel
//  3. keep the largest foreground region, dropping disconnected noise
//  4. label the largest background region with the temporary value 2;
//     everything else, including enclosed holes, becomes 0
//  5. remap 0 to 1, which turns the bone and its holes into foreground
//  6. remap 2 to 0, which restores the exterior background
//
// Parameters:
//   - p: threshold, kernel and worker count
//
// Returns:
//   - the recipe, or an ErrInvalidParameter error when p is invalid
func BoneMask(p BoneParams) (Recipe, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return func(vol *models.Volume, trace Tracer) (*models.Volume, error) {
		s := &sequence{trace: trace}

		mask, err := s.do("threshold", func() (*models.Volume, error) {
			return threshold.Classify(vol, threshold.Params{Upper: threshold.Bound(p.Threshold), InValue: 1, OutValue: 0})
		})
		if err != nil {
			return nil, err
		}
		mask, err = s.do("dilate", func() (*models.Volume, error) {
			return morphology.Dilate(mask, p.Kernel, p.Workers)
		})
		if err != nil {
			return nil, err
		}
		return fillHoles(s, mask, 1, 2)
	}, nil
}

// fillHoles keeps the largest foreground region of a mask labelled fg and
// turns every background voxel that is not part of the largest background
// region into foreground. temp must differ from 0 and fg.
func fillHoles(s *sequence, mask *models.Volume, fg, temp float64) (*models.Volume, error) {
	mask, err := s.do("largest_foreground", func() (*models.Volume, error) {
		return connectivity.LargestRegion(mask, connectivity.Params{Low: fg, High: fg, Mode: connectivity.Passthrough})
	})
	if err != nil {
		return nil, err
	}
	return closeBackground(s, mask, fg, temp)
}

// closeBackground labels the largest background region with temp, then
// flips the remaining background to fg and temp back to background
func closeBackground(s *sequence, mask *models.Volume, fg, temp float64) (*models.Volume, error) {
	mask, err := s.do("largest_background", func() (*models.Volume, error) {
		return connectivity.LargestRegion(mask, connectivity.Params{
			Low: 0, High: 0, Mode: connectivity.Constant, LabelValue: connectivity.Value(temp),
		})
	})
	if err != nil {
		return nil, err
	}
	mask, err = s.do("fill_holes", func() (*models.Volume, error) {
		return remap.Apply(mask, remap.Rule{Match: 0, Replace: fg})
	})
	if err != nil {
		return nil, err
	}
	return s.do("clear_background", func() (*models.Volume, error) {
		return remap.Apply(mask, remap.Rule{Match: temp, Replace: 0})
	})
}

// HandParams holds the parameters of the hand mask smoothing recipe
type HandParams struct {
	// Kernel is the closing structuring element
	Kernel models.Kernel

	// Workers is the degree of parallelism for dilation and erosion
	Workers int
}

// Validate checks the hand mask parameters
func (p HandParams) Validate() error {
	if err := p.Kernel.Validate(); err != nil {
		return err
	}
	return validateWorkers(p.Workers)
}

// TempLabel returns the smallest integer label >= 2 that differs from every
// reserved value
func TempLabel(reserved ...float64) float64 {
	temp := 2.0
	for slices.Contains(reserved, temp) {
		temp++
	}
	return temp
}

// HandMaskSmoothing builds the recipe that cleans a manual hand segmentation.
// The label of the mask is the input's maximum value. The recipe keeps the
// largest region of that label, bridges small gaps with a closing, fills
// enclosed holes and casts the result to int16 with the original label.
func HandMaskSmoothing(p HandParams) (Recipe, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return func(vol *models.Volume, trace Tracer) (*models.Volume, error) {
		if err := vol.Validate(); err != nil {
			return nil, err
		}
		s := &sequence{trace: trace}
		_, label := vol.ScalarRange()
		temp := TempLabel(0, label)

		mask, err := s.do("largest_label", func() (*models.Volume, error) {
			return connectivity.LargestRegion(vol, connectivity.Params{
				Low: label, High: label, Mode: connectivity.Constant, LabelValue: connectivity.Value(1),
			})
		})
		if err != nil {
			return nil, err
		}
		mask, err = s.do("dilate", func() (*models.Volume, error) {
			return morphology.Dilate(mask, p.Kernel, p.Workers)
		})
		if err != nil {
			return nil, err
		}
		mask, err = s.do("erode", func() (*models.Volume, error) {
			return morphology.Erode(mask, p.Kernel, p.Workers)
		})
		if err != nil {
			return nil, err
		}
		mask, err = closeBackground(s, mask, label, temp)
		if err != nil {
			return nil, err
		}
		return s.do("cast", func() (*models.Volume, error) {
			return remap.Cast(mask, models.Int16)
		})
	}, nil
}

// BodyParams holds the parameters of the whole body mask recipe
type BodyParams struct {
	Lower *float64
	Upper *float64

	// KeepLargest adds a largest-region pass after the threshold
	KeepLargest bool
}

// BodyMask builds the recipe that thresholds a scan into a body mask. By
// default no connected-component cleanup is applied.
func BodyMask(p BodyParams) (Recipe, error) {
	tp := threshold.Params{Lower: p.Lower, Upper: p.Upper, InValue: 1, OutValue: 0}
	if err := tp.Validate(); err != nil {
		return nil, err
	}

	return func(vol *models.Volume, trace Tracer) (*models.Volume, error) {
		s := &sequence{trace: trace}
		mask, err := s.do("threshold", func() (*models.Volume, error) {
			return threshold.Classify(vol, tp)
		})
		if err != nil || !p.KeepLargest {
			return mask, err
		}
		return s.do("largest_foreground", func() (*models.Volume, error) {
			return connectivity.LargestRegion(mask, connectivity.Params{Low: 1, High: 1, Mode: connectivity.Passthrough})
		})
	}, nil
}

// BoundedIntegerConversion builds the recipe that keeps the largest region of
// label 1 and casts the result to kind, clamping out-of-range values.
func BoundedIntegerConversion(kind models.ScalarKind) (Recipe, error) {
	if !kind.IsInteger() {
		return nil, fmt.Errorf("%s is not a bounded integer kind: %w", kind, models.ErrInvalidParameter)
	}

	return func(vol *models.Volume, trace Tracer) (*models.Volume, error) {
		s := &sequence{trace: trace}
		mask, err := s.do("largest_foreground", func() (*models.Volume, error) {
			return connectivity.LargestRegion(vol, connectivity.Params{Low: 1, High: 1, Mode: connectivity.Passthrough})
		})
		if err != nil {
			return nil, err
		}
		return s.do("cast", func() (*models.Volume, error) {
			return remap.Cast(mask, kind)
		})
	}, nil
}

// Threshold builds the single-stage recipe of the generic threshold tool
func Threshold(p threshold.Params) (Recipe, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return func(vol *models.Volume, trace Tracer) (*models.Volume, error) {
		s := &sequence{trace: trace}
		return s.do("threshold", func() (*models.Volume, error) {
			return threshold.Classify(vol, p)
		})
	}, nil
}
