package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"qctmask/internal/models"
	"qctmask/pkg/confirm"
	"qctmask/pkg/nifti"
)

// Runner executes recipes between files. It validates paths and asks the
// confirmation policy before any processing, and writes the result
// atomically, so a failed run leaves no output behind.
type Runner struct {
	// Confirm is asked once for every output path that already exists
	Confirm confirm.Policy

	// Log receives progress messages
	Log zerolog.Logger

	// IntermediateDir, when set, receives every stage output of a recipe
	// under IntermediateDir/<recipe>/<stage>.nii
	IntermediateDir string

	// Read and Write are the image I/O collaborators
	Read  func(path string) (*models.Volume, error)
	Write func(vol *models.Volume, path string) error
}

// NewRunner creates a runner backed by NIfTI file I/O
func NewRunner(policy confirm.Policy, log zerolog.Logger) *Runner {
	return &Runner{
		Confirm: policy,
		Log:     log,
		Read:    nifti.Read,
		Write:   nifti.Write,
	}
}

// CheckInput requires path to be an existing regular .nii file
func CheckInput(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("input file %q does not exist: %w", path, models.ErrInvalidInput)
	}
	if !nifti.HasExtension(path) {
		return fmt.Errorf("input file %q is not a %s file: %w", path, nifti.Extension, models.ErrInvalidInput)
	}
	return nil
}

// CheckOutput requires a .nii extension and, when path already exists, the
// consent of the confirmation policy
func (r *Runner) CheckOutput(path string) error {
	if !nifti.HasExtension(path) {
		return fmt.Errorf("output file %q is not a %s file: %w", path, nifti.Extension, models.ErrInvalidInput)
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	policy := r.Confirm
	if policy == nil {
		policy = confirm.Never
	}
	ok, err := policy.Overwrite(path)
	if err != nil {
		return fmt.Errorf("confirm overwrite of %q: %v: %w", path, err, models.ErrOverwriteDenied)
	}
	if !ok {
		return fmt.Errorf("will not overwrite %q: %w", path, models.ErrOverwriteDenied)
	}
	return nil
}

// Check validates all inputs and outputs of one tool invocation
func (r *Runner) Check(inputs, outputs []string) error {
	for _, in := range inputs {
		if err := CheckInput(in); err != nil {
			return err
		}
	}
	for _, out := range outputs {
		if err := r.CheckOutput(out); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a volume and logs its geometry
func (r *Runner) Load(path string) (*models.Volume, error) {
	r.Log.Info().Str("path", path).Msg("loading data")
	vol, err := r.Read(path)
	if err != nil {
		return nil, err
	}
	r.Log.Info().
		Ints("dimensions", vol.Dims[:]).
		Floats64("spacing", []float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}).
		Str("kind", vol.Kind.String()).
		Msg("loaded data")
	return vol, nil
}

// Save writes a volume
func (r *Runner) Save(vol *models.Volume, path string) error {
	r.Log.Info().Str("path", path).Msg("writing")
	return r.Write(vol, path)
}

// SaveAll writes several volumes so that either all of them reach their
// paths or none does. Each volume is first written next to its destination
// and renamed only once every write has succeeded.
func (r *Runner) SaveAll(vols []*models.Volume, paths []string) error {
	if len(vols) != len(paths) {
		return fmt.Errorf("%d volumes for %d paths: %w", len(vols), len(paths), models.ErrInvalidParameter)
	}

	staged := make([]string, 0, len(paths))
	discard := func() {
		for _, p := range staged {
			os.Remove(p)
		}
	}
	for i, path := range paths {
		tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".partial")
		r.Log.Info().Str("path", path).Msg("writing")
		if err := r.Write(vols[i], tmp); err != nil {
			discard()
			return err
		}
		staged = append(staged, tmp)
	}
	for i, tmp := range staged {
		if err := os.Rename(tmp, paths[i]); err != nil {
			discard()
			return fmt.Errorf("rename to %s: %v: %w", paths[i], err, models.ErrIOFailure)
		}
	}
	return nil
}

// Run applies recipe to the volume at inPath and writes the result to
// outPath. All checks happen before the input is read.
func (r *Runner) Run(name string, recipe Recipe, inPath, outPath string) error {
	if err := r.Check([]string{inPath}, []string{outPath}); err != nil {
		return err
	}

	vol, err := r.Load(inPath)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := recipe(vol, r.tracer(name))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.Log.Info().Str("recipe", name).Dur("elapsed", time.Since(start)).Msg("recipe completed")

	return r.Save(out, outPath)
}

// tracer logs every stage and saves its output when IntermediateDir is set.
// Failing to save an intermediate result only produces a warning.
func (r *Runner) tracer(name string) Tracer {
	return func(stage string, out *models.Volume) {
		lo, hi := out.ScalarRange()
		r.Log.Info().Str("recipe", name).Str("stage", stage).Msg("stage done")
		r.Log.Debug().Str("stage", stage).Float64("min", lo).Float64("max", hi).Msg("stage range")

		if r.IntermediateDir == "" {
			return
		}
		dir := filepath.Join(r.IntermediateDir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			r.Log.Warn().Err(err).Str("dir", dir).Msg("failed to create intermediate directory")
			return
		}
		path := filepath.Join(dir, stage+nifti.Extension)
		if err := r.Write(out, path); err != nil {
			r.Log.Warn().Err(err).Str("path", path).Msg("failed to save intermediate result")
		}
	}
}
