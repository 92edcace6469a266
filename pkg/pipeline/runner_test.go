package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qctmask/internal/models"
	"qctmask/pkg/confirm"
	"qctmask/pkg/nifti"
	"qctmask/pkg/threshold"
)

func writeScan(t *testing.T, dir string) string {
	t.Helper()
	v := models.NewVolume(4, 1, 1, models.Int16)
	copy(v.Data, []float64{-1000, -200, 50, 300})
	path := filepath.Join(dir, "scan.nii")
	require.NoError(t, nifti.Write(v, path))
	return path
}

func bodyRecipe(t *testing.T) Recipe {
	t.Helper()
	recipe, err := BodyMask(BodyParams{Upper: threshold.Bound(-200)})
	require.NoError(t, err)
	return recipe
}

func TestRunWritesOutput(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")

	r := NewRunner(confirm.Never, zerolog.Nop())
	require.NoError(t, r.Run("body", bodyRecipe(t), in, out))

	mask, err := nifti.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 1}, mask.Data)
}

func TestRunRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(confirm.Always, zerolog.Nop())

	err := r.Run("body", bodyRecipe(t), filepath.Join(dir, "missing.nii"), filepath.Join(dir, "out.nii"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	other := filepath.Join(dir, "scan.mha")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))
	err = r.Run("body", bodyRecipe(t), other, filepath.Join(dir, "out.nii"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = r.Run("body", bodyRecipe(t), dir, filepath.Join(dir, "out.nii"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	in := writeScan(t, dir)
	err = r.Run("body", bodyRecipe(t), in, filepath.Join(dir, "out.mha"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, statErr := os.Stat(filepath.Join(dir, "out.nii"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")
	require.NoError(t, os.WriteFile(out, []byte("keep me"), 0644))

	asked := 0
	policy := confirm.PolicyFunc(func(path string) (bool, error) {
		asked++
		assert.Equal(t, out, path)
		return false, nil
	})
	r := NewRunner(policy, zerolog.Nop())
	r.Read = func(string) (*models.Volume, error) {
		t.Fatal("input must not be read after a refused overwrite")
		return nil, nil
	}

	err := r.Run("body", bodyRecipe(t), in, out)
	assert.ErrorIs(t, err, models.ErrOverwriteDenied)
	assert.Equal(t, 1, asked)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(content))
}

func TestRunNilPolicyRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")
	require.NoError(t, os.WriteFile(out, []byte("keep me"), 0644))

	r := NewRunner(nil, zerolog.Nop())
	assert.ErrorIs(t, r.Run("body", bodyRecipe(t), in, out), models.ErrOverwriteDenied)
}

func TestRunPolicyErrorDenies(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")
	require.NoError(t, os.WriteFile(out, []byte("keep me"), 0644))

	r := NewRunner(confirm.PolicyFunc(func(string) (bool, error) {
		return false, errors.New("terminal gone")
	}), zerolog.Nop())
	assert.ErrorIs(t, r.Run("body", bodyRecipe(t), in, out), models.ErrOverwriteDenied)
}

func TestRunOverwritesWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")
	require.NoError(t, os.WriteFile(out, []byte("old"), 0644))

	r := NewRunner(confirm.Always, zerolog.Nop())
	require.NoError(t, r.Run("body", bodyRecipe(t), in, out))

	mask, err := nifti.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 1}, mask.Data)
}

func TestRunRecipeFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")

	failing := func(*models.Volume, Tracer) (*models.Volume, error) {
		return nil, models.ErrInvalidParameter
	}
	r := NewRunner(confirm.Always, zerolog.Nop())
	err := r.Run("broken", failing, in, out)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunSavesIntermediateResults(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	out := filepath.Join(dir, "body.nii")

	recipe, err := BodyMask(BodyParams{Upper: threshold.Bound(-200), KeepLargest: true})
	require.NoError(t, err)

	r := NewRunner(confirm.Always, zerolog.Nop())
	r.IntermediateDir = filepath.Join(dir, "stages")
	require.NoError(t, r.Run("body", recipe, in, out))

	for _, stage := range []string{"01_threshold", "02_largest_foreground"} {
		_, err := nifti.Read(filepath.Join(dir, "stages", "body", stage+".nii"))
		assert.NoError(t, err, stage)
	}
}

func TestCheckMultipleOutputs(t *testing.T) {
	dir := t.TempDir()
	in := writeScan(t, dir)
	existing := filepath.Join(dir, "left.nii")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	r := NewRunner(confirm.Never, zerolog.Nop())
	assert.NoError(t, r.Check([]string{in}, []string{filepath.Join(dir, "right.nii")}))
	assert.ErrorIs(t, r.Check([]string{in}, []string{filepath.Join(dir, "right.nii"), existing}), models.ErrOverwriteDenied)
}

func TestSaveAllWritesEveryVolume(t *testing.T) {
	dir := t.TempDir()
	right, left := filepath.Join(dir, "right.nii"), filepath.Join(dir, "left.nii")
	a, b := models.NewVolume(2, 1, 1, models.Int16), models.NewVolume(3, 1, 1, models.Int16)

	r := NewRunner(confirm.Never, zerolog.Nop())
	require.NoError(t, r.SaveAll([]*models.Volume{a, b}, []string{right, left}))

	got, err := nifti.Read(left)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Dims[0])
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveAllFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	right, left := filepath.Join(dir, "right.nii"), filepath.Join(dir, "left.nii")
	require.NoError(t, os.WriteFile(right, []byte("previous"), 0644))

	r := NewRunner(confirm.Always, zerolog.Nop())
	r.Write = func(vol *models.Volume, path string) error {
		if filepath.Base(path) == ".left.nii.partial" {
			return errors.New("disk full")
		}
		return nifti.Write(vol, path)
	}
	v := models.NewVolume(2, 1, 1, models.Int16)
	require.Error(t, r.SaveAll([]*models.Volume{v, v}, []string{right, left}))

	content, err := os.ReadFile(right)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(content))
	_, err = os.Stat(left)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
