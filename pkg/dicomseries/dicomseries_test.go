package dicomseries

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"gonum.org/v1/gonum/spatial/r3"

	"qctmask/internal/models"
)

func slice(path string, z float64, pixels ...int) *Slice {
	return &Slice{
		Path:         path,
		Position:     r3.Vec{X: -100, Y: -120, Z: z},
		HasPosition:  true,
		PixelSpacing: [2]float64{0.6, 0.5},
		Thickness:    2,
		Slope:        1,
		Intercept:    -1024,
		Rows:         1,
		Cols:         len(pixels),
		Pixels:       pixels,
	}
}

func TestParseDecimals(t *testing.T) {
	v, err := ParseDecimals([]string{`0.5\0.6`, " 3 "})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.6, 3}, v)

	_, err = ParseDecimals([]string{"abc"})
	assert.Error(t, err)
}

func TestSortSlices(t *testing.T) {
	a := slice("a", 10)
	b := slice("b", -5)
	c := slice("c", 0)
	d := slice("d", 0)
	d.HasPosition = false

	s := []*Slice{d, a, b, c}
	SortSlices(s)
	assert.Equal(t, []string{"b", "c", "a", "d"}, []string{s[0].Path, s[1].Path, s[2].Path, s[3].Path})
}

func TestAssemble(t *testing.T) {
	vol, err := Assemble([]*Slice{
		slice("2", 3.5, 1024, 1124),
		slice("1", 1, 0, 2024),
	})
	require.NoError(t, err)

	assert.Equal(t, [3]int{2, 1, 2}, vol.Dims)
	assert.Equal(t, models.Int16, vol.Kind)
	assert.Equal(t, r3.Vec{X: 0.5, Y: 0.6, Z: 2.5}, vol.Spacing)
	assert.Equal(t, r3.Vec{X: -100, Y: -120, Z: 1}, vol.Origin)
	assert.Equal(t, []float64{-1024, 1000, 0, 100}, vol.Data)
}

func TestAssembleFractionalRescale(t *testing.T) {
	s := slice("1", 0, 10)
	s.Slope = 0.5
	vol, err := Assemble([]*Slice{s})
	require.NoError(t, err)
	assert.Equal(t, models.Float32, vol.Kind)
	assert.Equal(t, []float64{-1019}, vol.Data)
	// a single slice falls back to its thickness
	assert.Equal(t, 2.0, vol.Spacing.Z)
}

func TestAssembleClampsToInt16(t *testing.T) {
	s := slice("1", 0, 40000)
	s.Intercept = 0
	vol, err := Assemble([]*Slice{s})
	require.NoError(t, err)
	assert.Equal(t, []float64{32767}, vol.Data)
}

func TestAssembleErrors(t *testing.T) {
	_, err := Assemble(nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = Assemble([]*Slice{slice("1", 0, 1, 2), slice("2", 1, 1, 2, 3)})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestLoadErrors(t *testing.T) {
	l := &Loader{Workers: 2, Log: zerolog.Nop()}

	_, err := l.Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	empty := t.TempDir()
	_, err = l.Load(empty)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	garbage := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(garbage, "IM0001"), []byte("not a dicom file"), 0644))
	_, err = l.Load(garbage)
	assert.ErrorIs(t, err, models.ErrIOFailure)

	_, err = (&Loader{Workers: 0}).Load(empty)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestValueOfUnexpectedType(t *testing.T) {
	strs, err := dicom.NewValue([]string{"0.5", "0.5"})
	require.NoError(t, err)
	ints, err := dicom.NewValue([]int{512})
	require.NoError(t, err)

	_, err = intsOf(strs)
	assert.Error(t, err)
	_, err = stringsOf(ints)
	assert.Error(t, err)
	_, err = pixelDataOf(ints)
	assert.Error(t, err)
	_, err = intsOf(nil)
	assert.Error(t, err)

	got, err := intsOf(ints)
	require.NoError(t, err)
	assert.Equal(t, []int{512}, got)
	values, err := stringsOf(strs)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.5", "0.5"}, values)
}
