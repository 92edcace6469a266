package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"qctmask/internal/models"
)

// createTestVolume fills a volume so that every z slice has a unique value
func createTestVolume(nx, ny, nz int) *models.Volume {
	v := models.NewVolume(nx, ny, nz, models.Int16)
	for idx := range v.Data {
		_, _, z := v.Coord(idx)
		v.Data[idx] = float64(z * 100)
	}
	return v
}

func TestNewViewerWindow(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(3, 3, 5))
	require.NoError(t, err)
	lo, hi := viewer.Window()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 400.0, hi)

	require.NoError(t, viewer.SetWindow(-400, 1500))
	lo, hi = viewer.Window()
	assert.Equal(t, -400.0, lo)
	assert.Equal(t, 1500.0, hi)

	assert.ErrorIs(t, viewer.SetWindow(5, 5), models.ErrInvalidParameter)
}

func TestExtractSlice(t *testing.T) {
	width, height, depth := 4, 3, 5
	viewer, err := NewViewer(createTestVolume(width, height, depth))
	require.NoError(t, err)

	img, err := viewer.ExtractSlice("z", 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, width, height), img.Bounds())
	assert.Equal(t, uint16(32768), img.Gray16At(1, 1).Y)

	img, err = viewer.ExtractSlice("x", 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, depth, height), img.Bounds())
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), img.Gray16At(4, 2).Y)

	img, err = viewer.ExtractSlice("Y", 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, width, depth), img.Bounds())
	assert.Equal(t, uint16(16384), img.Gray16At(3, 1).Y)
}

func TestExtractSliceInvalid(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(2, 2, 2))
	require.NoError(t, err)

	_, err = viewer.ExtractSlice("w", 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = viewer.ExtractSlice("z", 2)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = viewer.ExtractSlice("z", -1)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestConstantVolumeIsBlack(t *testing.T) {
	viewer, err := NewViewer(models.NewVolume(2, 2, 1, models.Uint8))
	require.NoError(t, err)
	img, err := viewer.ExtractSlice("z", 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.Gray16At(1, 1).Y)
}

func TestSaveSliceSequence(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(4, 3, 5))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "slices")
	n, err := viewer.SaveSliceSequence("z", dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := map[int]uint16{0: 0, 2: 32768, 4: 65535}
	for _, pos := range []int{0, 2, 4} {
		f, err := os.Open(filepath.Join(dir, SliceName("z", pos)))
		require.NoError(t, err)
		img, err := tiff.Decode(f)
		f.Close()
		require.NoError(t, err)

		gray, ok := img.(*image.Gray16)
		require.True(t, ok, "expected a 16-bit grayscale image, got %T", img)
		assert.Equal(t, image.Rect(0, 0, 4, 3), gray.Bounds())
		assert.Equal(t, want[pos], gray.Gray16At(0, 0).Y)
	}

	_, err = os.Stat(filepath.Join(dir, SliceName("z", 1)))
	assert.True(t, os.IsNotExist(err))

	_, err = viewer.SaveSliceSequence("z", dir, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}
