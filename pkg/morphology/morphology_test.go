package morphology

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qctmask/internal/models"
)

// bruteForce evaluates the box neighborhood directly for comparison
func bruteForce(vol *models.Volume, k models.Kernel, pick reducer) []float64 {
	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]
	out := make([]float64, len(vol.Data))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				first := true
				var m float64
				for dz := -k.RZ; dz <= k.RZ; dz++ {
					for dy := -k.RY; dy <= k.RY; dy++ {
						for dx := -k.RX; dx <= k.RX; dx++ {
							xx, yy, zz := x+dx, y+dy, z+dz
							if xx < 0 || yy < 0 || zz < 0 || xx >= nx || yy >= ny || zz >= nz {
								continue
							}
							s := vol.At(xx, yy, zz)
							if first {
								m, first = s, false
							} else {
								m = pick(m, s)
							}
						}
					}
				}
				out[vol.Index(x, y, z)] = m
			}
		}
	}
	return out
}

func randomVolume(seed int64, nx, ny, nz int) *models.Volume {
	rng := rand.New(rand.NewSource(seed))
	v := models.NewVolume(nx, ny, nz, models.Float64)
	for i := range v.Data {
		v.Data[i] = float64(rng.Intn(2000) - 1000)
	}
	return v
}

func TestDilateSingleVoxel(t *testing.T) {
	v := models.NewVolume(7, 7, 7, models.Float64)
	v.Set(3, 3, 3, 1)

	out, err := Dilate(v, models.Kernel{RX: 1, RY: 2, RZ: 1}, 2)
	require.NoError(t, err)

	for idx, s := range out.Data {
		x, y, z := out.Coord(idx)
		inside := x >= 2 && x <= 4 && y >= 1 && y <= 5 && z >= 2 && z <= 4
		if inside {
			assert.Equal(t, 1.0, s, "voxel (%d,%d,%d)", x, y, z)
		} else {
			assert.Equal(t, 0.0, s, "voxel (%d,%d,%d)", x, y, z)
		}
	}
	assert.Equal(t, 1.0, v.Data[v.Index(3, 3, 3)])
	assert.Equal(t, 0.0, v.Data[v.Index(2, 3, 3)], "input must not be modified")
}

func TestErodeIgnoresOutOfBounds(t *testing.T) {
	v := models.NewVolume(4, 4, 4, models.Float64)
	for i := range v.Data {
		v.Data[i] = 1
	}
	out, err := Erode(v, models.CubeKernel(2), 3)
	require.NoError(t, err)
	for _, s := range out.Data {
		assert.Equal(t, 1.0, s)
	}
}

func TestMatchesBruteForce(t *testing.T) {
	v := randomVolume(42, 9, 6, 5)
	k := models.Kernel{RX: 2, RY: 1, RZ: 3}

	dil, err := Dilate(v, k, 4)
	require.NoError(t, err)
	assert.Equal(t, bruteForce(v, k, maxOf), dil.Data)

	ero, err := Erode(v, k, 4)
	require.NoError(t, err)
	assert.Equal(t, bruteForce(v, k, minOf), ero.Data)
}

func TestWorkerCountIndependence(t *testing.T) {
	v := randomVolume(7, 11, 10, 13)
	k := models.CubeKernel(2)

	ref, err := Close(v, k, 1)
	require.NoError(t, err)
	for _, workers := range []int{2, 3, 8, 64} {
		got, err := Close(v, k, workers)
		require.NoError(t, err)
		assert.Equal(t, ref.Data, got.Data, "workers=%d", workers)
	}
}

func TestClosingIsSuperset(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 5; trial++ {
		v := models.NewVolume(8, 8, 8, models.Float64)
		for i := range v.Data {
			if rng.Float64() < 0.3 {
				v.Data[i] = 1
			}
		}
		closed, err := Close(v, models.CubeKernel(1+trial%2), 2)
		require.NoError(t, err)
		for i, s := range v.Data {
			if s != 0 {
				assert.NotEqual(t, 0.0, closed.Data[i], "foreground voxel %d lost", i)
			}
		}
	}
}

func TestClosingFillsGap(t *testing.T) {
	v := models.NewVolume(9, 3, 3, models.Float64)
	for x := 0; x < 9; x++ {
		if x != 4 {
			v.Set(x, 1, 1, 1)
		}
	}
	closed, err := Close(v, models.Kernel{RX: 1, RY: 1, RZ: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, closed.At(4, 1, 1))
}

func TestInvalidParameters(t *testing.T) {
	v := models.NewVolume(2, 2, 2, models.Float64)

	_, err := Dilate(v, models.Kernel{RX: 0, RY: 1, RZ: 1}, 1)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = Erode(v, models.CubeKernel(1), 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}
