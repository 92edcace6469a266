package remap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qctmask/internal/models"
)

func line(kind models.ScalarKind, values ...float64) *models.Volume {
	v := models.NewVolume(len(values), 1, 1, kind)
	copy(v.Data, values)
	return v
}

func TestApply(t *testing.T) {
	v := line(models.Float64, 0, 1, 2, 2.0000001, 3)

	out, err := Apply(v, Rule{Match: 0, Replace: 1}, Rule{Match: 2, Replace: 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 0, 2.0000001, 3}, out.Data)
	assert.Equal(t, []float64{0, 1, 2, 2.0000001, 3}, v.Data)
}

func TestApplyFirstRuleWins(t *testing.T) {
	v := line(models.Float64, 5, 6)
	out, err := Apply(v, Rule{Match: 5, Replace: 6}, Rule{Match: 5, Replace: 100}, Rule{Match: 6, Replace: 7})
	require.NoError(t, err)
	// rules see the original value, not the output of earlier rules
	assert.Equal(t, []float64{6, 7}, out.Data)
}

func TestApplyIdempotent(t *testing.T) {
	v := line(models.Float64, 0, 1, 4, 1, 0)
	rules := []Rule{{Match: 10, Replace: 20}, {Match: 11, Replace: 21}}

	once, err := Apply(v, rules...)
	require.NoError(t, err)
	twice, err := Apply(once, rules...)
	require.NoError(t, err)
	assert.Equal(t, once.Data, twice.Data)
	assert.Equal(t, v.Data, once.Data)
}

func TestApplyNoRules(t *testing.T) {
	v := line(models.Int16, 3, 4)
	out, err := Apply(v)
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)
	assert.Equal(t, models.Int16, out.Kind)
}

func TestCastClamps(t *testing.T) {
	v := line(models.Float64, 200000, -200000, 12.9, -12.9, 0)
	out, err := Cast(v, models.Int16)
	require.NoError(t, err)
	assert.Equal(t, models.Int16, out.Kind)
	assert.Equal(t, []float64{math.MaxInt16, math.MinInt16, 12, -12, 0}, out.Data)
}

func TestCastUnsigned(t *testing.T) {
	v := line(models.Float64, -5, 300, 128)
	out, err := Cast(v, models.Uint8)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 255, 128}, out.Data)
}

func TestCastFloat(t *testing.T) {
	v := line(models.Int16, 1, -7)
	out, err := Cast(v, models.Float64)
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)
	assert.Equal(t, models.Float64, out.Kind)

	f := line(models.Float64, 0.1)
	out, err = Cast(f, models.Float32)
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), out.Data[0])
}
