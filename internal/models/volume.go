package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// ScalarKind identifies how voxel samples are interpreted and stored on disk
type ScalarKind int

const (
	Float64 ScalarKind = iota
	Float32
	Int8
	Int16
	Int32
	Uint8
	Uint16
)

// String returns the lower-case name of the kind
func (k ScalarKind) String() string {
	switch k {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseScalarKind maps a kind name back to its ScalarKind
func ParseScalarKind(name string) (ScalarKind, error) {
	for k := Float64; k <= Uint16; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown scalar kind %q: %w", name, ErrInvalidParameter)
}

// IsInteger reports whether the kind is a bounded integer type
func (k ScalarKind) IsInteger() bool {
	switch k {
	case Int8, Int16, Int32, Uint8, Uint16:
		return true
	}
	return false
}

// Bounds returns the representable range of the kind
func (k ScalarKind) Bounds() (lo, hi float64) {
	switch k {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Uint8:
		return 0, math.MaxUint8
	case Uint16:
		return 0, math.MaxUint16
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// Convert maps s to the nearest value the kind can hold. Integer kinds
// truncate toward zero and saturate at their bounds, NaN becomes 0; Float32
// rounds to single precision.
func (k ScalarKind) Convert(s float64) float64 {
	switch {
	case k.IsInteger():
		if math.IsNaN(s) {
			return 0
		}
		s = math.Trunc(s)
	case k == Float32:
		if math.IsNaN(s) {
			return s
		}
	default:
		return s
	}

	lo, hi := k.Bounds()
	if s < lo {
		return lo
	}
	if s > hi {
		return hi
	}
	if k == Float32 {
		return float64(float32(s))
	}
	return s
}

// Volume is a dense 3D scalar grid with its geometry.
//
// Data holds Dims[0]*Dims[1]*Dims[2] samples with x varying fastest, then y,
// then z, so the sample at (x, y, z) lives at z*nx*ny + y*nx + x.
type Volume struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical voxel size along each axis in mm
	Spacing r3.Vec

	// Origin is the physical position of voxel (0, 0, 0)
	Origin r3.Vec

	// Kind is the scalar type of the samples
	Kind ScalarKind

	// Data is the sample buffer in raster order
	Data []float64
}

// NewVolume allocates a zero-filled volume with unit spacing and zero origin
func NewVolume(nx, ny, nz int, kind ScalarKind) *Volume {
	return &Volume{
		Dims:    [3]int{nx, ny, nz},
		Spacing: r3.Vec{X: 1, Y: 1, Z: 1},
		Kind:    kind,
		Data:    make([]float64, nx*ny*nz),
	}
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Validate checks the volume invariants
func (v *Volume) Validate() error {
	if err := v.ValidateGeometry(); err != nil {
		return err
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("buffer holds %d samples, dimensions %v need %d: %w",
			len(v.Data), v.Dims, v.Len(), ErrInvalidParameter)
	}
	return nil
}

// ValidateGeometry checks dimensions and spacing without looking at the buffer
func (v *Volume) ValidateGeometry() error {
	if v == nil {
		return fmt.Errorf("nil volume: %w", ErrInvalidParameter)
	}
	for axis, n := range v.Dims {
		if n < 1 {
			return fmt.Errorf("dimension %d is %d, must be positive: %w", axis, n, ErrInvalidParameter)
		}
	}
	if v.Spacing.X <= 0 || v.Spacing.Y <= 0 || v.Spacing.Z <= 0 {
		return fmt.Errorf("spacing %v must be positive: %w", v.Spacing, ErrInvalidParameter)
	}
	return nil
}

// NewLike allocates a zero-filled volume with the same geometry and kind
func (v *Volume) NewLike() *Volume {
	return &Volume{
		Dims:    v.Dims,
		Spacing: v.Spacing,
		Origin:  v.Origin,
		Kind:    v.Kind,
		Data:    make([]float64, len(v.Data)),
	}
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := v.NewLike()
	copy(out.Data, v.Data)
	return out
}

// Index returns the buffer offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Dims[0]*v.Dims[1] + y*v.Dims[0] + x
}

// Coord is the inverse of Index
func (v *Volume) Coord(idx int) (x, y, z int) {
	plane := v.Dims[0] * v.Dims[1]
	z = idx / plane
	rem := idx % plane
	return rem % v.Dims[0], rem / v.Dims[0], z
}

// At returns the sample at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a sample at (x, y, z)
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Position returns the physical position of voxel (x, y, z)
func (v *Volume) Position(x, y, z int) r3.Vec {
	return r3.Add(v.Origin, r3.Vec{
		X: float64(x) * v.Spacing.X,
		Y: float64(y) * v.Spacing.Y,
		Z: float64(z) * v.Spacing.Z,
	})
}

// ScalarRange returns the minimum and maximum sample values
func (v *Volume) ScalarRange() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// SameGeometry reports whether two volumes share dimensions and spacing
func (v *Volume) SameGeometry(o *Volume) bool {
	return v.Dims == o.Dims && v.Spacing == o.Spacing
}
