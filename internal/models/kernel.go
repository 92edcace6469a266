package models

import "fmt"

// Kernel is a symmetric box structuring element given by its radius along
// each axis. The neighborhood of a voxel spans [c-r, c+r] on every axis,
// clipped to the volume bounds.
type Kernel struct {
	RX, RY, RZ int
}

// CubeKernel returns a kernel with the same radius on every axis
func CubeKernel(r int) Kernel {
	return Kernel{RX: r, RY: r, RZ: r}
}

// Validate requires a radius of at least one voxel on every axis
func (k Kernel) Validate() error {
	if k.RX < 1 || k.RY < 1 || k.RZ < 1 {
		return fmt.Errorf("kernel radius (%d, %d, %d) must be >= 1 on every axis: %w",
			k.RX, k.RY, k.RZ, ErrInvalidParameter)
	}
	return nil
}

// Radii returns the radii indexed by axis
func (k Kernel) Radii() [3]int {
	return [3]int{k.RX, k.RY, k.RZ}
}
