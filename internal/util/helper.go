// Package util holds small generic helpers shared by the engine and protocol bindings.
package util

// CloneSlice returns a copy of src that shares no memory with it.
//
// An empty src yields nil so that parsed messages compare equal to freshly built ones.
func CloneSlice[T any](src []T) []T {
	if len(src) == 0 {
		return nil
	}
	clone := make([]T, len(src))
	copy(clone, src)

	return clone
}

// PadEven returns n rounded up to the next even number.
func PadEven(n int) int {
	return n + n&1
}
