//go:build !(linux || darwin)

package codec

import "math"

// availableBytes is not measured on this platform; the free space guard
// always passes.
func availableBytes(string) (uint64, error) {
	return math.MaxUint64, nil
}
