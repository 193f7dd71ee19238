package num

import "github.com/x448/float16"

// IEEE 754 binary16 conversion. Round to nearest even on narrowing, flush
// out of range values to infinity.

// Float16FromF32 converts a float32 to its binary16 representation.
func Float16FromF32(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToF32 converts a binary16 representation back to float32.
func Float16ToF32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}
