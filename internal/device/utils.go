package device

import (
	"math"
)

// Float32ToBFloat16 converts a float32 to bfloat16 (raw uint16 representation).
// Rounds to nearest even on the dropped mantissa bits. NaN stays NaN (quiet);
// finite values that round past the largest bfloat16 become infinities.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7FFFFFFF > 0x7F800000 {
		return uint16(bits>>16) | 0x0040
	}
	bits += 0x7FFF + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

// BFloat16ToFloat32 converts a bfloat16 (uint16 representation) to a float32.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// Float32ToBFloat16Slice narrows src into dst.
func Float32ToBFloat16Slice(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = Float32ToBFloat16(v)
	}
}

// BFloat16ToFloat32Slice widens src into dst.
func BFloat16ToFloat32Slice(dst []float32, src []uint16) {
	for i, v := range src {
		dst[i] = BFloat16ToFloat32(v)
	}
}
