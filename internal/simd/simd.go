package simd

import "math"

// bf16 widens a raw bfloat16 value to float32.
func bf16(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// DotProduct computes the dot product of two float32 vectors.
func DotProduct(a, b []float32) float32 {
	var sum0, sum1, sum2, sum3 float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}
	sum := sum0 + sum1 + sum2 + sum3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// DotBF16 computes the dot product of two raw bfloat16 vectors.
// Products are accumulated in float32; the caller narrows the result.
func DotBF16(a, b []uint16) float32 {
	b = b[:len(a)]
	var sum0, sum1, sum2, sum3 float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum0 += bf16(a[i]) * bf16(b[i])
		sum1 += bf16(a[i+1]) * bf16(b[i+1])
		sum2 += bf16(a[i+2]) * bf16(b[i+2])
		sum3 += bf16(a[i+3]) * bf16(b[i+3])
	}
	sum := sum0 + sum1 + sum2 + sum3
	for ; i < len(a); i++ {
		sum += bf16(a[i]) * bf16(b[i])
	}
	return sum
}

// DotBF16Pooled computes q · (k_0 + k_1 + ... + k_{n-1}) where keys holds n
// consecutive rows of width len(q). A trailing partial row is ignored.
func DotBF16Pooled(q, keys []uint16) float32 {
	cols := len(q)
	if cols == 0 {
		return 0
	}
	n := len(keys) / cols
	keys = keys[:n*cols]
	var sum float32
	for c, qv := range q {
		var pooled float32
		for t := 0; t < n; t++ {
			pooled += bf16(keys[t*cols+c])
		}
		sum += bf16(qv) * pooled
	}
	return sum
}

// VecAdd performs dst += src.
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}
