//go:build amd64

package simd

import "golang.org/x/sys/cpu"

// CPU features relevant to the float32 and bfloat16 dot products.
var (
	hasAVX2     = cpu.X86.HasAVX2
	hasFMA      = cpu.X86.HasFMA
	hasAVX512   = cpu.X86.HasAVX512F
	hasAVX512BF = cpu.X86.HasAVX512BF16
)

// Features lists the vector extensions detected on this CPU.
func Features() []string {
	var f []string
	if hasAVX2 {
		f = append(f, "avx2")
	}
	if hasFMA {
		f = append(f, "fma")
	}
	if hasAVX512 {
		f = append(f, "avx512f")
	}
	if hasAVX512BF {
		f = append(f, "avx512bf16")
	}
	return f
}
