//go:build arm64

package simd

import "golang.org/x/sys/cpu"

var (
	hasNEON = cpu.ARM64.HasASIMD
	hasSDOT = cpu.ARM64.HasASIMDDP
	hasSVE  = cpu.ARM64.HasSVE
)

// Features lists the vector extensions detected on this CPU.
func Features() []string {
	var f []string
	if hasNEON {
		f = append(f, "neon")
	}
	if hasSDOT {
		f = append(f, "asimddp")
	}
	if hasSVE {
		f = append(f, "sve")
	}
	return f
}
