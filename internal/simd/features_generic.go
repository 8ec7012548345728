//go:build !amd64 && !arm64

package simd

// Features lists the vector extensions detected on this CPU.
func Features() []string {
	return nil
}
