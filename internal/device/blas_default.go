//go:build !cgo || !netlib

package device

// BLASImplementation names the BLAS behind blas32.
func BLASImplementation() string {
	return "gonum"
}
