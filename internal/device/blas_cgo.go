//go:build cgo && netlib

package device

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Reference scores go through system BLAS (Accelerate, OpenBLAS) when the
// binary is built with -tags netlib.
func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("blas", BLASImplementation()).Msg("System BLAS registered for reference scores")
}

// BLASImplementation names the BLAS behind blas32.
func BLASImplementation() string {
	return "netlib"
}
