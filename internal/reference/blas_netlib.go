//go:build cgo && netlib

package reference

// This file registers the netlib BLAS implementation, which uses the system
// BLAS (Accelerate on macOS, OpenBLAS on Linux), for the float64 reference.
// Build with -tags netlib when cgo and a system BLAS are available.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("reference GEMM using system BLAS (netlib)")
}
