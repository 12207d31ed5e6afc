//go:build cgo

package main

// This file is only included when cgo is enabled. It registers the netlib
// BLAS implementation which uses system BLAS (Accelerate on macOS, OpenBLAS
// on Linux) for the gonum-backed saliency math.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
