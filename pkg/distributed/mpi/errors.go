// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"fmt"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/pkg/errors"
)

var (
	// ErrUnavailable is the cause reported when the Open MPI library can't be used: not found, not
	// Open MPI, missing symbols, or already finalized.
	ErrUnavailable = errors.New("Open MPI is not available")

	// ErrUnsupportedDType is returned for buffers whose dtype has no MPI datatype (e.g. Complex128).
	ErrUnsupportedDType = errors.New("dtype not supported by the MPI backend")

	// ErrSplitFailed is returned by Group.Split when MPI_Comm_split fails.
	ErrSplitFailed = errors.New("failed to split MPI communicator")

	// ErrStrictInit is matched (with errors.Is) by the errors of a strict Init.
	ErrStrictInit = errors.New("cannot initialize MPI")
)

// TransportError is a non-success return code of an MPI call.
// It is not retried: MPI errors are usually fatal for the communicator.
type TransportError struct {
	// Op is the name of the MPI function, e.g. "MPI_Allreduce".
	Op string

	// Code returned by the function.
	Code int32
}

// Error implements error.
func (e *TransportError) Error() string {
	if name := mpiabi.ErrorClassName(e.Code); name != "" {
		return fmt.Sprintf("%s failed with error code %d (%s)", e.Op, e.Code, name)
	}
	return fmt.Sprintf("%s failed with error code %d", e.Op, e.Code)
}

// check returns a *TransportError if code is not MPI_SUCCESS.
func check(op string, code int32) error {
	if code == mpiabi.Success {
		return nil
	}
	return &TransportError{Op: op, Code: code}
}

// strictInitError wraps the cause of a failed strict Init, and matches ErrStrictInit.
type strictInitError struct {
	cause error
}

func (e *strictInitError) Error() string {
	return ErrStrictInit.Error() + ": " + e.cause.Error()
}

func (e *strictInitError) Unwrap() error { return e.cause }

func (e *strictInitError) Is(target error) bool { return target == ErrStrictInit }
