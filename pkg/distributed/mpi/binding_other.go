// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || linux || freebsd)

package mpi

import (
	"runtime"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/pkg/errors"
)

var errLibraryNotFound = errors.Wrapf(ErrUnavailable, "dynamic loading of Open MPI not supported on %s", runtime.GOOS)

func libraryNames() []string { return nil }

func bind([]string) (*mpiabi.Table, string, error) {
	return nil, "", errLibraryNotFound
}
