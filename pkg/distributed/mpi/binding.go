// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpi implements a distributed.Group backed by Open MPI.
//
// The Open MPI shared library is loaded at runtime (it is never linked at build time), so programs
// using this package run fine on machines without MPI: IsAvailable reports false and
// distributed.Init falls back to other backends.
//
// Jobs are started with Open MPI's launcher, e.g.:
//
//	mpirun -np 4 ./my_program
//
// On top of the datatypes and reductions native to MPI, the backend registers a datatype for
// Float16 and BFloat16 (2 opaque bytes), sum/max/min reductions for them, and max/min for Complex64,
// ordering complex numbers lexicographically by (real, imag).
//
// Importing the package registers the "mpi" backend in package distributed.
package mpi

import (
	"strings"
	"sync"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the name under which the backend is registered in package distributed.
const BackendName = "mpi"

// openMPIMarker is expected in the library version string of Open MPI.
const openMPIMarker = "Open MPI"

// library is a bound Open MPI runtime: every required function and object is resolved.
type library struct {
	path    string
	version string
	table   *mpiabi.Table
	pool    *workerspool.Pool

	mu          sync.Mutex
	initialized bool
	finalized   bool
	registered  bool
	world       *Group

	// inFlight tracks the operations dispatched on every group of the library.
	inFlight inFlight

	// datatypes and operators are only written by registerLocked, before the first Group is created.
	datatypes map[dtypes.DType]mpiabi.Datatype
	operators map[opKey]mpiabi.Op

	// uncommitted holds datatypes created but whose commit failed, to be committed on retry.
	uncommitted map[dtypes.DType]mpiabi.Datatype
}

// newLibrary validates a function table and returns the corresponding library.
func newLibrary(table *mpiabi.Table, path string) (*library, error) {
	if missing := table.Missing(); len(missing) > 0 {
		return nil, errors.Wrapf(ErrUnavailable, "library %q is missing %q", path, missing)
	}
	version, err := verifyFlavor(table, path)
	if err != nil {
		return nil, err
	}
	return &library{
		path:      path,
		version:   version,
		table:     table,
		pool:      workerspool.New(),
		datatypes: nativeDatatypes(table),
		operators: make(map[opKey]mpiabi.Op),

		uncommitted: make(map[dtypes.DType]mpiabi.Datatype),
	}, nil
}

// verifyFlavor checks that the library reports being Open MPI, and returns its version string.
// Other implementations (MPICH, Intel MPI, ...) have a different ABI.
func verifyFlavor(table *mpiabi.Table, path string) (string, error) {
	version, code := table.VersionString()
	if err := check("MPI_Get_library_version", code); err != nil {
		return "", errors.Wrapf(ErrUnavailable, "library %q: %v", path, err)
	}
	if !strings.Contains(version, openMPIMarker) {
		return "", errors.Wrapf(ErrUnavailable, "MPI found in %q but it does not appear to be Open MPI: %q", path, version)
	}
	return version, nil
}

var (
	defaultOnce    sync.Once
	defaultLibrary *library
	defaultErr     error
)

// getDefault binds the Open MPI library of the system. It is only attempted once per process.
func getDefault() (*library, error) {
	defaultOnce.Do(func() {
		defaultLibrary, defaultErr = loadLibrary(libraryNames())
	})
	return defaultLibrary, defaultErr
}

// loadLibrary binds the first of the given library names found, and logs the outcome.
func loadLibrary(names []string) (*library, error) {
	table, path, err := bind(names)
	var lib *library
	if err == nil {
		lib, err = newLibrary(table, path)
	}
	if err != nil {
		if errors.Is(err, errLibraryNotFound) {
			klog.V(1).Infof("mpi: %v", err)
		} else {
			klog.Warningf("mpi: %v", err)
		}
		return nil, err
	}
	klog.V(1).Infof("mpi: loaded %q: %s", lib.path, lib.version)
	return lib, nil
}

// IsAvailable reports whether the Open MPI library was found and fully bound.
// It never panics: failures are logged once and reported as false.
func IsAvailable() bool {
	_, err := getDefault()
	return err == nil
}

// Init initializes MPI and returns the global group (MPI_COMM_WORLD).
//
// If MPI is not available or fails to initialize, it returns (nil, nil) if strict is false, or an
// error matching ErrStrictInit otherwise.
//
// Calling Init again returns the same global group, until it is closed. MPI can't be re-initialized
// after the global group is closed.
func Init(strict bool) (*Group, error) {
	lib, err := getDefault()
	if err != nil {
		return initFailed(strict, err)
	}
	return lib.init(strict)
}

func initFailed(strict bool, err error) (*Group, error) {
	if strict {
		return nil, &strictInitError{cause: err}
	}
	klog.V(1).Infof("mpi: not initialized: %v", err)
	return nil, nil
}

func (l *library) init(strict bool) (*Group, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.world != nil {
		return l.world, nil
	}
	if l.finalized {
		return initFailed(strict, errors.Wrap(ErrUnavailable, "MPI was finalized and can't be initialized again"))
	}
	if !l.initialized {
		if err := check("MPI_Init", l.table.Init(nil, nil)); err != nil {
			return initFailed(strict, err)
		}
		l.initialized = true
	}
	if err := l.registerLocked(); err != nil {
		return initFailed(strict, err)
	}
	l.world = newGroup(l, l.table.CommWorld, true)
	if klog.V(1).Enabled() {
		klog.Infof("mpi: initialized, rank %d of %d", l.world.Rank(), l.world.Size())
	}
	return l.world, nil
}

// finalize shuts down MPI. It is called when the global group is closed.
func (l *library) finalize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized || l.finalized {
		return nil
	}
	l.finalized = true
	l.world = nil
	if err := check("MPI_Finalize", l.table.Finalize()); err != nil {
		return err
	}
	klog.V(1).Infof("mpi: finalized")
	return nil
}

// backend registers this package in package distributed.
type backend struct{}

func (backend) Name() string { return BackendName }

func (backend) IsAvailable() bool { return IsAvailable() }

func (backend) Init(strict bool) (distributed.Group, error) {
	group, err := Init(strict)
	if group == nil || err != nil {
		return nil, err
	}
	return group, nil
}

func init() {
	distributed.Register(backend{})
}
