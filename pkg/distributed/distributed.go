// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the communication Group used to exchange buffers among the processes
// of a distributed job, and selects among the registered communication backends.
//
// Backends register themselves during package initialization, so to use one, import it anonymously:
//
//	import _ "github.com/gomlx/collectives/pkg/distributed/mpi"
//
// A "local" backend, with a single process group, is always registered and is used as a fallback.
package distributed

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group is a set of processes ("ranks") that take part together in collective operations.
//
// Collective operations (AllSum, AllMax, AllMin, AllGather) must be called by every rank of the group,
// in the same order, with buffers of matching dtype and size: mismatches are not checked and lead to
// undefined behavior of the underlying runtime.
//
// Operations are dispatched to the given stream (streams.Default() if nil) and return immediately:
// errors from the transport are reported by the output buffer's Wait and by the stream's Synchronize.
// Errors about the arguments (e.g. an unsupported dtype) are returned synchronously.
//
// A Group is not safe for concurrent use: issuing collectives on the same group from different
// goroutines (or streams) requires external ordering.
type Group interface {
	// Rank of the current process in the group, in [0, Size()).
	Rank() int

	// Size is the number of processes in the group.
	Size() int

	// Split the group in sub-groups, one per distinct color. Ranks in a sub-group are ordered by key,
	// and then by their rank in this group. A negative key means "use my rank".
	Split(color, key int) (Group, error)

	// AllSum reduces in across all ranks with a sum, and writes the result to out on every rank.
	// in and out can be the same buffer.
	AllSum(in, out *buffers.Buffer, stream *streams.Stream) error

	// AllMax is like AllSum, but with the element-wise maximum.
	AllMax(in, out *buffers.Buffer, stream *streams.Stream) error

	// AllMin is like AllSum, but with the element-wise minimum.
	AllMin(in, out *buffers.Buffer, stream *streams.Stream) error

	// AllGather concatenates in from every rank, in rank order, into out, which must hold
	// Size() * in.Size() elements.
	AllGather(in, out *buffers.Buffer, stream *streams.Stream) error

	// Send the contents of in to rank dst.
	Send(in *buffers.Buffer, dst int, stream *streams.Stream) error

	// Recv into out a message sent by rank src.
	Recv(out *buffers.Buffer, src int, stream *streams.Stream) error

	// Close releases the group. Closing the global group shuts down the backend.
	Close() error
}

// Backend is a communication runtime that can create the global group.
type Backend interface {
	// Name of the backend, as used in GOMLX_DISTRIBUTED.
	Name() string

	// IsAvailable reports whether the backend can be used in this process.
	IsAvailable() bool

	// Init returns the global group of the job.
	//
	// If the backend can't be initialized and strict is false, it returns (nil, nil).
	Init(strict bool) (Group, error)
}

// LocalBackendName is the name of the backend with a single process.
const LocalBackendName = "local"

var (
	registryMu         sync.Mutex
	registeredBackends = make(map[string]Backend)
	registrationOrder  []string
)

// Register a backend under its name. A backend registered twice replaces the previous one.
//
// To be safe, call Register during initialization of a package.
func Register(backend Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name := backend.Name()
	if name == "" || strings.Contains(name, ":") {
		exceptions.Panicf("invalid distributed backend name %q", name)
	}
	if _, found := registeredBackends[name]; !found {
		registrationOrder = append(registrationOrder, name)
	}
	registeredBackends[name] = backend
}

// Backends returns the names of the registered backends, in registration order.
func Backends() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return slices.Clone(registrationOrder)
}

// GOMLX_DISTRIBUTED is the environment variable with the name of the distributed backend to use.
// It takes precedence over DefaultConfig.
//
// If empty, the first available registered backend is used, falling back to "local".
const GOMLX_DISTRIBUTED = "GOMLX_DISTRIBUTED"

// DefaultConfig is the name of the backend to use if GOMLX_DISTRIBUTED is not set.
var DefaultConfig string

// config returns the configured backend name, if any.
func config() string {
	if name, found := os.LookupEnv(GOMLX_DISTRIBUTED); found {
		return strings.TrimSpace(name)
	}
	return DefaultConfig
}

// selectBackends returns the candidate backends, in order of preference.
func selectBackends() ([]Backend, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name := config(); name != "" {
		backend, found := registeredBackends[name]
		if !found {
			return nil, errors.Errorf("distributed backend %q (from %s or DefaultConfig) not registered, registered backends: %q",
				name, GOMLX_DISTRIBUTED, registrationOrder)
		}
		return []Backend{backend}, nil
	}
	var candidates []Backend
	for _, name := range registrationOrder {
		if name != LocalBackendName {
			candidates = append(candidates, registeredBackends[name])
		}
	}
	return candidates, nil
}

// IsAvailable reports whether a backend other than "local" can be used.
func IsAvailable() bool {
	candidates, err := selectBackends()
	if err != nil {
		return false
	}
	for _, backend := range candidates {
		if backend.Name() != LocalBackendName && backend.IsAvailable() {
			return true
		}
	}
	return false
}

var (
	globalMu    sync.Mutex
	globalGroup Group
)

// Init returns the global group, initializing the selected backend on the first call.
//
// If no backend can be initialized, it returns the group of a single process ("local") if strict is
// false, or an error otherwise.
// Once a group is created it is cached and returned by further calls, until it is closed.
func Init(strict bool) (Group, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalGroup != nil {
		return globalGroup, nil
	}
	candidates, err := selectBackends()
	if err != nil {
		if strict {
			return nil, err
		}
		klog.Warningf("distributed: %v, falling back to a local group", err)
	}
	for _, backend := range candidates {
		if backend.Name() != LocalBackendName && !backend.IsAvailable() {
			klog.V(1).Infof("distributed: backend %q not available", backend.Name())
			continue
		}
		group, err := backend.Init(strict)
		if err != nil {
			return nil, errors.WithMessagef(err, "distributed backend %q", backend.Name())
		}
		if group != nil {
			klog.V(1).Infof("distributed: using backend %q, rank %d of %d", backend.Name(), group.Rank(), group.Size())
			globalGroup = &closeTracker{Group: group}
			return globalGroup, nil
		}
	}
	if strict {
		return nil, errors.Errorf("distributed: no backend available (registered: %q)", Backends())
	}
	globalGroup = &closeTracker{Group: NewLocalGroup()}
	return globalGroup, nil
}

// closeTracker forgets the cached global group when it is closed.
type closeTracker struct {
	Group
}

// Close implements Group.
func (c *closeTracker) Close() error {
	globalMu.Lock()
	if globalGroup == Group(c) {
		globalGroup = nil
	}
	globalMu.Unlock()
	return c.Group.Close()
}

func init() {
	Register(localBackend{})
}
