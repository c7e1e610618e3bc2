// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mpi_check verifies the collectives of the MPI backend on a real job, and benchmarks AllSum.
//
// Run it with Open MPI's launcher, e.g.:
//
//	mpirun -np 4 mpi_check -bench_size=1000000 -bench_iters=100
//
// Every rank runs the checks, rank 0 prints the report. The exit code is non-zero if any check failed
// on any rank.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/collectives/pkg/distributed/mpi"
)

var (
	flagStrict = flag.Bool("strict", true, "Fail if no distributed backend is available. "+
		"If false, the checks run on a local group of size 1.")
	flagChecks     = flag.Bool("checks", true, "Run the correctness checks.")
	flagBenchSize  = flag.Int("bench_size", 0, "Number of elements of the AllSum benchmark. If 0 the benchmark is skipped.")
	flagBenchIters = flag.Int("bench_iters", 20, "Number of iterations of the AllSum benchmark.")
	flagBenchDType = flag.String("bench_dtype", "Float32", "DType of the AllSum benchmark, e.g. Float32 or BFloat16.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	group, err := distributed.Init(*flagStrict)
	if err != nil {
		klog.Errorf("Failed to initialize the distributed backend: %+v", err)
		os.Exit(1)
	}
	stream := streams.New("mpi_check")
	isLeader := group.Rank() == 0
	output := termenv.NewOutput(os.Stdout)
	if !isLeader {
		output = termenv.NewOutput(os.Stdout, termenv.WithProfile(termenv.Ascii))
	}

	allPassed := true
	if *flagChecks {
		results := runChecks(group, stream)
		passed := must.M1(agreeAll(group, stream, results))
		if isLeader {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Checks (%d ranks)", group.Size())))
			fmt.Println(checksTable(results, passed))
		}
		for _, ok := range passed {
			allPassed = allPassed && ok
		}
	}

	if *flagBenchSize > 0 {
		dtype, err := dtypes.FromName(*flagBenchDType)
		if err != nil {
			klog.Errorf("Invalid -bench_dtype: %v", err)
			os.Exit(1)
		}
		result, err := benchmarkAllSum(group, stream, dtype, *flagBenchSize, *flagBenchIters,
			isLeader && output.Profile != termenv.Ascii)
		if err != nil {
			klog.Errorf("Benchmark failed: %+v", err)
			allPassed = false
		} else if isLeader {
			fmt.Println(titleStyle.Render("AllSum benchmark"))
			fmt.Println(benchmarkTable(result))
		}
	}

	if err := stream.Close(); err != nil {
		klog.Errorf("Stream failed: %+v", err)
		allPassed = false
	}
	if err := group.Close(); err != nil {
		klog.Errorf("Failed to close the global group: %+v", err)
		allPassed = false
	}
	if !allPassed {
		os.Exit(1)
	}
}
