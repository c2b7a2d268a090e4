// Copyright 2021 The kfutex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"kfutex.dev/kfutex/futexsim/cmd/util"
	"kfutex.dev/kfutex/futexsim/config"
	"kfutex.dev/kfutex/futexsim/workload"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct{}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "contend futex-based mutexes from many threads"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress - runs --threads threads in each of --processes processes. Every thread
takes its process's mutex --iterations times.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stress) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := newKernel(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer k.Shutdown()

	ctx, cancel := withSignals(ctx)
	defer cancel()
	res, err := workload.Stress(ctx, k, workload.StressOpts{
		Processes:   conf.Processes,
		Threads:     conf.Threads,
		Iterations:  conf.Iterations,
		WaitTimeout: conf.WaitTimeout,
	})
	if err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	util.Infof("%d acquisitions in %v: %d waits, %d wakes, %d woken, %d timeouts, %d resident pages",
		res.Acquisitions, res.Elapsed, res.Waits, res.Wakes, res.Woken, res.Timeouts, res.ResidentPages)

	if err := writeMetrics(conf); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
