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

// Condvar implements subcommands.Command for the "condvar" command.
type Condvar struct {
	rounds int
}

// Name implements subcommands.Command.Name.
func (*Condvar) Name() string {
	return "condvar"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Condvar) Synopsis() string {
	return "broadcast a condition variable with FUTEX_CMP_REQUEUE"
}

// Usage implements subcommands.Command.Usage.
func (*Condvar) Usage() string {
	return `condvar [-rounds=N] - runs --threads waiters on a condition variable that is
broadcast N times.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Condvar) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.rounds, "rounds", 100, "number of broadcasts.")
}

// Execute implements subcommands.Command.Execute.
func (c *Condvar) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.rounds < 1 {
		return util.Errorf("-rounds must be at least 1, got %d", c.rounds)
	}
	conf := args[0].(*config.Config)

	k, err := newKernel(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer k.Shutdown()

	ctx, cancel := withSignals(ctx)
	defer cancel()
	res, err := workload.Condvar(ctx, k, workload.CondvarOpts{
		Waiters: conf.Threads,
		Rounds:  c.rounds,
	})
	if err != nil {
		return util.Errorf("condvar failed: %v", err)
	}
	util.Infof("%d broadcasts (%d retried) in %v: %d waiters woken directly",
		res.Broadcasts, res.Retries, res.Elapsed, res.Woken)

	if err := writeMetrics(conf); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
