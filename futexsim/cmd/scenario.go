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
	"os"

	"github.com/google/subcommands"
	"kfutex.dev/kfutex/futexsim/cmd/util"
	"kfutex.dev/kfutex/futexsim/config"
	"kfutex.dev/kfutex/futexsim/scenario"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run scripted futex scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario <file>... - runs each YAML scenario file and reports which waiters
every operation woke. Fails if any expectation in a file does not hold.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
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
	failed := 0
	for _, path := range f.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			return util.Errorf("%v", err)
		}
		rep, err := scenario.Run(ctx, k, sc)
		if err != nil {
			return util.Errorf("running %s: %v", path, err)
		}
		rep.Write(os.Stdout)
		if !rep.OK() {
			failed++
		}
	}

	if err := writeMetrics(conf); err != nil {
		return util.Errorf("%v", err)
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenarios failed", failed, f.NArg())
	}
	return subcommands.ExitSuccess
}
