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

// Package cmd holds implementations of the futexsim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"kfutex.dev/kfutex/futexsim/config"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/metric"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

// newKernel starts the simulated kernel a command runs against.
func newKernel(conf *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.New(conf.KernelConfig())
	if err != nil {
		return nil, fmt.Errorf("starting kernel: %w", err)
	}
	return k, nil
}

// withSignals returns a context that is canceled when futexsim receives
// SIGINT or SIGTERM.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
}

// writeMetrics writes every metric to conf.MetricsFile, if set. Runs that
// share a metrics file take turns through a lock file next to it.
func writeMetrics(conf *config.Config) error {
	if conf.MetricsFile == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if conf.MetricsFile != "-" {
		lock := flock.NewFlock(conf.MetricsFile + ".lock")
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("locking metrics file: %w", err)
		}
		defer lock.Unlock()

		f, err := os.Create(conf.MetricsFile)
		if err != nil {
			return fmt.Errorf("creating metrics file: %w", err)
		}
		defer f.Close()
		w = f
	}
	n, err := metric.WriteText(w)
	if err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	log.Debugf("Wrote %d bytes of metrics to %q", n, conf.MetricsFile)
	return nil
}
