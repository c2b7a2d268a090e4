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

package workload

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

// StressOpts configures Stress.
type StressOpts struct {
	// Processes is the number of processes, each with its own mutex.
	Processes int

	// Threads is the number of threads contending in each process.
	Threads int

	// Iterations is the number of critical sections each thread runs.
	Iterations int

	// WaitTimeout bounds each futex wait. Zero waits forever.
	WaitTimeout time.Duration
}

// StressResult summarizes a Stress run.
type StressResult struct {
	// Acquisitions is the number of critical sections completed.
	Acquisitions uint64

	// Waits, Wakes, Woken and Timeouts are totals of Stats.
	Waits    uint64
	Wakes    uint64
	Woken    uint64
	Timeouts uint64

	// ResidentPages is the number of pages the processes faulted in.
	ResidentPages int

	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// Stress runs opts.Threads threads in each of opts.Processes processes. Every
// thread repeatedly takes its process's Mutex and increments a counter
// non-atomically. The run fails if any counter misses an increment.
func Stress(ctx context.Context, k *kernel.Kernel, opts StressOpts) (*StressResult, error) {
	var procs []*Process
	defer func() {
		for _, p := range procs {
			p.Exit()
		}
	}()
	for i := 0; i < opts.Processes; i++ {
		p, err := NewProcess(k, opts.Threads)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}

	var stats Stats
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		defer p.interruptOnDone(ctx)()
		mu := &Mutex{Addr: p.Word(0), Timeout: opts.WaitTimeout, Stats: &stats}
		counter := p.Word(1)
		for _, th := range p.Threads {
			th := th
			g.Go(func() error {
				for j := 0; j < opts.Iterations; j++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := mu.Lock(th); err != nil {
						return fmt.Errorf("task %v: lock: %w", th.ThreadID(), err)
					}
					v, err := p.Load(counter)
					if err != nil {
						return err
					}
					th.Yield()
					if err := p.Store(counter, v+1); err != nil {
						return err
					}
					if err := mu.Unlock(th); err != nil {
						return fmt.Errorf("task %v: unlock: %w", th.ThreadID(), err)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &StressResult{
		Waits:    stats.Waits.Load(),
		Wakes:    stats.Wakes.Load(),
		Woken:    stats.Woken.Load(),
		Timeouts: stats.Timeouts.Load(),
		Elapsed:  time.Since(start),
	}
	want := uint32(opts.Threads * opts.Iterations)
	for _, p := range procs {
		got, err := p.Load(p.Word(1))
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("process %v: counter is %d, want %d", p.ID(), got, want)
		}
		res.Acquisitions += uint64(got)
		res.ResidentPages += p.ResidentPages()
	}
	log.Infof("Stress: %d acquisitions in %v, %d waits, %d wakes", res.Acquisitions, res.Elapsed, res.Waits, res.Wakes)
	return res, nil
}
