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
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

// CondvarOpts configures Condvar.
type CondvarOpts struct {
	// Waiters is the number of threads waiting on the condition.
	Waiters int

	// Rounds is the number of broadcasts.
	Rounds int
}

// CondvarResult summarizes a Condvar run.
type CondvarResult struct {
	// Broadcasts is the number of FUTEX_CMP_REQUEUE calls issued.
	Broadcasts uint64

	// Retries is the number of broadcasts that found the sequence word
	// changed and had to be reissued.
	Retries uint64

	// Woken is the number of waiters woken directly by broadcasts. The rest
	// were requeued onto the mutex and woken by unlocks.
	Woken uint64

	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// Condvar runs a condition variable broadcast built on FUTEX_CMP_REQUEUE. One
// thread publishes rounds 1..opts.Rounds; each waiter sleeps until it sees
// every round. A broadcast wakes one waiter and moves the rest onto the mutex
// so that they are released one at a time instead of stampeding it.
func Condvar(ctx context.Context, k *kernel.Kernel, opts CondvarOpts) (*CondvarResult, error) {
	if opts.Waiters < 1 {
		return nil, fmt.Errorf("condvar needs at least one waiter, got %d", opts.Waiters)
	}
	p, err := NewProcess(k, opts.Waiters+1)
	if err != nil {
		return nil, err
	}
	defer p.Exit()

	var (
		mu    = &Mutex{Addr: p.Word(0)}
		seq   = p.Word(1)
		round = p.Word(2)
		res   CondvarResult
	)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	defer p.interruptOnDone(ctx)()
	for _, th := range p.Threads[1:] {
		th := th
		g.Go(func() error {
			for r := uint32(1); r <= uint32(opts.Rounds); r++ {
				if err := mu.Lock(th); err != nil {
					return err
				}
				for {
					cur, err := p.Load(round)
					if err != nil {
						return err
					}
					if cur >= r {
						break
					}
					s, err := p.Load(seq)
					if err != nil {
						return err
					}
					if err := mu.Unlock(th); err != nil {
						return err
					}
					if err := th.FutexWait(seq, s, 0); err != nil && err != linuxerr.EAGAIN {
						return fmt.Errorf("task %v: wait: %w", th.ThreadID(), err)
					}
					if err := mu.LockContended(th); err != nil {
						return err
					}
				}
				if err := mu.Unlock(th); err != nil {
					return err
				}
			}
			return nil
		})
	}

	broadcaster := p.Threads[0]
	g.Go(func() error {
		for r := uint32(1); r <= uint32(opts.Rounds); r++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := mu.Lock(broadcaster); err != nil {
				return err
			}
			if err := p.Store(round, r); err != nil {
				return err
			}
			s, err := broadcaster.MemoryManager().AddUint32(seq, 1)
			if err != nil {
				return err
			}
			// Requeued waiters sleep on the mutex word; make sure the
			// unlock below wakes one of them.
			if err := mu.MarkContended(broadcaster); err != nil {
				return err
			}
			for {
				res.Broadcasts++
				n, err := broadcaster.FutexCmpRequeue(seq, mu.Addr, s, 1, math.MaxInt32)
				if err == linuxerr.EAGAIN {
					res.Retries++
					if s, err = p.Load(seq); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return fmt.Errorf("broadcast %d: %w", r, err)
				}
				res.Woken += uint64(n)
				break
			}
			if err := mu.Unlock(broadcaster); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	log.Infof("Condvar: %d rounds for %d waiters in %v, %d woken by broadcast", opts.Rounds, opts.Waiters, res.Elapsed, res.Woken)
	return &res, nil
}
