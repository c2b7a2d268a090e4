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
	"math"
	"sync/atomic"
	"time"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
)

// Mutex states.
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// Stats counts the futex traffic of a workload.
type Stats struct {
	// Waits is the number of futex waits issued.
	Waits atomic.Uint64

	// Wakes is the number of futex wakes issued.
	Wakes atomic.Uint64

	// Woken is the number of waiters the wakes reported woken.
	Woken atomic.Uint64

	// Timeouts is the number of waits that timed out.
	Timeouts atomic.Uint64
}

// Mutex is a futex-based lock stored in a word of simulated user memory.
// The word is 0 when unlocked, 1 when locked and 2 when locked with possible
// waiters; only the last state requires a wake on unlock.
type Mutex struct {
	// Addr is the address of the lock word.
	Addr hostarch.Addr

	// Timeout bounds each wait. Lock keeps retrying after a timeout.
	Timeout time.Duration

	// Stats, if not nil, accumulates futex traffic.
	Stats *Stats
}

func (m *Mutex) wait(th *Thread, val uint32) error {
	if m.Stats != nil {
		m.Stats.Waits.Add(1)
	}
	err := th.FutexWait(m.Addr, val, m.Timeout)
	switch err {
	case nil, linuxerr.EAGAIN:
		return nil
	case linuxerr.ETIMEDOUT:
		if m.Stats != nil {
			m.Stats.Timeouts.Add(1)
		}
		return nil
	default:
		return err
	}
}

// Lock acquires m on behalf of th.
func (m *Mutex) Lock(th *Thread) error {
	mm := th.MemoryManager()
	c, err := mm.CompareAndSwapUint32(m.Addr, unlocked, locked)
	if err != nil || c == unlocked {
		return err
	}
	if c != contended {
		if c, err = mm.SwapUint32(m.Addr, contended); err != nil {
			return err
		}
	}
	for c != unlocked {
		if err := m.wait(th, contended); err != nil {
			return err
		}
		if c, err = mm.SwapUint32(m.Addr, contended); err != nil {
			return err
		}
	}
	return nil
}

// LockContended acquires m on behalf of th, leaving it marked contended. It
// is used by threads that may have been requeued onto m: the waiters queued
// alongside them depend on the next Unlock issuing a wake.
func (m *Mutex) LockContended(th *Thread) error {
	mm := th.MemoryManager()
	for {
		c, err := mm.SwapUint32(m.Addr, contended)
		if err != nil || c == unlocked {
			return err
		}
		if err := m.wait(th, contended); err != nil {
			return err
		}
	}
}

// MarkContended records that tasks may be queued on m, so that the next
// Unlock wakes one. The caller must hold m.
func (m *Mutex) MarkContended(th *Thread) error {
	_, err := th.MemoryManager().SwapUint32(m.Addr, contended)
	return err
}

// Unlock releases m on behalf of th, waking one waiter if any may exist.
func (m *Mutex) Unlock(th *Thread) error {
	mm := th.MemoryManager()
	v, err := mm.AddUint32(m.Addr, math.MaxUint32)
	if err != nil || v == unlocked {
		return err
	}
	if err := mm.StoreUint32(m.Addr, unlocked); err != nil {
		return err
	}
	n, err := th.FutexWake(m.Addr, 1)
	if m.Stats != nil {
		m.Stats.Wakes.Add(1)
		m.Stats.Woken.Add(uint64(n))
	}
	return err
}
