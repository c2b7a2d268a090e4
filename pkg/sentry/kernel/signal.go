// Copyright 2018 The kfutex Authors.
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

package kernel

import (
	"math/bits"
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
)

// SendSignal marks sig pending for t and interrupts t if it is blocked.
func (t *Task) SendSignal(sig int) error {
	if sig <= 0 || sig > linux.SignalMaximum {
		return linuxerr.EINVAL
	}
	for bit := uint64(linux.SignalSetOf(sig)); ; {
		old := t.pendingSignals.Load()
		if t.pendingSignals.CompareAndSwap(old, old|bit) {
			break
		}
	}
	t.Debugf("Signal %d queued", sig)
	t.interruptSelf()
	return nil
}

// SignalPending returns true if t has any signal pending.
func (t *Task) SignalPending() bool {
	return t.pendingSignals.Load() != 0
}

// PendingSignals returns the set of signals pending for t.
func (t *Task) PendingSignals() linux.SignalSet {
	return linux.SignalSet(t.pendingSignals.Load())
}

// UnblockableSignals contains the set of signals which cannot be waited for
// or blocked.
var UnblockableSignals = linux.SignalSetOf(linux.SIGKILL) | linux.SignalSetOf(linux.SIGSTOP)

// DequeueSignal removes and returns the lowest-numbered pending signal in
// mask, or 0 if none is pending.
func (t *Task) DequeueSignal(mask linux.SignalSet) int {
	for {
		old := t.pendingSignals.Load()
		sigs := old & uint64(mask)
		if sigs == 0 {
			return 0
		}
		sig := bits.TrailingZeros64(sigs) + 1
		rem := old &^ uint64(linux.SignalSetOf(sig))
		if !t.pendingSignals.CompareAndSwap(old, rem) {
			continue
		}
		if rem == 0 {
			// Nothing left to deliver; drop a stale interrupt.
			select {
			case <-t.interruptChan:
			default:
			}
		}
		return sig
	}
}

// Sigtimedwait waits up to timeout for a signal in mask to become pending,
// dequeues it and returns its number. It returns EAGAIN if timeout expires
// first, and EINTR if a signal outside mask arrives or t exits.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) Sigtimedwait(mask linux.SignalSet, timeout time.Duration) (int, error) {
	mask &^= UnblockableSignals
	deadline := ktime.MonotonicClock.Now().Add(timeout)
	for {
		if sig := t.DequeueSignal(mask); sig != 0 {
			return sig, nil
		}
		if linux.SignalSet(t.pendingSignals.Load())&^mask != 0 || t.Exited() {
			return 0, linuxerr.EINTR
		}
		remaining := deadline.Sub(ktime.MonotonicClock.Now())
		if remaining <= 0 {
			return 0, linuxerr.EAGAIN
		}
		var err error
		if timeout == ktime.MaxDuration {
			err = t.Block(nil)
		} else {
			err = t.BlockWithTimeout(nil, remaining)
		}
		if linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
			// A signal may have raced with the timer.
			if sig := t.DequeueSignal(mask); sig != 0 {
				return sig, nil
			}
			return 0, linuxerr.EAGAIN
		}
	}
}
