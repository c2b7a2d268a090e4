// Copyright 2020 The kfutex Authors.
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

package futex

import (
	"time"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
)

// Blocker is the scheduler interface used to suspend a waiting task.
type Blocker interface {
	// BlockWithDeadline blocks until C is readable, the task is
	// interrupted, or (if haveDeadline is true) the monotonic clock reaches
	// deadline. It returns nil if C was readable, ETIMEDOUT if the deadline
	// expired and EINTR if the task was interrupted.
	BlockWithDeadline(C <-chan struct{}, deadline ktime.Time, haveDeadline bool) error

	// SignalPending returns true if the task has a signal pending.
	SignalPending() bool
}

// spuriousLog reports resumes that were neither a wake, a timeout nor a
// signal.
var spuriousLog = log.BasicRateLimitedLogger(time.Second)

// Wait blocks the task behind b on the word at addr until it is woken, the
// deadline passes or a signal arrives. The wait is only entered if the word
// contains val; otherwise EAGAIN is returned immediately.
//
// deadline is an absolute time on ktime.MonotonicClock and is ignored unless
// haveDeadline is true. w must not be queued.
//
// Wait returns nil if the task was woken (or requeued and then woken), and
// ETIMEDOUT or EINTR if it gave up while still queued. A wake racing with a
// timeout or signal takes precedence. A waiter removed by ClearWaiters
// returns EINTR once the blocker resumes.
func (m *Manager) Wait(t Target, b Blocker, w *Waiter, addr hostarch.Addr, private bool, val uint32, deadline ktime.Time, haveDeadline bool, bitmask uint32) error {
	for {
		if err := m.WaitPrepare(w, t, addr, private, val, bitmask); err != nil {
			return err
		}

		err := b.BlockWithDeadline(w.C, deadline, haveDeadline)

		if !m.WaitComplete(w) {
			if err == nil || w.woken() {
				// Dequeued by a waker. Any timeout or interrupt
				// lost the race.
				return nil
			}
			// Dequeued by ClearWaiters; the task is exiting.
			return linuxerr.EINTR
		}
		if linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
			return linuxerr.ETIMEDOUT
		}
		if b.SignalPending() {
			return linuxerr.EINTR
		}
		spuriousLog.Debugf("futex: spurious resume of task %d on %v (err=%v), retrying", w.tid, addr, err)
	}
}
