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
	"time"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
	"kfutex.dev/kfutex/pkg/sync"
)

// BlockWithDeadline blocks t until C is readable, t is interrupted, or (if
// haveDeadline is true) ktime.MonotonicClock reaches deadline.
//
// Returns nil if C was readable, ETIMEDOUT if the deadline expired, and EINTR
// if t was interrupted.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) BlockWithDeadline(C <-chan struct{}, deadline ktime.Time, haveDeadline bool) error {
	if !haveDeadline {
		return t.block(C, nil)
	}
	timeout := deadline.Sub(ktime.MonotonicClock.Now())
	if timeout <= 0 {
		// Don't bother with a timer, but a pending event still wins.
		select {
		case <-C:
			return nil
		default:
			return linuxerr.ETIMEDOUT
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return t.block(C, timer.C)
}

// BlockWithTimeout blocks t until C is readable, t is interrupted, or
// timeout elapses.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) BlockWithTimeout(C <-chan struct{}, timeout time.Duration) error {
	return t.BlockWithDeadline(C, ktime.MonotonicClock.Now().Add(timeout), true)
}

// Block blocks t until C is readable or t is interrupted.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) Block(C <-chan struct{}) error {
	return t.block(C, nil)
}

// block blocks a task on one of many events.
// N.B. defer is too expensive to be used here.
func (t *Task) block(C <-chan struct{}, timerChan <-chan time.Time) error {
	select {
	case <-C:
		return nil

	case <-t.interruptChan:
		// Re-arm if there is still something to be delivered.
		if t.SignalPending() {
			t.interruptSelf()
		}
		return linuxerr.EINTR

	case <-timerChan:
		return linuxerr.ETIMEDOUT
	}
}

// Interrupt wakes t if it is blocked, without delivering a signal. The
// blocked call returns EINTR; callers that find no signal pending treat it as
// a spurious wakeup.
func (t *Task) Interrupt() {
	t.interruptSelf()
}

// interruptSelf is like Interrupt, but can only be called by the task
// goroutine.
func (t *Task) interruptSelf() {
	select {
	case t.interruptChan <- struct{}{}:
	default:
	}
}

// Yield yields the processor for the calling task.
func (t *Task) Yield() {
	t.yieldCount.Add(1)
	sync.Goyield()
}
