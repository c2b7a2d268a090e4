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
	"fmt"
	"sync/atomic"

	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel/futex"
	"kfutex.dev/kfutex/pkg/sentry/mm"
	"kfutex.dev/kfutex/pkg/sync"
)

// Task represents a thread of execution in the untrusted app. It
// includes registers and any thread-specific state that you would
// normally expect.
//
// Unlike in Linux, a task is driven by whichever goroutine calls into it;
// the methods that block (BlockWithDeadline and the futex waits) must only
// be called by that goroutine. Interrupt, SendSignal and Exit may be called
// from anywhere.
type Task struct {
	// k is the Kernel that t belongs to. k is immutable.
	k *Kernel

	// tg is the thread group that t belongs to. tg is immutable.
	tg *ThreadGroup

	// tid is t's thread ID. tid is immutable.
	tid ThreadID

	// logPrefix is a string containing the task's thread ID. logPrefix is
	// immutable.
	logPrefix string

	// interruptChan is notified whenever the task goroutine is interrupted
	// (usually by a pending signal). interruptChan is effectively a condition
	// variable that can be used in select statements.
	interruptChan chan struct{}

	// pendingSignals is the set of signals sent to the task and not yet
	// dequeued.
	pendingSignals atomic.Uint64

	// futexWaiter is used for futex(FUTEX_WAIT) syscalls. futexWaiter is
	// exclusive to the task goroutine.
	futexWaiter *futex.Waiter

	// yieldCount is the number of times the task has yielded.
	yieldCount atomic.Uint64

	// mu protects the following fields.
	mu sync.Mutex

	// robustList is a pointer to the head of the tasks's robust futex
	// list.
	robustList RobustList

	// exited is true once Exit has run.
	exited bool
}

func newTask(k *Kernel, tg *ThreadGroup, tid ThreadID) *Task {
	return &Task{
		k:             k,
		tg:            tg,
		tid:           tid,
		logPrefix:     fmt.Sprintf("[% 4d:% 4d] ", tg.pidOr(tid), tid),
		interruptChan: make(chan struct{}, 1),
		futexWaiter:   futex.NewWaiter(int32(tid)),
	}
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadGroup returns the thread group containing t.
func (t *Task) ThreadGroup() *ThreadGroup {
	return t.tg
}

// ThreadID returns t's thread ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// MemoryManager returns t's MemoryManager.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.tg.mm
}

// FutexWaiter returns the Task's futex.Waiter.
func (t *Task) FutexWaiter() *futex.Waiter {
	return t.futexWaiter
}

// YieldCount returns the number of times t has yielded.
func (t *Task) YieldCount() uint64 {
	return t.yieldCount.Load()
}

// Exited returns true if t has exited.
func (t *Task) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

// Debugf creates a debug log that includes the task ID.
func (t *Task) Debugf(fmt string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.DebugfAtDepth(1, t.logPrefix+fmt, v...)
	}
}

// Infof logs an formatted info message by calling log.Infof.
func (t *Task) Infof(fmt string, v ...any) {
	if log.IsLogging(log.Info) {
		log.InfofAtDepth(1, t.logPrefix+fmt, v...)
	}
}

// Warningf logs a warning string by calling log.Warningf.
func (t *Task) Warningf(fmt string, v ...any) {
	if log.IsLogging(log.Warning) {
		log.WarningfAtDepth(1, t.logPrefix+fmt, v...)
	}
}

// pidOr returns tg's PID, or tid if tg has no leader yet.
//
// Preconditions: tg.mu must be locked.
func (tg *ThreadGroup) pidOr(tid ThreadID) ThreadID {
	if tg.leader == nil {
		return tid
	}
	return tg.pid
}
