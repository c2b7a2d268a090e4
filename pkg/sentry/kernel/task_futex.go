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
	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sentry/kernel/futex"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
)

// RobustList is the location of a task's robust futex list head, as
// registered by set_robust_list(2). The list itself is never walked.
type RobustList struct {
	// Head is the user address of the struct robust_list_head.
	Head hostarch.Addr

	// Len is the size the caller claimed for the head.
	Len uint64
}

// Futex returns t's futex manager.
func (t *Task) Futex() *futex.Manager {
	return t.k.futexes
}

// FutexChecker returns a futex.Operator that interprets addresses in t's
// address space.
//
// Preconditions: All uses of the returned futex.Operator must be on the task
// goroutine.
func (t *Task) FutexChecker() futex.Operator {
	return futexChecker{t}
}

type futexChecker struct {
	t *Task
}

// PID implements futex.Target.PID.
func (f futexChecker) PID() int32 {
	return int32(f.t.tg.ID())
}

// EnsureResident implements futex.Target.EnsureResident.
func (f futexChecker) EnsureResident(addr hostarch.Addr) error {
	return f.t.MemoryManager().EnsureResident(addr)
}

// LoadUint32 implements futex.Target.LoadUint32.
func (f futexChecker) LoadUint32(addr hostarch.Addr) (uint32, error) {
	return f.t.MemoryManager().LoadUint32(addr)
}

func (f futexChecker) atomicOp(addr hostarch.Addr, op func(uint32) uint32) (uint32, error) {
	return f.t.MemoryManager().UpdateUint32(addr, op)
}

// Op implements futex.Operator.Op, interpreting opIn consistently with Linux.
func (f futexChecker) Op(addr hostarch.Addr, opIn uint32) (bool, error) {
	op := (opIn >> 28) & 0xf
	cmp := (opIn >> 24) & 0xf
	// Both arguments are sign-extended 12-bit fields.
	opArg := uint32(int32(opIn<<8) >> 20)
	cmpArg := int32(opIn<<20) >> 20

	if op&linux.FUTEX_OP_OPARG_SHIFT != 0 {
		opArg = 1 << (opArg & 31)
		op &^= linux.FUTEX_OP_OPARG_SHIFT // clear flag
	}

	var oldVal uint32
	var err error
	switch op {
	case linux.FUTEX_OP_SET:
		oldVal, err = f.t.MemoryManager().SwapUint32(addr, opArg)
	case linux.FUTEX_OP_ADD:
		oldVal, err = f.atomicOp(addr, func(a uint32) uint32 {
			return a + opArg
		})
	case linux.FUTEX_OP_OR:
		oldVal, err = f.atomicOp(addr, func(a uint32) uint32 {
			return a | opArg
		})
	case linux.FUTEX_OP_ANDN:
		oldVal, err = f.atomicOp(addr, func(a uint32) uint32 {
			return a &^ opArg
		})
	case linux.FUTEX_OP_XOR:
		oldVal, err = f.atomicOp(addr, func(a uint32) uint32 {
			return a ^ opArg
		})
	default:
		return false, linuxerr.ENOSYS
	}
	if err != nil {
		return false, err
	}

	old := int32(oldVal)
	switch cmp {
	case linux.FUTEX_OP_CMP_EQ:
		return old == cmpArg, nil
	case linux.FUTEX_OP_CMP_NE:
		return old != cmpArg, nil
	case linux.FUTEX_OP_CMP_LT:
		return old < cmpArg, nil
	case linux.FUTEX_OP_CMP_LE:
		return old <= cmpArg, nil
	case linux.FUTEX_OP_CMP_GT:
		return old > cmpArg, nil
	case linux.FUTEX_OP_CMP_GE:
		return old >= cmpArg, nil
	default:
		return false, linuxerr.ENOSYS
	}
}

// FutexWait blocks t until the futex word at addr is woken, the deadline on
// ktime.MonotonicClock passes, or a signal arrives. See futex.Manager.Wait.
//
// Preconditions: The caller must be running on the task goroutine.
func (t *Task) FutexWait(addr hostarch.Addr, private bool, val uint32, deadline ktime.Time, haveDeadline bool, bitmask uint32) error {
	if t.Exited() {
		return linuxerr.ESRCH
	}
	return t.k.futexes.Wait(t.FutexChecker(), futexBlocker{t}, t.futexWaiter, addr, private, val, deadline, haveDeadline, bitmask)
}

// futexBlocker is a futex.Blocker that treats an exited task as
// interrupted, so a wait that began as Exit ran gives up instead of retrying.
type futexBlocker struct {
	*Task
}

// SignalPending implements futex.Blocker.SignalPending.
func (b futexBlocker) SignalPending() bool {
	return b.Task.SignalPending() || b.Task.Exited()
}

// FutexWake wakes up to n waiters on addr and yields.
func (t *Task) FutexWake(addr hostarch.Addr, private bool, n int) (int, error) {
	return t.afterWake(t.k.futexes.Wake(t.FutexChecker(), addr, private, n))
}

// FutexWakeBitset wakes up to n waiters on addr whose bitmask intersects
// bitmask, and yields.
func (t *Task) FutexWakeBitset(addr hostarch.Addr, private bool, bitmask uint32, n int) (int, error) {
	return t.afterWake(t.k.futexes.WakeBitset(t.FutexChecker(), addr, private, bitmask, n))
}

// FutexRequeue wakes up to nwake waiters on addr, moves up to nreq of the
// rest to naddr, and yields.
func (t *Task) FutexRequeue(addr, naddr hostarch.Addr, private bool, nwake, nreq int) (int, error) {
	return t.afterWake(t.k.futexes.Requeue(t.FutexChecker(), addr, naddr, private, nwake, nreq))
}

// FutexCmpRequeue is FutexRequeue conditional on addr containing val.
func (t *Task) FutexCmpRequeue(addr, naddr hostarch.Addr, private bool, val uint32, nwake, nreq int) (int, error) {
	return t.afterWake(t.k.futexes.CmpRequeue(t.FutexChecker(), addr, naddr, private, val, nwake, nreq))
}

// FutexWakeOp applies op to addr2, wakes up to nwake1 waiters on addr1 and,
// if op's comparison holds, up to nwake2 waiters on addr2, then yields.
func (t *Task) FutexWakeOp(addr1, addr2 hostarch.Addr, private bool, nwake1, nwake2 int, op uint32) (int, error) {
	return t.afterWake(t.k.futexes.WakeOp(t.FutexChecker(), addr1, addr2, private, nwake1, nwake2, op))
}

// afterWake gives woken tasks a chance to run before the waker continues.
func (t *Task) afterWake(n int, err error) (int, error) {
	if err == nil {
		t.Yield()
	}
	return n, err
}

// SetRobustList sets the robust futex list for the task.
func (t *Task) SetRobustList(head hostarch.Addr, length uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.robustList = RobustList{Head: head, Len: length}
}

// GetRobustList returns the robust futex list for the task.
func (t *Task) GetRobustList() RobustList {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.robustList
}
