// Copyright 2019 The kfutex Authors.
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

package linux

import (
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
)

// copyTimespecIn copies a struct timespec from user memory at addr.
func copyTimespecIn(t *kernel.Task, addr hostarch.Addr) (linux.Timespec, error) {
	var buf [linux.SizeOfTimespec]byte
	if _, err := t.MemoryManager().CopyIn(addr, buf[:]); err != nil {
		return linux.Timespec{}, err
	}
	return linux.Timespec{
		Sec:  int64(hostarch.ByteOrder.Uint64(buf[0:])),
		Nsec: int64(hostarch.ByteOrder.Uint64(buf[8:])),
	}, nil
}

// futexWaitAbsolute performs a FUTEX_WAIT_BITSET, blocking until the wait is
// complete.
//
// The wait blocks forever if forever is true, otherwise it blocks until ts.
//
// If blocking is interrupted, the syscall fails with EINTR.
func futexWaitAbsolute(t *kernel.Task, clockRealtime bool, ts linux.Timespec, forever bool, addr hostarch.Addr, private bool, val, mask uint32) (uintptr, error) {
	var (
		deadline     ktime.Time
		haveDeadline bool
	)
	if !forever {
		deadline = ktime.FromTimespec(ts)
		if clockRealtime {
			deadline = ktime.Rebase(deadline, ktime.ClockFromID(linux.CLOCK_REALTIME), ktime.MonotonicClock)
		}
		haveDeadline = true
	}
	done := futexWaitLatency.Start()
	err := t.FutexWait(addr, private, val, deadline, haveDeadline, mask)
	done.Finish(futexResult(err))
	return 0, err
}

// futexWaitDuration performs a FUTEX_WAIT, blocking until the wait is
// complete.
//
// The wait blocks forever if forever is true, otherwise it blocks for
// duration.
func futexWaitDuration(t *kernel.Task, duration time.Duration, forever bool, addr hostarch.Addr, private bool, val, mask uint32) (uintptr, error) {
	var (
		deadline     ktime.Time
		haveDeadline bool
	)
	if !forever {
		deadline = ktime.MonotonicClock.Now().Add(duration)
		haveDeadline = true
	}
	done := futexWaitLatency.Start()
	err := t.FutexWait(addr, private, val, deadline, haveDeadline, mask)
	done.Finish(futexResult(err))
	return 0, err
}

// wakeCount converts the count argument of the wake commands. Linux treats
// any value below one as one.
func wakeCount(val int) int {
	if val <= 0 {
		return 1
	}
	return val
}

// Futex implements Linux syscall futex(2).
// It provides a method for a program to wait for a value at a given address to
// change, and a method to wake up anyone waiting on a particular address.
func Futex(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	futexOp := args[1].Int()
	cmd := futexOp &^ (linux.FUTEX_PRIVATE_FLAG | linux.FUTEX_CLOCK_REALTIME)
	n, err := futex(t, args)
	futexCalls.Increment(futexOpName(cmd), futexResult(err))
	if err == nil && cmd != linux.FUTEX_WAIT && cmd != linux.FUTEX_WAIT_BITSET {
		futexWoken.IncrementBy(uint64(n))
	}
	return n, err
}

func futex(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	addr := args[0].Pointer()
	futexOp := args[1].Int()
	val := int(args[2].Int())
	nreq := int(args[3].Int())
	timeout := args[3].Pointer()
	naddr := args[4].Pointer()
	val3 := args[5].Int()

	cmd := futexOp &^ (linux.FUTEX_PRIVATE_FLAG | linux.FUTEX_CLOCK_REALTIME)
	private := (futexOp & linux.FUTEX_PRIVATE_FLAG) != 0
	clockRealtime := (futexOp & linux.FUTEX_CLOCK_REALTIME) == linux.FUTEX_CLOCK_REALTIME
	mask := uint32(val3)

	if clockRealtime && cmd != linux.FUTEX_WAIT && cmd != linux.FUTEX_WAIT_BITSET {
		return 0, linuxerr.ENOSYS
	}

	switch cmd {
	case linux.FUTEX_WAIT, linux.FUTEX_WAIT_BITSET:
		// WAIT{_BITSET} wait forever if the timeout isn't passed.
		forever := (timeout == 0)

		var timespec linux.Timespec
		if !forever {
			var err error
			timespec, err = copyTimespecIn(t, timeout)
			if err != nil {
				return 0, err
			}
			if !timespec.Valid() {
				return 0, linuxerr.EINVAL
			}
		}

		switch cmd {
		case linux.FUTEX_WAIT:
			// WAIT uses a relative timeout.
			mask = linux.FUTEX_BITSET_MATCH_ANY
			var timeoutDur time.Duration
			if !forever {
				timeoutDur = timespec.ToDuration()
			}
			return futexWaitDuration(t, timeoutDur, forever, addr, private, uint32(val), mask)

		case linux.FUTEX_WAIT_BITSET:
			// WAIT_BITSET uses an absolute timeout which is either
			// CLOCK_MONOTONIC or CLOCK_REALTIME.
			if mask == 0 {
				return 0, linuxerr.EINVAL
			}
			return futexWaitAbsolute(t, clockRealtime, timespec, forever, addr, private, uint32(val), mask)

		default:
			panic("unreachable")
		}

	case linux.FUTEX_WAKE:
		n, err := t.FutexWake(addr, private, wakeCount(val))
		return uintptr(n), err

	case linux.FUTEX_WAKE_BITSET:
		if mask == 0 {
			return 0, linuxerr.EINVAL
		}
		n, err := t.FutexWakeBitset(addr, private, mask, wakeCount(val))
		return uintptr(n), err

	case linux.FUTEX_REQUEUE:
		n, err := t.FutexRequeue(addr, naddr, private, val, nreq)
		return uintptr(n), err

	case linux.FUTEX_CMP_REQUEUE:
		// 'val3' contains the value to be checked at 'addr' and
		// 'val' is the number of waiters that should be woken up.
		nval := uint32(val3)
		n, err := t.FutexCmpRequeue(addr, naddr, private, nval, val, nreq)
		return uintptr(n), err

	case linux.FUTEX_WAKE_OP:
		op := uint32(val3)
		nwake2 := nreq
		n, err := t.FutexWakeOp(addr, naddr, private, wakeCount(val), nwake2, op)
		return uintptr(n), err

	case linux.FUTEX_LOCK_PI, linux.FUTEX_LOCK_PI2, linux.FUTEX_UNLOCK_PI, linux.FUTEX_TRYLOCK_PI,
		linux.FUTEX_WAIT_REQUEUE_PI, linux.FUTEX_CMP_REQUEUE_PI:
		// Priority inheritance futexes are not supported.
		return 0, linuxerr.ENOSYS

	case linux.FUTEX_FD:
		// We don't implement this: FUTEX_FD was removed in Linux 2.6.26.
		return 0, linuxerr.ENOSYS

	default:
		// We don't even know about this command.
		return 0, linuxerr.ENOSYS
	}
}

// SetRobustList implements Linux syscall set_robust_list(2).
func SetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	head := args[0].Pointer()
	length := args[1].SizeT()

	if length != uint(linux.SizeOfRobustListHead) {
		return 0, linuxerr.EINVAL
	}
	t.SetRobustList(head, uint64(length))
	return 0, nil
}

// GetRobustList implements Linux syscall get_robust_list(2).
func GetRobustList(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	// Despite the syscall using the name 'pid' for this variable, it is
	// very much a tid.
	tid := args[0].Int()
	headAddr := args[1].Pointer()
	sizeAddr := args[2].Pointer()

	if tid < 0 {
		return 0, linuxerr.EINVAL
	}

	ot := t
	if tid != 0 {
		var err error
		if ot, err = t.Kernel().TaskWithID(kernel.ThreadID(tid)); err != nil {
			return 0, err
		}
	}

	rl := ot.GetRobustList()
	var buf [8]byte
	hostarch.ByteOrder.PutUint64(buf[:], uint64(rl.Head))
	if _, err := t.MemoryManager().CopyOut(headAddr, buf[:]); err != nil {
		return 0, err
	}
	hostarch.ByteOrder.PutUint64(buf[:], rl.Len)
	if _, err := t.MemoryManager().CopyOut(sizeAddr, buf[:]); err != nil {
		return 0, err
	}
	return 0, nil
}
