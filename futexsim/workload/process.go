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

// Package workload runs futex-based synchronization workloads on simulated
// processes. Every futex operation is issued through the syscall table, the
// way an application would.
package workload

import (
	"context"
	"fmt"
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
	slinux "kfutex.dev/kfutex/pkg/sentry/syscalls/linux"
)

// Syscall numbers from the amd64 table.
const (
	sysMmap       = 9
	sysSchedYield = 24
	sysTkill      = 200
	sysFutex      = 202
	sysExitGroup  = 231
)

// Process is a simulated process with a page of futex words.
type Process struct {
	tg *kernel.ThreadGroup

	// Threads are the tasks of the process. Threads[0] is the leader.
	Threads []*Thread

	// Page is the start of a mapped page holding the workload's words.
	Page hostarch.Addr
}

// Thread is a task of a Process, with a private slot of user memory for
// passing timeouts to futex(2).
type Thread struct {
	*kernel.Task

	// timespec is where the thread's futex timeouts are staged.
	timespec hostarch.Addr
}

// NewProcess creates a process with the given number of threads.
func NewProcess(k *kernel.Kernel, threads int) (*Process, error) {
	if threads < 1 {
		return nil, fmt.Errorf("process needs at least one thread, got %d", threads)
	}
	tg, err := k.NewThreadGroup()
	if err != nil {
		return nil, fmt.Errorf("creating thread group: %w", err)
	}
	p := &Process{tg: tg}
	leader := &Thread{Task: tg.Leader()}

	page, err := leader.Syscall(sysMmap, 0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS)
	if err != nil {
		tg.Exit()
		return nil, fmt.Errorf("mapping futex page: %w", err)
	}
	p.Page = hostarch.Addr(page)
	scratch, err := leader.Syscall(sysMmap, 0, uintptr(threads*linux.SizeOfTimespec), linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS)
	if err != nil {
		tg.Exit()
		return nil, fmt.Errorf("mapping timeout slots: %w", err)
	}

	for i := 0; i < threads; i++ {
		th := leader
		if i > 0 {
			t, err := tg.NewTask()
			if err != nil {
				tg.Exit()
				return nil, fmt.Errorf("creating thread %d: %w", i, err)
			}
			th = &Thread{Task: t}
		}
		th.timespec = hostarch.Addr(scratch) + hostarch.Addr(i*linux.SizeOfTimespec)
		p.Threads = append(p.Threads, th)
	}
	return p, nil
}

// ID returns the process's PID.
func (p *Process) ID() kernel.ThreadID {
	return p.tg.ID()
}

// Word returns the address of the i'th 32-bit word of p.Page.
func (p *Process) Word(i int) hostarch.Addr {
	return p.Page + hostarch.Addr(4*i)
}

// Load returns the value of the word at addr.
func (p *Process) Load(addr hostarch.Addr) (uint32, error) {
	return p.tg.MemoryManager().LoadUint32(addr)
}

// Store sets the word at addr to val.
func (p *Process) Store(addr hostarch.Addr, val uint32) error {
	return p.tg.MemoryManager().StoreUint32(addr, val)
}

// Waiters returns the number of tasks waiting on the word at addr.
func (p *Process) Waiters(addr hostarch.Addr) int {
	leader := p.tg.Leader()
	if leader == nil {
		return 0
	}
	return leader.Futex().Waiters(leader.FutexChecker(), addr, true)
}

// ResidentPages returns the number of pages of p faulted in so far.
func (p *Process) ResidentPages() int {
	return p.tg.MemoryManager().ResidentPages()
}

// Exit tears the process down with exit_group(2).
func (p *Process) Exit() {
	if leader := p.tg.Leader(); leader != nil && !leader.Exited() {
		(&Thread{Task: leader}).Syscall(sysExitGroup, 0)
		return
	}
	p.tg.Exit()
}

// interruptOnDone sends SIGINT to every thread of p once ctx is done, so that
// threads blocked in futex waits return EINTR. Calling the returned function
// disarms it.
func (p *Process) interruptOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		for _, th := range p.Threads {
			th.Kill(p.Threads[0], linux.SIGINT)
		}
	})
}

// Syscall issues syscall sysno on behalf of th.
func (th *Thread) Syscall(sysno uintptr, vals ...uintptr) (uintptr, error) {
	var args arch.SyscallArguments
	for i, v := range vals {
		args[i].Value = v
	}
	return th.Task.Syscall(slinux.AMD64, sysno, args)
}

func (th *Thread) futex(addr hostarch.Addr, op int32, val, arg3 uintptr, addr2 hostarch.Addr, val3 uint32) (int, error) {
	n, err := th.Syscall(sysFutex, uintptr(addr), uintptr(uint32(op|linux.FUTEX_PRIVATE_FLAG)), val, arg3, uintptr(addr2), uintptr(val3))
	return int(n), err
}

func (th *Thread) stageTimespec(ts linux.Timespec) error {
	var buf [linux.SizeOfTimespec]byte
	hostarch.ByteOrder.PutUint64(buf[0:], uint64(ts.Sec))
	hostarch.ByteOrder.PutUint64(buf[8:], uint64(ts.Nsec))
	_, err := th.MemoryManager().CopyOut(th.timespec, buf[:])
	return err
}

// FutexWait issues FUTEX_WAIT on addr. A zero timeout waits forever.
func (th *Thread) FutexWait(addr hostarch.Addr, val uint32, timeout time.Duration) error {
	var ts uintptr
	if timeout > 0 {
		if err := th.stageTimespec(linux.DurationToTimespec(timeout)); err != nil {
			return err
		}
		ts = uintptr(th.timespec)
	}
	_, err := th.futex(addr, linux.FUTEX_WAIT, uintptr(val), ts, 0, 0)
	return err
}

// FutexWaitBitset issues FUTEX_WAIT_BITSET on addr. A zero timeout waits
// forever; otherwise the deadline is timeout from now on the monotonic clock.
func (th *Thread) FutexWaitBitset(addr hostarch.Addr, val, mask uint32, timeout time.Duration) error {
	var ts uintptr
	if timeout > 0 {
		deadline := ktime.MonotonicClock.Now().Add(timeout)
		if err := th.stageTimespec(deadline.Timespec()); err != nil {
			return err
		}
		ts = uintptr(th.timespec)
	}
	_, err := th.futex(addr, linux.FUTEX_WAIT_BITSET, uintptr(val), ts, 0, mask)
	return err
}

// FutexWake issues FUTEX_WAKE on addr.
func (th *Thread) FutexWake(addr hostarch.Addr, n int) (int, error) {
	return th.futex(addr, linux.FUTEX_WAKE, uintptr(uint32(n)), 0, 0, 0)
}

// FutexWakeBitset issues FUTEX_WAKE_BITSET on addr.
func (th *Thread) FutexWakeBitset(addr hostarch.Addr, mask uint32, n int) (int, error) {
	return th.futex(addr, linux.FUTEX_WAKE_BITSET, uintptr(uint32(n)), 0, 0, mask)
}

// FutexRequeue issues FUTEX_REQUEUE from addr to naddr.
func (th *Thread) FutexRequeue(addr, naddr hostarch.Addr, nwake, nreq int) (int, error) {
	return th.futex(addr, linux.FUTEX_REQUEUE, uintptr(uint32(nwake)), uintptr(uint32(nreq)), naddr, 0)
}

// FutexCmpRequeue issues FUTEX_CMP_REQUEUE from addr to naddr, expecting
// addr to contain val.
func (th *Thread) FutexCmpRequeue(addr, naddr hostarch.Addr, val uint32, nwake, nreq int) (int, error) {
	return th.futex(addr, linux.FUTEX_CMP_REQUEUE, uintptr(uint32(nwake)), uintptr(uint32(nreq)), naddr, val)
}

// FutexWakeOp issues FUTEX_WAKE_OP on addr1 and addr2 with the encoded
// operation op.
func (th *Thread) FutexWakeOp(addr1, addr2 hostarch.Addr, nwake1, nwake2 int, op uint32) (int, error) {
	return th.futex(addr1, linux.FUTEX_WAKE_OP, uintptr(uint32(nwake1)), uintptr(uint32(nwake2)), addr2, op)
}

// Yield issues sched_yield(2).
func (th *Thread) Yield() {
	th.Syscall(sysSchedYield)
}

// Kill sends sig to th with tkill(2) issued by from.
func (th *Thread) Kill(from *Thread, sig int) error {
	_, err := from.Syscall(sysTkill, uintptr(th.ThreadID()), uintptr(sig))
	return err
}
