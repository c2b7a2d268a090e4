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

package linux

import (
	"testing"
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	"kfutex.dev/kfutex/pkg/test/testutil"
)

const waitTimeout = 10 * time.Second

const (
	sysMmap           = 9
	sysMunmap         = 11
	sysSchedYield     = 24
	sysGetpid         = 39
	sysRtSigpending   = 127
	sysRtSigtimedwait = 128
	sysGettid         = 186
	sysTkill          = 200
	sysFutex          = 202
	sysExitGroup      = 231
	sysSetRobustList  = 273
	sysGetRobustList  = 274
)

// newTestProcess returns the leader of a new process with one page mapped at
// addr.
func newTestProcess(t *testing.T) (task *kernel.Task, addr hostarch.Addr) {
	t.Helper()
	k, err := kernel.New(kernel.Config{})
	if err != nil {
		t.Fatalf("kernel.New failed: %v", err)
	}
	t.Cleanup(k.Shutdown)
	tg, err := k.NewThreadGroup()
	if err != nil {
		t.Fatalf("NewThreadGroup failed: %v", err)
	}
	task = tg.Leader()
	rval, err := invoke(task, sysMmap, 0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	return task, hostarch.Addr(rval)
}

// invoke calls sysno from the AMD64 table on behalf of task.
func invoke(task *kernel.Task, sysno uintptr, vals ...uintptr) (uintptr, error) {
	var args arch.SyscallArguments
	for i, v := range vals {
		args[i].Value = v
	}
	return task.Syscall(AMD64, sysno, args)
}

// futexCall issues futex(2) with the given arguments.
func futexCall(task *kernel.Task, addr hostarch.Addr, op int32, val, arg3 uintptr, addr2 hostarch.Addr, val3 uint32) (uintptr, error) {
	return invoke(task, sysFutex, uintptr(addr), uintptr(uint32(op)), val, arg3, uintptr(addr2), uintptr(val3))
}

// writeTimespec stores ts at addr in task's address space.
func writeTimespec(t *testing.T, task *kernel.Task, addr hostarch.Addr, ts linux.Timespec) {
	t.Helper()
	var buf [linux.SizeOfTimespec]byte
	hostarch.ByteOrder.PutUint64(buf[0:], uint64(ts.Sec))
	hostarch.ByteOrder.PutUint64(buf[8:], uint64(ts.Nsec))
	if _, err := task.MemoryManager().CopyOut(addr, buf[:]); err != nil {
		t.Fatalf("CopyOut(%v) failed: %v", addr, err)
	}
}

// waitQueued polls until n waiters are queued on addr in task's process.
func waitQueued(t *testing.T, task *kernel.Task, addr hostarch.Addr, n int) {
	t.Helper()
	count := func() int {
		return task.Futex().Waiters(task.FutexChecker(), addr, true)
	}
	if err := testutil.WaitForCount(count, n, waitTimeout); err != nil {
		t.Fatalf("waiters on %v: %v", addr, err)
	}
}

// newThread adds a task to the process of task.
func newThread(t *testing.T, task *kernel.Task) *kernel.Task {
	t.Helper()
	nt, err := task.ThreadGroup().NewTask()
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	return nt
}
