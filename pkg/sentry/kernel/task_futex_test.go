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
	"math"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
	"kfutex.dev/kfutex/pkg/test/testutil"
)

const waitTimeout = 10 * time.Second

// waitQueued polls until n waiters are queued on addr in task's process.
func waitQueued(t *testing.T, task *Task, addr hostarch.Addr, n int) {
	t.Helper()
	count := func() int {
		return task.Futex().Waiters(task.FutexChecker(), addr, true)
	}
	if err := testutil.WaitForCount(count, n, waitTimeout); err != nil {
		t.Fatalf("waiters on %v: %v", addr, err)
	}
}

func TestFutexOp(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	task := tg.Leader()
	mm := tg.MemoryManager()

	for _, tc := range []struct {
		name    string
		old     uint32
		op      uint32
		wantVal uint32
		want    bool
	}{
		{"set eq", 5, linux.FUTEX_OP(linux.FUTEX_OP_SET, 7, linux.FUTEX_OP_CMP_EQ, 5), 7, true},
		{"add ne", 5, linux.FUTEX_OP(linux.FUTEX_OP_ADD, 3, linux.FUTEX_OP_CMP_NE, 5), 8, false},
		{"or lt", 4, linux.FUTEX_OP(linux.FUTEX_OP_OR, 1, linux.FUTEX_OP_CMP_LT, 5), 5, true},
		{"andn le", 7, linux.FUTEX_OP(linux.FUTEX_OP_ANDN, 2, linux.FUTEX_OP_CMP_LE, 6), 5, false},
		{"xor gt", 6, linux.FUTEX_OP(linux.FUTEX_OP_XOR, 3, linux.FUTEX_OP_CMP_GT, 5), 5, true},
		{"set ge", 5, linux.FUTEX_OP(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_GE, 5), 0, true},
		{"oparg shift", 1, linux.FUTEX_OP(linux.FUTEX_OP_OR|linux.FUTEX_OP_OPARG_SHIFT, 4, linux.FUTEX_OP_CMP_EQ, 1), 17, true},
		{"negative cmparg", 0xffffffff, linux.FUTEX_OP(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_EQ, 0xfff), 0, true},
		{"signed compare", 0xffffffff, linux.FUTEX_OP(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_LT, 0), 0, true},
		{"negative oparg", 5, linux.FUTEX_OP(linux.FUTEX_OP_ADD, 0xfff, linux.FUTEX_OP_CMP_EQ, 5), 4, true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.StoreUint32(addr, tc.old); err != nil {
				t.Fatalf("StoreUint32 failed: %v", err)
			}
			got, err := task.FutexChecker().Op(addr, tc.op)
			if err != nil {
				t.Fatalf("Op(%#x) failed: %v", tc.op, err)
			}
			if got != tc.want {
				t.Errorf("Op(%#x): got %t, want %t", tc.op, got, tc.want)
			}
			if v, err := mm.LoadUint32(addr); err != nil || v != tc.wantVal {
				t.Errorf("word after Op: got (%d, %v), want (%d, nil)", v, err, tc.wantVal)
			}
		})
	}
}

func TestFutexOpInvalid(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	task := tg.Leader()

	for _, op := range []uint32{
		linux.FUTEX_OP(5, 0, linux.FUTEX_OP_CMP_EQ, 0),
		linux.FUTEX_OP(linux.FUTEX_OP_SET, 0, 6, 0),
	} {
		if _, err := task.FutexChecker().Op(addr, op); err != linuxerr.ENOSYS {
			t.Errorf("Op(%#x): got %v, want ENOSYS", op, err)
		}
	}
	if _, err := task.FutexChecker().Op(addr+hostarch.PageSize, 0); err != linuxerr.EFAULT {
		t.Errorf("Op on unmapped word: got %v, want EFAULT", err)
	}
}

func TestFutexCheckerPID(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	t2, err := tg.NewTask()
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	for _, task := range []*Task{tg.Leader(), t2} {
		if got, want := task.FutexChecker().PID(), int32(tg.ID()); got != want {
			t.Errorf("task %d: PID got %d, want %d", task.ThreadID(), got, want)
		}
	}
}

func TestFutexWaitWake(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	waker := tg.Leader()
	waiter, err := tg.NewTask()
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return waiter.FutexWait(addr, true, 0, ktime.Time{}, false, linux.FUTEX_BITSET_MATCH_ANY)
	})
	waitQueued(t, waker, addr, 1)

	if err := tg.MemoryManager().StoreUint32(addr, 1); err != nil {
		t.Fatalf("StoreUint32 failed: %v", err)
	}
	if n, err := waker.FutexWake(addr, true, 1); err != nil || n != 1 {
		t.Errorf("FutexWake: got (%d, %v), want (1, nil)", n, err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("FutexWait: got %v, want nil", err)
	}
	if got := waker.YieldCount(); got != 1 {
		t.Errorf("YieldCount after wake: got %d, want 1", got)
	}
}

func TestFutexWaitTimeout(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	task := tg.Leader()

	deadline := ktime.MonotonicClock.Now().Add(10 * time.Millisecond)
	if err := task.FutexWait(addr, true, 0, deadline, true, linux.FUTEX_BITSET_MATCH_ANY); err != linuxerr.ETIMEDOUT {
		t.Errorf("FutexWait: got %v, want ETIMEDOUT", err)
	}
	if got := k.Futexes().Len(); got != 0 {
		t.Errorf("waiters after timeout: got %d, want 0", got)
	}
}

func TestFutexWaitSignal(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	task := tg.Leader()

	done := make(chan error, 1)
	go func() {
		done <- task.FutexWait(addr, true, 0, ktime.Time{}, false, linux.FUTEX_BITSET_MATCH_ANY)
	}()
	waitQueued(t, task, addr, 1)

	if err := task.SendSignal(linux.SIGUSR1); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	if err := <-done; err != linuxerr.EINTR {
		t.Errorf("FutexWait: got %v, want EINTR", err)
	}
	if got := k.Futexes().Len(); got != 0 {
		t.Errorf("waiters after signal: got %d, want 0", got)
	}
}

func TestFutexWaitSpuriousInterrupt(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	waiter := tg.Leader()
	waker, err := tg.NewTask()
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- waiter.FutexWait(addr, true, 0, ktime.Time{}, false, linux.FUTEX_BITSET_MATCH_ANY)
	}()
	waitQueued(t, waiter, addr, 1)

	// An interrupt without a signal does not end the wait.
	waiter.Interrupt()
	select {
	case err := <-done:
		t.Fatalf("FutexWait returned %v after a bare interrupt", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The retried wait queues again since the word is unchanged.
	waitQueued(t, waiter, addr, 1)
	if err := tg.MemoryManager().StoreUint32(addr, 1); err != nil {
		t.Fatalf("StoreUint32 failed: %v", err)
	}
	if _, err := waker.FutexWake(addr, true, 1); err != nil {
		t.Fatalf("FutexWake failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("FutexWait: got %v, want nil", err)
	}
}

func TestFutexRequeueTasks(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	cond, mutex := addr, addr+sizeofUint32
	waker := tg.Leader()

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		w, err := tg.NewTask()
		if err != nil {
			t.Fatalf("NewTask failed: %v", err)
		}
		g.Go(func() error {
			return w.FutexWait(cond, true, 0, ktime.Time{}, false, linux.FUTEX_BITSET_MATCH_ANY)
		})
	}
	waitQueued(t, waker, cond, 3)

	if _, err := waker.FutexCmpRequeue(cond, mutex, true, 1, 1, math.MaxInt32); err != linuxerr.EAGAIN {
		t.Errorf("FutexCmpRequeue with stale value: got %v, want EAGAIN", err)
	}
	if n, err := waker.FutexCmpRequeue(cond, mutex, true, 0, 1, math.MaxInt32); err != nil || n != 1 {
		t.Errorf("FutexCmpRequeue: got (%d, %v), want (1, nil)", n, err)
	}
	waitQueued(t, waker, mutex, 2)
	if n, err := waker.FutexRequeue(mutex, cond, true, 1, 1); err != nil || n != 1 {
		t.Errorf("FutexRequeue: got (%d, %v), want (1, nil)", n, err)
	}
	waitQueued(t, waker, cond, 1)
	if n, err := waker.FutexWakeOp(cond, mutex, true, 1, 1, linux.FUTEX_OP(linux.FUTEX_OP_SET, 0, linux.FUTEX_OP_CMP_EQ, 0)); err != nil || n != 1 {
		t.Errorf("FutexWakeOp: got (%d, %v), want (1, nil)", n, err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("FutexWait: got %v, want nil", err)
	}
	if got := waker.YieldCount(); got != 3 {
		t.Errorf("YieldCount: got %d, want 3", got)
	}
}

func TestFutexWakeBitsetTasks(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	waker := tg.Leader()

	results := make([]chan error, 3)
	for i, mask := range []uint32{0b01, 0b10, 0b11} {
		mask := mask
		w, err := tg.NewTask()
		if err != nil {
			t.Fatalf("NewTask failed: %v", err)
		}
		results[i] = make(chan error, 1)
		go func(c chan error) {
			c <- w.FutexWait(addr, true, 0, ktime.Time{}, false, mask)
		}(results[i])
		waitQueued(t, waker, addr, i+1)
	}

	if n, err := waker.FutexWakeBitset(addr, true, 0b10, 10); err != nil || n != 2 {
		t.Errorf("FutexWakeBitset: got (%d, %v), want (2, nil)", n, err)
	}
	for _, i := range []int{1, 2} {
		if err := <-results[i]; err != nil {
			t.Errorf("waiter %d: got %v, want nil", i, err)
		}
	}
	waitQueued(t, waker, addr, 1)
	if n, err := waker.FutexWakeBitset(addr, true, 0b01, 10); err != nil || n != 1 {
		t.Errorf("FutexWakeBitset: got (%d, %v), want (1, nil)", n, err)
	}
	if err := <-results[0]; err != nil {
		t.Errorf("waiter 0: got %v, want nil", err)
	}
}

func TestRobustList(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	task := tg.Leader()

	if got := task.GetRobustList(); got != (RobustList{}) {
		t.Errorf("initial robust list: got %+v, want zero", got)
	}
	task.SetRobustList(addr, linux.SizeOfRobustListHead)
	if got, want := task.GetRobustList(), (RobustList{Head: addr, Len: linux.SizeOfRobustListHead}); got != want {
		t.Errorf("GetRobustList: got %+v, want %+v", got, want)
	}
}

const sizeofUint32 = 4

// taskMutex is a futex-based mutex operated by tasks of one thread group.
type taskMutex struct {
	addr hostarch.Addr
}

func (m taskMutex) lock(t *Task) error {
	mm := t.MemoryManager()
	for {
		prev, err := mm.CompareAndSwapUint32(m.addr, 0, 1)
		if err != nil {
			return err
		}
		if prev == 0 {
			return nil
		}
		err = t.FutexWait(m.addr, true, 1, ktime.Time{}, false, linux.FUTEX_BITSET_MATCH_ANY)
		if err != nil && err != linuxerr.EAGAIN {
			return err
		}
	}
}

func (m taskMutex) unlock(t *Task) error {
	if err := t.MemoryManager().StoreUint32(m.addr, 0); err != nil {
		return err
	}
	_, err := t.FutexWake(m.addr, true, math.MaxInt32)
	return err
}

func TestTaskMutexStress(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, addr := newTestThreadGroup(t, k)
	mu := taskMutex{addr: addr}
	counter := addr + sizeofUint32

	const (
		tasks = 8
		loops = 500
	)
	var g errgroup.Group
	for i := 0; i < tasks; i++ {
		task := tg.Leader()
		if i > 0 {
			var err error
			if task, err = tg.NewTask(); err != nil {
				t.Fatalf("NewTask failed: %v", err)
			}
		}
		g.Go(func() error {
			for j := 0; j < loops; j++ {
				if err := mu.lock(task); err != nil {
					return fmt.Errorf("task %d: lock: %w", task.ThreadID(), err)
				}
				// A non-atomic increment, protected by the mutex.
				v, err := task.MemoryManager().LoadUint32(counter)
				if err != nil {
					return err
				}
				task.Yield()
				if err := task.MemoryManager().StoreUint32(counter, v+1); err != nil {
					return err
				}
				if err := mu.unlock(task); err != nil {
					return fmt.Errorf("task %d: unlock: %w", task.ThreadID(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if v, err := tg.MemoryManager().LoadUint32(counter); err != nil || v != tasks*loops {
		t.Errorf("counter: got (%d, %v), want (%d, nil)", v, err, tasks*loops)
	}
}
