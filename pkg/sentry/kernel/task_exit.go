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

// Exit tears t down. Futex waiters owned by t are dropped before t's TID
// becomes reusable. If t is the last live task in its thread group, every
// waiter on the group's futexes is dropped too and the address space is
// released.
//
// Exit may be called from any goroutine. A task blocked in a futex wait is
// interrupted once its waiter is gone, and its wait returns EINTR. Calling
// Exit more than once is a no-op.
func (t *Task) Exit() {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.mu.Unlock()

	if n := t.k.futexes.ClearWaiters(int32(t.tid), false); n > 0 {
		t.Debugf("Dropped %d futex waiters on exit", n)
	}
	t.Interrupt()

	ts := t.k.tasks
	tg := t.tg
	ts.mu.Lock()
	tg.mu.Lock()
	delete(tg.tasks, t.tid)
	delete(ts.tasks, t.tid)
	last := len(tg.tasks) == 0
	if last {
		tg.exiting = true
	}
	pid := tg.pid
	tg.mu.Unlock()
	ts.mu.Unlock()
	t.Debugf("Exited")

	if !last {
		return
	}
	if n := t.k.futexes.ClearWaiters(int32(pid), true); n > 0 {
		t.Debugf("Dropped %d futex waiters of thread group %d", n, pid)
	}
	tg.mm.Release()

	// Only now may the PID be reused.
	ts.mu.Lock()
	delete(ts.tgs, pid)
	ts.mu.Unlock()
}
