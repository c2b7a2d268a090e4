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
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/mm"
	"kfutex.dev/kfutex/pkg/sync"
)

// A ThreadGroup is a logical grouping of tasks that has widespread
// significance to other kernel features (e.g. signal handling). ("Thread
// groups" are usually called "processes" in userspace documentation.)
type ThreadGroup struct {
	// k is the owning Kernel. k is immutable.
	k *Kernel

	// mm is the address space shared by all tasks in the group. mm is
	// immutable; it is released when the last task exits.
	mm *mm.MemoryManager

	// mu protects the following fields.
	mu sync.Mutex

	// pid is the TID of the leader. pid is set once by TaskSet.newTask.
	pid ThreadID

	// leader is the thread group's leader, which is the oldest task in the
	// thread group; usually the last task in the thread group to call
	// execve(), or if no such task exists then the first task in the thread
	// group, which was created by a call to fork() or clone() without
	// CLONE_THREAD.
	leader *Task

	// tasks contains all live tasks in the thread group, keyed by TID.
	tasks map[ThreadID]*Task

	// exiting is true once the last task has begun exiting or Exit has been
	// called. No tasks may be added once exiting is set.
	exiting bool
}

// ID returns tg's process ID.
func (tg *ThreadGroup) ID() ThreadID {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.pid
}

// Leader returns tg's leader.
func (tg *ThreadGroup) Leader() *Task {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.leader
}

// MemoryManager returns tg's address space.
func (tg *ThreadGroup) MemoryManager() *mm.MemoryManager {
	return tg.mm
}

// Kernel returns the kernel tg belongs to.
func (tg *ThreadGroup) Kernel() *Kernel {
	return tg.k
}

// Count returns the number of live tasks in tg.
func (tg *ThreadGroup) Count() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return len(tg.tasks)
}

// Tasks returns a snapshot of the live tasks in tg.
func (tg *ThreadGroup) Tasks() []*Task {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	ts := make([]*Task, 0, len(tg.tasks))
	for _, t := range tg.tasks {
		ts = append(ts, t)
	}
	return ts
}

// NewTask creates a new thread in tg, sharing its address space.
func (tg *ThreadGroup) NewTask() (*Task, error) {
	t, err := tg.k.tasks.newTask(tg.k, tg)
	if err != nil {
		return nil, err
	}
	t.Debugf("New thread")
	return t, nil
}

// Exit kills every task in tg and tears the process down: each task's futex
// waiters are dropped, then every waiter on the process's futexes, and
// finally the address space is released.
func (tg *ThreadGroup) Exit() {
	for _, t := range tg.Tasks() {
		t.SendSignal(linux.SIGKILL)
		t.Exit()
	}
	log.Debugf("Thread group %d exited", tg.ID())
}
