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

// Package kernel provides an emulation of the Linux kernel's task and process
// model, reduced to what futexes need.
//
// Lock order (outermost locks must be taken first):
//
//	TaskSet.mu
//	  ThreadGroup.mu
//	    Task.mu
//	      futex bucket locks
//
// Locking Task.mu or ThreadGroup.mu is never required to block a task on a
// futex.
package kernel

import (
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel/futex"
	"kfutex.dev/kfutex/pkg/sentry/mm"
)

// Config holds the parameters of a new Kernel.
type Config struct {
	// Futexes is the futex manager shared by all processes. If nil, New
	// creates one.
	Futexes *futex.Manager

	// MaxTasks is the maximum number of live tasks. If zero, TasksLimit is
	// used.
	MaxTasks int
}

// Kernel represents an emulated Linux kernel. It must be initialized by
// calling New.
type Kernel struct {
	// futexes is shared by every thread group. futexes is immutable.
	futexes *futex.Manager

	// tasks is the set of all tasks and thread groups.
	tasks *TaskSet

	// maxTasks is immutable.
	maxTasks int
}

// New returns a new Kernel configured by cfg.
func New(cfg Config) (*Kernel, error) {
	if cfg.MaxTasks < 0 || cfg.MaxTasks > TasksLimit {
		return nil, linuxerr.EINVAL
	}
	k := &Kernel{
		futexes:  cfg.Futexes,
		tasks:    newTaskSet(),
		maxTasks: cfg.MaxTasks,
	}
	if k.futexes == nil {
		k.futexes = futex.NewManager()
	}
	if k.maxTasks == 0 {
		k.maxTasks = TasksLimit
	}
	liveKernels.add(k)
	return k, nil
}

// Futexes returns the kernel's futex manager.
func (k *Kernel) Futexes() *futex.Manager {
	return k.futexes
}

// TaskSet returns the TaskSet.
func (k *Kernel) TaskSet() *TaskSet {
	return k.tasks
}

// NewThreadGroup creates a new process with a fresh address space and a
// single task, its leader. The leader's TID is the process's PID.
func (k *Kernel) NewThreadGroup() (*ThreadGroup, error) {
	tg := &ThreadGroup{
		k:     k,
		mm:    mm.NewMemoryManager(),
		tasks: make(map[ThreadID]*Task),
	}
	leader, err := k.tasks.newTask(k, tg)
	if err != nil {
		tg.mm.Release()
		return nil, err
	}
	leader.Debugf("New thread group")
	return tg, nil
}

// TaskWithID returns the live task with the given TID, or ESRCH.
func (k *Kernel) TaskWithID(tid ThreadID) (*Task, error) {
	k.tasks.mu.RLock()
	defer k.tasks.mu.RUnlock()
	t, ok := k.tasks.tasks[tid]
	if !ok {
		return nil, linuxerr.ESRCH
	}
	return t, nil
}

// ThreadGroupWithID returns the live thread group with the given PID, or
// ESRCH.
func (k *Kernel) ThreadGroupWithID(pid ThreadID) (*ThreadGroup, error) {
	k.tasks.mu.RLock()
	defer k.tasks.mu.RUnlock()
	tg, ok := k.tasks.tgs[pid]
	if !ok {
		return nil, linuxerr.ESRCH
	}
	return tg, nil
}

// Shutdown exits every thread group.
func (k *Kernel) Shutdown() {
	k.tasks.mu.RLock()
	tgs := make([]*ThreadGroup, 0, len(k.tasks.tgs))
	for _, tg := range k.tasks.tgs {
		tgs = append(tgs, tg)
	}
	k.tasks.mu.RUnlock()

	for _, tg := range tgs {
		tg.Exit()
	}
	liveKernels.remove(k)
	log.Infof("Kernel shut down, %d futex waiters left", k.futexes.Len())
}
