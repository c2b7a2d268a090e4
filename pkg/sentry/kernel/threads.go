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

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sync"
)

// TasksLimit is the maximum number of threads for untrusted application.
// Linux doesn't really limit this directly, rather it is limited by total
// memory size, stacks allocated and a global maximum. There's no real reason
// for us to limit it either, (esp. since threads are backed by go routines),
// and we would expect to hit resource limits long before hitting this number.
// However, for correctness, we still check that the user doesn't exceed this
// number.
//
// Note that because of the way futexes are implemented, there *are* in fact
// serious restrictions on valid thread IDs. They are limited to 2^30 - 1
// (kernel/fork.c:MAX_THREADS).
const TasksLimit = (1 << 16)

// ThreadID is a generic thread identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// InitTID is the TID given to the first task created by a Kernel.
const InitTID ThreadID = 1

// A TaskSet comprises all tasks in a system.
type TaskSet struct {
	// mu protects all relationships betweens tasks and thread groups in the
	// TaskSet. (mu is approximately equivalent to Linux's tasklist_lock.)
	mu sync.RWMutex

	// last is the last ThreadID to be allocated.
	last ThreadID

	// tasks is a mapping from ThreadIDs to live tasks.
	tasks map[ThreadID]*Task

	// tgs is a mapping from PIDs to live thread groups.
	tgs map[ThreadID]*ThreadGroup
}

// newTaskSet returns a new, empty TaskSet.
func newTaskSet() *TaskSet {
	return &TaskSet{
		tasks: make(map[ThreadID]*Task),
		tgs:   make(map[ThreadID]*ThreadGroup),
	}
}

// NumTasks returns the number of live tasks.
func (ts *TaskSet) NumTasks() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tasks)
}

// NumThreadGroups returns the number of live thread groups.
func (ts *TaskSet) NumThreadGroups() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tgs)
}

// allocateTIDLocked returns an unused ThreadID.
//
// Preconditions: ts.mu must be locked for writing.
func (ts *TaskSet) allocateTIDLocked() (ThreadID, error) {
	tid := ts.last
	for {
		// Next.
		tid++
		if tid > TasksLimit {
			tid = InitTID
		}

		// Is it available? IDs of live thread groups stay reserved until
		// the whole group exits.
		_, taskOK := ts.tasks[tid]
		_, tgOK := ts.tgs[tid]
		if !taskOK && !tgOK {
			ts.last = tid
			return tid, nil
		}

		// Did we do a full cycle?
		if tid == ts.last {
			// No tid available.
			return 0, linuxerr.EAGAIN
		}
	}
}

// newTask creates a task in tg and makes it visible to the rest of the
// system. The first task of a thread group becomes its leader.
func (ts *TaskSet) newTask(k *Kernel, tg *ThreadGroup) (*Task, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.exiting {
		return nil, linuxerr.EINTR
	}
	if len(ts.tasks) >= k.maxTasks {
		return nil, linuxerr.EAGAIN
	}
	tid, err := ts.allocateTIDLocked()
	if err != nil {
		return nil, err
	}
	t := newTask(k, tg, tid)
	if tg.leader == nil {
		// New thread group.
		tg.leader = t
		tg.pid = tid
		ts.tgs[tid] = tg
	}
	tg.tasks[tid] = t
	ts.tasks[tid] = t
	return t, nil
}
