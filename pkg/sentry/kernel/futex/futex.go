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

// Package futex provides an implementation of the futex interface as found in
// the Linux kernel. It allows one to easily transform Wait() calls into waits
// on a channel, which is useful in a Go-based kernel, for example.
package futex

import (
	"sync/atomic"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sync"
)

// Waiter is the struct which gets enqueued into buckets for wake up routines
// and requeue routines to scan and notify. Once a Waiter has been enqueued by
// WaitPrepare(), callers may listen on C for wake up events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued in a bucket is exclusively owned (no
	// synchronization applies).
	//
	// - A Waiter is enqueued in a bucket by calling WaitPrepare(). After this,
	// waiterEntry, bucket, and key are protected by the bucket.mu ("bucket
	// lock") of the containing bucket, and bitmask is immutable. Note that
	// since bucket is mutated using atomic memory operations, bucket.Load()
	// may be called without holding the bucket lock, although it may change
	// racily. See WaitComplete().
	//
	// - A Waiter is only guaranteed to be no longer queued after calling
	// WaitComplete().

	// waiterEntry links Waiter into bucket.waiters.
	waiterEntry

	// bucket is the bucket this waiter is queued in. If bucket is nil, the
	// waiter is not waiting and is not in any bucket.
	bucket atomic.Pointer[bucket]

	// C is sent to when the Waiter is woken.
	C chan struct{}

	// key is what this waiter is waiting on.
	key Key

	// The bitmask we're waiting on.
	// This is used the case of a FUTEX_WAKE_BITSET.
	bitmask uint32

	// tid is the ID of the task that owns the waiter. It is immutable.
	tid int32
}

// NewWaiter returns a new unqueued Waiter owned by the task with ID tid.
func NewWaiter(tid int32) *Waiter {
	return &Waiter{
		C:   make(chan struct{}, 1),
		tid: tid,
	}
}

// TID returns the ID of the task that owns w.
func (w *Waiter) TID() int32 {
	return w.tid
}

// woken returns true if w has been woken since the last call to WaitPrepare.
func (w *Waiter) woken() bool {
	return len(w.C) != 0
}

// bucket holds a list of waiters for a given key hash. Waiters for several
// keys may share a bucket.
type bucket struct {
	// mu protects waiters and contained Waiter state. See comment in Waiter.
	mu sync.Mutex

	waiters waiterList
}

// wakeLocked wakes up to n waiters matching the bitmask on key for this
// bucket and returns the number of waiters woken.
//
// Preconditions: b.mu must be locked.
func (b *bucket) wakeLocked(key *Key, bitmask uint32, n int) int {
	done := 0
	for w := b.waiters.Front(); done < n && w != nil; {
		if w.key != *key || w.bitmask&bitmask == 0 {
			// Not matching.
			w = w.Next()
			continue
		}

		// Remove from the bucket and wake the waiter.
		woke := w
		w = w.Next() // Next iteration.
		b.waiters.Remove(woke)
		woke.C <- struct{}{}

		// NOTE: The above channel write establishes a write barrier according
		// to the memory model, so nothing may be ordered around it. Since
		// we've dequeued woke and will never touch it again, we can safely
		// store nil to woke.bucket here and allow the WaitComplete() to
		// short-circuit grabbing the bucket lock. If they somehow miss the
		// store, we are still holding the lock, so we can know that they won't
		// dequeue woke, assume it's free and have the below operation
		// afterwards.
		woke.bucket.Store(nil)
		done++
	}
	return done
}

// hasLocked returns true if any waiter in b is waiting on key.
//
// Preconditions: b.mu must be locked.
func (b *bucket) hasLocked(key *Key) bool {
	for w := b.waiters.Front(); w != nil; w = w.Next() {
		if w.key == *key {
			return true
		}
	}
	return false
}

// countLocked returns the number of waiters in b waiting on key.
//
// Preconditions: b.mu must be locked.
func (b *bucket) countLocked(key *Key) int {
	n := 0
	for w := b.waiters.Front(); w != nil; w = w.Next() {
		if w.key == *key {
			n++
		}
	}
	return n
}

// requeueLocked takes up to n waiters on key from the bucket and moves them
// to nkey on the bucket "to", preserving their order. Waiters for which drop
// returns true are dequeued instead, without notification, and do not count
// towards n. drop may be nil.
//
// Preconditions: b and to must be locked.
func (b *bucket) requeueLocked(to *bucket, key, nkey *Key, n int, drop func(w *Waiter) bool) int {
	done := 0
	for w := b.waiters.Front(); done < n && w != nil; {
		if w.key != *key {
			// Not matching.
			w = w.Next()
			continue
		}

		requeued := w
		w = w.Next() // Next iteration.
		b.waiters.Remove(requeued)
		if drop != nil && drop(requeued) {
			requeued.bucket.Store(nil)
			continue
		}
		requeued.key = *nkey
		to.waiters.PushBack(requeued)
		requeued.bucket.Store(to)
		done++
	}
	return done
}

// removeLocked dequeues every waiter for which match returns true, without
// notifying it, and returns the number removed.
//
// Preconditions: b.mu must be locked.
func (b *bucket) removeLocked(match func(w *Waiter) bool) int {
	done := 0
	for w := b.waiters.Front(); w != nil; {
		if !match(w) {
			w = w.Next()
			continue
		}
		removed := w
		w = w.Next()
		b.waiters.Remove(removed)
		removed.bucket.Store(nil)
		done++
	}
	return done
}

// Manager holds futex state for a kernel. All processes share one Manager;
// keys include the process ID.
type Manager struct {
	buckets [bucketCount]bucket

	// clearing is the number of ClearWaiters calls in progress. It is only
	// modified with sweepMu held.
	clearing atomic.Int32

	// sweepMu protects sweeps.
	sweepMu sync.Mutex

	// sweeps holds the tasks and processes whose waiters are being
	// cleared. Requeue drops their waiters rather than moving them into a
	// bucket the sweep may already have visited.
	sweeps []sweep
}

// sweep identifies the waiters removed by one ClearWaiters call.
type sweep struct {
	id     int32
	leader bool
}

// matches returns true if w belongs to the task or process s clears.
func (s sweep) matches(w *Waiter) bool {
	if s.leader {
		return w.key.PID == s.id
	}
	return w.tid == s.id
}

// beginSweep registers s with requeue.
func (m *Manager) beginSweep(s sweep) {
	m.sweepMu.Lock()
	m.sweeps = append(m.sweeps, s)
	m.clearing.Add(1)
	m.sweepMu.Unlock()
}

// endSweep unregisters s.
func (m *Manager) endSweep(s sweep) {
	m.sweepMu.Lock()
	for i, o := range m.sweeps {
		if o == s {
			m.sweeps = append(m.sweeps[:i], m.sweeps[i+1:]...)
			break
		}
	}
	m.clearing.Add(-1)
	m.sweepMu.Unlock()
}

// sweeping returns a function reporting whether a waiter is being cleared by
// a concurrent ClearWaiters call, or nil if there is none.
//
// Preconditions: The bucket locks of the requeue's source and destination
// must be held, so that a sweep registered after this call visits both
// buckets only after the requeue finishes.
func (m *Manager) sweeping() func(w *Waiter) bool {
	if m.clearing.Load() == 0 {
		return nil
	}
	m.sweepMu.Lock()
	sweeps := append([]sweep(nil), m.sweeps...)
	m.sweepMu.Unlock()
	return func(w *Waiter) bool {
		for _, s := range sweeps {
			if s.matches(w) {
				return true
			}
		}
		return false
	}
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	return &Manager{}
}

// lockBucket returns a locked bucket for the given key.
func (m *Manager) lockBucket(k *Key) *bucket {
	b := &m.buckets[bucketIndex(k)]
	b.mu.Lock()
	return b
}

// lockBuckets returns locked buckets for the given keys.
func (m *Manager) lockBuckets(k1, k2 *Key) (*bucket, *bucket) {
	// Buckets must be consistently ordered to avoid circular lock
	// dependencies. We order buckets by index (lowest index first).
	i1 := bucketIndex(k1)
	i2 := bucketIndex(k2)
	b1 := &m.buckets[i1]
	b2 := &m.buckets[i2]
	switch {
	case i1 < i2:
		b1.mu.Lock()
		b2.mu.Lock()
	case i2 < i1:
		b2.mu.Lock()
		b1.mu.Lock()
	default:
		b1.mu.Lock()
	}
	return b1, b2
}

// unlockBuckets releases buckets locked by lockBuckets.
func unlockBuckets(b1, b2 *bucket) {
	b1.mu.Unlock()
	if b2 != b1 {
		b2.mu.Unlock()
	}
}

// Wake wakes up to n waiters on the given addr, oldest first. The number of
// waiters woken is returned.
func (m *Manager) Wake(t Target, addr hostarch.Addr, private bool, n int) (int, error) {
	return m.WakeBitset(t, addr, private, linux.FUTEX_BITSET_MATCH_ANY, n)
}

// WakeBitset wakes up to n waiters on the given addr whose bitmask shares a
// bit with bitmask, oldest first. Other waiters keep their place. The number
// of waiters woken is returned.
func (m *Manager) WakeBitset(t Target, addr hostarch.Addr, private bool, bitmask uint32, n int) (int, error) {
	if bitmask == 0 {
		return 0, linuxerr.EINVAL
	}
	// This function is very hot; avoid defer.
	k, err := DeriveKey(t, addr, private)
	if err != nil {
		return 0, err
	}

	b := m.lockBucket(&k)
	r := b.wakeLocked(&k, bitmask, n)
	b.mu.Unlock()
	return r, nil
}

// Requeue wakes up to nwake waiters on addr. If waiters on addr remain, up to
// nreq of them are then moved, in order, to the back of the queue for naddr.
// It returns the number of waiters woken.
func (m *Manager) Requeue(t Target, addr, naddr hostarch.Addr, private bool, nwake, nreq int) (int, error) {
	k1, err := DeriveKey(t, addr, private)
	if err != nil {
		return 0, err
	}
	k2, err := DeriveKey(t, naddr, private)
	if err != nil {
		return 0, err
	}
	if k1 == k2 {
		return m.Wake(t, addr, private, nwake)
	}

	i1, i2 := bucketIndex(&k1), bucketIndex(&k2)
	b1 := &m.buckets[i1]
	b2 := &m.buckets[i2]

	b1.mu.Lock()
	done := b1.wakeLocked(&k1, linux.FUTEX_BITSET_MATCH_ANY, nwake)
	if nreq <= 0 || !b1.hasLocked(&k1) {
		b1.mu.Unlock()
		return done, nil
	}
	switch {
	case i1 == i2:
	case i1 < i2:
		b2.mu.Lock()
	default:
		// b2 precedes b1 in lock order. Drop b1 and take both in order;
		// waiters that come or go in between are handled like any other
		// concurrent operation.
		b1.mu.Unlock()
		b1, b2 = m.lockBuckets(&k1, &k2)
	}
	moved := b1.requeueLocked(b2, &k1, &k2, nreq, m.sweeping())
	unlockBuckets(b1, b2)
	if moved > 0 && log.IsLogging(log.Debug) {
		log.Debugf("futex: requeued %d waiters from %+v to %+v", moved, k1, k2)
	}
	return done, nil
}

// CmpRequeue atomically checks that addr contains val, wakes up to nwake
// waiters on addr and then requeues up to nreq waiters on naddr. It fails
// with EAGAIN if the value does not match.
func (m *Manager) CmpRequeue(t Target, addr, naddr hostarch.Addr, private bool, val uint32, nwake, nreq int) (int, error) {
	k1, err := DeriveKey(t, addr, private)
	if err != nil {
		return 0, err
	}
	k2, err := DeriveKey(t, naddr, private)
	if err != nil {
		return 0, err
	}
	// Fault the page in before taking the bucket locks.
	if _, err := ReadValue(t, addr); err != nil {
		return 0, err
	}

	b1, b2 := m.lockBuckets(&k1, &k2)
	defer unlockBuckets(b1, b2)

	// Perform our atomic check.
	cur, err := loadResident(t, addr)
	if err != nil {
		return 0, err
	}
	if cur != val {
		return 0, linuxerr.EAGAIN
	}

	// Wake the number required.
	done := b1.wakeLocked(&k1, linux.FUTEX_BITSET_MATCH_ANY, nwake)

	// Requeue the number required.
	if k1 != k2 {
		b1.requeueLocked(b2, &k1, &k2, nreq, m.sweeping())
	}
	return done, nil
}

// WakeOp atomically applies op to the memory address addr2, wakes up to nwake1
// waiters unconditionally from addr1, and, based on the original value at addr2
// and a comparison encoded in op, wakes up to nwake2 waiters from addr2.
// It returns the total number of waiters woken.
func (m *Manager) WakeOp(t Operator, addr1, addr2 hostarch.Addr, private bool, nwake1, nwake2 int, op uint32) (int, error) {
	k1, err := DeriveKey(t, addr1, private)
	if err != nil {
		return 0, err
	}
	k2, err := DeriveKey(t, addr2, private)
	if err != nil {
		return 0, err
	}
	if err := t.EnsureResident(addr2); err != nil {
		return 0, err
	}

	b1, b2 := m.lockBuckets(&k1, &k2)
	defer unlockBuckets(b1, b2)

	cond, err := t.Op(addr2, op)
	if err != nil {
		return 0, err
	}

	// Wake up up to nwake1 entries from the first bucket.
	done := b1.wakeLocked(&k1, linux.FUTEX_BITSET_MATCH_ANY, nwake1)

	// Wake up up to nwake2 entries from the second bucket if the
	// operation yielded true.
	if cond {
		done += b2.wakeLocked(&k2, linux.FUTEX_BITSET_MATCH_ANY, nwake2)
	}

	return done, nil
}

// WaitPrepare atomically checks that addr contains val, then enqueues w to be
// woken by a send to w.C. If WaitPrepare returns nil, the Waiter must be
// subsequently removed by calling WaitComplete, whether or not a wakeup is
// received on w.C.
func (m *Manager) WaitPrepare(w *Waiter, t Target, addr hostarch.Addr, private bool, val uint32, bitmask uint32) error {
	if bitmask == 0 {
		return linuxerr.EINVAL
	}
	k, err := DeriveKey(t, addr, private)
	if err != nil {
		return err
	}
	// Resolve the page before taking the bucket lock; the load under the
	// lock below must not allocate.
	if _, err := ReadValue(t, addr); err != nil {
		return err
	}
	if w.bucket.Load() != nil {
		panic("futex: waiter already queued")
	}

	// Prepare the Waiter before taking the bucket lock.
	select {
	case <-w.C:
	default:
	}
	w.key = k
	w.bitmask = bitmask

	b := m.lockBucket(&k)
	// This function is very hot; avoid defer.

	// Perform our atomic check. A waker must take this bucket lock to
	// dequeue us, so it cannot run between the check and the enqueue.
	cur, err := loadResident(t, addr)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if cur != val {
		b.mu.Unlock()
		return linuxerr.EAGAIN
	}

	// Add the waiter to the bucket.
	b.waiters.PushBack(w)
	w.bucket.Store(b)

	b.mu.Unlock()
	return nil
}

// WaitComplete must be called when a Waiter previously added by WaitPrepare is
// no longer eligible to be woken. It returns true if w was still queued, i.e.
// nobody dequeued it since WaitPrepare.
func (m *Manager) WaitComplete(w *Waiter) bool {
	// Remove w from the bucket it's in.
	for {
		b := w.bucket.Load()

		// If b is nil, the waiter isn't in any bucket anymore. This can't be
		// racy because the waiter can't be concurrently re-queued in another
		// bucket.
		if b == nil {
			return false
		}

		// Take the bucket lock. Note that without holding the bucket lock, the
		// waiter is not guaranteed to stay in that bucket, so after we take
		// the bucket lock, we must ensure that the bucket hasn't changed: if
		// it happens to have changed, we release the old bucket lock and try
		// again with the new bucket; if it hasn't changed, we know it won't
		// change now because we hold the lock.
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}

		// Remove w from b.
		b.waiters.Remove(w)
		w.bucket.Store(nil)
		b.mu.Unlock()
		return true
	}
}

// ClearWaiters dequeues waiters belonging to an exiting task or process. If
// leader is true, every waiter on a futex of process id is removed; otherwise
// only waiters owned by task id are. Removed waiters are not notified. It
// returns the number of waiters removed.
//
// Every matching waiter queued when ClearWaiters is called is gone when it
// returns, including waiters that a concurrent Requeue or CmpRequeue tries
// to move; those are dropped by the requeue and not counted here.
func (m *Manager) ClearWaiters(id int32, leader bool) int {
	s := sweep{id: id, leader: leader}
	m.beginSweep(s)
	defer m.endSweep(s)

	removed := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		removed += b.removeLocked(s.matches)
		b.mu.Unlock()
	}
	if removed > 0 {
		log.Debugf("futex: cleared %d waiters of %d (leader=%t)", removed, id, leader)
	}
	return removed
}

// Waiters returns the number of waiters queued on the word at addr.
func (m *Manager) Waiters(t Target, addr hostarch.Addr, private bool) int {
	k, err := DeriveKey(t, addr, private)
	if err != nil {
		return 0
	}
	b := m.lockBucket(&k)
	defer b.mu.Unlock()
	return b.countLocked(&k)
}

// Len returns the number of waiters queued on all futexes.
func (m *Manager) Len() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		n += b.waiters.Len()
		b.mu.Unlock()
	}
	return n
}
