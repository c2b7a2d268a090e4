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

package kernel

import (
	"testing"
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/ktime"
)

func readyChan() chan struct{} {
	C := make(chan struct{}, 1)
	C <- struct{}{}
	return C
}

func TestBlockWithDeadline(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	task := tg.Leader()
	now := ktime.MonotonicClock.Now()

	for _, tc := range []struct {
		name         string
		C            chan struct{}
		deadline     ktime.Time
		haveDeadline bool
		want         error
	}{
		{name: "ready", C: readyChan(), want: nil},
		{name: "ready with deadline", C: readyChan(), deadline: now.Add(time.Hour), haveDeadline: true, want: nil},
		{name: "ready past deadline", C: readyChan(), deadline: now.Add(-time.Second), haveDeadline: true, want: nil},
		{name: "past deadline", C: make(chan struct{}, 1), deadline: now.Add(-time.Second), haveDeadline: true, want: linuxerr.ETIMEDOUT},
		{name: "short deadline", C: make(chan struct{}, 1), deadline: now.Add(10 * time.Millisecond), haveDeadline: true, want: linuxerr.ETIMEDOUT},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := task.BlockWithDeadline(tc.C, tc.deadline, tc.haveDeadline); err != tc.want {
				t.Errorf("BlockWithDeadline: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBlockWithTimeout(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	task := tg.Leader()

	start := time.Now()
	if err := task.BlockWithTimeout(make(chan struct{}), 20*time.Millisecond); err != linuxerr.ETIMEDOUT {
		t.Errorf("BlockWithTimeout: got %v, want ETIMEDOUT", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("BlockWithTimeout returned after %v, want at least 20ms", elapsed)
	}
}

func TestBlockInterrupt(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	task := tg.Leader()

	done := make(chan error)
	go func() {
		done <- task.Block(make(chan struct{}))
	}()
	task.Interrupt()
	if err := <-done; err != linuxerr.EINTR {
		t.Errorf("Block: got %v, want EINTR", err)
	}
	if task.SignalPending() {
		t.Error("Interrupt left a signal pending")
	}

	// A bare interrupt is consumed by the block it ends.
	if err := task.Block(readyChan()); err != nil {
		t.Errorf("Block after interrupt: got %v, want nil", err)
	}
}

func TestBlockSignalStaysPending(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	task := tg.Leader()

	if err := task.SendSignal(linux.SIGUSR1); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := task.Block(make(chan struct{})); err != linuxerr.EINTR {
			t.Errorf("Block %d with signal pending: got %v, want EINTR", i, err)
		}
	}
	if sig := task.DequeueSignal(^linux.SignalSet(0)); sig != linux.SIGUSR1 {
		t.Errorf("DequeueSignal: got %d, want %d", sig, linux.SIGUSR1)
	}
	if err := task.Block(readyChan()); err != nil {
		t.Errorf("Block after dequeue: got %v, want nil", err)
	}
}

func TestYield(t *testing.T) {
	k := newTestKernel(t, Config{})
	tg, _ := newTestThreadGroup(t, k)
	task := tg.Leader()

	task.Yield()
	task.Yield()
	if got := task.YieldCount(); got != 2 {
		t.Errorf("YieldCount: got %d, want 2", got)
	}
}
