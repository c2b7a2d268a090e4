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

package testutil

import (
	"fmt"
	"testing"
	"time"
)

func TestPollSucceeds(t *testing.T) {
	calls := 0
	err := Poll(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("not yet")
		}
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls != 3 {
		t.Errorf("callback called %d times, want 3", calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	err := Poll(func() error { return fmt.Errorf("never") }, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("Poll succeeded, want error")
	}
}

func TestWaitForCount(t *testing.T) {
	n := 0
	if err := WaitForCount(func() int { n++; return n }, 4, 5*time.Second); err != nil {
		t.Fatalf("WaitForCount: %v", err)
	}
	if err := WaitForCount(func() int { return 1 }, 2, 20*time.Millisecond); err == nil {
		t.Fatalf("WaitForCount succeeded, want error")
	}
}
