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

package kernel

import (
	"kfutex.dev/kfutex/pkg/metric"
	"kfutex.dev/kfutex/pkg/sentry/kernel/futex"
	"kfutex.dev/kfutex/pkg/sync"
)

// kernelSet tracks the kernels that have not been shut down.
type kernelSet struct {
	mu      sync.Mutex
	kernels map[*Kernel]struct{}
}

var liveKernels = kernelSet{kernels: make(map[*Kernel]struct{})}

func (s *kernelSet) add(k *Kernel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernels[k] = struct{}{}
}

func (s *kernelSet) remove(k *Kernel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kernels, k)
}

// queuedWaiters returns the number of futex waiters queued in all live
// kernels. Kernels sharing a futex manager are counted once.
func (s *kernelSet) queuedWaiters() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*futex.Manager]struct{}, len(s.kernels))
	var n uint64
	for k := range s.kernels {
		if _, ok := seen[k.futexes]; ok {
			continue
		}
		seen[k.futexes] = struct{}{}
		n += uint64(k.futexes.Len())
	}
	return n
}

func init() {
	metric.MustRegisterCustomUint64Metric("/futex/queued_waiters", false /* cumulative */, false /* sync */,
		"Number of futex waiters currently queued.",
		func(...string) uint64 { return liveKernels.queuedWaiters() })
}
