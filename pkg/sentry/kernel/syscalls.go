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
	"sort"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/arch"
)

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Task, args arch.SyscallArguments) (uintptr, error)

// SyscallSupportLevel is a syscall support level.
type SyscallSupportLevel int

// String returns a human readable representation of the support level.
func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportPartial:
		return "Partial Support"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

const (
	// SupportUndocumented indicates the syscall is not documented yet.
	SupportUndocumented SyscallSupportLevel = iota

	// SupportUnimplemented indicates the syscall is unimplemented.
	SupportUnimplemented

	// SupportPartial indicates the syscall is partially supported.
	SupportPartial

	// SupportFull indicates the syscall is fully supported.
	SupportFull
)

// Syscall includes the syscall implementation and compatibility information.
type Syscall struct {
	// Name is the syscall name.
	Name string
	// Fn is the implementation of the syscall.
	Fn SyscallFn
	// SupportLevel is the level of support implemented.
	SupportLevel SyscallSupportLevel
	// Note describes the compatibility of the syscall.
	Note string
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Arch is the architecture the table's syscall numbers belong to.
	Arch arch.Arch

	// Table is the collection of functions.
	Table map[uintptr]Syscall

	// Missing is the function to call when the syscall is not in the table.
	// If nil, missing syscalls fail with ENOSYS.
	Missing func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error)
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) (Syscall, bool) {
	sc, ok := s.Table[sysno]
	return sc, ok && sc.Fn != nil
}

// Numbers returns the syscall numbers in the table in ascending order.
func (s *SyscallTable) Numbers() []uintptr {
	nums := make([]uintptr, 0, len(s.Table))
	for n := range s.Table {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Syscall executes syscall sysno on behalf of t.
func (t *Task) Syscall(s *SyscallTable, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	sc, ok := s.Lookup(sysno)
	if !ok {
		if s.Missing != nil {
			return s.Missing(t, sysno, args)
		}
		t.Debugf("Unsupported syscall %d", sysno)
		return 0, linuxerr.ENOSYS
	}
	rval, err := sc.Fn(t, args)
	if log.IsLogging(log.Debug) {
		t.Debugf("%s(%s) = %#x, %v", sc.Name, formatArgs(args), rval, err)
	}
	return rval, err
}

func formatArgs(args arch.SyscallArguments) string {
	return fmt.Sprintf("%#x, %#x, %#x, %#x, %#x, %#x",
		args[0].Value, args[1].Value, args[2].Value, args[3].Value, args[4].Value, args[5].Value)
}
