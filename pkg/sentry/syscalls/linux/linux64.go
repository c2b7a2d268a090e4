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

// Package linux provides syscall tables for amd64 Linux.
package linux

import (
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	"kfutex.dev/kfutex/pkg/sentry/syscalls"
)

// AMD64 is a table of Linux amd64 syscall API with the corresponding syscall
// numbers. Only the calls a futex-driven process needs are present; every
// other number fails with ENOSYS.
var AMD64 = &kernel.SyscallTable{
	Arch: arch.AMD64,
	Table: map[uintptr]kernel.Syscall{
		9:   syscalls.PartiallySupported("mmap", Mmap, "Only private anonymous mappings are supported."),
		11:  syscalls.PartiallySupported("munmap", Munmap, "Only whole mappings can be unmapped."),
		24:  syscalls.Supported("sched_yield", SchedYield),
		39:  syscalls.Supported("getpid", Getpid),
		60:  syscalls.Supported("exit", Exit),
		127: syscalls.Supported("rt_sigpending", RtSigpending),
		128: syscalls.PartiallySupported("rt_sigtimedwait", RtSigtimedwait, "The siginfo argument is not filled in."),
		186: syscalls.Supported("gettid", Gettid),
		200: syscalls.Supported("tkill", Tkill),
		202: syscalls.PartiallySupported("futex", Futex, "Robust futexes and priority inheritance are not implemented."),
		231: syscalls.Supported("exit_group", ExitGroup),
		273: syscalls.PartiallySupported("set_robust_list", SetRobustList, "The list is stored but never walked."),
		274: syscalls.PartiallySupported("get_robust_list", GetRobustList, "The list is stored but never walked."),
		449: syscalls.Error("futex_waitv", linuxerr.ENOSYS, "Vectored futex waits are not implemented"),
	},
}
