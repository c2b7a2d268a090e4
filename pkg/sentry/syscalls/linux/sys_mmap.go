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

package linux

import (
	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

// Mmap implements linux syscall mmap(2). Only private anonymous mappings are
// supported; the address hint is ignored.
func Mmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	length := args[1].Uint64()
	flags := args[3].Int()

	if flags&linux.MAP_SHARED != 0 || flags&linux.MAP_PRIVATE == 0 {
		return 0, linuxerr.EINVAL
	}
	if flags&linux.MAP_ANONYMOUS == 0 {
		// No file descriptors exist to map.
		return 0, linuxerr.EBADF
	}
	if flags&linux.MAP_FIXED != 0 {
		return 0, linuxerr.EINVAL
	}

	addr, err := t.MemoryManager().MMap(length)
	return uintptr(addr), err
}

// Munmap implements linux syscall munmap(2). Only whole mappings can be
// removed.
func Munmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	return 0, t.MemoryManager().MUnmap(args[0].Pointer(), args[1].Uint64())
}
