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

package syscalls

import (
	"testing"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/sentry/arch"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

func TestError(t *testing.T) {
	sc := Error("lock_pi", linuxerr.ENOSYS, "Not implemented")
	if sc.SupportLevel != kernel.SupportUnimplemented {
		t.Errorf("SupportLevel got %v want %v", sc.SupportLevel, kernel.SupportUnimplemented)
	}
	if want := "Not implemented; Returns invalid system call number."; sc.Note != want {
		t.Errorf("Note got %q want %q", sc.Note, want)
	}
	if _, err := sc.Fn(nil, arch.SyscallArguments{}); err != linuxerr.ENOSYS {
		t.Errorf("Fn got err %v want ENOSYS", err)
	}
}

func TestSupportLevels(t *testing.T) {
	fn := func(*kernel.Task, arch.SyscallArguments) (uintptr, error) { return 0, nil }
	if got := Supported("a", fn).SupportLevel; got != kernel.SupportFull {
		t.Errorf("Supported got %v want %v", got, kernel.SupportFull)
	}
	if got := PartiallySupported("b", fn, "note").SupportLevel; got != kernel.SupportPartial {
		t.Errorf("PartiallySupported got %v want %v", got, kernel.SupportPartial)
	}
}
