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
	"kfutex.dev/kfutex/pkg/abi/linux/errno"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/log"
)

// ReturnValue converts the result of a syscall implementation into the value
// the application sees in its return register: rval on success and -errno on
// failure. Errors that carry no errno are reported as EIO.
func ReturnValue(rval uintptr, err error) int64 {
	if err == nil {
		return int64(rval)
	}
	e, ok := linuxerr.TranslateError(err)
	if !ok {
		log.Warningf("Syscall returned untranslatable error %v (%T), returning EIO", err, err)
		return -int64(errno.EIO)
	}
	return -int64(linuxerr.ToUnix(e))
}
