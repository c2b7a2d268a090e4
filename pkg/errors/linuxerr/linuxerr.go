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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"kfutex.dev/kfutex/pkg/abi/linux/errno"
	"kfutex.dev/kfutex/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable;
// use Equals, or convert with ToUnix.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(errno.EPERM, "operation not permitted")
	ENOENT                = errors.New(errno.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(errno.ESRCH, "no such process")
	EINTR                 = errors.New(errno.EINTR, "interrupted system call")
	EIO                   = errors.New(errno.EIO, "I/O error")
	E2BIG                 = errors.New(errno.E2BIG, "argument list too long")
	EBADF                 = errors.New(errno.EBADF, "bad file number")
	EAGAIN                = errors.New(errno.EAGAIN, "try again")
	ENOMEM                = errors.New(errno.ENOMEM, "out of memory")
	EACCES                = errors.New(errno.EACCES, "permission denied")
	EFAULT                = errors.New(errno.EFAULT, "bad address")
	EBUSY                 = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST                = errors.New(errno.EEXIST, "file exists")
	EINVAL                = errors.New(errno.EINVAL, "invalid argument")
	ERANGE                = errors.New(errno.ERANGE, "math result not representable")
	EDEADLK               = errors.New(errno.EDEADLK, "resource deadlock would occur")
	ENOSYS                = errors.New(errno.ENOSYS, "invalid system call number")
	ETIMEDOUT             = errors.New(errno.ETIMEDOUT, "connection timed out")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
	EDEADLOCK   = EDEADLK
)

// ERESTARTSYS is returned by an interrupted syscall to indicate that it
// should be converted to EINTR if interrupted by a signal delivered to a
// user handler without SA_RESTART set, and restarted otherwise.
var ERESTARTSYS = errors.New(errno.ERESTARTSYS, "to be restarted if SA_RESTART is set")

// errorSlice holds errors by errno for fast translation between errnos and
// *errors.Error. Index 0 is the nil *errors.Error.
var errorSlice = func() []*errors.Error {
	s := make([]*errors.Error, errno.ETIMEDOUT+1)
	for _, e := range []*errors.Error{
		EPERM, ENOENT, ESRCH, EINTR, EIO, E2BIG, EBADF, EAGAIN, ENOMEM,
		EACCES, EFAULT, EBUSY, EEXIST, EINVAL, ERANGE, EDEADLK, ENOSYS,
		ETIMEDOUT,
	} {
		s[e.Errno()] = e
	}
	return s
}()

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if int(err) >= len(errorSlice) || errorSlice[err] == nil {
		panic(fmt.Sprintf("invalid error requested with errno: %d", uint32(err)))
	}
	return errorSlice[err]
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// TranslateError returns the *errors.Error carried by err, if any.
func TranslateError(from error) (*errors.Error, bool) {
	switch e := from.(type) {
	case *errors.Error:
		return e, e != noError
	case unix.Errno:
		if int(e) < len(errorSlice) && errorSlice[e] != nil {
			return errorSlice[e], true
		}
	}
	return nil, false
}
