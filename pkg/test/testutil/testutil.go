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

// Package testutil contains utility functions for kfutex tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// PollInterval is the delay between two attempts of Poll.
var PollInterval = 5 * time.Millisecond

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(PollInterval), ctx)
	return backoff.Retry(cb, b)
}

// WaitForCount polls until count() returns want.
func WaitForCount(count func() int, want int, timeout time.Duration) error {
	var got int
	err := Poll(func() error {
		if got = count(); got != want {
			return fmt.Errorf("got %d, want %d", got, want)
		}
		return nil
	}, timeout)
	if err != nil {
		return fmt.Errorf("waiting for count: %w (last value %d)", err, got)
	}
	return nil
}
