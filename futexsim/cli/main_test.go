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

package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/subcommands"
	"kfutex.dev/kfutex/pkg/log"
)

func TestForEachCmd(t *testing.T) {
	groups := make(map[string][]string)
	forEachCmd(func(c subcommands.Command, group string) {
		groups[group] = append(groups[group], c.Name())
	})
	for _, name := range []string{"stress", "condvar", "scenario"} {
		found := false
		for _, n := range groups["workloads"] {
			found = found || n == name
		}
		if !found {
			t.Errorf("command %q not registered in workloads: %v", name, groups["workloads"])
		}
	}
	if got := len(groups["info"]); got != 2 {
		t.Errorf("info group: got %d commands, want 2", got)
	}
}

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{"text", "json", "json-k8s", "logfmt"} {
		format := format
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			e := newEmitter(format, &buf)
			e.Emit(0, log.Info, time.Now(), "hello %d", 42)
			if !bytes.Contains(buf.Bytes(), []byte("hello 42")) {
				t.Errorf("%s emitter wrote %q, want it to contain %q", format, buf.String(), "hello 42")
			}
		})
	}
}
