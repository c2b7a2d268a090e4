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

package cmd

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kfutex.dev/kfutex/futexsim/config"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	slinux "kfutex.dev/kfutex/pkg/sentry/syscalls/linux"
)

func TestArchInfo(t *testing.T) {
	info := getArchInfo(slinux.AMD64)
	if info.Arch != "amd64" {
		t.Errorf("arch: got %q, want amd64", info.Arch)
	}
	if got, want := len(info.Syscalls), len(slinux.AMD64.Table); got != want {
		t.Fatalf("got %d syscalls, want %d", got, want)
	}
	for i := 1; i < len(info.Syscalls); i++ {
		if info.Syscalls[i-1].Num >= info.Syscalls[i].Num {
			t.Errorf("syscalls out of order: %d before %d", info.Syscalls[i-1].Num, info.Syscalls[i].Num)
		}
	}
	var futex *SyscallDoc
	for i := range info.Syscalls {
		if info.Syscalls[i].Name == "futex" {
			futex = &info.Syscalls[i]
		}
	}
	if futex == nil {
		t.Fatalf("futex missing from %+v", info.Syscalls)
	}
	if futex.Num != 202 || futex.Support != kernel.SupportPartial.String() {
		t.Errorf("futex: got %+v, want number 202 with partial support", futex)
	}
}

func TestOutputFormats(t *testing.T) {
	info := ArchInfo{
		Arch: "amd64",
		Syscalls: []SyscallDoc{
			{Num: 24, Name: "sched_yield", Support: "Full"},
			{Num: 202, Name: "futex", Support: "Partial", Note: "PI operations are not supported."},
		},
	}

	var buf bytes.Buffer
	if err := outputJSON(&buf, info); err != nil {
		t.Fatalf("outputJSON failed: %v", err)
	}
	var decoded ArchInfo
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding JSON output: %v", err)
	}
	if diff := cmp.Diff(info, decoded); diff != "" {
		t.Errorf("JSON output mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := outputCSV(&buf, info); err != nil {
		t.Fatalf("outputCSV failed: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("decoding CSV output: %v", err)
	}
	want := [][]string{
		{"Arch", "Num", "Name", "Support", "Note"},
		{"amd64", "24", "sched_yield", "Full", ""},
		{"amd64", "202", "futex", "Partial", "PI operations are not supported."},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("CSV output mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := outputTable(&buf, info); err != nil {
		t.Fatalf("outputTable failed: %v", err)
	}
	for _, s := range []string{"linux/amd64:", "NUM", "sched_yield", "PI operations"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("table output missing %q:\n%s", s, buf.String())
		}
	}
}

func TestWriteMetrics(t *testing.T) {
	conf := &config.Config{}
	if err := writeMetrics(conf); err != nil {
		t.Fatalf("writeMetrics with no file failed: %v", err)
	}

	conf.MetricsFile = filepath.Join(t.TempDir(), "metrics.txt")
	if err := writeMetrics(conf); err != nil {
		t.Fatalf("writeMetrics failed: %v", err)
	}
	data, err := os.ReadFile(conf.MetricsFile)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, name := range []string{"kfutex_futex_calls", "kfutex_futex_queued_waiters"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metrics file does not contain %s:\n%s", name, data)
		}
	}
}
