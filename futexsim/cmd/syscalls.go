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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kfutex.dev/kfutex/futexsim/cmd/util"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	slinux "kfutex.dev/kfutex/pkg/sentry/syscalls/linux"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
}

// ArchInfo is compatibility doc for an architecture.
type ArchInfo struct {
	// Arch is the architecture name, e.g. amd64.
	Arch string `json:"arch"`

	// Syscalls lists the table's syscalls in ascending number order.
	Syscalls []SyscallDoc `json:"syscalls"`
}

// SyscallDoc represents a single item of syscall documentation.
type SyscallDoc struct {
	Num     uintptr `json:"num"`
	Name    string  `json:"name"`
	Support string  `json:"support"`
	Note    string  `json:"note,omitempty"`
}

type outputFunc func(io.Writer, ArchInfo) error

// A map of output type names to output functions.
var outputMap = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print compatibility information for syscalls."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print compatibility information for syscalls.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		return util.Errorf("Unsupported output format %q", s.output)
	}
	if err := out(os.Stdout, getArchInfo(slinux.AMD64)); err != nil {
		return util.Errorf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// getArchInfo returns compatibility info for t.
func getArchInfo(t *kernel.SyscallTable) ArchInfo {
	info := ArchInfo{Arch: t.Arch.String()}
	for _, num := range t.Numbers() {
		sc := t.Table[num]
		info.Syscalls = append(info.Syscalls, SyscallDoc{
			Num:     num,
			Name:    sc.Name,
			Support: sc.SupportLevel.String(),
			Note:    sc.Note,
		})
	}
	return info
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, info ArchInfo) error {
	if _, err := fmt.Fprintf(w, "linux/%s:\n\n", info.Arch); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "NUM\tNAME\tSUPPORT\tNOTE\n"); err != nil {
		return err
	}
	for _, sc := range info.Syscalls {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", sc.Num, sc.Name, sc.Support, sc.Note); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, info ArchInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(info)
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, info ArchInfo) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"Arch", "Num", "Name", "Support", "Note"}); err != nil {
		return err
	}
	for _, sc := range info.Syscalls {
		row := []string{
			info.Arch,
			strconv.FormatUint(uint64(sc.Num), 10),
			sc.Name,
			sc.Support,
			sc.Note,
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
