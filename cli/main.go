//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

// The norflash tool drives a parallel NOR chip on an FMC bus, either
// through a CMSIS-DAP probe or against a simulated chip.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/norflash/cli/pflagenv"
	"github.com/mongoose-os/norflash/flash/nor"
	"github.com/mongoose-os/norflash/version"
)

const envPrefix = "NORFLASH_"

var (
	backend     = flag.String("backend", "dap", "Bus backend. Possible values: dap, sim")
	vid         = flag.Uint16("vid", 0x0d28, "Probe USB vendor ID")
	pid         = flag.Uint16("pid", 0x0204, "Probe USB product ID")
	boardConfig = flag.String("board-config", "", "YAML file overriding the board timing/mode profile")
	boardSetup  = flag.Bool("board-setup", false, "Configure FMC clock and pins through the probe before opening the bank")
	buffered    = flag.Bool("buffered", false, "Use the device's buffered program command instead of word programming")
	verify      = flag.Bool("verify", true, "Read back and compare after writing")
	force       = flag.Bool("force", false, "Use the force")

	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

var (
	commands = []command{
		{"id", flashID, `Read the chip's manufacturer/device ID codes`, nil},
		{"read", flashRead, `read <addr> <length> <file>: Read length bytes at addr into file`, nil},
		{"write", flashWrite, `write <addr> <file>: Program file at addr`, []string{"buffered", "verify"}},
		{"erase", flashErase, `erase <addr>: Erase the block containing addr`, nil},
		{"erase-chip", flashEraseChip, `Erase the entire chip`, []string{"force"}},
	}

	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logbufsecs",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
	}
)

type command struct {
	name     string
	handler  handler
	short    string
	optional []string
}

type handler func(ctx context.Context, d *nor.Driver) error

func printFlag(w io.Writer, name string) {
	f := flag.Lookup(name)
	arg := "<string>"
	if f.Value.Type() == "bool" {
		arg = ""
	}
	fmt.Fprintf(w, "  --%s %s\t%s, default value: %q\n", name, arg, f.Usage, f.DefValue)
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)
	if len(os.Args) == 3 && os.Args[1] == "help" {
		for _, c := range commands {
			if c.name == os.Args[2] {
				fmt.Fprintf(w, "%s %s FLAGS\n", os.Args[0], os.Args[2])
				fmt.Fprintf(w, "\nFlags:\n")
				for _, name := range c.optional {
					printFlag(w, name)
				}
				w.Flush()
				os.Exit(1)
			}
		}
	}
	fmt.Fprintf(w, "The NOR flash command line tool.\n")
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s <command>\n", os.Args[0])
	fmt.Fprintf(w, "\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\t\t%s\n", c.name, c.short)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	w.Flush()
	flag.PrintDefaults()
}

func run(ctx context.Context) error {
	for _, c := range commands {
		if c.name != flag.Arg(0) {
			continue
		}
		d, cleanup, err := openDriver(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		defer cleanup()
		if err := d.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to initialize NOR driver")
		}
		return errors.Trace(c.handler(ctx, d))
	}
	usage()
	return nil
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
	flag.Usage = usage
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("%s\nVersion: %s\nBuild ID: %s\n",
			"The NOR flash command line tool", version.Version, version.BuildId)
		return
	}
	if *helpFull {
		for _, f := range hiddenFlags {
			if f := flag.Lookup(f); f != nil {
				f.Hidden = false
			}
		}
		usage()
		return
	}

	defer glog.Flush()
	if err := run(context.Background()); err != nil {
		glog.Infof("Error: %+v", err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
