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

package main

import (
	"context"
	"io/ioutil"
	"strconv"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/norflash/cli/ourutil"
	"github.com/mongoose-os/norflash/flash/fmc"
	"github.com/mongoose-os/norflash/flash/fmc/dap"
	"github.com/mongoose-os/norflash/flash/fmc/sim"
	"github.com/mongoose-os/norflash/flash/nor"
)

// boardProfile is the YAML layout of a --board-config file. Absent
// sections keep the built-in STM324x9I-EVAL profile.
type boardProfile struct {
	Config *fmc.Config `yaml:"config"`
	Timing *fmc.Timing `yaml:"timing"`
}

func loadBoardProfile(fname string, opts *nor.Opts) error {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return errors.Annotatef(err, "failed to read board config")
	}
	var bp boardProfile
	if err := yaml.UnmarshalStrict(data, &bp); err != nil {
		return errors.Annotatef(err, "failed to parse board config %s", fname)
	}
	opts.Config = bp.Config
	opts.Timing = bp.Timing
	return nil
}

func openDriver(ctx context.Context) (*nor.Driver, func(), error) {
	opts := &nor.Opts{}
	if *boardConfig != "" {
		if err := loadBoardProfile(*boardConfig, opts); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	cleanup := func() {}
	var ctrl fmc.Controller
	switch *backend {
	case "sim":
		ourutil.Reportf("Using simulated chip")
		ctrl = sim.NewController()
	case "dap":
		p, err := dap.OpenProbe(ctx, *vid, *pid)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "failed to open debug probe")
		}
		cleanup = func() { p.Close() }
		if *boardSetup {
			opts.BoardSetup = dap.BoardSetup(p)
		}
		ctrl = dap.NewController(p)
	default:
		return nil, nil, errors.Errorf("invalid backend %q", *backend)
	}
	return nor.New(ctrl, opts), cleanup, nil
}

func parseAddr(arg string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid address %q", arg)
	}
	return uint32(v), nil
}

// bytesToWords packs file data into bus words, little-endian, padding
// an odd tail byte with the erased value.
func bytesToWords(data []byte) []uint16 {
	if len(data)%2 != 0 {
		data = append(data, 0xff)
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return words
}

func wordsToBytes(words []uint16) []byte {
	data := make([]byte, 2*len(words))
	for i, w := range words {
		data[2*i] = byte(w)
		data[2*i+1] = byte(w >> 8)
	}
	return data
}

func requireArgs(n int, usage string) ([]string, error) {
	args := flag.Args()[1:]
	if len(args) != n {
		return nil, errors.Errorf("invalid arguments, usage: %s", usage)
	}
	return args, nil
}
