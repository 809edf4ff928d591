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
	"bytes"
	"context"
	"io/ioutil"

	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/cli/ourutil"
	"github.com/mongoose-os/norflash/flash/nor"
)

func flashWrite(ctx context.Context, d *nor.Driver) error {
	args, err := requireArgs(2, "write <addr> <file>")
	if err != nil {
		return errors.Trace(err)
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		return errors.Annotatef(err, "failed to read input file")
	}
	words := bytesToWords(data)

	ourutil.Reportf("Writing %d bytes @ 0x%x...", len(data), addr)
	if *buffered {
		err = d.ProgramData(ctx, addr, words)
	} else {
		err = d.WriteData(ctx, addr, words)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		return errors.Trace(err)
	}
	if *verify {
		ourutil.Reportf("Verifying...")
		rbuf := make([]uint16, len(words))
		if err := d.ReadData(ctx, addr, rbuf); err != nil {
			return errors.Trace(err)
		}
		if !bytes.Equal(wordsToBytes(rbuf), wordsToBytes(words)) {
			return errors.Errorf("verification failed @ 0x%x", addr)
		}
	}
	ourutil.Reportf("Done")
	return nil
}
