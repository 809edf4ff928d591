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
	"os"
	"strconv"

	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/cli/ourutil"
	"github.com/mongoose-os/norflash/flash/nor"
)

func flashRead(ctx context.Context, d *nor.Driver) error {
	args, err := requireArgs(3, "read <addr> <length> <file>")
	if err != nil {
		return errors.Trace(err)
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	length, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return errors.Annotatef(err, "invalid length %q", args[1])
	}
	outFile := args[2]

	buf := make([]uint16, (length+1)/2)
	ourutil.Reportf("Reading %d bytes @ 0x%x...", length, addr)
	if err := d.ReadData(ctx, addr, buf); err != nil {
		return errors.Trace(err)
	}
	data := wordsToBytes(buf)[:length]
	if outFile == "-" {
		_, err = os.Stdout.Write(data)
	} else {
		err = ioutil.WriteFile(outFile, data, 0644)
	}
	if err != nil {
		return errors.Annotatef(err, "failed to write output")
	}
	ourutil.Reportf("Done")
	return nil
}
