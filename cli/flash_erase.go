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

	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/cli/ourutil"
	"github.com/mongoose-os/norflash/flash/nor"
)

func flashErase(ctx context.Context, d *nor.Driver) error {
	args, err := requireArgs(1, "erase <addr>")
	if err != nil {
		return errors.Trace(err)
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Erasing block @ 0x%x...", addr)
	if err := d.EraseBlock(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Done")
	return nil
}

func flashEraseChip(ctx context.Context, d *nor.Driver) error {
	if _, err := requireArgs(0, "erase-chip"); err != nil {
		return errors.Trace(err)
	}
	if !*force {
		if ourutil.Prompt("Erase the entire chip? This cannot be undone. [y/N]") != "y" {
			return errors.Errorf("aborted")
		}
	}
	ourutil.Reportf("Erasing chip, this can take a while...")
	if err := d.EraseChip(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Done")
	return nil
}
