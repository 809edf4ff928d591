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

func flashID(ctx context.Context, d *nor.Driver) error {
	if _, err := requireArgs(0, "id"); err != nil {
		return errors.Trace(err)
	}
	id, err := d.ReadIdentity(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	// The autoselect sequence leaves the chip in command mode.
	if err := d.ReturnToReadMode(ctx); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("NOR chip: %s", id)
	return nil
}
