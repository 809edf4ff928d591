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

// Package nor is the board support driver for a parallel NOR flash
// chip (M29W128GL on the STM324x9I-EVAL) behind an FMC bank. It owns
// the bank configuration, sequences program/erase command cycles
// against the controller and polls for completion. All addresses
// taken by its methods are byte offsets from the bank base; counts
// are implied by slice lengths, in 16-bit words.
//
// The chip itself is the state machine: after any program, erase or
// identify sequence it stays in command mode until ReturnToReadMode.
// The driver tracks that state next to the handle and refuses plain
// reads while a command sequence is latched.
package nor

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/flash/fmc"
)

// Opts adjusts driver construction. The zero value gives the
// STM324x9I-EVAL profile with no board setup hook.
type Opts struct {
	// Config and Timing override the board defaults. Both profiles
	// (normal and extended) are opened with the same Timing, as the
	// board does not use extended mode.
	Config *fmc.Config
	Timing *fmc.Timing
	// BoardSetup runs before the controller is opened, in place of
	// the clock/pin setup hook a board port would override. Its error
	// is logged and otherwise ignored.
	BoardSetup func(ctx context.Context) error
}

// Driver is the NOR flash driver. A single mutex serializes all entry
// points: the bus is one shared exclusive resource and concurrent
// command sequences would corrupt the chip's command state.
type Driver struct {
	mu   sync.Mutex
	ctrl fmc.Controller
	opts Opts

	dev      fmc.Device
	base     uint32
	readMode bool
}

// New returns a driver on top of ctrl. Init must succeed before any
// other operation is usable.
func New(ctrl fmc.Controller, opts *Opts) *Driver {
	d := &Driver{ctrl: ctrl, base: fmc.DeviceAddr}
	if opts != nil {
		d.opts = *opts
	}
	if d.opts.Config == nil {
		d.opts.Config = fmc.BoardConfig()
	}
	if d.opts.Timing == nil {
		d.opts.Timing = fmc.BoardTiming()
	}
	return d
}

// Init runs the board setup hook and opens the FMC bank with the
// configured timing and mode bits. Calling it again replaces the
// handle and configuration wholesale.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dev = nil
	if d.opts.BoardSetup != nil {
		if err := d.opts.BoardSetup(ctx); err != nil {
			glog.Warningf("board setup hook failed: %v", err)
		}
	}
	dev, err := d.ctrl.Open(ctx, d.opts.Config, d.opts.Timing, d.opts.Timing)
	if err != nil {
		return errors.Annotatef(err, "failed to open NOR bank")
	}
	d.dev = dev
	d.readMode = true
	glog.V(1).Infof("NOR bank open, base 0x%08x", d.base)
	return nil
}

func (d *Driver) device() (fmc.Device, error) {
	if d.dev == nil {
		return nil, errors.Errorf("NOR driver is not initialized")
	}
	return d.dev, nil
}

// ReadData reads len(buf) words starting at byte offset off. On error
// the contents of buf are unspecified. Offsets are not checked
// against the device size.
func (d *Driver) ReadData(ctx context.Context, off uint32, buf []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	if !d.readMode {
		return errors.Errorf("chip is in command mode, call ReturnToReadMode first")
	}
	if err := dev.ReadBuffer(ctx, d.base+off, buf); err != nil {
		return errors.Annotatef(err, "failed to read %d words @ 0x%x", len(buf), off)
	}
	return nil
}

// WriteData programs data word by word starting at byte offset off:
// each word is a single program command cycle followed by a status
// poll with the program timeout budget. It stops at the first word
// whose poll fails; words programmed before that point stay
// programmed.
func (d *Driver) WriteData(ctx context.Context, off uint32, data []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	d.readMode = false
	addr := d.base + off
	for i, w := range data {
		glog.V(2).Infof("program word 0x%04x @ 0x%08x", w, addr)
		if err := dev.Program(ctx, addr, w); err != nil {
			return errors.Annotatef(err, "failed to program word %d of %d (%d written)", i, len(data), i)
		}
		if err := dev.GetStatus(ctx, d.base, fmc.ProgramTimeout); err != nil {
			return errors.Annotatef(err, "failed to program word %d of %d (%d written)", i, len(data), i)
		}
		addr += 2
	}
	glog.V(1).Infof("programmed %d words @ 0x%x", len(data), off)
	return nil
}

// ProgramData programs data with a single buffered-program command
// cycle and one status poll. The net content effect on success is the
// same as WriteData's, via a different device command sequence.
func (d *Driver) ProgramData(ctx context.Context, off uint32, data []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	d.readMode = false
	if err := dev.ProgramBuffer(ctx, d.base+off, data); err != nil {
		return errors.Annotatef(err, "failed to program %d words @ 0x%x", len(data), off)
	}
	if err := dev.GetStatus(ctx, d.base, fmc.ProgramTimeout); err != nil {
		return errors.Annotatef(err, "failed to program %d words @ 0x%x", len(data), off)
	}
	glog.V(1).Infof("buffer-programmed %d words @ 0x%x", len(data), off)
	return nil
}

// EraseBlock erases the block containing byte offset blockOff.
func (d *Driver) EraseBlock(ctx context.Context, blockOff uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	d.readMode = false
	if err := dev.EraseBlock(ctx, d.base+blockOff, d.base); err != nil {
		return errors.Annotatef(err, "failed to erase block @ 0x%x", blockOff)
	}
	if err := dev.GetStatus(ctx, d.base, fmc.BlockEraseTimeout); err != nil {
		return errors.Annotatef(err, "failed to erase block @ 0x%x", blockOff)
	}
	glog.V(1).Infof("erased block @ 0x%x", blockOff)
	return nil
}

// EraseChip erases the entire device.
func (d *Driver) EraseChip(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	d.readMode = false
	if err := dev.EraseChip(ctx, d.base); err != nil {
		return errors.Annotatef(err, "failed to erase chip")
	}
	if err := dev.GetStatus(ctx, d.base, fmc.ChipEraseTimeout); err != nil {
		return errors.Annotatef(err, "failed to erase chip")
	}
	glog.V(1).Infof("erased chip")
	return nil
}

// ReadIdentity runs the autoselect sequence and returns the chip's ID
// codes. The chip is left in command mode.
func (d *Driver) ReadIdentity(ctx context.Context) (*fmc.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.readMode = false
	id, err := dev.ReadID(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read chip ID")
	}
	glog.V(1).Infof("chip ID: %s", id)
	return id, nil
}

// ReturnToReadMode issues the read/reset command, restoring plain
// array reads. The driver never issues it implicitly after a
// program/erase sequence, that is the caller's responsibility.
func (d *Driver) ReturnToReadMode(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device()
	if err != nil {
		return errors.Trace(err)
	}
	if err := dev.ReturnToReadMode(ctx); err != nil {
		return errors.Annotatef(err, "failed to return to read mode")
	}
	d.readMode = true
	return nil
}
