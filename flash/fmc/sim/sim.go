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

// Package sim is an in-memory model of an M29W128GL-class NOR chip
// behind an FMC bank. It reproduces the properties the driver relies
// on: erased memory reads 0xffff, programming can only clear bits,
// program/erase leave the chip in command mode until the read/reset
// command, and completion is observed by status polling against an
// iteration budget. Exported knobs inject failures for tests.
package sim

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/flash/fmc"
)

// M29W128GL autoselect codes.
const (
	ManufacturerCode = 0x0020
	DeviceCode1      = 0x227e
	DeviceCode2      = 0x2221
	DeviceCode3      = 0x2201
)

// BlockSize is the erase block size, in bytes (64K words).
const BlockSize = 0x20000

// Poll counts an operation stays busy for before reporting ready.
const (
	programBusyPolls    = 2
	blockEraseBusyPolls = 8
	chipEraseBusyPolls  = 32
)

type chipMode uint8

const (
	modeReadArray chipMode = iota
	modeCommand
)

// Chip is the simulated flash array. The zero value is not usable,
// call NewChip. Chip is not safe for concurrent use: the driver
// serializes access, as the physical bus would force it to.
type Chip struct {
	mem  []uint16
	mode chipMode

	busyPolls int
	opFailed  bool
	programs  int

	// FailProgramAfter makes the Nth program operation (0-based,
	// counting both word and buffered programs) fail its status poll.
	// Negative disables injection.
	FailProgramAfter int
	// HangStatus keeps the chip busy forever, so every status poll
	// runs its budget down to zero.
	HangStatus bool
}

// NewChip returns an erased chip of size bytes (must be even).
func NewChip(size uint32) *Chip {
	c := &Chip{
		mem:              make([]uint16, size/2),
		FailProgramAfter: -1,
	}
	for i := range c.mem {
		c.mem[i] = fmc.ErasedValue
	}
	return c
}

// Size returns the chip size in bytes.
func (c *Chip) Size() uint32 {
	return uint32(len(c.mem)) * 2
}

// Word returns the array content at byte offset off, bypassing the
// bus (for test assertions).
func (c *Chip) Word(off uint32) uint16 {
	return c.mem[off/2]
}

// Programs returns the number of program operations (word or
// buffered) issued so far, including failed ones.
func (c *Chip) Programs() int {
	return c.programs
}

func (c *Chip) index(addr uint32) (int, error) {
	if addr < fmc.DeviceAddr {
		return 0, errors.Errorf("address 0x%08x below bank base", addr)
	}
	off := addr - fmc.DeviceAddr
	if off%2 != 0 {
		return 0, errors.Errorf("address 0x%08x not word-aligned", addr)
	}
	i := int(off / 2)
	if i >= len(c.mem) {
		return 0, errors.Errorf("address 0x%08x beyond end of chip", addr)
	}
	return i, nil
}

func (c *Chip) beginOp(busyPolls int, failed bool) {
	c.mode = modeCommand
	c.busyPolls = busyPolls
	c.opFailed = failed
}

// Controller implements fmc.Controller over a simulated chip.
type Controller struct {
	// Chip to expose; NewController allocates one if nil.
	Chip *Chip
	// FailOpen makes Open fail, simulating a controller init error.
	FailOpen bool
}

// NewController returns a controller with an erased 16MB chip.
func NewController() *Controller {
	return &Controller{Chip: NewChip(16 * 1024 * 1024)}
}

func (c *Controller) Open(ctx context.Context, cfg *fmc.Config, timing, extTiming *fmc.Timing) (fmc.Device, error) {
	if c.FailOpen {
		return nil, errors.Errorf("controller open failed")
	}
	if cfg == nil || timing == nil || extTiming == nil {
		return nil, errors.Errorf("incomplete configuration")
	}
	if cfg.MemoryDataWidth != 16 {
		return nil, errors.Errorf("unsupported bus width %d", cfg.MemoryDataWidth)
	}
	if c.Chip == nil {
		c.Chip = NewChip(16 * 1024 * 1024)
	}
	glog.V(1).Infof("sim: opened bank %d, %d bytes", cfg.Bank, c.Chip.Size())
	return &device{chip: c.Chip}, nil
}

type device struct {
	chip *Chip
}

func (d *device) ReadBuffer(ctx context.Context, addr uint32, buf []uint16) error {
	c := d.chip
	if c.mode != modeReadArray {
		// Reads while a command sequence is latched return status
		// bits, not array data. Refuse instead of handing back junk.
		return errors.Errorf("chip is in command mode, read/reset required")
	}
	i, err := c.index(addr)
	if err != nil {
		return errors.Trace(err)
	}
	if i+len(buf) > len(c.mem) {
		return errors.Errorf("read of %d words at 0x%08x runs past end of chip", len(buf), addr)
	}
	copy(buf, c.mem[i:i+len(buf)])
	return nil
}

func (d *device) Program(ctx context.Context, addr uint32, word uint16) error {
	c := d.chip
	i, err := c.index(addr)
	if err != nil {
		return errors.Trace(err)
	}
	failed := c.FailProgramAfter >= 0 && c.programs == c.FailProgramAfter
	c.programs++
	if !failed {
		// NOR programming can only clear bits.
		c.mem[i] &= word
	}
	c.beginOp(programBusyPolls, failed)
	return nil
}

func (d *device) ProgramBuffer(ctx context.Context, addr uint32, data []uint16) error {
	c := d.chip
	i, err := c.index(addr)
	if err != nil {
		return errors.Trace(err)
	}
	if i+len(data) > len(c.mem) {
		return errors.Errorf("program of %d words at 0x%08x runs past end of chip", len(data), addr)
	}
	failed := c.FailProgramAfter >= 0 && c.programs == c.FailProgramAfter
	c.programs++
	if !failed {
		for j, w := range data {
			c.mem[i+j] &= w
		}
	}
	c.beginOp(programBusyPolls, failed)
	return nil
}

func (d *device) EraseBlock(ctx context.Context, blockAddr, baseAddr uint32) error {
	c := d.chip
	i, err := c.index(blockAddr)
	if err != nil {
		return errors.Trace(err)
	}
	start := i - i%(BlockSize/2)
	end := start + BlockSize/2
	if end > len(c.mem) {
		end = len(c.mem)
	}
	for j := start; j < end; j++ {
		c.mem[j] = fmc.ErasedValue
	}
	c.beginOp(blockEraseBusyPolls, false)
	return nil
}

func (d *device) EraseChip(ctx context.Context, baseAddr uint32) error {
	c := d.chip
	for j := range c.mem {
		c.mem[j] = fmc.ErasedValue
	}
	c.beginOp(chipEraseBusyPolls, false)
	return nil
}

func (d *device) GetStatus(ctx context.Context, baseAddr uint32, timeout uint32) error {
	c := d.chip
	for ; timeout > 0; timeout-- {
		if c.HangStatus {
			continue
		}
		if c.busyPolls > 0 {
			c.busyPolls--
			continue
		}
		if c.opFailed {
			return errors.Errorf("operation failed (DQ5 set)")
		}
		return nil
	}
	return errors.Errorf("status poll timed out")
}

func (d *device) ReadID(ctx context.Context) (*fmc.Identity, error) {
	c := d.chip
	c.mode = modeCommand
	return &fmc.Identity{
		ManufacturerCode: ManufacturerCode,
		DeviceCode1:      DeviceCode1,
		DeviceCode2:      DeviceCode2,
		DeviceCode3:      DeviceCode3,
	}, nil
}

func (d *device) ReturnToReadMode(ctx context.Context) error {
	c := d.chip
	c.mode = modeReadArray
	c.busyPolls = 0
	c.opFailed = false
	return nil
}
