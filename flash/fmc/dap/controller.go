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

// Package dap implements the FMC controller contract through a
// CMSIS-DAP debug probe: the NORSRAM bank registers are programmed
// over the MEM-AP and the chip's AMD-style command cycles are issued
// as halfword writes into the memory-mapped bank.
package dap

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/norflash/flash/fmc"
)

// STM32F4 peripheral addresses.
const (
	fmcRegBase  = 0xa0000000
	fmcBankBase = 0x60000000
	fmcBankSize = 0x04000000

	rccBase    = 0x40023800
	rccAHB1ENR = rccBase + 0x30
	rccAHB3ENR = rccBase + 0x38

	gpioPortD = 0x40020c00
	gpioPortE = 0x40021000
	gpioPortF = 0x40021400
	gpioPortG = 0x40021800

	gpioMODER   = 0x00
	gpioOTYPER  = 0x04
	gpioOSPEEDR = 0x08
	gpioPUPDR   = 0x0c
	gpioIDR     = 0x10
	gpioAFRL    = 0x20
	gpioAFRH    = 0x24
)

// Ready/busy signal: PD6, low while an operation is in progress.
const (
	rbPort = gpioPortD
	rbPin  = 6
)

// AMD x16 command set (M29W128GL). Command addresses are word
// addresses, shifted left by 1 on the 16-bit bus.
const (
	cmdAddrFirst  = 0x0555
	cmdAddrSecond = 0x02aa

	cmdDataFirst     = 0x00aa
	cmdDataSecond    = 0x0055
	cmdReadReset     = 0x00f0
	cmdAutoSelect    = 0x0090
	cmdProgram       = 0x00a0
	cmdBufferProgram = 0x0025
	cmdConfirm       = 0x0029
	cmdEraseSetup    = 0x0080
	cmdChipErase     = 0x0010
	cmdBlockErase    = 0x0030
)

// Autoselect word offsets for the ID codes.
const (
	idAddrManufacturer = 0x0000
	idAddrDevice1      = 0x0001
	idAddrDevice2      = 0x000e
	idAddrDevice3      = 0x000f
)

// Status register bits (DQ polling).
const (
	dq5 = 0x20
	dq6 = 0x40
)

// Controller programs an FMC NORSRAM bank through the probe.
type Controller struct {
	probe *Probe
}

func NewController(p *Probe) *Controller {
	return &Controller{probe: p}
}

func bcrValue(cfg *fmc.Config) (uint32, error) {
	v := uint32(1) // MBKEN
	if cfg.DataAddressMux {
		v |= 1 << 1
	}
	v |= 2 << 2 // MTYP: NOR flash
	switch cfg.MemoryDataWidth {
	case 8:
	case 16:
		v |= 1 << 4
	default:
		return 0, errors.Errorf("unsupported bus width %d", cfg.MemoryDataWidth)
	}
	v |= 1 << 6 // FACCEN
	v |= 1 << 7 // reserved, reads as 1
	if cfg.BurstAccessMode {
		v |= 1 << 8
	}
	if cfg.WaitSignalPolarity {
		v |= 1 << 9
	}
	if cfg.WrapMode {
		v |= 1 << 10
	}
	if !cfg.WaitTimingBeforeWS {
		v |= 1 << 11
	}
	if cfg.WriteOperation {
		v |= 1 << 12
	}
	if cfg.WaitSignal {
		v |= 1 << 13
	}
	if cfg.ExtendedMode {
		v |= 1 << 14
	}
	if cfg.AsynchronousWait {
		v |= 1 << 15
	}
	if cfg.WriteBurst {
		v |= 1 << 19
	}
	if cfg.ContinuousClock {
		v |= 1 << 20
	}
	return v, nil
}

func btrValue(t *fmc.Timing) uint32 {
	return t.AddressSetupTime |
		t.AddressHoldTime<<4 |
		t.DataSetupTime<<8 |
		t.BusTurnAroundDuration<<16 |
		(t.CLKDivision-1)<<20 |
		(t.DataLatency-2)<<24 |
		uint32(t.AccessMode)<<28
}

// Open programs the bank control and timing registers and returns a
// device on the bank's memory window. The extended-mode write timing
// register is programmed from extTiming when extended mode is on,
// otherwise it is left at its reset value.
func (c *Controller) Open(ctx context.Context, cfg *fmc.Config, timing, extTiming *fmc.Timing) (fmc.Device, error) {
	if cfg == nil || timing == nil || extTiming == nil {
		return nil, errors.Errorf("incomplete configuration")
	}
	if cfg.Bank < 1 || cfg.Bank > 4 {
		return nil, errors.Errorf("invalid NORSRAM bank %d", cfg.Bank)
	}
	bcr, err := bcrValue(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	n := uint32(cfg.Bank - 1)
	if err := c.probe.WriteMem32(ctx, fmcRegBase+8*n, bcr); err != nil {
		return nil, errors.Annotatef(err, "failed to program BCR%d", cfg.Bank)
	}
	if err := c.probe.WriteMem32(ctx, fmcRegBase+8*n+4, btrValue(timing)); err != nil {
		return nil, errors.Annotatef(err, "failed to program BTR%d", cfg.Bank)
	}
	bwtr := uint32(0x0fffffff) // reset value
	if cfg.ExtendedMode {
		bwtr = btrValue(extTiming)
	}
	if err := c.probe.WriteMem32(ctx, fmcRegBase+0x104+8*n, bwtr); err != nil {
		return nil, errors.Annotatef(err, "failed to program BWTR%d", cfg.Bank)
	}
	base := uint32(fmcBankBase + fmcBankSize*n)
	glog.V(1).Infof("NORSRAM bank %d: BCR 0x%08x BTR 0x%08x, base 0x%08x", cfg.Bank, bcr, btrValue(timing), base)
	return &device{p: c.probe, base: base}, nil
}

type device struct {
	p    *Probe
	base uint32
}

// cmdAddr turns a word-relative command address into a bus address.
func (d *device) cmdAddr(a uint32) uint32 {
	return d.base + a<<1
}

func (d *device) unlock(ctx context.Context) error {
	if err := d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrFirst), cmdDataFirst); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrSecond), cmdDataSecond))
}

func (d *device) ReadBuffer(ctx context.Context, addr uint32, buf []uint16) error {
	i := 0
	// Leading halfword, if the start is not word-aligned.
	if addr%4 != 0 && i < len(buf) {
		w, err := d.p.ReadMem16(ctx, addr)
		if err != nil {
			return errors.Trace(err)
		}
		buf[i] = w
		addr += 2
		i++
	}
	// Bulk of the transfer as 32-bit block reads, two halfwords each.
	if n := (len(buf) - i) / 2; n > 0 {
		words, err := d.p.ReadMemBlock32(ctx, addr, n)
		if err != nil {
			return errors.Trace(err)
		}
		for _, w := range words {
			buf[i] = uint16(w)
			buf[i+1] = uint16(w >> 16)
			i += 2
		}
		addr += uint32(n * 4)
	}
	if i < len(buf) {
		w, err := d.p.ReadMem16(ctx, addr)
		if err != nil {
			return errors.Trace(err)
		}
		buf[i] = w
	}
	return nil
}

func (d *device) Program(ctx context.Context, addr uint32, word uint16) error {
	if err := d.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrFirst), cmdProgram); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.p.WriteMem16(ctx, addr, word))
}

func (d *device) ProgramBuffer(ctx context.Context, addr uint32, data []uint16) error {
	if err := d.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.p.WriteMem16(ctx, addr, cmdBufferProgram); err != nil {
		return errors.Trace(err)
	}
	if err := d.p.WriteMem16(ctx, addr, uint16(len(data)-1)); err != nil {
		return errors.Trace(err)
	}
	a := addr
	for _, w := range data {
		if err := d.p.WriteMem16(ctx, a, w); err != nil {
			return errors.Trace(err)
		}
		a += 2
	}
	return errors.Trace(d.p.WriteMem16(ctx, addr, cmdConfirm))
}

func (d *device) eraseSetup(ctx context.Context) error {
	if err := d.unlock(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrFirst), cmdEraseSetup); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.unlock(ctx))
}

func (d *device) EraseBlock(ctx context.Context, blockAddr, baseAddr uint32) error {
	if err := d.eraseSetup(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.p.WriteMem16(ctx, blockAddr, cmdBlockErase))
}

func (d *device) EraseChip(ctx context.Context, baseAddr uint32) error {
	if err := d.eraseSetup(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrFirst), cmdChipErase))
}

// rbWait polls the ready/busy pin, first for the operation to start
// (pin low), then for it to finish (pin high). Both phases run down
// the same iteration budget the status poll uses.
func (d *device) rbWait(ctx context.Context, timeout uint32) error {
	for t := timeout; t > 0; t-- {
		v, err := d.p.ReadMem32(ctx, rbPort+gpioIDR)
		if err != nil {
			return errors.Trace(err)
		}
		if v&(1<<rbPin) == 0 {
			break
		}
	}
	for t := timeout; t > 0; t-- {
		v, err := d.p.ReadMem32(ctx, rbPort+gpioIDR)
		if err != nil {
			return errors.Trace(err)
		}
		if v&(1<<rbPin) != 0 {
			break
		}
	}
	return nil
}

func (d *device) GetStatus(ctx context.Context, baseAddr uint32, timeout uint32) error {
	if err := d.rbWait(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	for ; timeout > 0; timeout-- {
		r1, err := d.p.ReadMem16(ctx, baseAddr)
		if err != nil {
			return errors.Trace(err)
		}
		r2, err := d.p.ReadMem16(ctx, baseAddr)
		if err != nil {
			return errors.Trace(err)
		}
		// DQ6 stops toggling when the operation is done.
		if (r1^r2)&dq6 == 0 {
			return nil
		}
		if r1&dq5 == dq5 {
			// DQ5 set: either the operation just finished or it
			// exceeded its internal time limits. Re-check the toggle.
			r1, err = d.p.ReadMem16(ctx, baseAddr)
			if err != nil {
				return errors.Trace(err)
			}
			r2, err = d.p.ReadMem16(ctx, baseAddr)
			if err != nil {
				return errors.Trace(err)
			}
			if (r1^r2)&dq6 == 0 {
				return nil
			}
			return errors.Errorf("program/erase failed (DQ5 set)")
		}
	}
	return errors.Errorf("status poll timed out")
}

func (d *device) ReadID(ctx context.Context) (*fmc.Identity, error) {
	if err := d.unlock(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.p.WriteMem16(ctx, d.cmdAddr(cmdAddrFirst), cmdAutoSelect); err != nil {
		return nil, errors.Trace(err)
	}
	id := &fmc.Identity{}
	for _, f := range []struct {
		addr uint32
		dst  *uint16
	}{
		{idAddrManufacturer, &id.ManufacturerCode},
		{idAddrDevice1, &id.DeviceCode1},
		{idAddrDevice2, &id.DeviceCode2},
		{idAddrDevice3, &id.DeviceCode3},
	} {
		w, err := d.p.ReadMem16(ctx, d.cmdAddr(f.addr))
		if err != nil {
			return nil, errors.Trace(err)
		}
		*f.dst = w
	}
	return id, nil
}

func (d *device) ReturnToReadMode(ctx context.Context) error {
	return errors.Trace(d.p.WriteMem16(ctx, d.base, cmdReadReset))
}

// BoardSetup enables the FMC and GPIO clocks and configures the FMC
// pins (AF12, push-pull, pull-up, high speed) for the STM324x9I-EVAL
// wiring. Meant to be passed as the driver's board setup hook when
// the target firmware has not configured the bus itself.
func BoardSetup(p *Probe) func(ctx context.Context) error {
	ports := []struct {
		addr uint32
		pins uint16
	}{
		{gpioPortD, 0xfff3}, // PD0,1,4..15
		{gpioPortE, 0xfffc}, // PE2..15
		{gpioPortF, 0xf03f}, // PF0..5,12..15
		{gpioPortG, 0x003f}, // PG0..5
	}
	return func(ctx context.Context) error {
		if err := rmwMem32(ctx, p, rccAHB3ENR, 1<<0); err != nil { // FMCEN
			return errors.Annotatef(err, "failed to enable FMC clock")
		}
		if err := rmwMem32(ctx, p, rccAHB1ENR, 0xf<<3); err != nil { // GPIOD..G
			return errors.Annotatef(err, "failed to enable GPIO clocks")
		}
		for _, port := range ports {
			if err := configPort(ctx, p, port.addr, port.pins); err != nil {
				return errors.Annotatef(err, "failed to configure GPIO port @ 0x%08x", port.addr)
			}
		}
		return nil
	}
}

func rmwMem32(ctx context.Context, p *Probe, addr, set uint32) error {
	v, err := p.ReadMem32(ctx, addr)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.WriteMem32(ctx, addr, v|set))
}

func configPort(ctx context.Context, p *Probe, port uint32, pins uint16) error {
	var moder, ospeedr, pupdr, afrl, afrh, m2 uint32
	var otyper uint32
	for pin := uint(0); pin < 16; pin++ {
		if pins&(1<<pin) == 0 {
			continue
		}
		m2 |= 3 << (2 * pin)
		moder |= 2 << (2 * pin)   // alternate function
		ospeedr |= 3 << (2 * pin) // high speed
		pupdr |= 1 << (2 * pin)   // pull-up
		otyper |= 1 << pin
		if pin < 8 {
			afrl |= 12 << (4 * pin) // AF12: FMC
		} else {
			afrh |= 12 << (4 * (pin - 8))
		}
	}
	regs := []struct {
		off   uint32
		mask  uint32
		value uint32
	}{
		{gpioMODER, m2, moder},
		{gpioOTYPER, otyper, 0}, // push-pull
		{gpioOSPEEDR, m2, ospeedr},
		{gpioPUPDR, m2, pupdr},
		{gpioAFRL, nibbleMask(pins & 0xff), afrl},
		{gpioAFRH, nibbleMask(pins >> 8), afrh},
	}
	for _, r := range regs {
		v, err := p.ReadMem32(ctx, port+r.off)
		if err != nil {
			return errors.Trace(err)
		}
		if err := p.WriteMem32(ctx, port+r.off, (v&^r.mask)|r.value); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func nibbleMask(pins uint16) uint32 {
	var m uint32
	for pin := uint(0); pin < 8; pin++ {
		if pins&(1<<pin) != 0 {
			m |= 0xf << (4 * pin)
		}
	}
	return m
}
