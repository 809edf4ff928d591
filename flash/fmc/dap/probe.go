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

package dap

// Target memory access through a CMSIS-DAP probe over HID:
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
// Only the subset needed to reach the FMC bank is implemented: SWD
// connect, DP power-up and MEM-AP word/halfword transfers.

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdConnect               = 0x02
	cmdDisconnect            = 0x03
	cmdTransferConfigure     = 0x04
	cmdTransfer              = 0x05
	cmdTransferBlock         = 0x06
	cmdSWJClock              = 0x11
	cmdSWJSequence           = 0x12
	cmdSWDConfigure          = 0x13
)

// DP registers.
const (
	regDPIDR      = 0x00
	regDPCTRLSTAT = 0x04
	regDPSELECT   = 0x08
)

// MEM-AP registers (bank 0, plus BASE in bank 0xf).
const (
	regAPCSW = 0x00
	regAPTAR = 0x04
	regAPDRW = 0x0c
)

// CSW values: basic mode, single address increment, word or halfword
// access size.
const (
	cswWord     = 0x23000052
	cswHalfword = 0x23000051
)

// Probe is an open CMSIS-DAP probe connected to the target over SWD,
// with the MEM-AP powered up and ready for memory transfers. Not safe
// for concurrent use.
type Probe struct {
	d             hid.Device
	maxPacketSize int

	selectValue uint32
	cswValue    uint32
}

// OpenProbe finds a HID probe by VID/PID, connects in SWD mode and
// initializes the DP and MEM-AP.
func OpenProbe(ctx context.Context, vid, pid uint16) (*Probe, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		p := &Probe{
			d:             d,
			maxPacketSize: 8, // Conservative guess until the probe reports its own.
		}
		resp, err := p.getInfo(ctx, 0xff)
		if err != nil {
			p.Close()
			return nil, errors.Annotatef(err, "failed to get max packet size")
		}
		var rl uint8
		var mps uint16
		binary.Read(resp, binary.LittleEndian, &rl)
		binary.Read(resp, binary.LittleEndian, &mps)
		p.maxPacketSize = int(mps)
		glog.V(2).Infof("max packet size: %d", p.maxPacketSize)
		if err := p.connect(ctx); err != nil {
			p.Close()
			return nil, errors.Trace(err)
		}
		return p, nil
	}
	return nil, errors.NotFoundf("device %04x:%04x", vid, pid)
}

func (p *Probe) Close() error {
	if p.d != nil {
		p.execCheckStatus(context.Background(), newCmd(cmdDisconnect))
		p.d.Close()
		p.d = nil
	}
	return nil
}

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number (unused)
		uint8(cmd),
	})
}

func (p *Probe) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > p.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", p.maxPacketSize, len(args.Bytes()))
	}
	if err := p.d.Write(args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-p.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(p.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		cmd := args.Bytes()[1]
		if resp[0] != cmd {
			return nil, errors.Errorf("response to wrong command (want 0x%02x, got 0x%02x)", cmd, resp[0])
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (p *Probe) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := p.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	cmd := args.Bytes()[1]
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (p *Probe) getInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := p.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (p *Probe) swjClock(ctx context.Context, clockHz uint32) error {
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(p.execCheckStatus(ctx, args))
}

func (p *Probe) swjSequence(ctx context.Context, numBits int, data []uint8) error {
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(p.execCheckStatus(ctx, args))
}

// connect puts the probe into SWD mode, sends the JTAG-to-SWD switch
// sequence and powers up the debug and system domains.
func (p *Probe) connect(ctx context.Context) error {
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(1) /* SWD */)
	resp, err := p.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Bytes()[0] == 0 {
		return errors.Errorf("failed to connect in SWD mode")
	}
	if err := p.swjClock(ctx, 10000000); err != nil {
		return errors.Annotatef(err, "failed to set clock")
	}
	args = newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, uint8(0))
	if err := p.execCheckStatus(ctx, args); err != nil {
		return errors.Annotatef(err, "failed to configure SWD")
	}
	// Line reset (50+ ones), JTAG-to-SWD switch, line reset, idle.
	ones := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	for _, s := range []struct {
		numBits int
		data    []byte
	}{
		{64, ones},
		{16, []byte{0x9e, 0xe7}},
		{64, ones},
		{16, []byte{0, 0}},
	} {
		if err := p.swjSequence(ctx, s.numBits, s.data); err != nil {
			return errors.Annotatef(err, "SWD reset sequence failed")
		}
	}
	args = newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(100))
	binary.Write(args, binary.LittleEndian, uint16(100))
	if err := p.execCheckStatus(ctx, args); err != nil {
		return errors.Annotatef(err, "failed to configure transfers")
	}
	dpidr, err := p.readDP(ctx, regDPIDR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DP ID, is the target connected and powered on?")
	}
	glog.Infof("DPIDR 0x%08x", dpidr)
	if err := p.writeDP(ctx, regDPSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	p.selectValue = 0
	// Request debug and system power-up, wait for both acks.
	for {
		stat, err := p.readDP(ctx, regDPCTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
		if stat&0xf0000000 == 0xf0000000 {
			break
		}
		if err := p.writeDP(ctx, regDPCTRLSTAT, (stat&0x07ffffff)|0x50000000); err != nil {
			return errors.Annotatef(err, "failed to write DPCTRLSTAT")
		}
	}
	// Clear sticky errors, if any.
	if err := p.writeDP(ctx, regDPCTRLSTAT, 0x50000f00); err != nil {
		return errors.Trace(err)
	}
	csw, err := p.readAP(ctx, regAPCSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&0x40 == 0 {
		return errors.Errorf("MEM-AP is disabled")
	}
	p.cswValue = 0
	return nil
}

type transferRequest struct {
	reg   uint8
	ap    bool
	read  bool
	value uint32
}

func (p *Probe) transfer(ctx context.Context, reqs []transferRequest) ([]uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, uint8(0) /* dap index */)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.reg&3 != 0 {
			return nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.reg)
		}
		treq := req.reg & 0xc
		if req.ap {
			treq |= 1 << 0
		}
		if req.read {
			treq |= 1 << 1
		}
		binary.Write(args, binary.LittleEndian, treq)
		if !req.read {
			binary.Write(args, binary.LittleEndian, req.value)
		}
	}
	resp, err := p.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc, st uint8
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if st&7 != 1 /* ACK_OK */ {
		return nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(reqs), st)
	}
	if int(tc) != len(reqs) {
		return nil, errors.Errorf("not all transfers completed (%d/%d)", tc, len(reqs))
	}
	var data []uint32
	for _, req := range reqs {
		if !req.read {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return data, nil
}

func (p *Probe) readDP(ctx context.Context, reg uint8) (uint32, error) {
	data, err := p.transfer(ctx, []transferRequest{{reg: reg, read: true}})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DP reg 0x%x", reg)
	}
	return data[0], nil
}

func (p *Probe) writeDP(ctx context.Context, reg uint8, value uint32) error {
	_, err := p.transfer(ctx, []transferRequest{{reg: reg, value: value}})
	return errors.Annotatef(err, "failed to write DP reg 0x%x", reg)
}

func (p *Probe) selectAPBank(ctx context.Context, apReg uint8) (uint8, error) {
	sv := (p.selectValue & 0x00ffff0f) | ((uint32(apReg/16) & 0xf) << 4)
	if sv != p.selectValue {
		if err := p.writeDP(ctx, regDPSELECT, sv); err != nil {
			return 0, errors.Annotatef(err, "failed to select AP bank %d", apReg/16)
		}
		p.selectValue = sv
	}
	return apReg % 16, nil
}

func (p *Probe) readAP(ctx context.Context, apReg uint8) (uint32, error) {
	reg, err := p.selectAPBank(ctx, apReg)
	if err != nil {
		return 0, errors.Trace(err)
	}
	data, err := p.transfer(ctx, []transferRequest{{reg: reg, ap: true, read: true}})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read AP reg 0x%x", apReg)
	}
	return data[0], nil
}

func (p *Probe) writeAP(ctx context.Context, apReg uint8, value uint32) error {
	reg, err := p.selectAPBank(ctx, apReg)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = p.transfer(ctx, []transferRequest{{reg: reg, ap: true, value: value}})
	return errors.Annotatef(err, "failed to write AP reg 0x%x", apReg)
}

func (p *Probe) setCSW(ctx context.Context, csw uint32) error {
	if p.cswValue == csw {
		return nil
	}
	if err := p.writeAP(ctx, regAPCSW, csw); err != nil {
		return errors.Trace(err)
	}
	p.cswValue = csw
	return nil
}

// ReadMem32 reads one aligned 32-bit word from target memory.
func (p *Probe) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	if err := p.setCSW(ctx, cswWord); err != nil {
		return 0, errors.Trace(err)
	}
	if err := p.writeAP(ctx, regAPTAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := p.readAP(ctx, regAPDRW)
	glog.V(4).Infof("ReadMem32(0x%08x) == 0x%08x", addr, value)
	return value, errors.Trace(err)
}

// WriteMem32 writes one aligned 32-bit word to target memory.
func (p *Probe) WriteMem32(ctx context.Context, addr, value uint32) error {
	glog.V(4).Infof("WriteMem32(0x%08x, 0x%08x)", addr, value)
	if err := p.setCSW(ctx, cswWord); err != nil {
		return errors.Trace(err)
	}
	if err := p.writeAP(ctx, regAPTAR, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.writeAP(ctx, regAPDRW, value))
}

// ReadMem16 reads one aligned halfword. On halfword accesses the data
// travels on its natural byte lane, so the value is shifted by the
// address bits.
func (p *Probe) ReadMem16(ctx context.Context, addr uint32) (uint16, error) {
	if err := p.setCSW(ctx, cswHalfword); err != nil {
		return 0, errors.Trace(err)
	}
	if err := p.writeAP(ctx, regAPTAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := p.readAP(ctx, regAPDRW)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v := uint16(value >> (8 * (addr & 2)))
	glog.V(4).Infof("ReadMem16(0x%08x) == 0x%04x", addr, v)
	return v, nil
}

// WriteMem16 writes one aligned halfword.
func (p *Probe) WriteMem16(ctx context.Context, addr uint32, value uint16) error {
	glog.V(4).Infof("WriteMem16(0x%08x, 0x%04x)", addr, value)
	if err := p.setCSW(ctx, cswHalfword); err != nil {
		return errors.Trace(err)
	}
	if err := p.writeAP(ctx, regAPTAR, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.writeAP(ctx, regAPDRW, uint32(value)<<(8*(addr&2))))
}

func (p *Probe) blockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (p.maxPacketSize - headerLen) / 4
}

// ReadMemBlock32 reads length aligned words using block transfers.
// TAR auto-increment only carries within 1KB, so the address is
// re-latched on those boundaries.
func (p *Probe) ReadMemBlock32(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(3).Infof("ReadMemBlock32(0x%08x, %d)", addr, length)
	if err := p.setCSW(ctx, cswWord); err != nil {
		return nil, errors.Trace(err)
	}
	var res []uint32
	for length > 0 {
		if err := p.writeAP(ctx, regAPTAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		cl := int((0x400 - addr&0x3ff) / 4)
		if cl > length {
			cl = length
		}
		if cl > p.blockMaxSize() {
			cl = p.blockMaxSize()
		}
		chunk, err := p.transferBlockRead(ctx, regAPDRW, cl)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, chunk...)
		addr += uint32(cl * 4)
		length -= cl
	}
	return res, nil
}

func (p *Probe) transferBlockRead(ctx context.Context, apReg uint8, length int) ([]uint32, error) {
	reg, err := p.selectAPBank(ctx, apReg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0) /* dap index */)
	binary.Write(args, binary.LittleEndian, uint16(length))
	binary.Write(args, binary.LittleEndian, uint8(reg&0xc)|1 /* ap */ |2 /* read */)
	resp, err := p.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st uint8
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if st&7 != 1 {
		return nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, length, st)
	}
	if int(tc) != length {
		return nil, errors.Errorf("not all transfers completed (%d/%d)", tc, length)
	}
	res := make([]uint32, length)
	for i := range res {
		if binary.Read(resp, binary.LittleEndian, &res[i]) != nil {
			return nil, errors.Errorf("response is too short")
		}
	}
	return res, nil
}
