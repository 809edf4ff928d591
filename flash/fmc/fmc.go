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

// Package fmc defines the contract between the NOR driver and the
// flexible memory controller it sits on. Implementations issue the
// actual bus cycles: sim is an in-memory chip model, dap drives the
// real controller through a CMSIS-DAP probe.
package fmc

import (
	"context"
	"fmt"
)

// Access mode of the NORSRAM bank (modes A through D differ in how
// address/data phases are sequenced on the bus).
type AccessMode uint8

const (
	AccessModeA AccessMode = iota
	AccessModeB
	AccessModeC
	AccessModeD
)

// Timing holds the NORSRAM bank timing parameters, in HCLK cycles
// except where noted. Populated once before Open and never mutated
// afterwards.
type Timing struct {
	AddressSetupTime      uint32     `yaml:"address_setup_time"`
	AddressHoldTime       uint32     `yaml:"address_hold_time"`
	DataSetupTime         uint32     `yaml:"data_setup_time"`
	BusTurnAroundDuration uint32     `yaml:"bus_turnaround_duration"`
	CLKDivision           uint32     `yaml:"clk_division"`
	DataLatency           uint32     `yaml:"data_latency"`
	AccessMode            AccessMode `yaml:"access_mode"`
}

// Config holds the NORSRAM bank mode bits. Like Timing, it is
// immutable after Open: re-initialization replaces it wholesale.
type Config struct {
	Bank               uint8 `yaml:"bank"`
	DataAddressMux     bool  `yaml:"data_address_mux"`
	MemoryDataWidth    uint8 `yaml:"memory_data_width"` // bus width in bits, 8 or 16
	BurstAccessMode    bool  `yaml:"burst_access_mode"`
	WaitSignalPolarity bool  `yaml:"wait_signal_polarity"` // true == active high
	WrapMode           bool  `yaml:"wrap_mode"`
	WaitTimingBeforeWS bool  `yaml:"wait_timing_before_ws"`
	WriteOperation     bool  `yaml:"write_operation"`
	WaitSignal         bool  `yaml:"wait_signal"`
	ExtendedMode       bool  `yaml:"extended_mode"`
	AsynchronousWait   bool  `yaml:"asynchronous_wait"`
	WriteBurst         bool  `yaml:"write_burst"`
	ContinuousClock    bool  `yaml:"continuous_clock"`
}

// Identity is the chip's autoselect ID record: one manufacturer code
// and three device codes, read fresh on every request.
type Identity struct {
	ManufacturerCode uint16
	DeviceCode1      uint16
	DeviceCode2      uint16
	DeviceCode3      uint16
}

func (id *Identity) String() string {
	return fmt.Sprintf("mfg 0x%04x dev 0x%04x/0x%04x/0x%04x",
		id.ManufacturerCode, id.DeviceCode1, id.DeviceCode2, id.DeviceCode3)
}

// Controller opens a NORSRAM bank. timing applies to the normal
// profile, extTiming to the extended (write) profile; callers that do
// not use extended mode pass the same record for both.
type Controller interface {
	Open(ctx context.Context, cfg *Config, timing, extTiming *Timing) (Device, error)
}

// Device is an open connection to the memory-mapped NOR bank. All
// addresses are absolute bus addresses (bank base + offset); all
// counts are in 16-bit words. Program/erase operations only start the
// command cycle: completion is observed through GetStatus.
type Device interface {
	// ReadBuffer performs a bulk read of len(buf) words starting at addr.
	ReadBuffer(ctx context.Context, addr uint32, buf []uint16) error
	// Program issues a single-word program command cycle.
	Program(ctx context.Context, addr uint32, word uint16) error
	// ProgramBuffer issues one buffered-program command cycle for all
	// of data. The device's write-buffer command differs from N single
	// word programs, it is not just batching.
	ProgramBuffer(ctx context.Context, addr uint32, data []uint16) error
	// EraseBlock issues a block erase command cycle for the block at
	// blockAddr. baseAddr is the bank base (the unlock cycles are
	// issued relative to it).
	EraseBlock(ctx context.Context, blockAddr, baseAddr uint32) error
	// EraseChip issues a whole-chip erase command cycle.
	EraseChip(ctx context.Context, baseAddr uint32) error
	// GetStatus polls the device until the pending program/erase
	// operation completes. timeout is an iteration budget, not
	// wall-clock time: each poll decrements a counter.
	GetStatus(ctx context.Context, baseAddr uint32, timeout uint32) error
	// ReadID runs the autoselect sequence and returns the ID codes.
	// The chip is left in command (autoselect) mode.
	ReadID(ctx context.Context) (*Identity, error)
	// ReturnToReadMode issues the read/reset command, restoring
	// read-array mode.
	ReturnToReadMode(ctx context.Context) error
}
