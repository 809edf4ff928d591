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

package fmc

const (
	// DeviceAddr is the bus address NORSRAM bank 1 is mapped at.
	// All driver-level offsets are relative to it.
	DeviceAddr = 0x60000000

	// ErasedValue is the content of erased memory (x16 bus).
	ErasedValue = 0xffff

	// Status poll iteration budgets. These count poll attempts, not
	// wall-clock time, same as the ready/busy GPIO wait they feed.
	ProgramTimeout    = 0x01400000
	BlockEraseTimeout = 0x50000000
	ChipEraseTimeout  = 0x30000000
)

// BoardTiming returns the timing profile for the M29W128GL on the
// STM324x9I-EVAL board, HCLK at 168MHz. The same profile is used for
// the normal and extended modes.
func BoardTiming() *Timing {
	return &Timing{
		AddressSetupTime:      8,
		AddressHoldTime:       3,
		DataSetupTime:         9,
		BusTurnAroundDuration: 0,
		CLKDivision:           2,
		DataLatency:           2,
		AccessMode:            AccessModeA,
	}
}

// BoardConfig returns the NORSRAM bank mode bits for the same board:
// bank 1, 16-bit non-multiplexed asynchronous access, wait signal
// active low sampled before the wait state, writes enabled.
func BoardConfig() *Config {
	return &Config{
		Bank:               1,
		DataAddressMux:     false,
		MemoryDataWidth:    16,
		BurstAccessMode:    false,
		WaitSignalPolarity: false,
		WrapMode:           false,
		WaitTimingBeforeWS: true,
		WriteOperation:     true,
		WaitSignal:         true,
		ExtendedMode:       false,
		AsynchronousWait:   true,
		WriteBurst:         false,
		ContinuousClock:    false,
	}
}
