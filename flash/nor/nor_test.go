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

package nor

import (
	"context"
	"testing"

	"github.com/mongoose-os/norflash/flash/fmc"
	"github.com/mongoose-os/norflash/flash/fmc/sim"
)

func newTestDriver(t *testing.T) (*Driver, *sim.Chip) {
	t.Helper()
	ctrl := sim.NewController()
	d := New(ctrl, nil)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, ctrl.Chip
}

func TestInitOpenFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := sim.NewController()
	ctrl.FailOpen = true
	d := New(ctrl, nil)
	if err := d.Init(ctx); err == nil {
		t.Fatalf("Init succeeded with failing controller")
	}
	// Every operation must fail cleanly on the unopened driver.
	buf := make([]uint16, 4)
	if err := d.ReadData(ctx, 0, buf); err == nil {
		t.Errorf("ReadData succeeded without init")
	}
	if err := d.WriteData(ctx, 0, buf); err == nil {
		t.Errorf("WriteData succeeded without init")
	}
	if err := d.ProgramData(ctx, 0, buf); err == nil {
		t.Errorf("ProgramData succeeded without init")
	}
	if err := d.EraseBlock(ctx, 0); err == nil {
		t.Errorf("EraseBlock succeeded without init")
	}
	if err := d.EraseChip(ctx); err == nil {
		t.Errorf("EraseChip succeeded without init")
	}
	if _, err := d.ReadIdentity(ctx); err == nil {
		t.Errorf("ReadIdentity succeeded without init")
	}
	if err := d.ReturnToReadMode(ctx); err == nil {
		t.Errorf("ReturnToReadMode succeeded without init")
	}
}

func TestBoardSetupHook(t *testing.T) {
	ctx := context.Background()
	called := 0
	d := New(sim.NewController(), &Opts{
		BoardSetup: func(ctx context.Context) error { called++; return nil },
	})
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if called != 1 {
		t.Fatalf("board setup hook called %d times, want 1", called)
	}
	// A failing hook does not fail the init.
	d = New(sim.NewController(), &Opts{
		BoardSetup: func(ctx context.Context) error { return context.Canceled },
	})
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed on board setup hook error: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	data := []uint16{0x1234, 0xabcd, 0x0000, 0xffff, 0x5a5a}
	if err := d.WriteData(ctx, 0x100, data); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
	buf := make([]uint16, len(data))
	if err := d.ReadData(ctx, 0x100, buf); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Errorf("word %d: got 0x%04x, want 0x%04x", i, buf[i], data[i])
		}
	}
}

func TestWriteProgramCycleCount(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	data := []uint16{1, 2, 3, 4, 5, 6, 7}
	if err := d.WriteData(ctx, 0, data); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if got := chip.Programs(); got != len(data) {
		t.Fatalf("issued %d program cycles, want %d", got, len(data))
	}
}

func TestWriteFailFast(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	chip.FailProgramAfter = 2
	data := []uint16{0x1111, 0x2222, 0x3333, 0x4444, 0x5555}
	if err := d.WriteData(ctx, 0, data); err == nil {
		t.Fatalf("WriteData succeeded with failing word")
	}
	// The loop stops at the first failure: two words written, one
	// failed attempt, nothing after it.
	if got := chip.Programs(); got != 3 {
		t.Fatalf("issued %d program cycles, want 3", got)
	}
	if chip.Word(0) != 0x1111 || chip.Word(2) != 0x2222 {
		t.Errorf("words before the failure were not programmed")
	}
	if chip.Word(6) != fmc.ErasedValue || chip.Word(8) != fmc.ErasedValue {
		t.Errorf("words after the failure were touched")
	}
}

func TestProgramDataMatchesWriteData(t *testing.T) {
	ctx := context.Background()
	data := []uint16{0xdead, 0xbeef, 0x00ff, 0xff00}

	dw, _ := newTestDriver(t)
	if err := dw.WriteData(ctx, 0x40, data); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := dw.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
	dp, chip := newTestDriver(t)
	if err := dp.ProgramData(ctx, 0x40, data); err != nil {
		t.Fatalf("ProgramData: %v", err)
	}
	if got := chip.Programs(); got != 1 {
		t.Fatalf("ProgramData issued %d program cycles, want 1", got)
	}
	if err := dp.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}

	bw := make([]uint16, len(data))
	bp := make([]uint16, len(data))
	if err := dw.ReadData(ctx, 0x40, bw); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if err := dp.ReadData(ctx, 0x40, bp); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	for i := range data {
		if bw[i] != bp[i] {
			t.Errorf("word %d: WriteData left 0x%04x, ProgramData left 0x%04x", i, bw[i], bp[i])
		}
	}
}

func TestEraseBlock(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	// One word inside the block to be erased, one in the next block.
	if err := d.WriteData(ctx, 0x10, []uint16{0x1234}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := d.WriteData(ctx, sim.BlockSize+0x10, []uint16{0x5678}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := d.EraseBlock(ctx, 0x10); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
	buf := make([]uint16, 8)
	if err := d.ReadData(ctx, 0, buf); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	for i, w := range buf {
		if w != fmc.ErasedValue {
			t.Errorf("word %d not erased: 0x%04x", i, w)
		}
	}
	if chip.Word(sim.BlockSize+0x10) != 0x5678 {
		t.Errorf("erase spilled into the next block")
	}
}

func TestEraseChip(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	if err := d.WriteData(ctx, 0, []uint16{0, 0, 0}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := d.WriteData(ctx, chip.Size()-2, []uint16{0}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := d.EraseChip(ctx); err != nil {
		t.Fatalf("EraseChip: %v", err)
	}
	if chip.Word(0) != fmc.ErasedValue || chip.Word(chip.Size()-2) != fmc.ErasedValue {
		t.Errorf("chip not fully erased")
	}
}

func TestReadIdentity(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	id, err := d.ReadIdentity(ctx)
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	if id.ManufacturerCode != sim.ManufacturerCode || id.DeviceCode1 != sim.DeviceCode1 ||
		id.DeviceCode2 != sim.DeviceCode2 || id.DeviceCode3 != sim.DeviceCode3 {
		t.Fatalf("unexpected identity: %s", id)
	}
	// The autoselect sequence leaves the chip in command mode.
	buf := make([]uint16, 1)
	if err := d.ReadData(ctx, 0, buf); err == nil {
		t.Fatalf("ReadData succeeded in command mode")
	}
	if err := d.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
	if err := d.ReadData(ctx, 0, buf); err != nil {
		t.Fatalf("ReadData after ReturnToReadMode: %v", err)
	}
}

func TestReadInCommandMode(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	if err := d.WriteData(ctx, 0, []uint16{0x1234}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	buf := make([]uint16, 1)
	if err := d.ReadData(ctx, 0, buf); err == nil {
		t.Fatalf("ReadData succeeded without ReturnToReadMode")
	}
}

func TestStatusPollTimeout(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	chip.HangStatus = true
	err := d.WriteData(ctx, 0, []uint16{0x1234})
	if err == nil {
		t.Fatalf("WriteData succeeded with hung status")
	}
}

func TestReadBeyondEnd(t *testing.T) {
	ctx := context.Background()
	d, chip := newTestDriver(t)
	buf := make([]uint16, 4)
	if err := d.ReadData(ctx, chip.Size()-2, buf); err == nil {
		t.Fatalf("ReadData past the end of the chip succeeded")
	}
}

func TestReinit(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	if err := d.WriteData(ctx, 0, []uint16{0}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	// Re-initialization replaces the handle and resets the mode.
	if err := d.Init(ctx); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	buf := make([]uint16, 1)
	if err := d.ReadData(ctx, 0, buf); err != nil {
		t.Fatalf("ReadData after re-init: %v", err)
	}
}
