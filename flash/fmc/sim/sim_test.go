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

package sim

import (
	"context"
	"testing"

	"github.com/mongoose-os/norflash/flash/fmc"
)

func newTestDevice(t *testing.T) (fmc.Device, *Chip) {
	t.Helper()
	ctrl := NewController()
	dev, err := ctrl.Open(context.Background(), fmc.BoardConfig(), fmc.BoardTiming(), fmc.BoardTiming())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return dev, ctrl.Chip
}

func settle(t *testing.T, dev fmc.Device) {
	t.Helper()
	if err := dev.GetStatus(context.Background(), fmc.DeviceAddr, fmc.ProgramTimeout); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if err := dev.ReturnToReadMode(context.Background()); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	timing := fmc.BoardTiming()
	tests := []struct {
		name string
		ctrl *Controller
		cfg  *fmc.Config
	}{
		{"fail open", &Controller{FailOpen: true}, fmc.BoardConfig()},
		{"nil config", NewController(), nil},
		{"8-bit bus", NewController(), &fmc.Config{Bank: 1, MemoryDataWidth: 8}},
	}
	for _, tc := range tests {
		if _, err := tc.ctrl.Open(ctx, tc.cfg, timing, timing); err == nil {
			t.Errorf("%s: Open succeeded", tc.name)
		}
	}
}

func TestProgramClearsBitsOnly(t *testing.T) {
	ctx := context.Background()
	dev, chip := newTestDevice(t)
	if chip.Word(0) != fmc.ErasedValue {
		t.Fatalf("fresh chip not erased: 0x%04x", chip.Word(0))
	}
	if err := dev.Program(ctx, fmc.DeviceAddr, 0x00ff); err != nil {
		t.Fatalf("Program: %v", err)
	}
	settle(t, dev)
	if err := dev.Program(ctx, fmc.DeviceAddr, 0xff00); err != nil {
		t.Fatalf("Program: %v", err)
	}
	settle(t, dev)
	// 0xffff & 0x00ff & 0xff00: programming cannot set bits back.
	if got := chip.Word(0); got != 0x0000 {
		t.Fatalf("got 0x%04x, want 0x0000", got)
	}
}

func TestEraseRestoresBits(t *testing.T) {
	ctx := context.Background()
	dev, chip := newTestDevice(t)
	if err := dev.Program(ctx, fmc.DeviceAddr, 0x0000); err != nil {
		t.Fatalf("Program: %v", err)
	}
	settle(t, dev)
	if err := dev.EraseBlock(ctx, fmc.DeviceAddr, fmc.DeviceAddr); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	settle(t, dev)
	if got := chip.Word(0); got != fmc.ErasedValue {
		t.Fatalf("got 0x%04x, want 0x%04x", got, fmc.ErasedValue)
	}
}

func TestStatusBudget(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	if err := dev.Program(ctx, fmc.DeviceAddr, 0x1234); err != nil {
		t.Fatalf("Program: %v", err)
	}
	// A budget smaller than the busy-poll count must time out, a
	// larger one must succeed.
	if err := dev.GetStatus(ctx, fmc.DeviceAddr, 1); err == nil {
		t.Fatalf("GetStatus succeeded within 1 poll")
	}
	if err := dev.GetStatus(ctx, fmc.DeviceAddr, fmc.ProgramTimeout); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
}

func TestAddressValidation(t *testing.T) {
	ctx := context.Background()
	dev, chip := newTestDevice(t)
	if err := dev.ReturnToReadMode(ctx); err != nil {
		t.Fatalf("ReturnToReadMode: %v", err)
	}
	buf := make([]uint16, 1)
	tests := []struct {
		name string
		addr uint32
	}{
		{"below base", fmc.DeviceAddr - 2},
		{"unaligned", fmc.DeviceAddr + 1},
		{"past end", fmc.DeviceAddr + chip.Size()},
	}
	for _, tc := range tests {
		if err := dev.ReadBuffer(ctx, tc.addr, buf); err == nil {
			t.Errorf("%s: ReadBuffer succeeded", tc.name)
		}
		if err := dev.Program(ctx, tc.addr, 0); err == nil {
			t.Errorf("%s: Program succeeded", tc.name)
		}
	}
}

func TestCommandModeBlocksReads(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	buf := make([]uint16, 1)
	if err := dev.Program(ctx, fmc.DeviceAddr, 0x1234); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if err := dev.ReadBuffer(ctx, fmc.DeviceAddr, buf); err == nil {
		t.Fatalf("ReadBuffer succeeded in command mode")
	}
	settle(t, dev)
	if err := dev.ReadBuffer(ctx, fmc.DeviceAddr, buf); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if buf[0] != 0x1234 {
		t.Fatalf("got 0x%04x, want 0x1234", buf[0])
	}
}

func TestReadID(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	id, err := dev.ReadID(ctx)
	if err != nil {
		t.Fatalf("ReadID: %v", err)
	}
	want := fmc.Identity{
		ManufacturerCode: ManufacturerCode,
		DeviceCode1:      DeviceCode1,
		DeviceCode2:      DeviceCode2,
		DeviceCode3:      DeviceCode3,
	}
	if *id != want {
		t.Fatalf("got %s, want %s", id, &want)
	}
}
