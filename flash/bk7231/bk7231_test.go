package bk7231

import (
	"bytes"
	"testing"
	"time"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
)

func TestBuildShortCommandHeader(t *testing.T) {
	cmd := buildShortCommand(opLinkCheck, nil)
	want := []byte{0x01, 0xE0, 0xFC, 0x01, opLinkCheck}
	if !bytes.Equal(cmd, want) {
		t.Errorf("buildShortCommand = % x, want % x", cmd, want)
	}
}

func TestBuildLongCommandHeader(t *testing.T) {
	payload := []byte{1, 2, 3}
	cmd := buildLongCommand(0x07, payload)
	want := []byte{0x01, 0xE0, 0xFC, 0xFF, 0xF4, 0x04, 0x00, 0x07, 1, 2, 3}
	if !bytes.Equal(cmd, want) {
		t.Errorf("buildLongCommand = % x, want % x", cmd, want)
	}
}

func linkCheckTransport(okAfter int) *transport.FakeTransport {
	attempts := 0
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) >= 5 && written[4] == opLinkCheck {
			attempts++
			if attempts > okAfter {
				return [][]byte{{0x04, 0x0E, 0, 0, 0, 0, 0, 0}}
			}
		}
		return nil
	}
	return ft
}

func TestAcquireBusSucceedsWithinBudget(t *testing.T) {
	ft := linkCheckTransport(2)
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    make(chan struct{}),
	}
	if err := AcquireBus(ctx); err != nil {
		t.Fatalf("AcquireBus: %s", err)
	}
	if len(ft.DTRPulses()) == 0 {
		t.Errorf("expected at least one DTR pulse")
	}
}

func TestAcquireBusRespectsCancellation(t *testing.T) {
	ft := transport.NewFakeTransport(true, true) // never responds
	cancel := make(chan struct{})
	close(cancel)
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    cancel,
	}
	err := AcquireBus(ctx)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestCheckProtectedRejectsBelowBoundaryOnTU(t *testing.T) {
	d := New(chipfamily.BK7231T)
	ctx := &engine.OperationContext{Options: engine.Options{}}
	if err := d.checkProtected(ctx, 0x10FFF); err == nil {
		t.Fatalf("expected rejection at 0x10FFF")
	}
	if err := d.checkProtected(ctx, 0x11000); err != nil {
		t.Fatalf("expected acceptance at 0x11000: %s", err)
	}
}

func TestCheckProtectedIgnoredOutsideTU(t *testing.T) {
	d := New(chipfamily.BK7231N)
	ctx := &engine.OperationContext{}
	if err := d.checkProtected(ctx, 0); err != nil {
		t.Fatalf("non-T/U families have no bootloader protection: %s", err)
	}
}

func TestCheckProtectedOverridable(t *testing.T) {
	d := New(chipfamily.BK7231U)
	ctx := &engine.OperationContext{Options: engine.Options{OverwriteBootloader: true}}
	if err := d.checkProtected(ctx, 0); err != nil {
		t.Fatalf("expected override to permit write at 0: %s", err)
	}
}

func TestIsAllByte(t *testing.T) {
	if !isAllByte([]byte{0xFF, 0xFF, 0xFF}, 0xFF) {
		t.Errorf("expected all-0xFF buffer to match")
	}
	if isAllByte([]byte{0xFF, 0x00}, 0xFF) {
		t.Errorf("mixed buffer must not match")
	}
	if isAllByte(nil, 0xFF) {
		t.Errorf("empty buffer must not match (no data transferred is a different failure)")
	}
}

func TestEraseBoundaryPicksBlockOrSector(t *testing.T) {
	var erases [][]byte
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) >= 5 && written[4] == opFamilyErase {
			erases = append(erases, append([]byte(nil), written...))
			return [][]byte{{0x04, 0x0E, 0, 0, 0, 0, 0, 0}}
		}
		return nil
	}
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    make(chan struct{}),
	}
	d := New(chipfamily.BK7231N)
	// Range [0x1000, 0x20000) spans leading 4K sectors up to 0x10000, then
	// one full aligned 64K block, nothing else.
	if err := d.DoErase(ctx, 0x1000, 2*BlockSize-SectorSize); err != nil {
		t.Fatalf("DoErase: %s", err)
	}
	if len(erases) == 0 {
		t.Fatalf("expected at least one erase command")
	}
	sawSector, sawBlock := false, false
	for _, e := range erases {
		switch e[len(e)-1] {
		case subErase4K:
			sawSector = true
		case subErase64K:
			sawBlock = true
		}
	}
	if !sawSector || !sawBlock {
		t.Errorf("expected both sector and block erase sub-opcodes, got sector=%v block=%v", sawSector, sawBlock)
	}
}

func TestDoWriteCancellationStopsBeforeCRCCheck(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) < 5 {
			return nil
		}
		switch written[4] {
		case opFamilyErase, opFlashWrite4K:
			return [][]byte{{0x04, 0x0E, 0, 0, 0, 0, 0, 0}}
		case opCheckCRC:
			return [][]byte{{0x04, 0x0E, 0, 0, 0, 0, 0, 0, 0, 0}}
		}
		return nil
	}
	cancel := make(chan struct{})
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    cancel,
		Options:   engine.Options{OverwriteBootloader: true},
	}
	d := New(chipfamily.BK7231N)
	close(cancel)
	if err := d.DoWrite(ctx, 0, make([]byte, SectorSize*4)); err == nil {
		t.Fatalf("expected cancellation error")
	}
	for _, w := range ft.Writes() {
		if len(w) >= 5 && w[4] == opCheckCRC {
			t.Fatalf("CheckCRC must not be sent after cancellation")
		}
	}
}

func TestReadTimeoutSurfacesAsError(t *testing.T) {
	ft := transport.NewFakeTransport(true, true) // never answers
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    make(chan struct{}),
	}
	d := New(chipfamily.BK7231N)
	_, err := d.DoRead(ctx, 0, SectorSize)
	if err == nil {
		t.Fatalf("expected a read timeout error")
	}
}

func TestSwitchBaudRevertsOnRepeatedFailure(t *testing.T) {
	ft := transport.NewFakeTransport(true, true) // LinkCheck never succeeds post-switch
	ctx := &engine.OperationContext{
		Transport: ft,
		Reader:    transport.NewReader(ft),
		Cancel:    make(chan struct{}),
		Options:   engine.Options{ReadTimeoutMultiplier: 0.01},
	}
	start := time.Now()
	err := SwitchBaud(ctx, 921600)
	if err == nil {
		t.Fatalf("expected SwitchBaud to give up after 10 attempts")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("SwitchBaud took too long to give up: %s", time.Since(start))
	}
	if got := ft.Baud(); got != 115200 {
		t.Errorf("baud after giving up = %d, want 115200", got)
	}
}

func TestFlashBytesZeroBeforeIdentify(t *testing.T) {
	d := New(chipfamily.BK7231N)
	if got := d.FlashBytes(); got != 0 {
		t.Errorf("FlashBytes() before identify = %d, want 0", got)
	}
}
