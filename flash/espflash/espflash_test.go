package espflash

import (
	"encoding/binary"
	"testing"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
)

func TestBuildCommandParseResponseRoundTrip(t *testing.T) {
	cmd := buildCommand(opSync, []byte{1, 2, 3}, 0xAABBCCDD)
	if cmd[0] != 0x00 || cmd[1] != opSync {
		t.Fatalf("unexpected command header: %v", cmd)
	}
	if got := binary.LittleEndian.Uint16(cmd[2:4]); got != 3 {
		t.Errorf("length field = %d, want 3", got)
	}

	// Build a synthetic response: direction 0x01, echo opcode, len=4
	// (2 data bytes + 2 status bytes), value, data, status=0 ok=0.
	resp := []byte{0x01, opSync, 4, 0, 0, 0, 0, 0, 0xAA, 0xBB, 0x00, 0x00}
	parsed, err := parseResponse(resp)
	if err != nil {
		t.Fatalf("parseResponse: %s", err)
	}
	if parsed.op != opSync || len(parsed.data) != 2 || parsed.data[0] != 0xAA {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestParseResponseNonZeroStatusIsError(t *testing.T) {
	resp := []byte{0x01, opSync, 2, 0, 0, 0, 0, 0, 0x01, 0x05}
	if _, err := parseResponse(resp); err == nil {
		t.Fatalf("expected protocol status error")
	}
}

func TestParseResponseTooShortIsFramingError(t *testing.T) {
	if _, err := parseResponse([]byte{0x01, 0x00}); err == nil {
		t.Fatalf("expected framing error on short frame")
	}
}

func TestXorChecksumSeed(t *testing.T) {
	got := xorChecksum(nil)
	if got != uint32(checksumSeed) {
		t.Errorf("xorChecksum(nil) = 0x%x, want seed 0x%x", got, checksumSeed)
	}
}

func TestHexNibble(t *testing.T) {
	cases := map[byte]byte{'0': 0, '9': 9, 'a': 10, 'f': 15, 'A': 10, 'F': 15}
	for in, want := range cases {
		if got := hexNibble(in); got != want {
			t.Errorf("hexNibble(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRegsByFamilyDistinctBases(t *testing.T) {
	esp32 := regsByFamily[chipfamily.ESP32]
	s3 := regsByFamily[chipfamily.ESP32S3]
	c3 := regsByFamily[chipfamily.ESP32C3]
	if esp32.base == s3.base {
		t.Errorf("ESP32 and ESP32-S3 should not share a register base")
	}
	if s3.base != c3.base {
		t.Errorf("ESP32-S3 and ESP32-C3 share the same SPI register base in hardware")
	}
	if s3.efuseReg == c3.efuseReg {
		t.Errorf("S3 and C3 eFuse bases must differ")
	}
}

func TestStubAssetNamePerFamily(t *testing.T) {
	if stubAssetName(chipfamily.ESP32) != "stub_esp32.json" {
		t.Errorf("unexpected ESP32 stub asset name")
	}
	if stubAssetName(chipfamily.ESP32S3) != "stub_esp32s3.json" {
		t.Errorf("unexpected ESP32-S3 stub asset name")
	}
	if stubAssetName(chipfamily.ESP32C3) != "stub_esp32c3.json" {
		t.Errorf("unexpected ESP32-C3 stub asset name")
	}
}

func TestLoadStubDecodesBase64Payload(t *testing.T) {
	img, err := loadStub("stub_esp32.json")
	if err != nil {
		t.Fatalf("loadStub: %s", err)
	}
	if img.Entry == 0 {
		t.Errorf("expected a non-zero entry point")
	}
	if len(img.Text) == 0 || len(img.Data) == 0 {
		t.Errorf("expected decoded text and data segments, got %d and %d bytes", len(img.Text), len(img.Data))
	}
}

func TestDoEraseUnsupported(t *testing.T) {
	d := New(chipfamily.ESP32)
	ctx := &engine.OperationContext{Cancel: make(chan struct{})}
	if err := d.DoErase(ctx, 0, 4096); err == nil {
		t.Fatalf("expected DoErase to reject on ESP32")
	}
}

func TestDoWriteRejectsWithoutStub(t *testing.T) {
	d := New(chipfamily.ESP32)
	ctx := &engine.OperationContext{Cancel: make(chan struct{})}
	if err := d.DoWrite(ctx, 0, make([]byte, flashBlockSize)); err == nil {
		t.Fatalf("expected DoWrite to reject when the stub never uploaded")
	}
}

func TestDoWriteCancellationStopsBeforeFlashEnd(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		decoded := slipDecode(written)
		if len(decoded) < 2 {
			return nil
		}
		switch decoded[1] {
		case opFlashBegin:
			return [][]byte{slipEncode([]byte{0x01, opFlashBegin, 2, 0, 0, 0, 0, 0, 0, 0})}
		case opFlashData:
			return [][]byte{slipEncode([]byte{0x01, opFlashData, 2, 0, 0, 0, 0, 0, 0, 0})}
		}
		return nil
	}
	r := transport.NewReader(ft)
	cancel := make(chan struct{})
	ctx := &engine.OperationContext{Transport: ft, Reader: r, Cancel: cancel}

	close(cancel)
	d := New(chipfamily.ESP32)
	d.stubReady = true
	err := d.DoWrite(ctx, 0, make([]byte, flashBlockSize*4))
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	for _, w := range ft.Writes() {
		decoded := slipDecode(w)
		if len(decoded) >= 2 && decoded[1] == opFlashEnd {
			t.Fatalf("FLASH_END must not be sent after cancellation")
		}
	}
}
