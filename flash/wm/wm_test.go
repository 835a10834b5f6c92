package wm

import (
	"bytes"
	"testing"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
)

func TestBuildFrameTotalLenIncludesCRC(t *testing.T) {
	frame := buildFrame(0x01, []byte{1, 2, 3})
	totalLen := int(frame[1]) | int(frame[2])<<8
	// body = cmdType(4) + params(3) = 7; total_len = body + crc(2) = 9
	if totalLen != 9 {
		t.Errorf("total_len = %d, want 9", totalLen)
	}
}

func TestBuildFrameCRCCoversCmdTypeAndParams(t *testing.T) {
	frame := buildFrame(0x02, []byte{0xAA, 0xBB})
	body := frame[5:]
	gotCRC := uint16(frame[3]) | uint16(frame[4])<<8
	want := crc.CRC16CCITTFalse(body)
	if gotCRC != want {
		t.Errorf("frame CRC = 0x%04x, want 0x%04x", gotCRC, want)
	}
}

func TestSyncRespectsCancellation(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	cancel := make(chan struct{})
	close(cancel)
	ctx := &engine.OperationContext{Transport: ft, Reader: transport.NewReader(ft), Cancel: cancel}
	d := New(chipfamily.W800)
	if err := d.Sync(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestSyncSucceedsOnCBurst(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	ft.Push([]byte{'C', 'C', 'C', 'C'})
	ctx := &engine.OperationContext{Transport: ft, Reader: transport.NewReader(ft), Cancel: make(chan struct{})}
	d := New(chipfamily.W800)
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %s", err)
	}
}

func TestW600CannotReadFlash(t *testing.T) {
	d := New(chipfamily.W600)
	ctx := &engine.OperationContext{}
	if _, err := d.DoRead(ctx, 0, 4096); err == nil {
		t.Fatalf("expected W600 read rejection")
	}
}

func TestW600CannotErase(t *testing.T) {
	d := New(chipfamily.W600)
	ctx := &engine.OperationContext{}
	if err := d.DoErase(ctx, 0, 4096); err == nil {
		t.Fatalf("expected erase rejection")
	}
}

func TestReadTruncatesFinalPartialBlock(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) > 0 && written[0] == frameMarker {
			data := bytes.Repeat([]byte{0x42}, 4096)
			c := crc.CRC32(0xFFFFFFFF, data)
			cBytes := make([]byte, 4)
			cBytes[0] = byte(c)
			cBytes[1] = byte(c >> 8)
			cBytes[2] = byte(c >> 16)
			cBytes[3] = byte(c >> 24)
			return [][]byte{append(append([]byte{}, data...), cBytes...)}
		}
		return nil
	}
	ctx := &engine.OperationContext{Transport: ft, Reader: transport.NewReader(ft), Cancel: make(chan struct{})}
	d := New(chipfamily.W800)
	want := 5000 // spans two blocks; second is a 904-byte partial
	result, err := d.DoRead(ctx, 0, want)
	if err != nil {
		t.Fatalf("DoRead: %s", err)
	}
	if len(result.Data) != want {
		t.Errorf("got %d bytes, want %d", len(result.Data), want)
	}
}

func TestBuildPseudoFLSHeaderSizePerFamily(t *testing.T) {
	w600 := New(chipfamily.W600)
	w800 := New(chipfamily.W800)
	if got := len(w600.buildPseudoFLSHeader(0, []byte("x"))); got != w600HeaderSize {
		t.Errorf("W600 header size = %d, want %d", got, w600HeaderSize)
	}
	if got := len(w800.buildPseudoFLSHeader(0, []byte("x"))); got != w800HeaderSize {
		t.Errorf("W800 header size = %d, want %d", got, w800HeaderSize)
	}
}

func TestHexNibble(t *testing.T) {
	if hexNibble('a') != 10 || hexNibble('9') != 9 {
		t.Errorf("hexNibble decode failed")
	}
}

func TestIndexOf(t *testing.T) {
	if indexOf([]byte("hello FID world"), []byte("FID")) != 6 {
		t.Errorf("indexOf failed to locate marker")
	}
	if indexOf([]byte("hello"), []byte("FID")) != -1 {
		t.Errorf("indexOf should return -1 when absent")
	}
}
