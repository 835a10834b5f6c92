// Package wm implements the 0x21-framed UART bootloader protocol shared by
// WinnerMicro W600 and W800 (spec.md §4.9).
package wm

import (
	"embed"
	"encoding/binary"
	"time"

	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
	"github.com/openshwprojects/flashengine/flash/xmodem"
)

//go:embed assets/*.bin
var embeddedAssets embed.FS

const (
	opEraseSecboot byte = 0x3F
	opFlashID      byte = 0x3C
	opChangeBaud   byte = 0x31
	opFlashRead    byte = 0x4A
)

const (
	escByte     byte = 0x1B
	frameMarker byte = 0x21
)

// secbootHeaderMagic is the 4-byte marker validated before a raw binary is
// wrapped in a pseudo-FLS header (spec.md §4.9).
var secbootHeaderMagic = []byte{0x9F, 0xFF, 0xFF, 0xA0}

// Driver implements engine.Driver for W600/W800.
type Driver struct {
	Family    chipfamily.Family
	stubReady bool
}

var _ engine.Driver = (*Driver)(nil)

func New(f chipfamily.Family) *Driver {
	return &Driver{Family: f}
}

func (d *Driver) isW800() bool { return d.Family == chipfamily.W800 }

// --- framing ---

// buildFrame wraps cmdType+params in the 0x21 frame with a CRC-16/CCITT-FALSE
// over cmdType+params, and a total_len field that includes the trailing CRC
// itself (spec.md §4.9).
func buildFrame(cmdType uint32, params []byte) []byte {
	body := make([]byte, 4+len(params))
	binary.LittleEndian.PutUint32(body[0:4], cmdType)
	copy(body[4:], params)
	c := crc.CRC16CCITTFalse(body)
	totalLen := len(body) + 2

	buf := make([]byte, 0, 5+len(body)+2)
	buf = append(buf, frameMarker)
	buf = append(buf, byte(totalLen), byte(totalLen>>8))
	buf = append(buf, byte(c), byte(c>>8))
	buf = append(buf, body...)
	return buf
}

func sendCommand(ctx *engine.OperationContext, cmdType uint32, params []byte, respLen int, timeout time.Duration) ([]byte, error) {
	if err := ctx.Transport.Write(buildFrame(cmdType, params)); err != nil {
		return nil, errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	return ctx.Reader.ReadFull(respLen, timeout)
}

// --- sync ---

// Sync waits for a burst of more than three 'C' bytes within a 2s window,
// with a W600 secboot-interrupt fallback (250x ESC then opEraseSecboot),
// retrying up to 1000 times, per spec.md §4.9.
func (d *Driver) Sync(ctx *engine.OperationContext) error {
	for attempt := 0; attempt < 1000; attempt++ {
		if ctx.Cancelled() {
			return errors.Trace(engine.ErrCancelled)
		}
		buf, err := ctx.Reader.ReadUntil(2*time.Second, func(b []byte) bool {
			return countByte(b, 'C') > 3
		})
		if err == nil && countByte(buf, 'C') > 3 {
			return nil
		}
		if !d.isW800() && attempt%50 == 0 {
			escBurst := make([]byte, 250)
			for i := range escBurst {
				escBurst[i] = escByte
			}
			for _, b := range escBurst {
				ctx.Transport.Write([]byte{b})
				time.Sleep(time.Millisecond)
			}
			ctx.Transport.Write(buildFrame(uint32(opEraseSecboot), nil))
		}
	}
	return errors.Trace(engine.ErrSyncFailed)
}

func countByte(buf []byte, b byte) int {
	n := 0
	for _, x := range buf {
		if x == b {
			n++
		}
	}
	return n
}

// --- flash identification ---

// FlashSizeBytes decodes opcode 0x3C's "FID" response. W600 reports a
// single-byte ID with no size; W800 reports two bytes and a decodable
// size via the same log2 rule as BL60x (spec.md §4.9).
func (d *Driver) FlashSizeBytes(ctx *engine.OperationContext) (int, error) {
	resp, err := sendCommand(ctx, uint32(opFlashID), nil, 16, ctx.Options.ScaleTimeout(500*time.Millisecond))
	if err != nil {
		return 0, errors.Trace(err)
	}
	idx := indexOf(resp, []byte("FID"))
	if idx < 0 {
		return 0, errors.Annotatef(engine.ErrProtocolFraming, "missing FID marker in flash-ID response")
	}
	if !d.isW800() {
		return 0, nil
	}
	hexBytes := resp[idx+3:]
	if len(hexBytes) < 2 {
		return 0, errors.Annotatef(engine.ErrProtocolFraming, "short FID payload")
	}
	b := hexNibble(hexBytes[0])<<4 | hexNibble(hexBytes[1])
	exp := int(b) - 0x11
	sizeMB := (1 << uint(exp)) / 8
	return sizeMB * 1024 * 1024, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

// --- stub upload (W800 only) ---

// UploadStub sends the bundled W800 stub via XMODEM-1K then re-syncs once
// it starts running, per spec.md §4.9.
func (d *Driver) UploadStub(ctx *engine.OperationContext) error {
	if !d.isW800() {
		return nil
	}
	raw, err := embeddedAssets.ReadFile("assets/w800_stub.bin")
	if err != nil {
		return errors.Annotatef(err, "loading W800 stub asset")
	}
	if err := xmodem.Send(ctx.Transport, ctx.Reader, raw, xmodem.Options{PaddingByte: 0xFF}); err != nil {
		return errors.Annotatef(err, "stub upload")
	}
	d.stubReady = true
	return d.Sync(ctx)
}

// --- baud change ---

// ChangeBaud sends opcode 0x31 with a 4-byte LE rate, waits 20 ms, switches
// the transport to the new rate and re-subscribes with a fresh Reader
// (spec.md §4.1/§4.9). It has a single path for every transport: there is
// no separate close/reopen handling, and no response to the command is read
// at either rate.
func (d *Driver) ChangeBaud(ctx *engine.OperationContext, newBaud int) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(newBaud))
	if err := ctx.Transport.Write(buildFrame(uint32(opChangeBaud), payload)); err != nil {
		return errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := ctx.Transport.SetBaud(newBaud); err != nil {
		return errors.Trace(err)
	}
	ctx.Reader = transport.NewReader(ctx.Transport)
	return nil
}

// --- read (W800 only) ---

// DoRead reads flash in 4096-byte blocks via opcode 0x4A, truncating the
// final block when the requested size isn't block-aligned, verifying each
// block's trailing CRC-32 with up to ten retries (spec.md §4.9, §8).
func (d *Driver) DoRead(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	if !d.isW800() {
		return engine.ReadResult{}, errors.Annotatef(engine.ErrProtocolStatus, "W600 cannot read flash")
	}
	ctx.SetState(engine.StateWorking)
	const blockSize = 4096
	out := make([]byte, 0, size)
	for len(out) < size {
		if ctx.Cancelled() {
			return engine.ReadResult{}, errors.Trace(engine.ErrCancelled)
		}
		want := size - len(out)
		if want > blockSize {
			want = blockSize
		}
		var block []byte
		var lastErr error
		for attempt := 0; attempt < 10; attempt++ {
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint32(payload[0:4], addr+uint32(len(out)))
			binary.LittleEndian.PutUint32(payload[4:8], blockSize)
			resp, err := sendCommand(ctx, uint32(opFlashRead), payload, blockSize+4, ctx.Options.ScaleTimeout(2*time.Second))
			if err != nil {
				lastErr = err
				continue
			}
			if len(resp) < want+4 {
				lastErr = errors.Annotatef(engine.ErrProtocolFraming, "short read response")
				continue
			}
			payloadBytes := resp[:want]
			wantCRC := binary.LittleEndian.Uint32(resp[len(resp)-4:])
			gotCRC := crc.CRC32(0xFFFFFFFF, resp[:len(resp)-4])
			if gotCRC != wantCRC {
				lastErr = errors.Annotatef(engine.ErrVerificationMismatch, "CRC mismatch on block at 0x%x", addr+uint32(len(out)))
				continue
			}
			block = payloadBytes
			lastErr = nil
			break
		}
		if lastErr != nil {
			return engine.ReadResult{}, errors.Trace(lastErr)
		}
		out = append(out, block...)
		ctx.SetProgress(len(out), size)
	}
	return engine.ReadResult{Data: out}, nil
}

// --- write ---

// w600HeaderSize and w800HeaderSize are the pseudo-FLS header sizes
// prepended to raw binaries before XMODEM transmission (spec.md §4.9).
const (
	w600HeaderSize = 44
	w800HeaderSize = 48
)

func (d *Driver) pseudoFLSHeaderSize() int {
	if d.isW800() {
		return w800HeaderSize
	}
	return w600HeaderSize
}

// buildPseudoFLSHeader wraps a raw secboot-prefixed binary body in a
// family-sized header carrying start address, length, payload CRC-32, and
// a header CRC-32 (spec.md §4.9).
func (d *Driver) buildPseudoFLSHeader(addr uint32, body []byte) []byte {
	size := d.pseudoFLSHeaderSize()
	h := make([]byte, size)
	binary.LittleEndian.PutUint32(h[0:4], addr)
	binary.LittleEndian.PutUint32(h[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint32(h[8:12], crc.CRC32(0xFFFFFFFF, body))
	binary.LittleEndian.PutUint32(h[size-4:size], crc.CRC32(0xFFFFFFFF, h[:size-4]))
	return h
}

// DoWrite transmits data via XMODEM. If data already carries the secboot
// header at offset 0x2000 and is at least 1MiB, it's a raw binary that
// must be wrapped in a pseudo-FLS header first; otherwise it's passed
// through unmodified as an already-FLS-formatted payload (spec.md §4.9).
func (d *Driver) DoWrite(ctx *engine.OperationContext, addr uint32, data []byte) error {
	ctx.SetState(engine.StateWorking)
	payload := data
	if len(data) >= 1024*1024 && len(data) > 0x2000+4 && indexOf(data[0x2000:0x2000+4], secbootHeaderMagic) == 0 {
		body := data[0x2000:]
		header := d.buildPseudoFLSHeader(addr, body)
		payload = append(header, body...)
	}
	err := xmodem.Send(ctx.Transport, ctx.Reader, payload, xmodem.Options{
		PaddingByte: 0xFF,
		Progress: func(sent, total, block, offset int) {
			ctx.SetProgress(sent, total)
		},
	})
	return errors.Trace(err)
}

// DoErase is unsupported; WM bootloaders manage erase implicitly during
// the XMODEM write (spec.md §4.9).
func (d *Driver) DoErase(ctx *engine.OperationContext, addr uint32, size int) error {
	return errors.Annotatef(engine.ErrProtocolStatus, "WM driver does not support standalone erase")
}

func (d *Driver) Close(ctx *engine.OperationContext) error {
	ctx.SetState(engine.StateCompleted)
	return nil
}
