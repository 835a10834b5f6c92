// Package bl60x implements the length-prefixed UART bootloader protocol
// shared by BL602, BL702, and BL616 (spec.md §4.7).
package bl60x

import (
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
)

// Opcodes.
const (
	opBootHeader    byte = 0x11
	opSegHeader     byte = 0x17
	opSegData       byte = 0x18
	opLoaderCheck   byte = 0x19
	opLoaderRun     byte = 0x1A
	opInfo          byte = 0x10
	opFlashConfig   byte = 0x3B
	opFlashID       byte = 0x36
	opFlashErase    byte = 0x30
	opFlashEraseAll byte = 0x3C
	opFlashWrite    byte = 0x31
	opFlashRead     byte = 0x32
	opFlashVerify   byte = 0x3D
)

const chunkSize = 4092

// ReadChunkSize is the maximum bytes requested per read opcode (spec.md §4.7).
const ReadChunkSize = 4096

// Driver implements engine.Driver for BL602/BL702/BL616.
type Driver struct {
	Family chipfamily.Family
}

var _ engine.Driver = (*Driver)(nil)

func New(f chipfamily.Family) *Driver {
	return &Driver{Family: f}
}

// --- framing ---

func buildCommand(opcode byte, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = opcode
	buf[2] = byte(len(payload))
	buf[3] = byte(len(payload) >> 8)
	copy(buf[4:], payload)
	sum := byte(0)
	for _, b := range buf[2:] {
		sum += b
	}
	buf[1] = sum
	return buf
}

type status int

const (
	statusOK status = iota
	statusFail
	statusPending
)

// awaitStatus reads the 2-byte "OK"/"FL"/"PD" marker, polling through PD up
// to 500 times at 20ms, per spec.md §4.7.
func awaitStatus(r *transport.Reader, timeout time.Duration) (status, error) {
	for poll := 0; poll < 500; poll++ {
		tag, err := r.ReadFull(2, timeout)
		if err != nil {
			return statusFail, errors.Trace(err)
		}
		switch string(tag) {
		case "OK":
			return statusOK, nil
		case "FL":
			return statusFail, errors.Trace(engine.ErrProtocolStatus)
		case "PD":
			time.Sleep(20 * time.Millisecond)
			continue
		default:
			return statusFail, errors.Annotatef(engine.ErrProtocolFraming, "unexpected status tag %q", tag)
		}
	}
	return statusFail, errors.Annotatef(engine.ErrProtocolStatus, "pending status never resolved")
}

// opcodesWithBody lists commands whose "OK" is followed by a
// length-prefixed data body, as opposed to a bare acknowledgement
// (erase/write/loader-upload commands only ack).
var opcodesWithBody = map[byte]bool{
	opInfo:        true,
	opFlashID:     true,
	opFlashRead:   true,
	opFlashVerify: true,
}

func sendCommand(ctx *engine.OperationContext, opcode byte, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := ctx.Transport.Write(buildCommand(opcode, payload)); err != nil {
		return nil, errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	st, err := awaitStatus(ctx.Reader, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if st != statusOK {
		return nil, errors.Trace(engine.ErrProtocolStatus)
	}
	if !opcodesWithBody[opcode] {
		return nil, nil
	}
	lenBytes, err := ctx.Reader.ReadFull(2, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	n := int(binary.LittleEndian.Uint16(lenBytes))
	if n == 0 {
		return nil, nil
	}
	return ctx.Reader.ReadFull(n, timeout)
}

// --- sync ---

// Sync pulses RTS/DTR to enter the bootloader then sends 16x 'U', retrying
// up to 1000 times and re-pulsing every tenth attempt, per spec.md §4.7.
func Sync(ctx *engine.OperationContext) error {
	pulse := func() {
		ctx.Transport.SetRTS(true)
		ctx.Transport.SetDTR(true)
		ctx.Transport.SetDTR(false)
		time.Sleep(100 * time.Millisecond)
		ctx.Transport.SetRTS(true)
		time.Sleep(500 * time.Millisecond)
	}
	pulse()
	for attempt := 0; attempt < 1000; attempt++ {
		if ctx.Cancelled() {
			return errors.Trace(engine.ErrCancelled)
		}
		if attempt > 0 && attempt%10 == 0 {
			pulse()
		}
		if err := ctx.Transport.Write(repeatByte('U', 16)); err != nil {
			return errors.Annotatef(engine.ErrTransportWrite, "%s", err)
		}
		tag, err := ctx.Reader.ReadFull(2, ctx.Options.ScaleTimeout(75*time.Millisecond))
		if err == nil && string(tag) == "OK" {
			return nil
		}
	}
	return errors.Trace(engine.ErrSyncFailed)
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// --- info & variant detection ---

// DetectVariant queries the bootrom version (opcode 0x10) and classifies
// the chip per spec.md §4.7's leading-hex-digit rule.
func DetectVariant(ctx *engine.OperationContext) (chipfamily.Family, error) {
	resp, err := sendCommand(ctx, opInfo, nil, ctx.Options.ScaleTimeout(200*time.Millisecond))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(resp) < 4 {
		return 0, errors.Annotatef(engine.ErrProtocolFraming, "info response too short")
	}
	version := binary.LittleEndian.Uint32(resp[:4])
	lead := (version >> 20) & 0xFFF
	switch lead {
	case 0x702, 0x704, 0x706:
		return chipfamily.BL702, nil
	case 0x616, 0x618:
		return chipfamily.BL616, nil
	default:
		return chipfamily.BL602, nil
	}
}

// --- eflash-loader upload ---

func loaderAssetName(f chipfamily.Family) string {
	if f == chipfamily.BL702 {
		return "eflash_loader_bl702.bin.gz"
	}
	return "eflash_loader_bl602.bin.gz"
}

// UploadLoader streams the bundled eflash-loader image via the boot/segment
// header + chunked-data opcodes, then checks and runs it. BL616 has no
// loader stage and is handled by UploadConfig instead.
func (d *Driver) UploadLoader(ctx *engine.OperationContext) error {
	raw, err := embeddedAssets.ReadFile("assets/" + loaderAssetName(d.Family))
	if err != nil {
		return errors.Annotatef(err, "loading eflash-loader asset")
	}
	if _, err := sendCommand(ctx, opBootHeader, raw[:min(176, len(raw))], ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
		return errors.Annotatef(err, "boot header")
	}
	segHeader := make([]byte, 16)
	binary.LittleEndian.PutUint32(segHeader[0:4], 0)
	binary.LittleEndian.PutUint32(segHeader[4:8], uint32(len(raw)))
	if _, err := sendCommand(ctx, opSegHeader, segHeader, ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
		return errors.Annotatef(err, "segment header")
	}
	for off := 0; off < len(raw); off += chunkSize {
		end := off + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := sendCommand(ctx, opSegData, raw[off:end], ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
			return errors.Annotatef(err, "segment data at offset %d", off)
		}
	}
	if _, err := sendCommand(ctx, opLoaderCheck, nil, ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
		return errors.Annotatef(err, "loader check")
	}
	_, err = sendCommand(ctx, opLoaderRun, nil, ctx.Options.ScaleTimeout(500*time.Millisecond))
	return errors.Trace(err)
}

// UploadConfig sends BL616's single eflash configuration command in lieu
// of a loader image.
func (d *Driver) UploadConfig(ctx *engine.OperationContext) error {
	_, err := sendCommand(ctx, opFlashConfig, nil, ctx.Options.ScaleTimeout(500*time.Millisecond))
	return errors.Trace(err)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- flash identification ---

// FlashSizeBytes decodes opcode 0x36's response: byte[3]-0x11 is log2 of
// the size in 8-bit groups, per spec.md §4.7.
func FlashSizeBytes(ctx *engine.OperationContext) (int, error) {
	resp, err := sendCommand(ctx, opFlashID, nil, ctx.Options.ScaleTimeout(200*time.Millisecond))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(resp) < 4 {
		return 0, errors.Annotatef(engine.ErrProtocolFraming, "flash ID response too short")
	}
	exp := int(resp[3]) - 0x11
	sizeMB := (1 << uint(exp)) / 8
	return sizeMB * 1024 * 1024, nil
}

// --- read ---

func (d *Driver) DoRead(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	ctx.SetState(engine.StateWorking)
	out := make([]byte, 0, size)
	for len(out) < size {
		if ctx.Cancelled() {
			return engine.ReadResult{}, errors.Trace(engine.ErrCancelled)
		}
		want := size - len(out)
		if want > ReadChunkSize {
			want = ReadChunkSize
		}
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint32(payload[0:4], addr+uint32(len(out)))
		binary.LittleEndian.PutUint32(payload[4:8], uint32(want))
		chunk, err := sendCommand(ctx, opFlashRead, payload, ctx.Options.ScaleTimeout(2*time.Second))
		if err != nil {
			glog.V(1).Infof("bl60x: read chunk failed, re-syncing: %s", err)
			if serr := Sync(ctx); serr != nil {
				return engine.ReadResult{}, errors.Trace(serr)
			}
			continue
		}
		if len(chunk) != want {
			return engine.ReadResult{}, errors.Annotatef(engine.ErrProtocolFraming, "expected %d bytes, got %d", want, len(chunk))
		}
		out = append(out, chunk...)
		ctx.SetProgress(len(out), size)
	}

	ctx.SetState(engine.StateVerifying)
	deviceSHA, err := sendCommand(ctx, opFlashVerify, nil, ctx.Options.ScaleTimeout(5*time.Second))
	if err == nil {
		local := crc.SHA256(out)
		if len(deviceSHA) == 32 && !bytesEqual(deviceSHA, local[:]) && !ctx.Options.IgnoreCRCErr {
			return engine.ReadResult{}, errors.Annotatef(engine.ErrVerificationMismatch, "SHA-256 mismatch")
		}
	}
	return engine.ReadResult{Data: out}, nil
}

func bytesEqual(a []byte, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- write ---

func (d *Driver) DoWrite(ctx *engine.OperationContext, addr uint32, data []byte) error {
	ctx.SetState(engine.StateWorking)
	if err := d.DoErase(ctx, addr, len(data)); err != nil {
		return errors.Trace(err)
	}
	for off := 0; off < len(data); off += chunkSize {
		if ctx.Cancelled() {
			ctx.Log(engine.LogWarning, "Write cancelled by user")
			return errors.Trace(engine.ErrCancelled)
		}
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, 4+(end-off))
		binary.LittleEndian.PutUint32(payload[0:4], addr+uint32(off))
		copy(payload[4:], data[off:end])
		if _, err := sendCommand(ctx, opFlashWrite, payload, ctx.Options.ScaleTimeout(2*time.Second)); err != nil {
			return errors.Annotatef(err, "chunk at offset %d", off)
		}
		ctx.SetProgress(end, len(data))
	}

	ctx.SetState(engine.StateVerifying)
	deviceSHA, err := sendCommand(ctx, opFlashVerify, nil, ctx.Options.ScaleTimeout(5*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	local := crc.SHA256(data)
	if len(deviceSHA) == 32 && !bytesEqual(deviceSHA, local[:]) && !ctx.Options.IgnoreCRCErr {
		return errors.Annotatef(engine.ErrVerificationMismatch, "SHA-256 mismatch")
	}
	return nil
}

// DoErase erases [addr, addr+size) with the range-erase opcode 0x30 and a
// 30-second timeout. It always erases by range, even when the range covers
// the whole chip; the whole-chip erase opcode 0x3C is never sent.
func (d *Driver) DoErase(ctx *engine.OperationContext, addr uint32, size int) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], addr+uint32(size))
	_, err := sendCommand(ctx, opFlashErase, payload, 30*time.Second)
	return errors.Trace(err)
}

func (d *Driver) Close(ctx *engine.OperationContext) error {
	ctx.SetState(engine.StateCompleted)
	return nil
}
