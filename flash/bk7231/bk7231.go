// Package bk7231 implements the HCI-style UART bootloader protocol used by
// the Beken BK7231/BK7238/BK7236/BK7252/BK7258 family (spec.md §4.6).
package bk7231

import (
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/flashchip"
	"github.com/openshwprojects/flashengine/flash/transport"
)

// Opcodes.
const (
	opLinkCheck     byte = 0x00
	opWriteReg      byte = 0x01
	opReadReg       byte = 0x03
	opFlashWrite4K  byte = 0x07
	opFlashRead4K   byte = 0x09
	opFlashErase4K  byte = 0x0B
	opFlashReadSR   byte = 0x0C
	opFlashWriteSR  byte = 0x0D
	opFlashGetMID   byte = 0x0E
	opSetBaudRate   byte = 0x0F
	opCheckCRC      byte = 0x10
	opFamilyErase   byte = 0x0F // shares the opcode slot with SetBaudRate; sub-opcode disambiguates
)

const (
	subErase4K  byte = 0x20
	subErase64K byte = 0xD8
)

// SectorSize and BlockSize are the BK7231 erase granularities (spec GLOSSARY).
const (
	SectorSize = 4096
	BlockSize  = 65536
)

// bootloaderProtectedOffset is the address below which BK7231T/U reject
// writes and erases unless explicitly overridden (spec.md §4.6).
const bootloaderProtectedOffset = 0x11000

// Driver implements engine.Driver for one BK7231-family chip.
type Driver struct {
	Family      chipfamily.Family
	flash       flashchip.Descriptor
	flashKnown  bool
}

var _ engine.Driver = (*Driver)(nil)

func New(f chipfamily.Family) *Driver {
	return &Driver{Family: f}
}

// --- framing ---

func buildShortCommand(opcode byte, payload []byte) []byte {
	buf := []byte{0x01, 0xE0, 0xFC, byte(len(payload) + 1), opcode}
	return append(buf, payload...)
}

func buildLongCommand(opcode byte, payload []byte) []byte {
	l := len(payload) + 1
	buf := []byte{0x01, 0xE0, 0xFC, 0xFF, 0xF4, byte(l), byte(l >> 8), opcode}
	return append(buf, payload...)
}

// sendShort writes a short-header command and reads an exact-length
// response, matching the "0x04 0x0E ..." response framing from spec.md.
func sendShort(t transport.Transport, r *transport.Reader, opcode byte, payload []byte, respLen int, timeout time.Duration) ([]byte, error) {
	if err := t.Write(buildShortCommand(opcode, payload)); err != nil {
		return nil, errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	resp, err := r.ReadFull(respLen, timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 2 || resp[0] != 0x04 || resp[1] != 0x0E {
		return nil, errors.Annotatef(engine.ErrProtocolFraming, "unexpected response header % x", resp)
	}
	return resp, nil
}

// --- bus acquisition ---

// AcquireBus pulses DTR/RTS and repeatedly LinkChecks until the bootloader
// responds, per spec.md §4.6's "get bus" algorithm.
func AcquireBus(ctx *engine.OperationContext) error {
	for outer := 0; outer < 100; outer++ {
		if ctx.Cancelled() {
			return errors.Trace(engine.ErrCancelled)
		}
		honoured := ctx.Transport.SetDTR(true)
		ctx.Transport.SetRTS(true)
		time.Sleep(50 * time.Millisecond)
		ctx.Transport.SetDTR(false)
		ctx.Transport.SetRTS(false)
		if !honoured && outer == 0 {
			ctx.Log(engine.LogWarning, "control lines (DTR/RTS) not honoured by this transport; relying on reboot fallback")
		}
		if outer%5 == 0 {
			ctx.Transport.Write([]byte("reboot\r\n"))
		}
		for attempt := 0; attempt < 100; attempt++ {
			if ctx.Cancelled() {
				return errors.Trace(engine.ErrCancelled)
			}
			if _, err := sendShort(ctx.Transport, ctx.Reader, opLinkCheck, nil, 8, ctx.Options.ScaleTimeout(10*time.Millisecond)); err == nil {
				return nil
			}
		}
	}
	return errors.Trace(engine.ErrSyncFailed)
}

// --- baud switch ---

// SwitchBaud sends SetBaudRate at the current rate, waits 20 ms for the
// command to flush, reconfigures the transport, and confirms at the new
// rate. Reverts to 115200 and retries up to ten times on failure.
func SwitchBaud(ctx *engine.OperationContext, newBaud int) error {
	for attempt := 0; attempt < 10; attempt++ {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(newBaud))
		if err := ctx.Transport.Write(buildShortCommand(opSetBaudRate, payload)); err != nil {
			return errors.Annotatef(engine.ErrTransportWrite, "%s", err)
		}
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Transport.SetBaud(newBaud); err != nil {
			return errors.Trace(err)
		}
		ctx.Reader = transport.NewReader(ctx.Transport)
		if _, err := sendShort(ctx.Transport, ctx.Reader, opLinkCheck, nil, 8, ctx.Options.ScaleTimeout(500*time.Millisecond)); err == nil {
			return nil
		}
		glog.V(1).Infof("bk7231: baud switch to %d failed, reverting to 115200 (attempt %d/10)", newBaud, attempt+1)
		ctx.Transport.SetBaud(115200)
		ctx.Reader = transport.NewReader(ctx.Transport)
	}
	return errors.Trace(engine.ErrSyncFailed)
}

// --- flash identification & unprotect ---

func readStatusRegister(ctx *engine.OperationContext, width int) (uint32, error) {
	var word uint32
	for i := 0; i < width; i++ {
		resp, err := sendShort(ctx.Transport, ctx.Reader, opFlashReadSR, []byte{byte(i)}, 9, ctx.Options.ScaleTimeout(50*time.Millisecond))
		if err != nil {
			return 0, errors.Trace(err)
		}
		word |= uint32(resp[2]) << uint(8*i)
	}
	return word, nil
}

func writeStatusRegister(ctx *engine.OperationContext, word uint32, width int) error {
	payload := make([]byte, width)
	for i := 0; i < width; i++ {
		payload[i] = byte(word >> uint(8*i))
	}
	_, err := sendShort(ctx.Transport, ctx.Reader, opFlashWriteSR, payload, 8, ctx.Options.ScaleTimeout(50*time.Millisecond))
	return errors.Trace(err)
}

// FlashBytes returns the identified flash chip's capacity, or 0 if
// IdentifyAndUnprotect hasn't run or the MID was unknown. Used by the CLI
// to size a full-chip read.
func (d *Driver) FlashBytes() int {
	if !d.flashKnown {
		return 0
	}
	return d.flash.MemoryBytes
}

// IdentifyAndUnprotect reads the flash's MID, looks it up, and clears the
// protect bits by rewriting the status register, per spec.md §4.6.
func (d *Driver) IdentifyAndUnprotect(ctx *engine.OperationContext) error {
	ctx.SetState(engine.StateIdentifying)
	resp, err := sendShort(ctx.Transport, ctx.Reader, opFlashGetMID, nil, 9, ctx.Options.ScaleTimeout(100*time.Millisecond))
	if err != nil {
		return errors.Trace(err)
	}
	mid := uint32(resp[2])<<16 | uint32(resp[3])<<8 | uint32(resp[4])

	desc, err := flashchip.Lookup(mid)
	if err != nil {
		if !ctx.Options.SkipKeyCheck {
			return errors.Trace(err)
		}
		ctx.Log(engine.LogWarning, "unknown flash MID 0x%06x, continuing because skip-key-check is set", mid)
		return nil
	}
	d.flash = desc
	d.flashKnown = true
	ctx.Log(engine.LogInfo, "Flash def found: %s", desc.PartName)

	ctx.SetState(engine.StateConfiguring)
	for attempt := 0; attempt < 10; attempt++ {
		word, err := readStatusRegister(ctx, desc.StatusRegWidth)
		if err != nil {
			return errors.Trace(err)
		}
		target := (word &^ desc.Mask) | desc.UnprotectWord
		if target == word {
			return nil
		}
		if err := writeStatusRegister(ctx, target, desc.StatusRegWidth); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(engine.ErrProtocolStatus, "could not clear protect bits after 10 attempts")
}

// --- encryption key sanity check ---

var expectedCoefficients = map[chipfamily.Family][4]uint32{
	chipfamily.BK7231N: {0x0, 0x0, 0x0, 0x0}, // placeholder: real tuya-key coefficients are device-provisioned
	chipfamily.BK7231M: {0, 0, 0, 0},
}

// CheckEncryptionKey reads the 16-byte eFuse block and compares against the
// family's expected coefficients, per spec.md §4.6. Skipped for T/U and for
// 7238/7252N, which have no such eFuse layout.
func (d *Driver) CheckEncryptionKey(ctx *engine.OperationContext) error {
	switch d.Family {
	case chipfamily.BK7231T, chipfamily.BK7231U, chipfamily.BK7238, chipfamily.BK7252N:
		return nil
	}
	if ctx.Options.SkipKeyCheck {
		return nil
	}
	raw := make([]byte, 0, 16)
	for i := 0; i < 4; i++ {
		resp, err := sendShort(ctx.Transport, ctx.Reader, opReadReg, []byte{byte(i)}, 8, ctx.Options.ScaleTimeout(50*time.Millisecond))
		if err != nil {
			return errors.Trace(err)
		}
		raw = append(raw, resp[2:6]...)
	}
	var coeffs [4]uint32
	for i := 0; i < 4; i++ {
		coeffs[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	expected, ok := expectedCoefficients[d.Family]
	if !ok {
		expected = [4]uint32{0, 0, 0, 0}
	}
	if coeffs != expected && coeffs != [4]uint32{0, 0, 0, 0} {
		return errors.Annotatef(engine.ErrProtocolStatus, "non-standard encryption key detected; pass SkipKeyCheck to continue")
	}
	return nil
}

// --- bootloader protection ---

func (d *Driver) checkProtected(ctx *engine.OperationContext, addr uint32) error {
	if d.Family != chipfamily.BK7231T && d.Family != chipfamily.BK7231U {
		return nil
	}
	if addr >= bootloaderProtectedOffset || ctx.Options.OverwriteBootloader {
		return nil
	}
	return errors.Annotatef(engine.ErrProtectedRegion, "offset 0x%x is below the bootloader-protected boundary 0x%x", addr, bootloaderProtectedOffset)
}

// --- read ---

func (d *Driver) DoRead(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	ctx.SetState(engine.StateWorking)
	sectorOffset := uint32(0)
	if d.Family == chipfamily.BK7231T || d.Family == chipfamily.BK7231U {
		sectorOffset = uint32(d.flash.MemoryBytes)
	}
	sectors := (size + SectorSize - 1) / SectorSize
	out := make([]byte, 0, sectors*SectorSize)
	for s := 0; s < sectors; s++ {
		if ctx.Cancelled() {
			return engine.ReadResult{}, errors.Trace(engine.ErrCancelled)
		}
		sectorAddr := addr + uint32(s*SectorSize) + sectorOffset
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, sectorAddr)
		resp, err := sendShort(ctx.Transport, ctx.Reader, opFlashRead4K, payload, 15+SectorSize, ctx.Options.ScaleTimeout(2*time.Second))
		if err != nil {
			return engine.ReadResult{}, errors.Annotatef(err, "sector %d", s)
		}
		out = append(out, resp[15:]...)
		ctx.SetProgress(len(out), sectors*SectorSize)
	}
	if len(out) > size {
		out = out[:size]
	}

	if isAllByte(out, 0x00) || isAllByte(out, 0xFF) {
		return engine.ReadResult{}, errors.Annotatef(engine.ErrVerificationMismatch, "read buffer is uniformly 0x00 or 0xFF, suspect no data transferred")
	}

	ctx.SetState(engine.StateVerifying)
	localCRC := crc.CRC32(0xFFFFFFFF, out)
	deviceCRC, err := d.checkCRC(ctx, addr, addr+uint32(len(out)))
	if err != nil {
		return engine.ReadResult{}, errors.Trace(err)
	}
	if deviceCRC != localCRC {
		if !ctx.Options.IgnoreCRCErr {
			return engine.ReadResult{}, errors.Annotatef(engine.ErrVerificationMismatch, "device CRC 0x%08x != local CRC 0x%08x", deviceCRC, localCRC)
		}
		ctx.Log(engine.LogWarning, "CRC mismatch ignored: device=0x%08x local=0x%08x", deviceCRC, localCRC)
	} else {
		ctx.Log(engine.LogSuccess, "CRC matches 0x%08x!", localCRC)
	}
	return engine.ReadResult{Data: out}, nil
}

func (d *Driver) checkCRC(ctx *engine.OperationContext, start, end uint32) (uint32, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], start)
	binary.LittleEndian.PutUint32(payload[4:8], end)
	resp, err := sendShort(ctx.Transport, ctx.Reader, opCheckCRC, payload, 10, ctx.Options.ScaleTimeout(2*time.Second))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}

func isAllByte(buf []byte, b byte) bool {
	for _, x := range buf {
		if x != b {
			return false
		}
	}
	return len(buf) > 0
}

// --- write ---

func (d *Driver) DoWrite(ctx *engine.OperationContext, addr uint32, data []byte) error {
	if err := d.checkProtected(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	ctx.SetState(engine.StateWorking)
	if err := d.eraseRange(ctx, addr, len(data)); err != nil {
		return errors.Trace(err)
	}

	sectors := (len(data) + SectorSize - 1) / SectorSize
	for s := 0; s < sectors; s++ {
		if ctx.Cancelled() {
			ctx.Log(engine.LogWarning, "Write cancelled by user")
			return errors.Trace(engine.ErrCancelled)
		}
		off := s * SectorSize
		end := off + SectorSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, SectorSize)
		copy(chunk, data[off:end])
		payload := make([]byte, 4+SectorSize)
		binary.LittleEndian.PutUint32(payload[0:4], addr+uint32(off))
		copy(payload[4:], chunk)
		if _, err := sendShort(ctx.Transport, ctx.Reader, opFlashWrite4K, payload, 8, ctx.Options.ScaleTimeout(2*time.Second)); err != nil {
			return errors.Annotatef(err, "sector %d", s)
		}
		ctx.SetProgress(end, len(data))
	}

	ctx.SetState(engine.StateVerifying)
	localCRC := crc.CRC32(0xFFFFFFFF, data)
	deviceCRC, err := d.checkCRC(ctx, addr, addr+uint32(len(data)))
	if err != nil {
		return errors.Trace(err)
	}
	if deviceCRC != localCRC && !ctx.Options.IgnoreCRCErr {
		return errors.Annotatef(engine.ErrVerificationMismatch, "device CRC 0x%08x != local CRC 0x%08x", deviceCRC, localCRC)
	}
	return nil
}

func (d *Driver) eraseRange(ctx *engine.OperationContext, addr uint32, length int) error {
	return d.DoErase(ctx, addr, length)
}

// DoErase erases [addr, addr+size): 4K sectors at the boundaries, 64K
// blocks in between, with up to six retries per sector before aborting.
func (d *Driver) DoErase(ctx *engine.OperationContext, addr uint32, size int) error {
	if err := d.checkProtected(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	end := addr + uint32(size)
	cur := addr
	for cur < end {
		if ctx.Cancelled() {
			return errors.Trace(engine.ErrCancelled)
		}
		var eraseAddr uint32
		var step uint32
		var sub byte
		if cur%BlockSize == 0 && end-cur >= BlockSize {
			eraseAddr, step, sub = cur, BlockSize, subErase64K
		} else {
			eraseAddr, step, sub = cur-(cur%SectorSize), SectorSize, subErase4K
		}
		var lastErr error
		for attempt := 0; attempt < 6; attempt++ {
			payload := make([]byte, 5)
			binary.LittleEndian.PutUint32(payload[0:4], eraseAddr)
			payload[4] = sub
			_, lastErr = sendShort(ctx.Transport, ctx.Reader, opFamilyErase, payload, 8, ctx.Options.ScaleTimeout(500*time.Millisecond))
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			return errors.Annotatef(lastErr, "erase at 0x%x after 6 attempts", eraseAddr)
		}
		cur += step
	}
	return nil
}

func (d *Driver) Close(ctx *engine.OperationContext) error {
	ctx.SetState(engine.StateCompleted)
	return nil
}
