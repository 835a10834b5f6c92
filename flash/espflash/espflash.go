// Package espflash implements the SLIP-framed ROM/stub bootloader protocol
// shared by ESP32, ESP32-S3, and ESP32-C3 (spec.md §4.8).
package espflash

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
)

// ROM/stub opcodes.
const (
	opFlashBegin    byte = 0x02
	opFlashData     byte = 0x03
	opFlashEnd      byte = 0x04
	opMemBegin      byte = 0x05
	opMemEnd        byte = 0x06
	opMemData       byte = 0x07
	opSync          byte = 0x08
	opWriteReg      byte = 0x09
	opReadReg       byte = 0x0A
	opSPIAttach     byte = 0x0D
	opChangeBaud    byte = 0x0F
	opReadFlashSlow byte = 0x0E
	opSPIFlashMD5   byte = 0x13
	opGetSecurity   byte = 0x14
	opReadFlash     byte = 0xD2
)

const (
	memBlockSize   = 0x1800
	flashBlockSize = 0x400
	checksumSeed   byte = 0xEF
)

// romBaud is the fixed rate the ROM bootloader resets into and syncs at;
// Prepare raises the transport off of this rate once the stub (or ROM, for
// CHANGE_BAUDRATE-capable chips) is ready to run at the caller's target.
const romBaud = 115200

// spiRegs holds the SPI-controller register base/offsets that differ
// between ESP32 and the S3/C3 pair (spec.md §4.8).
type spiRegs struct {
	base     uint32
	usrOff   uint32
	usr1Off  uint32
	usr2Off  uint32
	w0Off    uint32
	cmdOff   uint32
	efuseReg uint32
}

var regsByFamily = map[chipfamily.Family]spiRegs{
	chipfamily.ESP32:   {base: 0x3FF42000, usrOff: 0x1C, usr1Off: 0x20, usr2Off: 0x24, w0Off: 0x80, cmdOff: 0x00, efuseReg: 0x3ff00050},
	chipfamily.ESP32S3: {base: 0x60002000, usrOff: 0x18, usr1Off: 0x1C, usr2Off: 0x20, w0Off: 0x58, cmdOff: 0x00, efuseReg: 0x60007000},
	chipfamily.ESP32C3: {base: 0x60002000, usrOff: 0x18, usr1Off: 0x1C, usr2Off: 0x20, w0Off: 0x58, cmdOff: 0x00, efuseReg: 0x60008800},
}

const magicRegAddr uint32 = 0x40001000

var magicToFamilyName = map[uint32]string{
	0x00F01D83: "ESP32",
	0x000007C6: "ESP32-S2",
	0xFFF0C101: "ESP8266",
}

// Driver implements engine.Driver for the ESP32 family of chips.
type Driver struct {
	Family    chipfamily.Family
	stubReady bool
}

var _ engine.Driver = (*Driver)(nil)

// New returns a Driver bound to one ESP32 variant.
func New(f chipfamily.Family) *Driver {
	return &Driver{Family: f}
}

func (d *Driver) regs() spiRegs {
	r, ok := regsByFamily[d.Family]
	if !ok {
		r = regsByFamily[chipfamily.ESP32]
	}
	return r
}

// --- framing ---

func buildCommand(op byte, data []byte, checksum uint32) []byte {
	buf := make([]byte, 8+len(data))
	buf[0] = 0x00
	buf[1] = op
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	copy(buf[8:], data)
	return buf
}

type response struct {
	op       byte
	value    uint32
	data     []byte
	status   byte
	errByte  byte
}

func parseResponse(frame []byte) (response, error) {
	if len(frame) < 10 {
		return response{}, errors.Annotatef(engine.ErrProtocolFraming, "short response frame (%d bytes)", len(frame))
	}
	if frame[0] != 0x01 {
		return response{}, errors.Annotatef(engine.ErrProtocolFraming, "unexpected direction byte 0x%02x", frame[0])
	}
	l := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < 8+l {
		return response{}, errors.Annotatef(engine.ErrProtocolFraming, "truncated response body")
	}
	value := binary.LittleEndian.Uint32(frame[4:8])
	body := frame[8 : 8+l]
	r := response{op: frame[1], value: value, data: body}
	if l >= 2 {
		r.status = body[l-2]
		r.errByte = body[l-1]
		r.data = body[:l-2]
	}
	if r.status != 0 {
		return r, errors.Annotatef(engine.ErrProtocolStatus, "status=0x%02x err=0x%02x", r.status, r.errByte)
	}
	return r, nil
}

func sendCommand(t transport.Transport, r *transport.Reader, op byte, data []byte, checksum uint32, timeout time.Duration) (response, error) {
	frame := slipEncode(buildCommand(op, data, checksum))
	if err := t.Write(frame); err != nil {
		return response{}, errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	raw, err := r.ReadUntil(timeout, func(buf []byte) bool {
		return len(buf) >= 2 && buf[0] == slipEnd && buf[len(buf)-1] == slipEnd
	})
	if err != nil {
		return response{}, errors.Trace(err)
	}
	decoded := slipDecode(raw)
	return parseResponse(decoded)
}

func xorChecksum(data []byte) uint32 {
	sum := checksumSeed
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// --- reset / sync ---

// ResetIntoBootloader drives DTR/RTS per spec.md §4.8 to force the chip
// into its ROM bootloader, then drains whatever garbage the reset pulse
// produced on the line.
func ResetIntoBootloader(t transport.Transport, r *transport.Reader) {
	t.SetDTR(false)
	t.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	t.SetDTR(true)
	t.SetRTS(false)
	time.Sleep(500 * time.Millisecond)
	r.Discard(50 * time.Millisecond)
}

// Sync performs the op-0x08 handshake, retrying up to 10*4=40 times.
func Sync(ctx *engine.OperationContext) error {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, repeat(0x55, 32)...)
	for outer := 0; outer < 10; outer++ {
		for attempt := 0; attempt < 4; attempt++ {
			if ctx.Cancelled() {
				return errors.Trace(engine.ErrCancelled)
			}
			_, err := sendCommand(ctx.Transport, ctx.Reader, opSync, payload, 0, ctx.Options.ScaleTimeout(300*time.Millisecond))
			if err == nil {
				// Drain up to 7 additional sync responses the ROM/stub sends.
				for i := 0; i < 7; i++ {
					ctx.Reader.ReadUntil(50*time.Millisecond, func(buf []byte) bool {
						return len(buf) >= 2 && buf[0] == slipEnd && buf[len(buf)-1] == slipEnd
					})
				}
				return nil
			}
			glog.V(2).Infof("espflash: sync attempt %d/%d failed: %s", outer*4+attempt+1, 40, err)
		}
	}
	return errors.Trace(engine.ErrSyncFailed)
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// --- register access ---

func readReg(ctx *engine.OperationContext, addr uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	resp, err := sendCommand(ctx.Transport, ctx.Reader, opReadReg, data, 0, ctx.Options.ScaleTimeout(200*time.Millisecond))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return resp.value, nil
}

func writeReg(ctx *engine.OperationContext, addr, value, mask, delayUS uint32) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], mask)
	binary.LittleEndian.PutUint32(data[12:16], delayUS)
	_, err := sendCommand(ctx.Transport, ctx.Reader, opWriteReg, data, 0, ctx.Options.ScaleTimeout(200*time.Millisecond))
	return errors.Trace(err)
}

// spiAttach sends SPI_ATTACH with a zeroed payload sized for ROM vs stub.
func (d *Driver) spiAttach(ctx *engine.OperationContext) error {
	size := 8
	if d.stubReady {
		size = 4
	}
	_, err := sendCommand(ctx.Transport, ctx.Reader, opSPIAttach, make([]byte, size), 0, ctx.Options.ScaleTimeout(200*time.Millisecond))
	return errors.Trace(err)
}

// readFlashID reads the flash's JEDEC ID through the SPI controller
// registers directly (no stub required), per spec.md §4.8.
func (d *Driver) readFlashID(ctx *engine.OperationContext) (uint32, error) {
	r := d.regs()
	const opcode = 0x9F // JEDEC READ ID
	const spiUsrCommand = 1 << 31
	const spiUsrMISO = 1 << 28

	if err := writeReg(ctx, r.base+r.usr2Off, (7<<28)|uint32(opcode), 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Trace(err)
	}
	if err := writeReg(ctx, r.base+r.usrOff, spiUsrCommand|spiUsrMISO, 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Trace(err)
	}
	if err := writeReg(ctx, r.base+r.usr1Off, 23<<8, 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Trace(err)
	}
	if err := writeReg(ctx, r.base+r.cmdOff, 1<<18, 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Trace(err)
	}
	for i := 0; i < 10; i++ {
		v, err := readReg(ctx, r.base+r.cmdOff)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if v&(1<<18) == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	v, err := readReg(ctx, r.base+r.w0Off)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return v & 0xFFFFFF, nil
}

// IdentifyChip tries GET_SECURITY_INFO first, falling back to the magic
// register table, per spec.md §4.8.
func IdentifyChip(ctx *engine.OperationContext) (string, error) {
	resp, err := sendCommand(ctx.Transport, ctx.Reader, opGetSecurity, nil, 0, ctx.Options.ScaleTimeout(200*time.Millisecond))
	if err == nil && len(resp.data) >= 13 {
		chipID := resp.data[12]
		if name, ok := chipIDNames[chipID]; ok {
			return name, nil
		}
	}
	magic, err := readReg(ctx, magicRegAddr)
	if err != nil {
		return "", errors.Trace(err)
	}
	if name, ok := magicToFamilyName[magic]; ok {
		return name, nil
	}
	return "", errors.Annotatef(engine.ErrSyncFailed, "unrecognised chip magic 0x%08x", magic)
}

var chipIDNames = map[byte]string{
	5: "ESP32-C3",
}

// --- stub upload ---

// stubImage mirrors the bundled JSON stub asset format from spec.md §6.
type stubImage struct {
	TextStart uint32 `json:"text_start"`
	Text      []byte `json:"text"`
	DataStart uint32 `json:"data_start"`
	Data      []byte `json:"data"`
	Entry     uint32 `json:"entry"`
}

func loadStub(name string) (stubImage, error) {
	raw, err := embeddedAssets.ReadFile("assets/" + name)
	if err != nil {
		return stubImage{}, errors.Annotatef(err, "loading stub asset %q", name)
	}
	var img stubImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return stubImage{}, errors.Annotatef(err, "decoding stub asset %q", name)
	}
	return img, nil
}

func uploadSegment(ctx *engine.OperationContext, start uint32, data []byte) error {
	numBlocks := (len(data) + memBlockSize - 1) / memBlockSize
	if numBlocks == 0 {
		numBlocks = 1
	}
	begin := make([]byte, 16)
	binary.LittleEndian.PutUint32(begin[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(begin[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(begin[8:12], memBlockSize)
	binary.LittleEndian.PutUint32(begin[12:16], start)
	if _, err := sendCommand(ctx.Transport, ctx.Reader, opMemBegin, begin, 0, ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < numBlocks; i++ {
		off := i * memBlockSize
		end := off + memBlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		header := make([]byte, 16)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(chunk)))
		binary.LittleEndian.PutUint32(header[4:8], uint32(i))
		payload := append(header, chunk...)
		if _, err := sendCommand(ctx.Transport, ctx.Reader, opMemData, payload, xorChecksum(chunk), ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// UploadStub uploads the text and data segments then confirms the stub's
// "OHAI" liveness marker, per spec.md §4.8.
func (d *Driver) UploadStub(ctx *engine.OperationContext, name string) error {
	img, err := loadStub(name)
	if err != nil {
		return errors.Trace(err)
	}
	if err := uploadSegment(ctx, img.TextStart, img.Text); err != nil {
		return errors.Annotatef(err, "uploading text segment")
	}
	if err := uploadSegment(ctx, img.DataStart, img.Data); err != nil {
		return errors.Annotatef(err, "uploading data segment")
	}
	endData := make([]byte, 8)
	binary.LittleEndian.PutUint32(endData[0:4], 0) // execute flag: run immediately
	binary.LittleEndian.PutUint32(endData[4:8], img.Entry)
	if err := ctx.Transport.Write(slipEncode(buildCommand(opMemEnd, endData, 0))); err != nil {
		return errors.Annotatef(engine.ErrTransportWrite, "%s", err)
	}
	ohai, err := ctx.Reader.ReadFull(8, ctx.Options.ScaleTimeout(5*time.Second))
	if err != nil || string(slipDecode(ohai)) != "OHAI" {
		decoded := slipDecode(ohai)
		if len(decoded) < 4 || string(decoded[:4]) != "OHAI" {
			return errors.Annotatef(engine.ErrSyncFailed, "stub did not confirm with OHAI")
		}
	}
	d.stubReady = true
	return nil
}

func stubAssetName(f chipfamily.Family) string {
	switch f {
	case chipfamily.ESP32S3:
		return "stub_esp32s3.json"
	case chipfamily.ESP32C3:
		return "stub_esp32c3.json"
	default:
		return "stub_esp32.json"
	}
}

// Prepare resets into the bootloader, syncs, identifies the chip, attaches
// SPI, uploads the stub, and raises the baud to targetBaud, leaving the
// driver ready for read/write.
func (d *Driver) Prepare(ctx *engine.OperationContext, targetBaud int) error {
	ctx.SetState(engine.StateOpening)
	ResetIntoBootloader(ctx.Transport, ctx.Reader)

	ctx.SetState(engine.StateSyncing)
	if err := Sync(ctx); err != nil {
		return errors.Trace(err)
	}

	ctx.SetState(engine.StateIdentifying)
	name, err := IdentifyChip(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	ctx.Log(engine.LogInfo, "chip identified as %s", name)

	if err := d.spiAttach(ctx); err != nil {
		return errors.Annotatef(err, "SPI attach")
	}

	ctx.SetState(engine.StateConfiguring)
	if err := d.UploadStub(ctx, stubAssetName(d.Family)); err != nil {
		ctx.Log(engine.LogWarning, "stub upload failed, falling back to ROM path: %s", err)
	}

	if targetBaud != 0 && targetBaud != romBaud {
		if err := d.changeBaud(ctx, targetBaud, romBaud); err != nil {
			ctx.Log(engine.LogWarning, "baud raise to %d failed, continuing at %d: %s", targetBaud, romBaud, err)
		}
	}
	return nil
}

// changeBaud issues CHANGE_BAUDRATE then switches the transport and
// re-subscribes the receive stream, per spec.md §4.1/§4.8.
func (d *Driver) changeBaud(ctx *engine.OperationContext, newBaud, oldBaud int) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(newBaud))
	binary.LittleEndian.PutUint32(data[4:8], uint32(oldBaud))
	if _, err := sendCommand(ctx.Transport, ctx.Reader, opChangeBaud, data, 0, ctx.Options.ScaleTimeout(300*time.Millisecond)); err != nil {
		return errors.Trace(err)
	}
	if err := ctx.Transport.SetBaud(newBaud); err != nil {
		return errors.Trace(err)
	}
	ctx.Reader = transport.NewReader(ctx.Transport)
	return nil
}

// DoWrite flashes data at addr via FLASH_BEGIN/FLASH_DATA/FLASH_END, then
// verifies with SPI_FLASH_MD5, per spec.md §4.8.
func (d *Driver) DoWrite(ctx *engine.OperationContext, addr uint32, data []byte) error {
	if !d.stubReady {
		return errors.Annotatef(engine.ErrProtocolStatus, "stub not uploaded; ESP32 writes require the stub")
	}
	ctx.SetState(engine.StateWorking)
	numBlocks := (len(data) + flashBlockSize - 1) / flashBlockSize
	if numBlocks == 0 {
		numBlocks = 1
	}
	begin := make([]byte, 16)
	binary.LittleEndian.PutUint32(begin[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(begin[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(begin[8:12], flashBlockSize)
	binary.LittleEndian.PutUint32(begin[12:16], addr)
	if _, err := sendCommand(ctx.Transport, ctx.Reader, opFlashBegin, begin, 0, ctx.Options.ScaleTimeout(20*time.Second)); err != nil {
		return errors.Annotatef(err, "FLASH_BEGIN")
	}

	for i := 0; i < numBlocks; i++ {
		if ctx.Cancelled() {
			ctx.Log(engine.LogWarning, "Write cancelled by user")
			return errors.Trace(engine.ErrCancelled)
		}
		off := i * flashBlockSize
		end := off + flashBlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, flashBlockSize)
		n := copy(chunk, data[off:end])
		for j := n; j < flashBlockSize; j++ {
			chunk[j] = 0xFF
		}
		header := make([]byte, 16)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(chunk)))
		binary.LittleEndian.PutUint32(header[4:8], uint32(i))
		payload := append(header, chunk...)

		var sendErr error
		for attempt := 0; attempt < 3; attempt++ {
			_, sendErr = sendCommand(ctx.Transport, ctx.Reader, opFlashData, payload, xorChecksum(chunk), ctx.Options.ScaleTimeout(3*time.Second))
			if sendErr == nil {
				break
			}
			glog.V(2).Infof("espflash: FLASH_DATA block %d retry %d/3: %s", i, attempt+1, sendErr)
		}
		if sendErr != nil {
			return errors.Annotatef(sendErr, "FLASH_DATA block %d", i)
		}
		ctx.SetProgress(end, len(data))
	}

	ctx.SetState(engine.StateVerifying)
	if err := d.verifyMD5(ctx, addr, len(data), data); err != nil {
		if ctx.Options.IgnoreCRCErr {
			ctx.Log(engine.LogWarning, "MD5 mismatch ignored: %s", err)
		} else {
			return errors.Trace(err)
		}
	}

	endData := make([]byte, 4)
	binary.LittleEndian.PutUint32(endData[0:4], 1) // no_entry=1: stay in bootloader
	_, err := sendCommand(ctx.Transport, ctx.Reader, opFlashEnd, endData, 0, ctx.Options.ScaleTimeout(500*time.Millisecond))
	return errors.Trace(err)
}

func (d *Driver) verifyMD5(ctx *engine.OperationContext, addr uint32, length int, original []byte) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], uint32(length))
	resp, err := sendCommand(ctx.Transport, ctx.Reader, opSPIFlashMD5, data, 0, ctx.Options.ScaleTimeout(10*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	want := crc.MD5(original)
	var got [16]byte
	switch {
	case len(resp.data) == 16:
		copy(got[:], resp.data)
	case len(resp.data) == 32:
		// ROM path returns 32 ASCII hex characters instead of raw bytes.
		for i := 0; i < 16; i++ {
			got[i] = hexNibble(resp.data[2*i])<<4 | hexNibble(resp.data[2*i+1])
		}
	default:
		return errors.Annotatef(engine.ErrProtocolFraming, "unexpected MD5 response length %d", len(resp.data))
	}
	if got != want {
		return errors.Annotatef(engine.ErrVerificationMismatch, "device MD5 %x != local %x", got, want)
	}
	return nil
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

// DoRead reads size bytes from addr. It uses the fast stub path (READ_FLASH)
// when a stub is live, falling back to the slow ROM path (READ_FLASH_SLOW)
// otherwise, per spec.md §4.8.
func (d *Driver) DoRead(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	ctx.SetState(engine.StateWorking)
	if d.stubReady {
		return d.readFast(ctx, addr, size)
	}
	return d.readSlow(ctx, addr, size)
}

func (d *Driver) readFast(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	req := make([]byte, 16)
	binary.LittleEndian.PutUint32(req[0:4], addr)
	binary.LittleEndian.PutUint32(req[4:8], uint32(size))
	binary.LittleEndian.PutUint32(req[8:12], 0x1000)
	binary.LittleEndian.PutUint32(req[12:16], 64)
	if _, err := sendCommand(ctx.Transport, ctx.Reader, opReadFlash, req, 0, ctx.Options.ScaleTimeout(500*time.Millisecond)); err != nil {
		return engine.ReadResult{}, errors.Trace(err)
	}

	out := make([]byte, 0, size)
	for len(out) < size {
		if ctx.Cancelled() {
			return engine.ReadResult{}, errors.Trace(engine.ErrCancelled)
		}
		want := size - len(out)
		if want > 0x1000 {
			want = 0x1000
		}
		raw, err := ctx.Reader.ReadUntil(ctx.Options.ScaleTimeout(2*time.Second), func(buf []byte) bool {
			return len(buf) >= 2 && buf[0] == slipEnd && buf[len(buf)-1] == slipEnd && len(buf) > 2
		})
		if err != nil {
			return engine.ReadResult{}, errors.Trace(err)
		}
		chunk := slipDecode(raw)
		out = append(out, chunk...)
		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(len(out)))
		if err := ctx.Transport.Write(slipEncode(ack)); err != nil {
			return engine.ReadResult{}, errors.Annotatef(engine.ErrTransportWrite, "%s", err)
		}
		ctx.SetProgress(len(out), size)
	}
	if len(out) > size {
		out = out[:size]
	}

	ctx.SetState(engine.StateVerifying)
	digest, err := ctx.Reader.ReadFull(16, ctx.Options.ScaleTimeout(2*time.Second))
	if err == nil {
		var got [16]byte
		copy(got[:], digest)
		if got != crc.MD5(out) {
			return engine.ReadResult{}, errors.Annotatef(engine.ErrVerificationMismatch, "stub read MD5 mismatch")
		}
	}
	return engine.ReadResult{Data: out}, nil
}

func (d *Driver) readSlow(ctx *engine.OperationContext, addr uint32, size int) (engine.ReadResult, error) {
	out := make([]byte, 0, size)
	for len(out) < size {
		if ctx.Cancelled() {
			return engine.ReadResult{}, errors.Trace(engine.ErrCancelled)
		}
		chunkLen := 64
		if size-len(out) < chunkLen {
			chunkLen = size - len(out)
		}
		req := make([]byte, 8)
		binary.LittleEndian.PutUint32(req[0:4], addr+uint32(len(out)))
		binary.LittleEndian.PutUint32(req[4:8], uint32(chunkLen))
		resp, err := sendCommand(ctx.Transport, ctx.Reader, opReadFlashSlow, req, 0, ctx.Options.ScaleTimeout(1*time.Second))
		if err != nil {
			return engine.ReadResult{}, errors.Trace(err)
		}
		out = append(out, resp.data...)
		ctx.SetProgress(len(out), size)
	}
	return engine.ReadResult{Data: out}, nil
}

// DoErase is unsupported as a standalone op on ESP32: FLASH_BEGIN always
// erases the region it's about to write, so a freestanding erase has no
// ROM/stub command to drive.
func (d *Driver) DoErase(ctx *engine.OperationContext, addr uint32, size int) error {
	return errors.Annotatef(engine.ErrProtocolStatus, "ESP32 has no standalone erase command; writes erase implicitly")
}

// Close reports StateCompleted and releases no state. It does not revert a
// raised baud rate; the transport itself is owned and closed by the caller.
func (d *Driver) Close(ctx *engine.OperationContext) error {
	ctx.SetState(engine.StateCompleted)
	return nil
}
