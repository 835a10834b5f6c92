// Package xmodem implements a sender-only XMODEM-1K state machine
// (spec.md §4.3), used by the WM driver to upload its bootstrap stub and,
// for W600/W800, the firmware image itself wrapped in a pseudo-FLS header.
package xmodem

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/crc"
	"github.com/openshwprojects/flashengine/flash/transport"
)

const (
	blockSize = 1024

	soh byte = 0x01 // unused: this sender is 1K-only, never falls back to 128-byte SOH blocks
	stx byte = 0x02
	eot byte = 0x04
	ack byte = 0x06
	nak byte = 0x15
	can byte = 0x18
	cInit byte = 0x43
)

// ErrInitiationFailed is returned when the receiver never sends 'C' or NAK.
var ErrInitiationFailed = errors.New("xmodem: initiation failed")

// ErrAborted is returned when the receiver sends CAN.
var ErrAborted = errors.New("xmodem: transfer aborted by receiver (CAN)")

// ErrTooManyRetries is returned when a block exhausts its retry budget.
var ErrTooManyRetries = errors.New("xmodem: too many retries")

// Progress is invoked after every successfully-acked packet.
type Progress func(sent, total, block, offset int)

// Options configures a Sender. Zero value uses XMODEM-1K/CRC defaults with
// no padding byte override (0x1A, the classic XMODEM pad).
type Options struct {
	// PaddingByte pads the final, short block. WM requires 0xFF.
	PaddingByte byte
	// MaxRetries bounds per-packet NAK/timeout retries. Default 5.
	MaxRetries int
	// ResponseTimeout bounds how long the sender waits for ACK/NAK after a
	// packet. Default 3s, a generous bound for slow bootloaders.
	ResponseTimeout time.Duration
	// InitiationTimeout bounds how long the sender waits for 'C'/NAK before
	// giving up. Default 10s.
	InitiationTimeout time.Duration
	Progress          Progress
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PaddingByte == 0 {
		out.PaddingByte = 0x1A
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 5
	}
	if out.ResponseTimeout == 0 {
		out.ResponseTimeout = 3 * time.Second
	}
	if out.InitiationTimeout == 0 {
		out.InitiationTimeout = 10 * time.Second
	}
	return out
}

// Send transmits data as a sequence of 1024-byte XMODEM blocks over t,
// returning once the receiver ACKs EOT. blkNum wraps modulo 256, starting
// at 1, matching spec.md §8's round-trip property.
func Send(t transport.Transport, r *transport.Reader, data []byte, opts Options) error {
	o := opts.withDefaults()

	useCRC, err := awaitInitiation(r, o.InitiationTimeout)
	if err != nil {
		return errors.Trace(err)
	}

	total := len(data)
	sent := 0
	blk := byte(1)
	for offset := 0; offset < total || (total == 0 && offset == 0); offset += blockSize {
		end := offset + blockSize
		if end > total {
			end = total
		}
		packet := buildPacket(blk, data[offset:end], o.PaddingByte, useCRC)
		if err := sendPacketWithRetry(t, r, packet, o); err != nil {
			return errors.Annotatef(err, "block %d (offset %d)", blk, offset)
		}
		sent += end - offset
		if o.Progress != nil {
			o.Progress(sent, total, int(blk), offset)
		}
		blk++ // wraps naturally at 256 (byte arithmetic)
		if total == 0 {
			break
		}
	}

	return sendEOT(t, r, o)
}

func awaitInitiation(r *transport.Reader, timeout time.Duration) (useCRC bool, err error) {
	b, err := r.ReadByte(timeout)
	if err != nil {
		return false, errors.Annotatef(ErrInitiationFailed, "%s", err)
	}
	switch b {
	case cInit:
		return true, nil
	case nak:
		return false, nil
	default:
		return false, errors.Annotatef(ErrInitiationFailed, "unexpected byte 0x%02x", b)
	}
}

func buildPacket(blk byte, chunk []byte, pad byte, useCRC bool) []byte {
	buf := make([]byte, 0, 3+blockSize+2)
	buf = append(buf, stx, blk, 255-blk)
	data := make([]byte, blockSize)
	n := copy(data, chunk)
	for i := n; i < blockSize; i++ {
		data[i] = pad
	}
	buf = append(buf, data...)
	if useCRC {
		c := crc.CRC16XMODEM(data)
		buf = append(buf, byte(c>>8), byte(c))
	} else {
		sum := byte(0)
		for _, b := range data {
			sum += b
		}
		buf = append(buf, sum)
	}
	return buf
}

func sendPacketWithRetry(t transport.Transport, r *transport.Reader, packet []byte, o Options) error {
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if err := t.Write(packet); err != nil {
			return errors.Trace(err)
		}
		resp, err := r.ReadByte(o.ResponseTimeout)
		if err != nil {
			glog.V(2).Infof("xmodem: no response, retry %d/%d", attempt+1, o.MaxRetries)
			continue
		}
		switch resp {
		case ack:
			return nil
		case can:
			return errors.Trace(ErrAborted)
		case nak:
			glog.V(2).Infof("xmodem: NAK, retry %d/%d", attempt+1, o.MaxRetries)
			continue
		default:
			glog.V(2).Infof("xmodem: unexpected response 0x%02x, retry %d/%d", resp, attempt+1, o.MaxRetries)
		}
	}
	return errors.Trace(ErrTooManyRetries)
}

func sendEOT(t transport.Transport, r *transport.Reader, o Options) error {
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if err := t.Write([]byte{eot}); err != nil {
			return errors.Trace(err)
		}
		resp, err := r.ReadByte(o.ResponseTimeout)
		if err == nil && resp == ack {
			return nil
		}
		glog.V(2).Infof("xmodem: EOT not acked, retry %d/%d", attempt+1, o.MaxRetries)
	}
	return errors.Trace(ErrTooManyRetries)
}
