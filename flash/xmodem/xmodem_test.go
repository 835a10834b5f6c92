package xmodem

import (
	"math"
	"testing"
	"time"

	"github.com/openshwprojects/flashengine/flash/transport"
)

// ackingTransport auto-ACKs every packet/EOT it receives via the Script
// hook, so Send() completes without a second goroutine driving responses.
func ackingTransport() *transport.FakeTransport {
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) == 1 && written[0] == eot {
			return [][]byte{{ack}}
		}
		if len(written) > 0 && written[0] == stx {
			return [][]byte{{ack}}
		}
		return nil
	}
	return ft
}

func TestSendComputesExpectedBlockCount(t *testing.T) {
	ft := ackingTransport()
	ft.Push([]byte{cInit})
	r := transport.NewReader(ft)

	payload := make([]byte, 2500) // ceil(2500/1024) = 3 blocks
	for i := range payload {
		payload[i] = byte(i)
	}

	var acked int
	opts := Options{
		PaddingByte: 0xFF,
		Progress: func(sent, total, block, offset int) {
			acked++
		},
	}
	if err := Send(ft, r, payload, opts); err != nil {
		t.Fatalf("Send: %s", err)
	}
	wantBlocks := int(math.Ceil(float64(len(payload)) / blockSize))
	if acked != wantBlocks {
		t.Errorf("acked %d blocks, want %d", acked, wantBlocks)
	}
}

func TestSendPadsFinalBlockWithConfiguredByte(t *testing.T) {
	var lastPacket []byte
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) > 0 && written[0] == stx {
			lastPacket = written
			return [][]byte{{ack}}
		}
		if len(written) == 1 && written[0] == eot {
			return [][]byte{{ack}}
		}
		return nil
	}
	ft.Push([]byte{cInit})
	r := transport.NewReader(ft)

	payload := make([]byte, 10)
	if err := Send(ft, r, payload, Options{PaddingByte: 0xFF}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	// packet layout: STX, blk, 255-blk, 1024 data, 2 CRC bytes
	data := lastPacket[3 : 3+blockSize]
	for i := len(payload); i < blockSize; i++ {
		if data[i] != 0xFF {
			t.Fatalf("padding byte at %d = 0x%02x, want 0xFF", i, data[i])
		}
	}
}

func TestSendAbortsOnCAN(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	ft.Script = func(written []byte) [][]byte {
		if len(written) > 0 && written[0] == stx {
			return [][]byte{{can}}
		}
		return nil
	}
	ft.Push([]byte{cInit})
	r := transport.NewReader(ft)

	err := Send(ft, r, make([]byte, 100), Options{PaddingByte: 0xFF, ResponseTimeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected abort error")
	}
}

func TestInitiationFailureAborts(t *testing.T) {
	ft := transport.NewFakeTransport(true, true)
	r := transport.NewReader(ft)
	// No initiation byte ever arrives.
	err := Send(ft, r, []byte{1, 2, 3}, Options{InitiationTimeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected initiation failure")
	}
}
