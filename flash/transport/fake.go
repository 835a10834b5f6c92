package transport

import "sync"

// FakeTransport is an in-memory Transport double for driver tests. It feeds
// pre-scripted response chunks and records every write and control-line
// pulse so a test can assert on the exact bytes a driver sent.
//
// It lives outside _test.go (unlike a typical stdlib-style test helper)
// because every driver package's tests import it across package
// boundaries; this mirrors the ambient test-tooling the teacher keeps
// alongside the contracts it doubles for (spec.md "FakeTransport" note).
type FakeTransport struct {
	mu        sync.Mutex
	chunks    chan []byte
	writes    [][]byte
	baud      int
	dtrPulses []bool
	rtsPulses []bool
	honourDTR bool
	honourRTS bool

	// Script, if set, is called by Write with every written slice, and each
	// chunk it returns is queued as if passed to Push, so a test can react
	// to specific writes (e.g. respond to a command). Left nil by default;
	// tests then call Push to queue raw response bytes directly.
	Script func(written []byte) [][]byte
}

// NewFakeTransport returns a connected, ready-to-use fake. honourDTR/RTS
// control what SetDTR/SetRTS report back, mimicking hosts that can't
// assert control lines.
func NewFakeTransport(honourDTR, honourRTS bool) *FakeTransport {
	return &FakeTransport{
		chunks:    make(chan []byte, 256),
		honourDTR: honourDTR,
		honourRTS: honourRTS,
	}
}

func (f *FakeTransport) Connect() error { return nil }
func (f *FakeTransport) Disconnect()    {}

func (f *FakeTransport) Write(data []byte) error {
	f.mu.Lock()
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	script := f.Script
	f.mu.Unlock()
	if script != nil {
		for _, resp := range script(cp) {
			f.Push(resp)
		}
	}
	return nil
}

func (f *FakeTransport) SetBaud(rate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baud = rate
	// A real transport may drop/replace the chunk channel on baud change;
	// the fake does the same so drivers exercise the re-subscribe path.
	old := f.chunks
	f.chunks = make(chan []byte, 256)
	close(old)
	return nil
}

func (f *FakeTransport) SetDTR(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtrPulses = append(f.dtrPulses, on)
	return f.honourDTR
}

func (f *FakeTransport) SetRTS(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtsPulses = append(f.rtsPulses, on)
	return f.honourRTS
}

func (f *FakeTransport) Chunks() <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks
}

// Push queues a chunk of bytes to be delivered to the next Chunks() reader.
func (f *FakeTransport) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	f.mu.Lock()
	ch := f.chunks
	f.mu.Unlock()
	ch <- data
}

// Writes returns every byte slice passed to Write, in order.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// Baud returns the most recently requested baud rate.
func (f *FakeTransport) Baud() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baud
}

// DTRPulses/RTSPulses return the recorded sequence of SetDTR/SetRTS calls.
func (f *FakeTransport) DTRPulses() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.dtrPulses...)
}

func (f *FakeTransport) RTSPulses() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.rtsPulses...)
}
