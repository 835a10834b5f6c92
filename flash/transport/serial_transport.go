package transport

import (
	"sync"
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

const readLoopPoll = 20 * time.Millisecond

// SerialTransport is the production Transport, backed by the same
// github.com/cesanta/go-serial package the teacher project depends on.
//
// Baud changes use an explicit read-loop lifetime (cancel + wait for the
// old loop, then start a new one) rather than the teacher's generation
// counter, per Design Note 9.
type SerialTransport struct {
	port string
	baud int

	mu     sync.Mutex
	s      serial.Serial
	chunks chan []byte
	stop   chan struct{}
	done   sync.WaitGroup
}

// NewSerialTransport creates a transport bound to port at the given
// initial baud rate. Connect must be called before use.
func NewSerialTransport(port string, baud int) *SerialTransport {
	return &SerialTransport{port: port, baud: baud}
}

func (t *SerialTransport) Connect() error {
	opts := serial.OpenOptions{
		PortName:        t.port,
		BaudRate:        uint(t.baud),
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	}
	s, err := serial.Open(opts)
	if err != nil {
		return errors.Annotatef(ErrTransportOpen, "opening %s: %s", t.port, err)
	}
	t.mu.Lock()
	t.s = s
	t.mu.Unlock()
	t.startLoop()
	return nil
}

func (t *SerialTransport) Disconnect() {
	t.stopLoop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s != nil {
		t.s.Close()
		t.s = nil
	}
}

func (t *SerialTransport) Write(data []byte) error {
	t.mu.Lock()
	s := t.s
	t.mu.Unlock()
	if s == nil {
		return errors.Trace(ErrTransportWrite)
	}
	if _, err := s.Write(data); err != nil {
		return errors.Annotatef(ErrTransportWrite, "%s", err)
	}
	return nil
}

// SetBaud cancels the current read loop, waits for it to exit, changes the
// rate, and starts a fresh loop with a fresh Chunks() channel.
func (t *SerialTransport) SetBaud(rate int) error {
	t.stopLoop()
	t.mu.Lock()
	s := t.s
	t.mu.Unlock()
	if s == nil {
		return errors.New("transport: not connected")
	}
	if err := s.SetBaudRate(uint(rate)); err != nil {
		return errors.Annotatef(err, "failed to set baud rate %d", rate)
	}
	t.baud = rate
	t.startLoop()
	return nil
}

func (t *SerialTransport) SetDTR(on bool) bool {
	t.mu.Lock()
	s := t.s
	t.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.SetDTR(on); err != nil {
		glog.V(1).Infof("SetDTR(%v): %s (control line not honoured)", on, err)
		return false
	}
	return true
}

func (t *SerialTransport) SetRTS(on bool) bool {
	t.mu.Lock()
	s := t.s
	t.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.SetRTS(on); err != nil {
		glog.V(1).Infof("SetRTS(%v): %s (control line not honoured)", on, err)
		return false
	}
	return true
}

func (t *SerialTransport) Chunks() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// AvailablePorts implements the optional PortEnumeration capability. The
// actual enumeration is OS-specific (see ports_posix.go / ports_windows.go),
// mirroring the teacher's own per-OS enumerateSerialPorts split: go-serial
// itself has no portable port-listing API.
func (t *SerialTransport) AvailablePorts() ([]string, error) {
	return enumerateSerialPorts(), nil
}

func (t *SerialTransport) startLoop() {
	t.mu.Lock()
	t.chunks = make(chan []byte, 64)
	t.stop = make(chan struct{})
	s := t.s
	stop := t.stop
	chunks := t.chunks
	t.mu.Unlock()

	t.done.Add(1)
	go func() {
		defer t.done.Done()
		s.SetReadTimeout(readLoopPoll)
		buf := make([]byte, 4096)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, err := s.Read(buf)
			if n > 0 {
				c := make([]byte, n)
				copy(c, buf[:n])
				select {
				case chunks <- c:
				case <-stop:
					return
				}
			}
			if err != nil {
				glog.V(3).Infof("serial read: %s", err)
			}
		}
	}()
}

func (t *SerialTransport) stopLoop() {
	t.mu.Lock()
	stop := t.stop
	chunks := t.chunks
	if stop != nil {
		t.chunks = nil
		t.stop = nil
	}
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		t.done.Wait()
		close(chunks)
	}
}
