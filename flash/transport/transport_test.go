package transport

import (
	"testing"
	"time"
)

func TestReaderReadFull(t *testing.T) {
	ft := NewFakeTransport(true, true)
	r := NewReader(ft)
	ft.Push([]byte{1, 2, 3})
	ft.Push([]byte{4, 5})
	got, err := r.ReadFull(5, time.Second)
	if err != nil {
		t.Fatalf("ReadFull: %s", err)
	}
	want := []byte{1, 2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadFull = %v, want %v", got, want)
		}
	}
}

func TestReaderReadFullTimeout(t *testing.T) {
	ft := NewFakeTransport(true, true)
	r := NewReader(ft)
	ft.Push([]byte{1})
	_, err := r.ReadFull(5, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestReaderReadUntil(t *testing.T) {
	ft := NewFakeTransport(true, true)
	r := NewReader(ft)
	ft.Push([]byte{0xC0, 1, 2})
	ft.Push([]byte{3, 0xC0})
	got, err := r.ReadUntil(time.Second, func(buf []byte) bool {
		return len(buf) > 0 && buf[len(buf)-1] == 0xC0 && len(buf) > 1
	})
	if err != nil {
		t.Fatalf("ReadUntil: %s", err)
	}
	if len(got) != 5 {
		t.Fatalf("ReadUntil got %d bytes, want 5", len(got))
	}
}

func TestFakeTransportRecordsControlLines(t *testing.T) {
	ft := NewFakeTransport(false, true)
	if ft.SetDTR(true) {
		t.Errorf("expected SetDTR to report false (not honoured)")
	}
	if !ft.SetRTS(true) {
		t.Errorf("expected SetRTS to report true (honoured)")
	}
	if len(ft.DTRPulses()) != 1 || len(ft.RTSPulses()) != 1 {
		t.Errorf("expected one recorded pulse each")
	}
}

func TestFakeTransportSetBaudReplacesChannel(t *testing.T) {
	ft := NewFakeTransport(true, true)
	old := ft.Chunks()
	if err := ft.SetBaud(921600); err != nil {
		t.Fatalf("SetBaud: %s", err)
	}
	if ft.Baud() != 921600 {
		t.Errorf("Baud() = %d, want 921600", ft.Baud())
	}
	if _, ok := <-old; ok {
		t.Errorf("expected old chunk channel to be closed after SetBaud")
	}
}
