package bl60x

import (
	"bytes"
	"testing"
)

func TestBuildBootHeaderVerifies(t *testing.T) {
	firmware := bytes.Repeat([]byte{0xAB}, 4096)
	h := BuildBootHeader(firmware, FlashConfig{ClockCfg: [4]byte{1, 2, 3, 4}, IoMode: 1})
	if len(h) != BootHeaderSize {
		t.Fatalf("header length = %d, want %d", len(h), BootHeaderSize)
	}
	if err := VerifyBootHeader(h, firmware); err != nil {
		t.Fatalf("VerifyBootHeader: %s", err)
	}
}

func TestBuildBootHeaderDetectsCorruption(t *testing.T) {
	firmware := []byte("hello world")
	h := BuildBootHeader(firmware, FlashConfig{})
	h[50] ^= 0xFF // corrupt a byte inside the CRC-covered clock-config region
	if err := VerifyBootHeader(h, firmware); err == nil {
		t.Fatalf("expected corruption to be detected")
	}
}

func TestPartitionTableRoundTrip(t *testing.T) {
	entries := []PartitionEntry{
		{Type: 1, SlotFlag: 0, Name: "factory", Addr0: 0x1000, Addr1: 0x2000, Len0: 0x1000, Len1: 0x1000},
		{Type: 2, SlotFlag: 1, Name: "fw", Addr0: 0x10000, Addr1: 0x20000, Len0: 0x10000, Len1: 0x10000},
	}
	buf := BuildPartitionTable(entries)
	got, err := ParsePartitionTable(buf)
	if err != nil {
		t.Fatalf("ParsePartitionTable: %s", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestPartitionTableCapsAt16Entries(t *testing.T) {
	entries := make([]PartitionEntry, 20)
	for i := range entries {
		entries[i] = PartitionEntry{Name: "x"}
	}
	buf := BuildPartitionTable(entries)
	got, err := ParsePartitionTable(buf)
	if err != nil {
		t.Fatalf("ParsePartitionTable: %s", err)
	}
	if len(got) > maxPartitionEntries {
		t.Errorf("got %d entries, want at most %d", len(got), maxPartitionEntries)
	}
}
