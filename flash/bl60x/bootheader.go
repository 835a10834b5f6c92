package bl60x

import (
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/crc"
)

const bootHeaderMagic uint32 = 0x504E4642

// BootHeaderSize is the fixed 176-byte boot header structure BL602/BL702
// expect at flash offset 0 (spec.md §4.7).
const BootHeaderSize = 176

// PartitionTableOffset is where the partition table is written after the
// boot header.
const PartitionTableOffset = 0xE000

// FlashConfig carries the per-flash timing fields baked into the boot
// header; populated from the identified flash descriptor.
type FlashConfig struct {
	ClockCfg [4]byte
	IoMode   byte
}

// BuildBootHeader constructs the 176-byte header for firmware of the given
// length, with CRC-32 fields at offsets 96 and 112 over their preceding
// substructures, and a SHA-256 of the firmware body at bytes 132..163
// (spec.md §4.7, §8).
func BuildBootHeader(firmware []byte, fc FlashConfig) []byte {
	h := make([]byte, BootHeaderSize)
	binary.LittleEndian.PutUint32(h[0:4], bootHeaderMagic)
	copy(h[4:8], fc.ClockCfg[:])
	h[8] = fc.IoMode
	binary.LittleEndian.PutUint32(h[92:96], uint32(len(firmware))) // firmware length field
	// CRC-32 over the clock-config substructure (bytes 4..96).
	binary.LittleEndian.PutUint32(h[96:100], crc.CRC32(0xFFFFFFFF, h[4:96]))
	binary.LittleEndian.PutUint32(h[100:104], 0) // entry point: always 0
	binary.LittleEndian.PutUint32(h[104:108], 0x1000) // image start
	sha := crc.SHA256(firmware)
	copy(h[132:164], sha[:])
	// CRC-32 over the boot-config substructure (bytes 100..112).
	binary.LittleEndian.PutUint32(h[112:116], crc.CRC32(0xFFFFFFFF, h[100:112]))
	// Final CRC-32 over the whole header up to offset 172.
	binary.LittleEndian.PutUint32(h[172:176], crc.CRC32(0xFFFFFFFF, h[:172]))
	return h
}

// VerifyBootHeader recomputes and checks the three CRC-32 fields and the
// SHA-256 firmware digest against a header built by BuildBootHeader over
// the given firmware bytes.
func VerifyBootHeader(h []byte, firmware []byte) error {
	if len(h) != BootHeaderSize {
		return errors.Errorf("boot header must be %d bytes, got %d", BootHeaderSize, len(h))
	}
	if binary.LittleEndian.Uint32(h[0:4]) != bootHeaderMagic {
		return errors.Errorf("bad boot header magic")
	}
	if got, want := binary.LittleEndian.Uint32(h[96:100]), crc.CRC32(0xFFFFFFFF, h[4:96]); got != want {
		return errors.Errorf("clock-config CRC mismatch: got 0x%08x want 0x%08x", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(h[112:116]), crc.CRC32(0xFFFFFFFF, h[100:112]); got != want {
		return errors.Errorf("boot-config CRC mismatch: got 0x%08x want 0x%08x", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(h[172:176]), crc.CRC32(0xFFFFFFFF, h[:172]); got != want {
		return errors.Errorf("header CRC mismatch: got 0x%08x want 0x%08x", got, want)
	}
	sha := crc.SHA256(firmware)
	for i := 0; i < 32; i++ {
		if h[132+i] != sha[i] {
			return errors.Errorf("firmware SHA-256 mismatch at byte %d", i)
		}
	}
	return nil
}

// PartitionEntry describes one slot of the on-chip flash layout (spec.md §3).
type PartitionEntry struct {
	Type     byte
	SlotFlag byte
	Name     string // <= 8 ASCII chars
	Addr0    uint32
	Addr1    uint32
	Len0     uint32
	Len1     uint32
}

const partitionEntrySize = 36
const maxPartitionEntries = 16

// ParsePartitionTable decodes a raw partition-table buffer into entries.
func ParsePartitionTable(buf []byte) ([]PartitionEntry, error) {
	n := len(buf) / partitionEntrySize
	if n > maxPartitionEntries {
		n = maxPartitionEntries
	}
	entries := make([]PartitionEntry, 0, n)
	for i := 0; i < n; i++ {
		e := buf[i*partitionEntrySize : (i+1)*partitionEntrySize]
		nameEnd := 2
		for nameEnd < 10 && e[nameEnd] != 0 {
			nameEnd++
		}
		entries = append(entries, PartitionEntry{
			Type:     e[0],
			SlotFlag: e[1],
			Name:     string(e[2:nameEnd]),
			Addr0:    binary.LittleEndian.Uint32(e[12:16]),
			Addr1:    binary.LittleEndian.Uint32(e[16:20]),
			Len0:     binary.LittleEndian.Uint32(e[20:24]),
			Len1:     binary.LittleEndian.Uint32(e[24:28]),
		})
	}
	return entries, nil
}

// BuildPartitionTable re-encodes entries into the raw buffer format, the
// inverse of ParsePartitionTable (spec.md §8's pt_build(pt_parse(x)) == x
// round-trip property, for well-formed input).
func BuildPartitionTable(entries []PartitionEntry) []byte {
	buf := make([]byte, len(entries)*partitionEntrySize)
	for i, e := range entries {
		off := i * partitionEntrySize
		buf[off] = e.Type
		buf[off+1] = e.SlotFlag
		copy(buf[off+2:off+10], e.Name)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.Addr0)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.Addr1)
		binary.LittleEndian.PutUint32(buf[off+20:off+24], e.Len0)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], e.Len1)
	}
	return buf
}
