// Package flashchip is the static registry of SPI NOR flash ICs the BK7231
// driver identifies by 24-bit Manufacturer/Device ID (spec.md §3, §4.4).
package flashchip

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/internal/multierror"
)

// Descriptor identifies one SPI NOR flash IC and its protect/unprotect
// bit-field layout. Populated once at process start and never mutated.
type Descriptor struct {
	MID            uint32 // 24-bit JEDEC manufacturer/device ID
	PartName       string
	Vendor         string
	MemoryBytes    int
	StatusRegWidth int // 1..3
	UnprotectWord  uint32
	ProtectWord    uint32
	Mask           uint32
	SB             int // status bit-field start
	LB             int // status bit-field length
	ReadOpcodes    [4]byte
	WriteOpcodes   [4]byte
}

// ErrUnknownFlash is returned by Lookup when a MID isn't registered.
var ErrUnknownFlash = errors.New("flashchip: unknown flash MID")

// bfd synthesises a bit-field: v's low len bits, shifted into position at
// start. Mirrors spec.md §4.4's bfd(v, start, len) helper verbatim.
func bfd(v uint32, start, length int) uint32 {
	return (v & ((1 << uint(length)) - 1)) << uint(start)
}

// registry is populated by init() below; treat as immutable after that.
var registry = map[uint32]Descriptor{}

func reg(mid uint32, vendor, part string, memBytes, srw int, sb, lb int, unprotect, protect uint32, ro, wo [4]byte) {
	mask := bfd(1<<uint(lb)-1, sb, lb)
	registry[mid] = Descriptor{
		MID: mid, Vendor: vendor, PartName: part, MemoryBytes: memBytes,
		StatusRegWidth: srw, SB: sb, LB: lb,
		UnprotectWord: bfd(unprotect, sb, lb),
		ProtectWord:   bfd(protect, sb, lb),
		Mask:          mask,
		ReadOpcodes:   ro, WriteOpcodes: wo,
	}
}

var stdOpcodes = [4]byte{0x03, 0x0B, 0x3B, 0x6B}   // read, fast-read, dual-fast-read, quad-fast-read
var stdWriteOpcodes = [4]byte{0x02, 0x32, 0x38, 0} // page-program, quad-page-program(AD), quad-page-program, reserved

func init() {
	type e struct {
		mid             uint32
		vendor          string
		part            string
		mb              int
		sb, lb          int
		unprot, protect uint32
	}
	// Manufacturer/device IDs, the part number each MID actually identifies,
	// and protect/unprotect fields, per the common SFDP-era status-register-1
	// "block protect" convention: BP0..BPn live at bit 2 for most parts,
	// width varies by density. Unprotect always clears the BP bits (and
	// often TB/CMP); protect sets BP to max.
	entries := []e{
		{0x1460cd, "XTX", "TH25Q80HB", 1 << 20, 2, 4, 0x0, 0xc},
		{0x1440cd, "XTX", "XT25F40B", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x1580cd, "XTX", "XT25F16B", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1640cd, "XTX", "XT25F32B", 4 << 20, 2, 4, 0x0, 0xc},
		{0x1740cd, "XTX", "XT25F64B", 8 << 20, 2, 4, 0x0, 0xc},
		{0x1340eb, "Winbond/Boya", "BY25Q20", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x1440ef, "Winbond", "W25Q40", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x1540ef, "Winbond", "W25Q80", 1 << 20, 2, 4, 0x0, 0xc},
		{0x1640ef, "Winbond", "W25Q16", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1740ef, "Winbond", "W25Q32", 4 << 20, 2, 4, 0x0, 0xc},
		{0x1840ef, "Winbond", "W25Q64", 8 << 20, 2, 4, 0x0, 0xc},
		{0x1440c8, "GigaDevice", "GD25Q40", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x1540c8, "GigaDevice", "GD25Q80", 1 << 20, 2, 4, 0x0, 0xc},
		{0x1640c8, "GigaDevice", "GD25Q16", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1740c8, "GigaDevice", "GD25Q32", 4 << 20, 2, 4, 0x0, 0xc},
		{0x1840c8, "GigaDevice", "GD25Q64", 8 << 20, 2, 4, 0x0, 0xc},
		{0x1340a1, "Fudan Micro", "FM25Q20", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x1440a1, "Fudan Micro", "FM25Q40", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x1540a1, "Fudan Micro", "FM25Q80", 1 << 20, 2, 4, 0x0, 0xc},
		{0x1640a1, "Fudan Micro", "FM25Q16", 2 << 20, 2, 4, 0x0, 0xc},
		{0x13325e, "Zbit", "ZB25VQ20", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x14325e, "Zbit", "ZB25VQ40", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x15325e, "Zbit", "ZB25VQ80", 1 << 20, 2, 4, 0x0, 0xc},
		{0x16325e, "Zbit", "ZB25VQ16", 2 << 20, 2, 4, 0x0, 0xc},
		{0x134051, "PUYA", "P25Q20H", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x144051, "PUYA", "P25Q40H", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x154051, "PUYA", "P25Q80H", 1 << 20, 2, 4, 0x0, 0xc},
		{0x164051, "PUYA", "P25Q16H", 2 << 20, 2, 4, 0x0, 0xc},
		{0x136085, "EON", "EN25Q20A", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x146085, "EON", "EN25Q40A", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x156085, "EON", "EN25Q80A", 1 << 20, 2, 4, 0x0, 0xc},
		{0x166085, "EON", "EN25Q16A", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1340c2, "Macronix", "MX25L2006E", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x1440c2, "Macronix", "MX25L4006E", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x1540c2, "Macronix", "MX25L8006E", 1 << 20, 2, 4, 0x0, 0xc},
		{0x1640c2, "Macronix", "MX25L1606E", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1340c4, "GigaDevice alt", "GD25D20", 256 * 1024, 2, 4, 0x0, 0xc},
		{0x144020, "XMC/Micron", "XM25QH40B", 512 * 1024, 2, 4, 0x0, 0xc},
		{0x154020, "XMC/Micron", "XM25QH80B", 1 << 20, 2, 4, 0x0, 0xc},
		{0x164020, "XMC/Micron", "XM25QH16B", 2 << 20, 2, 4, 0x0, 0xc},
		{0x1320c2, "Macronix small", "MX25L1006E", 128 * 1024, 2, 4, 0x0, 0xc},
		{0x134420, "Micron N25Q", "N25Q020A", 256 * 1024, 2, 4, 0x0, 0xc},
	}
	for _, x := range entries {
		reg(x.mid, x.vendor, x.part, x.mb, 1, x.sb, x.lb, x.unprot, x.protect, stdOpcodes, stdWriteOpcodes)
	}
}

// Lookup finds a Descriptor by 24-bit MID. Returns ErrUnknownFlash on miss.
func Lookup(mid uint32) (Descriptor, error) {
	mid &= 0xFFFFFF
	d, ok := registry[mid]
	if !ok {
		return Descriptor{}, errors.Annotatef(ErrUnknownFlash, "mid=0x%06x", mid)
	}
	return d, nil
}

// Count returns the number of registered descriptors, for self-checks.
func Count() int {
	return len(registry)
}

// Validate asserts the registry-wide invariant from spec.md §8: for every
// entry, bfd(unprotectWord, sb, lb) has only bits set that are also set in
// mask. Violations are aggregated rather than stopping at the first, since
// this is a whole-registry sanity sweep, not a single lookup.
func Validate() error {
	var merr error
	for mid, d := range registry {
		if d.UnprotectWord&^d.Mask != 0 {
			merr = multierror.Append(merr, fmt.Errorf("mid 0x%06x: unprotectWord 0x%x has bits outside mask 0x%x", mid, d.UnprotectWord, d.Mask))
		}
		if d.ProtectWord&^d.Mask != 0 {
			merr = multierror.Append(merr, fmt.Errorf("mid 0x%06x: protectWord 0x%x has bits outside mask 0x%x", mid, d.ProtectWord, d.Mask))
		}
	}
	return merr
}
