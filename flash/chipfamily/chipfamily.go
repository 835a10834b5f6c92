// Package chipfamily identifies the protocol dialect and firmware-prefix
// rules for every chip this engine can talk to.
package chipfamily

import (
	"fmt"
	"time"
)

// Family is a closed tagged enumeration of supported chip families.
type Family int

const (
	BK7231T Family = iota
	BK7231U
	BK7231N
	BK7231M
	BK7238
	BK7236
	BK7252
	BK7252N
	BK7258
	BL602
	BL702
	BL616
	W600
	W800
	ESP32
	ESP32S3
	ESP32C3
)

// Group identifies which driver implements a Family's wire protocol.
type Group int

const (
	GroupBK Group = iota
	GroupBL
	GroupWM
	GroupESP
)

var names = map[Family]string{
	BK7231T: "BK7231T", BK7231U: "BK7231U", BK7231N: "BK7231N",
	BK7231M: "BK7231M", BK7238: "BK7238", BK7236: "BK7236",
	BK7252: "BK7252", BK7252N: "BK7252N", BK7258: "BK7258",
	BL602: "BL602", BL702: "BL702", BL616: "BL616",
	W600: "W600", W800: "W800",
	ESP32: "ESP32", ESP32S3: "ESP32S3", ESP32C3: "ESP32C3",
}

// String returns the chip's display name.
func (f Family) String() string {
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Group reports which driver implements this family's protocol.
func (f Family) Group() Group {
	switch f {
	case BK7231T, BK7231U, BK7231N, BK7231M, BK7238, BK7236, BK7252, BK7252N, BK7258:
		return GroupBK
	case BL602, BL702, BL616:
		return GroupBL
	case W600, W800:
		return GroupWM
	case ESP32, ESP32S3, ESP32C3:
		return GroupESP
	default:
		panic(fmt.Sprintf("chipfamily: unhandled family %v", f))
	}
}

// ByName resolves a family from its canonical display name (case-sensitive,
// as produced by String()). Used by the CLI's --chip flag.
func ByName(name string) (Family, bool) {
	for f, n := range names {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// All returns every known family, in a stable order, for CLI help text and
// registry self-checks.
func All() []Family {
	return []Family{
		BK7231T, BK7231U, BK7231N, BK7231M, BK7238, BK7236, BK7252, BK7252N, BK7258,
		BL602, BL702, BL616,
		W600, W800,
		ESP32, ESP32S3, ESP32C3,
	}
}

// FirmwarePrefix returns the GitHub-release asset prefix used to match
// firmware for appName, per spec.md §6:
//
//	BK7231N, BK7231M, BK7236, BK7238, BK7252N, BK7258 -> Open{Name}_QIO_
//	BK7231T, BK7231U, BK7252                          -> Open{Name}_UA_
//	everything else                                   -> Open{Name}_
func (f Family) FirmwarePrefix(appName string) string {
	switch f {
	case BK7231N, BK7231M, BK7236, BK7238, BK7252N, BK7258:
		return "Open" + appName + "_QIO_"
	case BK7231T, BK7231U, BK7252:
		return "Open" + appName + "_UA_"
	default:
		return "Open" + appName + "_"
	}
}

// IsBootloaderSkipFamily reports whether this family's bootloader occupies
// the first 0x11000 bytes of flash and may be skipped when the firmware
// file is QIO-packaged (BK7231 driver bootloader-protection rule, §4.6).
func (f Family) IsBootloaderSkipFamily() bool {
	return f == BK7231T || f == BK7231U
}

// BackupFileName builds the CLI's full-chip-read backup name, per spec.md
// §6: readResult_{ChipName}_{QIO|UA}_{yyyy-dd-M-HH-mm-ss}.bin. startAddr
// selects QIO (read starts at 0) vs UA (read starts at 0x11000).
func BackupFileName(f Family, startAddr uint32, when time.Time) string {
	tag := "QIO"
	if startAddr == 0x11000 {
		tag = "UA"
	}
	return fmt.Sprintf("readResult_%s_%s_%s.bin", f.String(), tag, when.Format("2006-02-1-15-04-05"))
}
