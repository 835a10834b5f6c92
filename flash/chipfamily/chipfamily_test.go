package chipfamily

import (
	"testing"
	"time"
)

func TestFirmwarePrefix(t *testing.T) {
	cases := []struct {
		f    Family
		want string
	}{
		{BK7231N, "OpenBK7231N_QIO_"},
		{BK7231M, "OpenBK7231M_QIO_"},
		{BK7236, "OpenBK7236_QIO_"},
		{BK7238, "OpenBK7238_QIO_"},
		{BK7252N, "OpenBK7252N_QIO_"},
		{BK7258, "OpenBK7258_QIO_"},
		{BK7231T, "OpenBK7231T_UA_"},
		{BK7231U, "OpenBK7231U_UA_"},
		{BK7252, "OpenBK7252_UA_"},
		{BL602, "OpenBL602_"},
		{ESP32, "OpenESP32_"},
		{W600, "OpenW600_"},
	}
	for _, c := range cases {
		if got := c.f.FirmwarePrefix(c.f.String()); got != c.want {
			t.Errorf("%v.FirmwarePrefix(): got %q, want %q", c.f, got, c.want)
		}
	}
}

func TestByNameRoundTrip(t *testing.T) {
	for _, f := range All() {
		got, ok := ByName(f.String())
		if !ok || got != f {
			t.Errorf("ByName(%q) = %v, %v; want %v, true", f.String(), got, ok, f)
		}
	}
}

func TestGroupCoversAllFamilies(t *testing.T) {
	for _, f := range All() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("%v.Group() panicked: %v", f, r)
				}
			}()
			_ = f.Group()
		}()
	}
}

func TestBootloaderSkipFamily(t *testing.T) {
	if !BK7231T.IsBootloaderSkipFamily() || !BK7231U.IsBootloaderSkipFamily() {
		t.Errorf("expected BK7231T/U to require bootloader skip handling")
	}
	if BK7231N.IsBootloaderSkipFamily() {
		t.Errorf("BK7231N should not be a bootloader-skip family")
	}
}

func TestBackupFileName(t *testing.T) {
	when := time.Date(2026, 7, 31, 14, 5, 9, 0, time.UTC)
	qio := BackupFileName(BK7231N, 0, when)
	if qio != "readResult_BK7231N_QIO_2026-31-7-14-05-09.bin" {
		t.Errorf("QIO backup name = %q", qio)
	}
	ua := BackupFileName(BK7231T, 0x11000, when)
	if ua != "readResult_BK7231T_UA_2026-31-7-14-05-09.bin" {
		t.Errorf("UA backup name = %q", ua)
	}
}
