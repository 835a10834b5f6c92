//go:build !windows

package transport

import (
	"path/filepath"
	"runtime"
	"strings"
)

func enumerateSerialPorts() []string {
	if runtime.GOOS == "darwin" {
		list, _ := filepath.Glob("/dev/cu.*")
		filtered := make([]string, 0, len(list))
		for _, s := range list {
			if !strings.Contains(s, "Bluetooth-") {
				filtered = append(filtered, s)
			}
		}
		return filtered
	}
	usb, _ := filepath.Glob("/dev/ttyUSB*")
	acm, _ := filepath.Glob("/dev/ttyACM*")
	return append(usb, acm...)
}
