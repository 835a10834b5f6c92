//go:build windows

package transport

import "golang.org/x/sys/windows/registry"

func enumerateSerialPorts() []string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `HARDWARE\DEVICEMAP\SERIALCOMM\`, registry.QUERY_VALUE)
	if err != nil {
		return nil
	}
	defer k.Close()
	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil
	}
	ports := make([]string, len(names))
	for i, n := range names {
		val, _, _ := k.GetStringValue(n)
		ports[i] = val
	}
	return ports
}
