package main

import (
	goflag "flag"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

const envPrefix = "FLASHENGINE_"

var (
	portFlag    = flag.StringP("port", "p", "", "Serial port where the device is connected")
	baudFlag    = flag.IntP("baud", "b", 921600, "Baud rate to run the bootloader protocol at")
	chipFlag    = flag.String("chip", "", "Chip family: BK7231T, BK7231N, BL602, BL702, BL616, W600, W800, ESP32, ESP32S3, ESP32C3, ...")
	addrFlag    = flag.String("ofs", "0", "Start address (decimal or 0xHEX)")
	sizeFlag    = flag.String("len", "0", "Number of bytes to read/write (decimal or 0xHEX); 0 means the whole chip for fread")
	outFlag     = flag.String("out", "", "Output file for a read")
	listPorts   = flag.Bool("list-ports", false, "List available serial ports and exit")
	yesFlag     = flag.BoolP("yes", "y", false, "Skip the write confirmation prompt")
	verboseFlag = flag.CountP("verbose", "v", "Increase log verbosity (may be repeated)")
	helpFlag    = flag.BoolP("help", "h", false, "Show usage and exit")
)

// glogHiddenFlags are glog's own flags, merged in below so --verbose can
// drive glog's "v" but otherwise kept out of --help output.
var glogHiddenFlags = []string{
	"alsologtostderr", "log_backtrace_at", "log_dir",
	"logbufsecs", "logtostderr", "stderrthreshold", "v", "vmodule",
}

func init() {
	flag.StringVar(addrFlag, "addr", "0", "Alias for --ofs")
	flag.StringVar(sizeFlag, "size", "0", "Alias for --len")

	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	for _, name := range glogHiddenFlags {
		if f := flag.Lookup(name); f != nil {
			f.Hidden = true
		}
	}
}

// legacyAliases rewrites single-dash legacy spellings (-port, -baud, -chip,
// -ofs, -len, -out, -help, /?) into pflag's double-dash form, and the
// legacy verb flags (-read, -write, -cread, -cwrite, -test) into their
// modern command-name equivalents, before flag.Parse() runs.
func legacyAliases(args []string) []string {
	verbs := map[string]string{
		"-read": "fread", "-write": "fwrite", "-cread": "read_flash",
		"-cwrite": "write_flash", "-test": "test",
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a == "/?":
			out = append(out, "--help")
		case verbs[a] != "":
			out = append(out, verbs[a])
		case len(a) > 2 && a[0] == '-' && a[1] != '-':
			out = append(out, "-"+a)
		default:
			out = append(out, a)
		}
	}
	return out
}

func parseUintFlag(v string) (uint32, error) {
	v = strings.TrimSpace(v)
	base := 10
	if strings.HasPrefix(strings.ToLower(v), "0x") {
		v = v[2:]
		base = 16
	}
	n, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func resolvedAddr() (uint32, error) {
	return parseUintFlag(*addrFlag)
}

func resolvedSize() (int, error) {
	n, err := parseUintFlag(*sizeFlag)
	return int(n), err
}
