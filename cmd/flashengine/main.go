// Command flashengine is a thin CLI over the flash/* driver packages: it
// opens a serial transport, prepares the requested chip family's
// bootloader protocol, and drives one read, write or test operation per
// invocation (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"

	flag "github.com/spf13/pflag"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/transport"
	"github.com/openshwprojects/flashengine/internal/ourutil"
	"github.com/openshwprojects/flashengine/internal/pflagenv"
)

type command struct {
	name    string
	handler func(s *readySession, fileArg string) error
	short   string
}

var commands = []command{
	{"fread", doFullRead, "Read the entire chip to a backup file"},
	{"fwrite", doFullWrite, "Write a firmware file starting at address 0"},
	{"read_flash", doRangeRead, "Read --size bytes starting at --ofs"},
	{"write_flash", doRangeWrite, "Write a file's bytes starting at --ofs"},
	{"test", doTest, "Write a generated pattern, read it back, and verify"},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flashengine <command> [file] --port <port> --chip <family> [flags]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.short)
	}
	fmt.Fprintln(os.Stderr, "\nflags:")
	flag.PrintDefaults()
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func main() {
	os.Args = append(os.Args[:1], legacyAliases(os.Args[1:])...)
	flag.Parse()
	pflagenv.ParseFlagSet(flag.CommandLine, envPrefix)
	if *verboseFlag > 0 {
		flag.Set("v", fmt.Sprintf("%d", *verboseFlag))
	}

	if *helpFlag || flag.NArg() == 0 {
		usage()
		if *helpFlag {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if *listPorts {
		runListPorts()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		glog.Warningf("Error: %+v", err)
		os.Exit(1)
	}
}

func runListPorts() {
	st := transport.NewSerialTransport("", 0)
	ports, err := st.AvailablePorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

// run opens the port, prepares the requested chip family's driver, and
// dispatches to the command's handler.
func run() error {
	cmdName := flag.Arg(0)
	cmd := findCommand(cmdName)
	if cmd == nil {
		return errors.Errorf("unknown command %q", cmdName)
	}
	if *portFlag == "" {
		return errors.Errorf("--port is required")
	}
	family, ok := chipfamily.ByName(*chipFlag)
	if !ok {
		return errors.Errorf("unknown --chip %q", *chipFlag)
	}
	var fileArg string
	if flag.NArg() > 1 {
		fileArg = flag.Arg(1)
	}

	openBaud := openBaudFor(family, *baudFlag)
	st := transport.NewSerialTransport(*portFlag, openBaud)
	if err := st.Connect(); err != nil {
		return errors.Trace(err)
	}
	defer st.Disconnect()

	ctx := &engine.OperationContext{
		Transport: st,
		Reader:    transport.NewReader(st),
		Options:   engine.Options{},
		Callbacks: cliCallbacks(),
		Cancel:    make(chan struct{}),
	}

	ourutil.Reportf("connecting to %s at %d baud (%s)...", *portFlag, openBaud, family)
	ctx.SetState(engine.StateOpening)

	session, err := prepare(family, ctx, *baudFlag)
	if err != nil {
		ctx.SetState(engine.StateFailed)
		return errors.Annotatef(err, "preparing %s bootloader", family)
	}
	ourutil.Reportf("%s ready", family)

	err = cmd.handler(session, fileArg)
	if err != nil {
		ctx.SetState(engine.StateFailed)
	} else {
		ctx.SetState(engine.StateCompleted)
	}
	if closeErr := session.driver.Close(ctx); closeErr != nil {
		glog.Warningf("driver close: %s", closeErr)
	}
	return err
}

func cliCallbacks() engine.Callbacks {
	return engine.Callbacks{
		Log: func(level engine.LogLevel, msg string) {
			ourutil.Reportf("[%s] %s", level, msg)
		},
		Progress: func(done, total int) {
			if total <= 0 {
				return
			}
			glog.V(1).Infof("progress: %d/%d bytes (%.1f%%)", done, total, 100*float64(done)/float64(total))
		},
		State: func(s engine.State) {
			glog.V(1).Infof("state: %s", s)
		},
	}
}
