// Package engine defines the contract every chip-family driver implements:
// the operation lifecycle, progress/state callbacks, and shared options.
// Drivers (flash/bk7231, flash/bl60x, flash/espflash, flash/wm) each
// produce a Driver; cmd/flashengine drives it without knowing which
// protocol is underneath.
package engine

import (
	"fmt"
	"time"

	"github.com/openshwprojects/flashengine/flash/transport"
)

// LogLevel classifies a line passed to Callbacks.Log.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogWarning
	LogError
	LogSuccess
)

func (l LogLevel) String() string {
	switch l {
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARNING"
	case LogError:
		return "ERROR"
	case LogSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// State is a checkpoint in an operation's lifecycle, reported so a caller
// (CLI progress bar, GUI) can render it without polling.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateSyncing
	StateIdentifying
	StateConfiguring
	StateWorking
	StateVerifying
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateSyncing:
		return "syncing"
	case StateIdentifying:
		return "identifying"
	case StateConfiguring:
		return "configuring"
	case StateWorking:
		return "working"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LogFunc receives a single human-readable progress line.
type LogFunc func(level LogLevel, msg string)

// ProgressFunc reports byte-granular progress within the current State:
// done/total bytes of the current region (e.g. sector being erased,
// bytes written so far).
type ProgressFunc func(done, total int)

// StateFunc is invoked every time the operation transitions to a new State.
type StateFunc func(s State)

// Callbacks bundles the three hooks a Driver reports through. Any field
// may be nil; a Driver must treat a nil callback as a no-op, never panic.
type Callbacks struct {
	Log      LogFunc
	Progress ProgressFunc
	State    StateFunc
}

func (c Callbacks) logf(level LogLevel, format string, args ...interface{}) {
	if c.Log == nil {
		return
	}
	c.Log(level, fmt.Sprintf(format, args...))
}

// Options configures cross-family behavior a driver must honor uniformly.
type Options struct {
	// SkipKeyCheck disables the BK7231 encryption-eFuse sanity check.
	SkipKeyCheck bool
	// IgnoreCRCErr downgrades a post-write verification mismatch to a
	// warning instead of aborting the operation.
	IgnoreCRCErr bool
	// OverwriteBootloader allows writing below the bootloader-protected
	// offset on families that reject it by default (BK7231T/U).
	OverwriteBootloader bool
	// ReadTimeoutMultiplier scales every protocol read timeout; useful over
	// slow USB-serial bridges. Zero means 1.0.
	ReadTimeoutMultiplier float64
}

func (o Options) timeoutScale() float64 {
	if o.ReadTimeoutMultiplier <= 0 {
		return 1.0
	}
	return o.ReadTimeoutMultiplier
}

// ScaleTimeout applies Options.ReadTimeoutMultiplier to a base timeout.
func (o Options) ScaleTimeout(base time.Duration) time.Duration {
	return time.Duration(float64(base) * o.timeoutScale())
}

// OperationContext carries everything a Driver needs for a single
// read/write/erase call: the transport, shared options, callbacks, and a
// cancellation signal. One is built per call; a Driver must not retain it
// across calls.
type OperationContext struct {
	Transport transport.Transport
	Reader    *transport.Reader
	Options   Options
	Callbacks Callbacks
	Cancel    <-chan struct{}
}

// Cancelled reports whether the operation's cancellation channel has fired.
func (c *OperationContext) Cancelled() bool {
	select {
	case <-c.Cancel:
		return true
	default:
		return false
	}
}

// Log forwards to Callbacks.Log, tolerating a nil callback.
func (c *OperationContext) Log(level LogLevel, format string, args ...interface{}) {
	c.Callbacks.logf(level, format, args...)
}

// SetState forwards to Callbacks.State, tolerating a nil callback.
func (c *OperationContext) SetState(s State) {
	if c.Callbacks.State != nil {
		c.Callbacks.State(s)
	}
}

// SetProgress forwards to Callbacks.Progress, tolerating a nil callback.
func (c *OperationContext) SetProgress(done, total int) {
	if c.Callbacks.Progress != nil {
		c.Callbacks.Progress(done, total)
	}
}

// ReadResult is the outcome of a DoRead call: the bytes read back and
// whatever identifying metadata the family collected along the way.
type ReadResult struct {
	Data       []byte
	ChipID     uint32
	ChipIDName string
}

// Driver is implemented once per chip family (flash/bk7231, flash/bl60x,
// flash/espflash, flash/wm). cmd/flashengine selects one via
// flash/chipfamily and drives it without protocol-specific knowledge.
type Driver interface {
	// DoWrite flashes data starting at addr, verifying afterward per the
	// family's native mechanism (CRC-32, MD5, or re-read compare).
	DoWrite(ctx *OperationContext, addr uint32, data []byte) error
	// DoRead reads size bytes starting at addr.
	DoRead(ctx *OperationContext, addr uint32, size int) (ReadResult, error)
	// DoErase erases [addr, addr+size). Returns an error wrapping
	// ErrProtocolStatus if the family doesn't support standalone erase,
	// and ErrProtectedRegion if the range starts inside a protected
	// bootloader region.
	DoErase(ctx *OperationContext, addr uint32, size int) error
	// Close ends the driver's part in the operation by reporting
	// StateCompleted; the transport and its baud rate are left as they are.
	Close(ctx *OperationContext) error
}
