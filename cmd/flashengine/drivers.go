package main

import (
	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/bk7231"
	"github.com/openshwprojects/flashengine/flash/bl60x"
	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/flash/engine"
	"github.com/openshwprojects/flashengine/flash/espflash"
	"github.com/openshwprojects/flashengine/flash/wm"
)

// readySession bundles a prepared Driver with the OperationContext it was
// prepared against, plus a best-effort flash capacity (0 if unknown).
type readySession struct {
	driver     engine.Driver
	ctx        *engine.OperationContext
	family     chipfamily.Family
	flashBytes int
}

// romBaud is the fixed rate BK7231, ESP32, and WM bootloaders come up at
// before their respective baud-raise handshake; openBaudFor uses it to pick
// the rate the CLI opens the serial port at.
const romBaud = 115200

// openBaudFor returns the baud the transport should be opened at for a
// given chip family: the protocol's fixed bring-up rate for families that
// raise baud after sync (BK7231, ESP32, WM), or the user's requested baud
// directly for families that don't (BL60x).
func openBaudFor(f chipfamily.Family, requestedBaud int) int {
	switch f.Group() {
	case chipfamily.GroupBK, chipfamily.GroupESP, chipfamily.GroupWM:
		return romBaud
	default:
		return requestedBaud
	}
}

// prepare runs the family-specific bring-up sequence (bus acquisition,
// sync, identification, stub/loader upload where applicable) and returns
// a Driver ready for DoRead/DoWrite/DoErase, per spec.md §4.6-§4.9.
// targetBaud is the baud the session should end up running at; ctx's
// transport must already be open at openBaudFor(f, targetBaud).
func prepare(f chipfamily.Family, ctx *engine.OperationContext, targetBaud int) (*readySession, error) {
	switch f.Group() {
	case chipfamily.GroupBK:
		d := bk7231.New(f)
		ctx.SetState(engine.StateSyncing)
		if err := bk7231.AcquireBus(ctx); err != nil {
			return nil, errors.Annotatef(err, "acquiring bus")
		}
		if targetBaud != romBaud {
			if err := bk7231.SwitchBaud(ctx, targetBaud); err != nil {
				ctx.Log(engine.LogWarning, "baud raise to %d failed, continuing at %d: %s", targetBaud, romBaud, err)
			}
		}
		if err := d.IdentifyAndUnprotect(ctx); err != nil {
			return nil, errors.Annotatef(err, "identifying flash")
		}
		if !ctx.Options.SkipKeyCheck {
			if err := d.CheckEncryptionKey(ctx); err != nil {
				return nil, errors.Annotatef(err, "checking encryption key")
			}
		}
		return &readySession{driver: d, ctx: ctx, family: f, flashBytes: d.FlashBytes()}, nil

	case chipfamily.GroupBL:
		d := bl60x.New(f)
		ctx.SetState(engine.StateSyncing)
		if err := bl60x.Sync(ctx); err != nil {
			return nil, errors.Annotatef(err, "syncing")
		}
		variant, err := bl60x.DetectVariant(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "detecting variant")
		}
		ctx.Log(engine.LogInfo, "detected variant %s", variant)
		ctx.SetState(engine.StateConfiguring)
		if f == chipfamily.BL616 {
			if err := d.UploadConfig(ctx); err != nil {
				return nil, errors.Annotatef(err, "uploading flash config")
			}
		} else {
			if err := d.UploadLoader(ctx); err != nil {
				return nil, errors.Annotatef(err, "uploading eflash loader")
			}
		}
		size, err := bl60x.FlashSizeBytes(ctx)
		if err != nil {
			ctx.Log(engine.LogWarning, "could not determine flash size: %s", err)
			size = 0
		}
		return &readySession{driver: d, ctx: ctx, family: f, flashBytes: size}, nil

	case chipfamily.GroupESP:
		d := espflash.New(f)
		if err := d.Prepare(ctx, targetBaud); err != nil {
			return nil, errors.Annotatef(err, "preparing ESP bootloader")
		}
		return &readySession{driver: d, ctx: ctx, family: f, flashBytes: 0}, nil

	case chipfamily.GroupWM:
		d := wm.New(f)
		ctx.SetState(engine.StateSyncing)
		if err := d.Sync(ctx); err != nil {
			return nil, errors.Annotatef(err, "syncing")
		}
		ctx.SetState(engine.StateConfiguring)
		if err := d.UploadStub(ctx); err != nil {
			return nil, errors.Annotatef(err, "uploading stub")
		}
		if targetBaud != romBaud {
			if err := d.ChangeBaud(ctx, targetBaud); err != nil {
				ctx.Log(engine.LogWarning, "baud raise to %d failed, continuing at %d: %s", targetBaud, romBaud, err)
			}
		}
		size, err := d.FlashSizeBytes(ctx)
		if err != nil {
			ctx.Log(engine.LogWarning, "could not determine flash size: %s", err)
			size = 0
		}
		return &readySession{driver: d, ctx: ctx, family: f, flashBytes: size}, nil

	default:
		return nil, errors.Errorf("unhandled chip family group for %s", f)
	}
}

// defaultFlashSizeGuess bounds a full-chip read when a driver can't report
// its own flash size (currently ESP32/S3/C3, which have no stub-free size
// query wired into this CLI).
const defaultFlashSizeGuess = 4 * 1024 * 1024
