package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/openshwprojects/flashengine/flash/chipfamily"
	"github.com/openshwprojects/flashengine/internal/ourutil"
)

func guessFlashSize(s *readySession) int {
	if s.flashBytes > 0 {
		return s.flashBytes
	}
	return defaultFlashSizeGuess
}

func doFullRead(s *readySession, _ string) error {
	addr, err := resolvedAddr()
	if err != nil {
		return errors.Annotatef(err, "parsing --ofs")
	}
	size, err := resolvedSize()
	if err != nil {
		return errors.Annotatef(err, "parsing --len")
	}
	if size == 0 {
		size = guessFlashSize(s) - int(addr)
	}
	if size <= 0 {
		return errors.Errorf("nothing to read: size resolved to %d bytes", size)
	}

	result, err := s.driver.DoRead(s.ctx, addr, size)
	if err != nil {
		return errors.Annotatef(err, "reading flash")
	}

	out := *outFlag
	if out == "" {
		out = chipfamily.BackupFileName(s.family, addr, time.Now())
	}
	if err := os.WriteFile(out, result.Data, 0644); err != nil {
		return errors.Annotatef(err, "writing %s", out)
	}
	ourutil.Reportf("wrote %d bytes to %s", len(result.Data), out)
	return nil
}

func doRangeRead(s *readySession, _ string) error {
	addr, err := resolvedAddr()
	if err != nil {
		return errors.Annotatef(err, "parsing --ofs")
	}
	size, err := resolvedSize()
	if err != nil {
		return errors.Annotatef(err, "parsing --len")
	}
	if size <= 0 {
		return errors.Errorf("--len/--size must be positive for read_flash")
	}

	result, err := s.driver.DoRead(s.ctx, addr, size)
	if err != nil {
		return errors.Annotatef(err, "reading flash")
	}

	out := *outFlag
	if out == "" {
		out = chipfamily.BackupFileName(s.family, addr, time.Now())
	}
	if err := os.WriteFile(out, result.Data, 0644); err != nil {
		return errors.Annotatef(err, "writing %s", out)
	}
	ourutil.Reportf("wrote %d bytes to %s", len(result.Data), out)
	return nil
}

func doFullWrite(s *readySession, fileArg string) error {
	return writeFileAt(s, fileArg, 0)
}

func doRangeWrite(s *readySession, fileArg string) error {
	addr, err := resolvedAddr()
	if err != nil {
		return errors.Annotatef(err, "parsing --ofs")
	}
	return writeFileAt(s, fileArg, addr)
}

func writeFileAt(s *readySession, fileArg string, addr uint32) error {
	if fileArg == "" {
		return errors.Errorf("a firmware file argument is required")
	}
	data, err := os.ReadFile(fileArg)
	if err != nil {
		return errors.Annotatef(err, "reading %s", fileArg)
	}
	if s.family.IsBootloaderSkipFamily() && addr == 0 && containsQIO(fileArg) {
		ourutil.Reportf("QIO-packaged firmware on a bootloader-skip family: writing from 0x11000 instead of 0")
		addr = 0x11000
	}
	if !*yesFlag {
		ans := ourutil.Prompt(fmt.Sprintf("About to write %d bytes from %s to %s at 0x%x. Continue? [y/N]", len(data), fileArg, s.family, addr))
		if !strings.EqualFold(ans, "y") && !strings.EqualFold(ans, "yes") {
			return errors.Errorf("write cancelled")
		}
	}
	if err := s.driver.DoWrite(s.ctx, addr, data); err != nil {
		return errors.Annotatef(err, "writing flash")
	}
	ourutil.Reportf("wrote %d bytes at 0x%x", len(data), addr)
	return nil
}

// containsQIO reports whether a firmware filename carries the _QIO_
// marker used to select the BK7231T/U bootloader-skip offset (spec.md
// §4.6, §6).
func containsQIO(s string) bool {
	const marker = "_QIO_"
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// doTest writes a deterministic pattern, reads it back, and verifies byte
// equality, exercising the round trip end to end (spec.md §6's `test`
// command).
func doTest(s *readySession, _ string) error {
	const testSize = 64 * 1024
	addr, err := resolvedAddr()
	if err != nil {
		return errors.Annotatef(err, "parsing --ofs")
	}
	size, err := resolvedSize()
	if err != nil {
		return errors.Annotatef(err, "parsing --len")
	}
	if size <= 0 {
		size = testSize
	}

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	if err := s.driver.DoWrite(s.ctx, addr, pattern); err != nil {
		return errors.Annotatef(err, "writing test pattern")
	}
	result, err := s.driver.DoRead(s.ctx, addr, size)
	if err != nil {
		return errors.Annotatef(err, "reading back test pattern")
	}
	if len(result.Data) != len(pattern) {
		return errors.Errorf("read back %d bytes, wrote %d", len(result.Data), len(pattern))
	}
	for i := range pattern {
		if result.Data[i] != pattern[i] {
			return errors.Errorf("mismatch at offset %d: wrote 0x%02x, read 0x%02x", i, pattern[i], result.Data[i])
		}
	}
	ourutil.Reportf("test passed: %d bytes written and verified at 0x%x", size, addr)
	return nil
}
