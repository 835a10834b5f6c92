package main

import "testing"

func TestLegacyAliasesRewritesVerbs(t *testing.T) {
	got := legacyAliases([]string{"-read", "--port", "/dev/ttyUSB0", "-baud", "115200"})
	want := []string{"fread", "--port", "/dev/ttyUSB0", "--baud", "115200"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLegacyAliasesPreservesShorthands(t *testing.T) {
	got := legacyAliases([]string{"-p", "COM3", "-h"})
	want := []string{"-p", "COM3", "-h"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLegacyAliasesQuestionMarkHelp(t *testing.T) {
	got := legacyAliases([]string{"/?"})
	if len(got) != 1 || got[0] != "--help" {
		t.Errorf("got %v, want [--help]", got)
	}
}

func TestParseUintFlagDecimalAndHex(t *testing.T) {
	if v, err := parseUintFlag("4096"); err != nil || v != 4096 {
		t.Errorf("decimal: got %d, %v", v, err)
	}
	if v, err := parseUintFlag("0x11000"); err != nil || v != 0x11000 {
		t.Errorf("hex: got %d, %v", v, err)
	}
}

func TestContainsQIO(t *testing.T) {
	if !containsQIO("OpenBK7231N_QIO_1.2.3.bin") {
		t.Errorf("expected QIO marker to be found")
	}
	if containsQIO("OpenBK7231T_UA_1.2.3.bin") {
		t.Errorf("did not expect QIO marker in UA-named file")
	}
}
