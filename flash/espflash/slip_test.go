package espflash

import (
	"bytes"
	"testing"
)

func TestSlipRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xC0, 0xDB, 0x01, 0x02},
		bytes.Repeat([]byte{0xC0}, 10),
		bytes.Repeat([]byte{0xDB}, 10),
	}
	for _, c := range cases {
		encoded := slipEncode(c)
		got := slipDecode(encoded)
		if !bytes.Equal(got, c) {
			t.Errorf("round trip of %v: got %v", c, got)
		}
	}
}

func TestSlipEncodeEscapesReservedBytes(t *testing.T) {
	encoded := slipEncode([]byte{0xC0, 0xDB})
	want := []byte{slipEnd, slipEsc, slipEscEnd, slipEsc, slipEscEsc, slipEnd}
	if !bytes.Equal(encoded, want) {
		t.Errorf("slipEncode = %v, want %v", encoded, want)
	}
}
