package main

import (
	"bytes"
	"testing"
)

func TestAddressToScriptP2PKH(t *testing.T) {
	script, err := addressToScript("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("addressToScript: %v", err)
	}
	if len(script) != 25 {
		t.Fatalf("script length = %d, want 25", len(script))
	}
	if script[0] != 0x76 || script[1] != 0xa9 || script[2] != 0x14 {
		t.Errorf("bad script prefix: %x", script[:3])
	}
	if script[23] != 0x88 || script[24] != 0xac {
		t.Errorf("bad script suffix: %x", script[23:])
	}
}

func TestAddressToScriptCashAddr(t *testing.T) {
	// The CashAddr form of the same hash160 must produce an identical
	// P2PKH script after internal legacy conversion.
	legacy, err := addressToScript("1BpEi6DfDAUFd7GtittLSdBeYJvcoaVggu")
	if err != nil {
		t.Fatalf("legacy: %v", err)
	}
	cash, err := addressToScript("bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a")
	if err != nil {
		t.Fatalf("cashaddr: %v", err)
	}
	if !bytes.Equal(legacy, cash) {
		t.Errorf("cashaddr script %x != legacy script %x", cash, legacy)
	}
	if len(cash) != 25 || cash[0] != 0x76 {
		t.Errorf("cashaddr did not yield P2PKH shape: %x", cash)
	}
}

func TestAddressToScriptRejectsGarbage(t *testing.T) {
	tests := []string{
		"",
		"notanaddress",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb", // corrupted checksum
	}
	for _, addr := range tests {
		if _, err := addressToScript(addr); err == nil {
			t.Errorf("expected error for %q", addr)
		}
	}
}

func TestPubkeyToScript(t *testing.T) {
	pub := "02aa0e8b79e1b6d9b7b1b8d26e8b38a302a1e8e69c7fd1b3f18ac84b7a1e2f0c1d"
	script, err := pubkeyToScript(pub)
	if err != nil {
		t.Fatalf("pubkeyToScript: %v", err)
	}
	if len(script) != 35 || script[0] != 0x21 || script[34] != 0xac {
		t.Errorf("bad P2PK script: %x", script)
	}
	if _, err := pubkeyToScript("02aa"); err == nil {
		t.Error("expected error for short pubkey")
	}
}
