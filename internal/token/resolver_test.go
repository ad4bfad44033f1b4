package token

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver([]Instrument{
		{Symbol: "RELIANCE", Exchange: "NSE", Token: "2885", ExchangeType: 1},
		{Symbol: "TCS", Exchange: "BSE", Token: "532540", ExchangeType: 3},
	})

	vt, err := r.ResolveToken("RELIANCE", "NSE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vt.Token != "2885" || vt.ExchangeType != 1 {
		t.Fatalf("resolved = %+v", vt)
	}

	// Lookup is case-insensitive on both legs.
	if _, err := r.ResolveToken("reliance", "nse"); err != nil {
		t.Fatalf("case-insensitive resolve: %v", err)
	}

	if _, err := r.ResolveToken("UNKNOWN", "NSE"); err == nil {
		t.Fatal("expected error for unknown instrument")
	}
}

func TestStaticResolverLaterEntriesWin(t *testing.T) {
	r := NewStaticResolver([]Instrument{
		{Symbol: "SBIN", Exchange: "NSE", Token: "1", ExchangeType: 1},
		{Symbol: "SBIN", Exchange: "NSE", Token: "3045", ExchangeType: 1},
	})
	vt, err := r.ResolveToken("SBIN", "NSE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vt.Token != "3045" {
		t.Fatalf("token = %q, want the later entry", vt.Token)
	}
}

func TestLoadInstruments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	body := []byte(`
instruments:
  - symbol: RELIANCE
    exchange: NSE
    token: "2885"
    exchangeType: 1
  - symbol: INFY
    exchange: NSE
    token: "1594"
    exchangeType: 1
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	instruments, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("loaded %d instruments, want 2", len(instruments))
	}
	if instruments[0].Token != "2885" || instruments[0].ExchangeType != 1 {
		t.Fatalf("first instrument = %+v", instruments[0])
	}

	if _, err := LoadInstruments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
