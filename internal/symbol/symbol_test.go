package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	p, err := Parse(" btcusdt ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol=BTCUSDT, got %s", p.Symbol)
	}
	if p.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", p.Base)
	}
	if p.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", p.Quote)
	}
	if p.String() != "BTC/USDT" {
		t.Errorf("expected BTC/USDT, got %s", p.String())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC-USDT",
		"BTC/USDT",
		"USDT", // no base
	}
	for _, s := range tests {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", s, err)
		}
	}
}

func TestParse_InvalidQuote(t *testing.T) {
	_, err := Parse("BTCEUR")
	if !errors.Is(err, ErrInvalidQuote) {
		t.Errorf("expected ErrInvalidQuote, got %v", err)
	}
}

func TestParse_AllQuotes(t *testing.T) {
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		p, err := Parse("ETH" + q)
		if err != nil {
			t.Errorf("unexpected error for quote %s: %v", q, err)
			continue
		}
		if p.Base != "ETH" || p.Quote != q {
			t.Errorf("expected ETH/%s, got %s", q, p)
		}
	}
}

func TestDefault_AllParse(t *testing.T) {
	for _, s := range Default {
		if _, err := Parse(s); err != nil {
			t.Errorf("default symbol %s: %v", s, err)
		}
	}
}

func TestParseList(t *testing.T) {
	got, err := ParseList("btcusdt, ETHUSDT,,BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("expected [BTCUSDT ETHUSDT], got %v", got)
	}

	if _, err := ParseList("BTCUSDT,NOPE"); err == nil {
		t.Error("expected error for invalid entry")
	}
}
