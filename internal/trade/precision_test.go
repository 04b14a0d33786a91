package trade

import "testing"

func TestRoundingTruncates(t *testing.T) {
	p := NewPrecisionHandler()
	p.SetSymbol("XRPUSDC", 4, 0, 5.0)

	tests := []struct {
		name  string
		got   float64
		want  float64
	}{
		{"price truncated not rounded", p.RoundPrice("XRPUSDC", 1.23459), 1.2345},
		{"price already precise", p.RoundPrice("XRPUSDC", 1.2), 1.2},
		{"quantity floor to lot", p.RoundQuantity("XRPUSDC", 100.999), 100},
		{"default precision", p.RoundPrice("UNKNOWN", 9.999), 9.99},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestValidateMinNotional(t *testing.T) {
	p := NewPrecisionHandler()
	p.SetSymbol("XRPUSDC", 4, 0, 5.0)

	if err := p.Validate("XRPUSDC", 1.0, 10); err != nil {
		t.Fatalf("10 notional must pass: %v", err)
	}
	if err := p.Validate("XRPUSDC", 1.0, 4); err == nil {
		t.Fatalf("4 notional must fail the 5.0 minimum")
	}
	if err := p.Validate("XRPUSDC", 1.0, 0); err == nil {
		t.Fatalf("zero quantity must fail")
	}
	// Market orders carry no price; only the lot check applies.
	if err := p.Validate("XRPUSDC", 0, 10); err != nil {
		t.Fatalf("price-less order with valid quantity must pass: %v", err)
	}
}
