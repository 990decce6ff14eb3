package instrument

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"trading-sharedv1/internal/clock"
)

func newTestCodec(opts ...Option) *Codec {
	clk := clock.NewManual(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
	return New(append([]Option{WithClock(clk)}, opts...)...)
}

func TestBuildKey_Shapes(t *testing.T) {
	c := newTestCodec()
	cases := []struct {
		name                                       string
		exchange, code, kind, expiry, side, strike string
		want                                       string
	}{
		{"equity", "nse", "reliance", "EQUITIES", "", "", "", "NSE@RELIANCE@equities"},
		{"bond", "NSE", "REC", "bonds", "", "", "", "NSE@REC@bonds"},
		{"future", "NSE", "NIFTY", "futures", "25-JUN-2025", "", "", "NSE@NIFTY@futures@25-JUN-2025"},
		{"option", "NSE", "NIFTY", "options", "25-jun-2025", "CALL", "25100", "NSE@NIFTY@options@25-JUN-2025@call@25100"},
		{"legacy xx side", "NSE", "NIFTY", "options", "25-JUN-2025", "xx", "25100", "NSE@NIFTY@futures@25-JUN-2025"},
		{"default exchange", "", "INFY", "equities", "", "", "", "NSE@INFY@equities"},
		{"single digit day", "NSE", "NIFTY", "futures", "5-JUN-2025", "", "", "NSE@NIFTY@futures@05-JUN-2025"},
	}
	for _, tc := range cases {
		got, err := c.BuildKey(tc.exchange, tc.code, tc.kind, tc.expiry, tc.side, tc.strike)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestBuildKey_InvalidInput(t *testing.T) {
	c := newTestCodec()
	cases := []struct {
		name                                       string
		exchange, code, kind, expiry, side, strike string
	}{
		{"unknown kind", "NSE", "X", "warrants", "", "", ""},
		{"future without expiry", "NSE", "NIFTY", "futures", "", "", ""},
		{"option without strike", "NSE", "NIFTY", "options", "25-JUN-2025", "call", ""},
		{"option without side", "NSE", "NIFTY", "options", "25-JUN-2025", "", "100"},
		{"xx without expiry", "NSE", "NIFTY", "options", "", "xx", ""},
		{"bad month", "NSE", "NIFTY", "futures", "25-XYZ-2025", "", ""},
		{"not a date", "NSE", "NIFTY", "futures", "31-JUN-2025", "", ""},
		{"bad side", "NSE", "NIFTY", "options", "25-JUN-2025", "straddle", "100"},
		{"fractional strike", "NSE", "NIFTY", "options", "25-JUN-2025", "put", "100.5"},
		{"missing code", "NSE", "", "equities", "", "", ""},
		{"separator in code", "NSE", "A@B", "equities", "", "", ""},
	}
	for _, tc := range cases {
		_, err := c.BuildKey(tc.exchange, tc.code, tc.kind, tc.expiry, tc.side, tc.strike)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestParseBrokerSymbol_YearInference(t *testing.T) {
	c := newTestCodec()
	cases := map[string]string{
		"NIFTY25JUNFUT": "NSE@NIFTY@futures@25-JUN-2025",
		"NIFTY15JUNFUT": "NSE@NIFTY@futures@15-JUN-2025",
		"NIFTY14JUNFUT": "NSE@NIFTY@futures@14-JUN-2026",
		"NIFTY10JULFUT": "NSE@NIFTY@futures@10-JUL-2025",
		"NIFTY30JANFUT": "NSE@NIFTY@futures@30-JAN-2026",
	}
	for sym, want := range cases {
		if got := c.ParseBrokerSymbol(sym, "NSE"); got != want {
			t.Errorf("%s: expected %q, got %q", sym, want, got)
		}
	}
}

func TestParseBrokerSymbol_LocationShiftsToday(t *testing.T) {
	// 20:00 UTC on 14 June is already 15 June in IST.
	clk := clock.NewManual(time.Date(2025, 6, 14, 20, 0, 0, 0, time.UTC))

	utc := New(WithClock(clk))
	if got := utc.ParseBrokerSymbol("NIFTY14JUNFUT", ""); got != "NSE@NIFTY@futures@14-JUN-2025" {
		t.Errorf("UTC codec: got %q", got)
	}
	ist := New(WithClock(clk), WithLocation(clock.IST))
	if got := ist.ParseBrokerSymbol("NIFTY14JUNFUT", ""); got != "NSE@NIFTY@futures@14-JUN-2026" {
		t.Errorf("IST codec: got %q", got)
	}
}

func TestParseBrokerSymbol_Bonds(t *testing.T) {
	c := newTestCodec()
	cases := map[string]string{
		"846REC28":   "NSE@REC@bonds",
		"850NHAI29":  "NSE@NHAI@bonds",
		"867PFCL33":  "NSE@PFC@bonds",
		"1015UPPC26": "NSE@UPPC@bonds",
		"8A5B29":     "NSE@AB@bonds",
	}
	for sym, want := range cases {
		if got := c.ParseBrokerSymbol(sym, "NSE"); got != want {
			t.Errorf("%s: expected %q, got %q", sym, want, got)
		}
	}
}

func TestParseBrokerSymbol_BondAliasesConfigurable(t *testing.T) {
	c := newTestCodec(WithBondAliases(map[string]string{"nhai": "NHA"}))
	if got := c.ParseBrokerSymbol("850NHAI29", "NSE"); got != "NSE@NHA@bonds" {
		t.Errorf("expected configured alias, got %q", got)
	}
	if got := c.ParseBrokerSymbol("867PFCL33", "NSE"); got != "NSE@PFCL@bonds" {
		t.Errorf("expected default alias replaced, got %q", got)
	}
}

func TestParseBrokerSymbol_Options(t *testing.T) {
	c := newTestCodec()
	cases := map[string]string{
		"NIFTY25JUN25100CE":     "NSE@NIFTY@options@25-JUN-2025@call@25100",
		"BANKNIFTY26JUN48000PE": "NSE@BANKNIFTY@options@26-JUN-2025@put@48000",
		"NIFTY25JUNCE":          "NSE@NIFTY@options@25-JUN-2025@call@0",
	}
	for sym, want := range cases {
		if got := c.ParseBrokerSymbol(sym, "nse"); got != want {
			t.Errorf("%s: expected %q, got %q", sym, want, got)
		}
	}
}

func TestParseBrokerSymbol_Lenient(t *testing.T) {
	var warnings []string
	c := newTestCodec(WithWarningHook(func(symbol, reason string) {
		warnings = append(warnings, symbol)
	}))

	cases := []struct {
		symbol, exchange, want string
		warns                  bool
	}{
		{"", "BSE", "BSE@UNKNOWN@equities", true},
		{"   ", "", "NSE@UNKNOWN@equities", true},
		{"reliance", "", "NSE@RELIANCE@equities", false},
		{"ACE", "NSE", "NSE@ACE@equities", false},
		{"NIFTYFUT", "NSE", "NSE@NIFTYFUT@equities", false},
		{"NIFTY99XYZFUT", "NSE", "NSE@NIFTY99XYZFUT@equities", true},
		{"NIFTY31JUNFUT", "NSE", "NSE@NIFTY31JUNFUT@equities", true},
		{"25JUNFUT", "NSE", "NSE@25JUNFUT@equities", true},
		{"M&M1A", "NSE", "NSE@M&M@equities", true},
		{"123ABC", "NSE", "NSE@123ABC@equities", true},
	}
	for _, tc := range cases {
		warnings = nil
		if got := c.ParseBrokerSymbol(tc.symbol, tc.exchange); got != tc.want {
			t.Errorf("%q: expected %q, got %q", tc.symbol, tc.want, got)
		}
		if tc.warns != (len(warnings) > 0) {
			t.Errorf("%q: expected warning=%v, got %v", tc.symbol, tc.warns, warnings)
		}
	}
}

func TestToBrokerSymbol(t *testing.T) {
	c := newTestCodec()
	cases := map[string]string{
		"NSE@RELIANCE@equities":                    "RELIANCE",
		"NSE@REC@bonds":                            "REC",
		"NSE@NIFTY@futures@25-JUN-2025":            "NIFTY25JUNFUT",
		"NSE@NIFTY@options@25-JUN-2025@call@25100": "NIFTY25JUN25100CE",
		"NSE@NIFTY@options@05-AUG-2025@put@24000":  "NIFTY05AUG24000PE",
	}
	for key, want := range cases {
		got, err := c.ToBrokerSymbol(key)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", key, err)
			continue
		}
		if got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}

	for _, bad := range []string{"", "NSE@RELIANCE", "NSE@NIFTY@futures", "NSE@NIFTY@options@25-JUN-2025@call", "NSE@X@swaps"} {
		if _, err := c.ToBrokerSymbol(bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestRoundTrip_Equities(t *testing.T) {
	c := newTestCodec()
	for _, ex := range []string{"NSE", "BSE", "MCX"} {
		for _, code := range []string{"RELIANCE", "INFY", "A", "TATAMOTORS"} {
			key, err := c.BuildKey(ex, code, "equities", "", "", "")
			if err != nil {
				t.Fatalf("build %s/%s: %v", ex, code, err)
			}
			sym, err := c.ToBrokerSymbol(key)
			if err != nil {
				t.Fatalf("to broker %s: %v", key, err)
			}
			if back := c.ParseBrokerSymbol(sym, ex); back != key {
				t.Errorf("round trip %s -> %s -> %s", key, sym, back)
			}
		}
	}
}

func TestRoundTrip_Derivatives(t *testing.T) {
	c := newTestCodec()
	for m := time.January; m <= time.December; m++ {
		for day := 1; day <= 31; day++ {
			year := c.InferYear(day, m)
			exp, err := NewExpiry(day, m, year)
			if err != nil {
				continue // not a calendar date
			}
			keys := []string{
				fmt.Sprintf("NSE@NIFTY@futures@%s", exp),
				fmt.Sprintf("NSE@BANKNIFTY@options@%s@call@48000", exp),
				fmt.Sprintf("NSE@FINNIFTY@options@%s@put@0", exp),
			}
			for _, key := range keys {
				sym, err := c.ToBrokerSymbol(key)
				if err != nil {
					t.Fatalf("to broker %s: %v", key, err)
				}
				if back := c.ParseBrokerSymbol(sym, "NSE"); back != key {
					t.Errorf("round trip %s -> %s -> %s", key, sym, back)
				}
			}
		}
	}
}

func TestParseKey_Components(t *testing.T) {
	k, err := ParseKey("nse@nifty@OPTIONS@25-Jun-2025@PUT@24000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Exchange != "NSE" || k.Code != "NIFTY" || k.Kind != Options || k.Side != Put || k.Strike != "24000" {
		t.Errorf("unexpected key %+v", k)
	}
	if k.Expiry.Day != 25 || k.Expiry.Month != time.June || k.Expiry.Year != 2025 {
		t.Errorf("unexpected expiry %+v", k.Expiry)
	}
	if k.String() != "NSE@NIFTY@options@25-JUN-2025@put@24000" {
		t.Errorf("unexpected canonical form %q", k.String())
	}
}

func TestComponents_MatchesParse(t *testing.T) {
	c := newTestCodec()
	k := c.Components("NIFTY25JUN25100CE", "")
	if k.Kind != Options || k.Side != Call || k.Strike != "25100" || k.Exchange != "NSE" {
		t.Errorf("unexpected components %+v", k)
	}
	if k.String() != c.ParseBrokerSymbol("NIFTY25JUN25100CE", "") {
		t.Errorf("components and parse disagree")
	}
}

func TestComponents_JSONCarriesExpiry(t *testing.T) {
	c := newTestCodec()
	raw, err := json.Marshal(c.Components("NIFTY25JUN25100CE", ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	if fields["expiry_date"] != "25-JUN-2025" || fields["option_type"] != "call" || fields["strike_price"] != "25100" {
		t.Errorf("unexpected components %s", raw)
	}

	var back Key
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if back.String() != "NSE@NIFTY@options@25-JUN-2025@call@25100" {
		t.Errorf("expected key to survive JSON, got %q", back.String())
	}

	if err := json.Unmarshal([]byte(`{"expiry_date":"31-FOO-2025"}`), &back); err == nil {
		t.Error("expected error for bad expiry")
	}
}
