// Command symconv converts between broker symbols and canonical instrument
// keys from the command line.
//
//	symconv -symbol NIFTY25JUN25100CE
//	symconv -key NSE@NIFTY@futures@26-JUN-2025
//	symconv -build -code NIFTY -kind options -expiry 26-JUN-2025 -side call -strike 25100
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"trading-sharedv1/config"
	"trading-sharedv1/internal/instrument"
)

func main() {
	symbol := flag.String("symbol", "", "broker symbol to parse")
	key := flag.String("key", "", "canonical key to convert to a broker symbol")
	build := flag.Bool("build", false, "build a key from -exchange -code -kind -expiry -side -strike")
	exchange := flag.String("exchange", "", "exchange (default from CODEC_DEFAULT_EXCHANGE)")
	code := flag.String("code", "", "stock code")
	kind := flag.String("kind", "equities", "equities|bonds|futures|options")
	expiry := flag.String("expiry", "", "expiry as DD-MON-YYYY")
	side := flag.String("side", "", "call|put")
	strike := flag.String("strike", "", "strike price")
	verbose := flag.Bool("v", false, "print key components as JSON")
	flag.Parse()

	cfg := config.Load()
	var warnings []string
	codec := instrument.New(
		instrument.WithDefaultExchange(cfg.DefaultExchange),
		instrument.WithBondAliases(cfg.BondAliases),
		instrument.WithWarningHook(func(sym, reason string) {
			warnings = append(warnings, fmt.Sprintf("%s: %s", sym, reason))
		}),
	)

	switch {
	case *build:
		ex := *exchange
		if ex == "" {
			ex = codec.DefaultExchange()
		}
		k, err := codec.BuildKey(ex, *code, *kind, *expiry, *side, *strike)
		if err != nil {
			fail(err)
		}
		fmt.Println(k)

	case *key != "":
		sym, err := codec.ToBrokerSymbol(*key)
		if err != nil {
			fail(err)
		}
		fmt.Println(sym)

	case *symbol != "":
		k := codec.Components(*symbol, *exchange)
		if *verbose {
			out, _ := json.MarshalIndent(map[string]any{"instrument_key": k.String(), "components": k}, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(k.String())
		}
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
