package instrument

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"trading-sharedv1/internal/clock"
)

const (
	// DefaultExchange is used when a caller does not name one.
	DefaultExchange = "NSE"

	unknownCode = "UNKNOWN"
)

var (
	bondPattern     = regexp.MustCompile(`^\d+([A-Z]+)\d+$`)
	allDigits       = regexp.MustCompile(`\d`)
	trailingNumeric = regexp.MustCompile(`\d+.*$`)
)

// DefaultBondAliases rewrites issuer codes that the broker spells differently.
func DefaultBondAliases() map[string]string {
	return map[string]string{"PFCL": "PFC"}
}

// WarningFunc is called whenever a broker symbol is resolved heuristically.
type WarningFunc func(symbol, reason string)

// Codec converts between canonical keys and broker symbols. It is safe for
// concurrent use once constructed.
type Codec struct {
	clock       clock.Clock
	loc         *time.Location
	exchange    string
	bondAliases map[string]string
	onWarning   WarningFunc
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the clock used for expiry-year inference.
func WithClock(c clock.Clock) Option {
	return func(cd *Codec) {
		if c != nil {
			cd.clock = c
		}
	}
}

// WithLocation sets the time zone in which "today" is evaluated.
func WithLocation(loc *time.Location) Option {
	return func(cd *Codec) {
		if loc != nil {
			cd.loc = loc
		}
	}
}

// WithDefaultExchange sets the exchange used when a call passes "".
func WithDefaultExchange(ex string) Option {
	return func(cd *Codec) {
		if ex = strings.ToUpper(strings.TrimSpace(ex)); ex != "" {
			cd.exchange = ex
		}
	}
}

// WithBondAliases replaces the bond issuer alias table.
func WithBondAliases(aliases map[string]string) Option {
	return func(cd *Codec) {
		cd.bondAliases = make(map[string]string, len(aliases))
		for from, to := range aliases {
			cd.bondAliases[strings.ToUpper(from)] = strings.ToUpper(to)
		}
	}
}

// WithWarningHook registers a callback for heuristic resolutions.
func WithWarningHook(fn WarningFunc) Option {
	return func(cd *Codec) { cd.onWarning = fn }
}

// New creates a Codec. Defaults: system clock, UTC, NSE, PFCL->PFC.
func New(opts ...Option) *Codec {
	c := &Codec{
		clock:       clock.System{},
		loc:         time.UTC,
		exchange:    DefaultExchange,
		bondAliases: DefaultBondAliases(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DefaultExchange returns the exchange used when none is supplied.
func (c *Codec) DefaultExchange() string { return c.exchange }

// BuildKey assembles a canonical key from its components. An empty exchange
// resolves to the codec default.
func (c *Codec) BuildKey(exchange, code, kind, expiry, side, strike string) (string, error) {
	if strings.TrimSpace(exchange) == "" {
		exchange = c.exchange
	}
	k, err := NewKey(exchange, code, kind, expiry, side, strike)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// ToBrokerSymbol converts a canonical key to the broker's symbol.
func (c *Codec) ToBrokerSymbol(key string) (string, error) {
	k, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return k.BrokerSymbol(), nil
}

// ParseBrokerSymbol converts a broker symbol to a canonical key. It never
// fails: unrecognised shapes degrade to an equities key.
func (c *Codec) ParseBrokerSymbol(symbol, exchange string) string {
	return c.Components(symbol, exchange).String()
}

// Components is ParseBrokerSymbol returning the decomposed key.
func (c *Codec) Components(symbol, exchange string) Key {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	if ex == "" {
		ex = c.exchange
	}
	s := strings.ToUpper(strings.TrimSpace(symbol))
	equity := func(code string) Key { return Key{Exchange: ex, Code: code, Kind: Equities} }

	switch {
	case s == "":
		c.warn(symbol, "empty symbol")
		return equity(unknownCode)

	case isBondSymbol(s):
		return Key{Exchange: ex, Code: c.bondIssuer(s), Kind: Bonds}

	case !hasDigit(s):
		return equity(s)

	case strings.HasSuffix(s, "FUT"):
		k, err := c.parseDerivative(ex, strings.TrimSuffix(s, "FUT"), Futures, "")
		if err != nil {
			c.warn(symbol, "unparseable future: "+err.Error())
			return equity(s)
		}
		return k

	case strings.HasSuffix(s, "CE"), strings.HasSuffix(s, "PE"):
		side := Call
		if strings.HasSuffix(s, "PE") {
			side = Put
		}
		k, err := c.parseDerivative(ex, s[:len(s)-2], Options, side)
		if err != nil {
			c.warn(symbol, "unparseable option: "+err.Error())
			return equity(s)
		}
		return k
	}

	code := trailingNumeric.ReplaceAllString(s, "")
	if code == "" {
		code = s
	}
	c.warn(symbol, "unrecognised shape, treated as equity "+code)
	return equity(code)
}

// InferYear picks the expiry year for a day/month pair with no year: the
// current year if the date is today or later, otherwise next year.
func (c *Codec) InferYear(day int, month time.Month) int {
	y, m, d := clock.Today(c.clock.Now(), c.loc)
	if month > m || (month == m && day >= d) {
		return y
	}
	return y + 1
}

// parseDerivative decodes CODE DDMON [STRIKE]; base has the FUT/CE/PE suffix removed.
func (c *Codec) parseDerivative(ex, base string, kind Kind, side Side) (Key, error) {
	i := strings.IndexFunc(base, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return Key{}, fmt.Errorf("no underlying code before date")
	}
	code, tail := base[:i], base[i:]
	if len(tail) < 5 {
		return Key{}, fmt.Errorf("date fragment %q too short", tail)
	}
	day, err := strconv.Atoi(tail[:2])
	if err != nil {
		return Key{}, fmt.Errorf("day %q: %w", tail[:2], err)
	}
	month, err := ParseMonth(tail[2:5])
	if err != nil {
		return Key{}, err
	}
	exp, err := NewExpiry(day, month, c.InferYear(day, month))
	if err != nil {
		return Key{}, err
	}
	rest := tail[5:]

	k := Key{Exchange: ex, Code: code, Kind: kind, Expiry: exp}
	if kind == Futures {
		if rest != "" {
			return Key{}, fmt.Errorf("unexpected %q after expiry", rest)
		}
		return k, nil
	}
	if rest == "" {
		rest = "0"
	}
	if !isDigits(rest) {
		return Key{}, fmt.Errorf("strike %q not numeric", rest)
	}
	k.Side = side
	k.Strike = rest
	return k, nil
}

func (c *Codec) bondIssuer(s string) string {
	var code string
	if m := bondPattern.FindStringSubmatch(s); m != nil {
		code = m[1]
	} else {
		code = allDigits.ReplaceAllString(s, "")
	}
	if code == "" {
		c.warn(s, "bond symbol has no issuer letters")
		return unknownCode
	}
	if alias, ok := c.bondAliases[code]; ok {
		return alias
	}
	return code
}

func (c *Codec) warn(symbol, reason string) {
	log.Printf("[codec] WARNING: symbol %q: %s", symbol, reason)
	if c.onWarning != nil {
		c.onWarning(symbol, reason)
	}
}

// isBondSymbol: digit first, two digits last, longer than two characters.
func isBondSymbol(s string) bool {
	n := len(s)
	return n > 2 && isDigits(s[:1]) && isDigits(s[n-2:])
}
