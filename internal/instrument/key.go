// Package instrument converts between canonical instrument keys and the
// broker's compact symbol encoding.
//
// Canonical keys are '@'-separated and tagged with the product kind:
//
//	NSE@RELIANCE@equities
//	NSE@REC@bonds
//	NSE@NIFTY@futures@25-JUN-2025
//	NSE@NIFTY@options@25-JUN-2025@call@25100
//
// Broker symbols drop the exchange and the expiry year:
//
//	RELIANCE, NIFTY25JUNFUT, NIFTY25JUN25100CE
package instrument

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInput is returned when a key cannot be built or parsed.
var ErrInvalidInput = errors.New("instrument: invalid input")

const sep = "@"

// Kind is the product kind tag of a canonical key.
type Kind string

const (
	Equities Kind = "equities"
	Bonds    Kind = "bonds"
	Futures  Kind = "futures"
	Options  Kind = "options"
)

// Valid reports whether the kind is recognised.
func (k Kind) Valid() bool {
	switch k {
	case Equities, Bonds, Futures, Options:
		return true
	default:
		return false
	}
}

// Side is the option side of an options key.
type Side string

const (
	Call Side = "call"
	Put  Side = "put"

	// notOption is the legacy side marker meaning "this is a future".
	notOption = "xx"
)

// Valid reports whether the side is call or put.
func (s Side) Valid() bool {
	return s == Call || s == Put
}

var monthAbbr = [...]string{"", "JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// ParseMonth maps a three-letter month (any case) to time.Month.
func ParseMonth(s string) (time.Month, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i := 1; i < len(monthAbbr); i++ {
		if monthAbbr[i] == u {
			return time.Month(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown month %q", ErrInvalidInput, s)
}

// Expiry is a contract expiry date in DD-MON-YYYY form.
type Expiry struct {
	Day   int
	Month time.Month
	Year  int
}

// NewExpiry validates the calendar date and returns an Expiry.
func NewExpiry(day int, month time.Month, year int) (Expiry, error) {
	if month < time.January || month > time.December {
		return Expiry{}, fmt.Errorf("%w: month %d out of range", ErrInvalidInput, month)
	}
	if year < 1 || year > 9999 {
		return Expiry{}, fmt.Errorf("%w: year %d out of range", ErrInvalidInput, year)
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if day < 1 || t.Day() != day || t.Month() != month {
		return Expiry{}, fmt.Errorf("%w: %02d-%s-%04d is not a calendar date", ErrInvalidInput, day, monthAbbr[month], year)
	}
	return Expiry{Day: day, Month: month, Year: year}, nil
}

// ParseExpiry parses "DD-MON-YYYY" (case-insensitive; a one-digit day is accepted).
func ParseExpiry(s string) (Expiry, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return Expiry{}, fmt.Errorf("%w: expiry %q is not DD-MON-YYYY", ErrInvalidInput, s)
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) > 2 {
		return Expiry{}, fmt.Errorf("%w: expiry day %q", ErrInvalidInput, parts[0])
	}
	month, err := ParseMonth(parts[1])
	if err != nil {
		return Expiry{}, err
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return Expiry{}, fmt.Errorf("%w: expiry year %q", ErrInvalidInput, parts[2])
	}
	return NewExpiry(day, month, year)
}

// IsZero reports whether the expiry is unset.
func (e Expiry) IsZero() bool { return e.Day == 0 && e.Month == 0 && e.Year == 0 }

// String formats the expiry as DD-MON-YYYY.
func (e Expiry) String() string {
	if e.IsZero() {
		return ""
	}
	return fmt.Sprintf("%02d-%s-%04d", e.Day, monthAbbr[e.Month], e.Year)
}

// MarshalText encodes the expiry as DD-MON-YYYY; a zero expiry is empty.
func (e Expiry) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses DD-MON-YYYY. Empty text leaves the expiry zero.
func (e *Expiry) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*e = Expiry{}
		return nil
	}
	v, err := ParseExpiry(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// brokerDate is the DDMON fragment used inside broker symbols.
func (e Expiry) brokerDate() string {
	return fmt.Sprintf("%02d%s", e.Day, monthAbbr[e.Month])
}

// Time returns the expiry as midnight UTC.
func (e Expiry) Time() time.Time {
	return time.Date(e.Year, e.Month, e.Day, 0, 0, 0, 0, time.UTC)
}

// Key is a decomposed canonical instrument key.
type Key struct {
	Exchange string `json:"exchange"`
	Code     string `json:"stock_code"`
	Kind     Kind   `json:"product_type"`
	Expiry   Expiry `json:"expiry_date,omitempty"`
	Side     Side   `json:"option_type,omitempty"`
	Strike   string `json:"strike_price,omitempty"`
}

// NewKey normalises and validates the fields of a canonical key. Optional
// fields are passed as empty strings. An options key with side "xx" is
// rewritten to a futures key.
func NewKey(exchange, code, kind, expiry, side, strike string) (Key, error) {
	k := Key{
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Code:     strings.ToUpper(strings.TrimSpace(code)),
		Kind:     Kind(strings.ToLower(strings.TrimSpace(kind))),
	}
	side = strings.ToLower(strings.TrimSpace(side))
	expiry = strings.TrimSpace(expiry)
	strike = strings.TrimSpace(strike)

	if !k.Kind.Valid() {
		return Key{}, fmt.Errorf("%w: unsupported product type %q", ErrInvalidInput, kind)
	}
	if k.Exchange == "" {
		return Key{}, fmt.Errorf("%w: exchange required", ErrInvalidInput)
	}
	if k.Code == "" {
		return Key{}, fmt.Errorf("%w: stock code required", ErrInvalidInput)
	}
	if strings.Contains(k.Exchange, sep) || strings.Contains(k.Code, sep) {
		return Key{}, fmt.Errorf("%w: %q not allowed in exchange or code", ErrInvalidInput, sep)
	}

	if k.Kind == Options && side == notOption {
		k.Kind = Futures
	}

	switch k.Kind {
	case Equities, Bonds:
		return k, nil
	case Futures:
		if expiry == "" {
			return Key{}, fmt.Errorf("%w: expiry date required for futures", ErrInvalidInput)
		}
	case Options:
		if expiry == "" || side == "" || strike == "" {
			return Key{}, fmt.Errorf("%w: expiry date, option type and strike price required for options", ErrInvalidInput)
		}
	}

	exp, err := ParseExpiry(expiry)
	if err != nil {
		return Key{}, err
	}
	k.Expiry = exp
	if k.Kind == Futures {
		return k, nil
	}

	k.Side = Side(side)
	if !k.Side.Valid() {
		return Key{}, fmt.Errorf("%w: option type %q", ErrInvalidInput, side)
	}
	if !isDigits(strike) {
		return Key{}, fmt.Errorf("%w: strike price %q must be a non-negative integer", ErrInvalidInput, strike)
	}
	k.Strike = strike
	return k, nil
}

// ParseKey decomposes a canonical key string.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), sep)
	if len(parts) < 3 {
		return Key{}, fmt.Errorf("%w: instrument key %q has too few fields", ErrInvalidInput, s)
	}
	want := map[Kind]int{Equities: 3, Bonds: 3, Futures: 4, Options: 6}
	kind := Kind(strings.ToLower(parts[2]))
	if n, ok := want[kind]; ok && len(parts) != n {
		return Key{}, fmt.Errorf("%w: %s key %q needs %d fields, got %d", ErrInvalidInput, kind, s, n, len(parts))
	}
	for len(parts) < 6 {
		parts = append(parts, "")
	}
	return NewKey(parts[0], parts[1], parts[2], parts[3], parts[4], parts[5])
}

// String renders the canonical key.
func (k Key) String() string {
	switch k.Kind {
	case Futures:
		return strings.Join([]string{k.Exchange, k.Code, string(Futures), k.Expiry.String()}, sep)
	case Options:
		return strings.Join([]string{k.Exchange, k.Code, string(Options), k.Expiry.String(), string(k.Side), k.Strike}, sep)
	default:
		return strings.Join([]string{k.Exchange, k.Code, string(k.Kind)}, sep)
	}
}

// BrokerSymbol renders the broker's compact symbol for k.
func (k Key) BrokerSymbol() string {
	switch k.Kind {
	case Futures:
		return k.Code + k.Expiry.brokerDate() + "FUT"
	case Options:
		suffix := "PE"
		if k.Side == Call {
			suffix = "CE"
		}
		return k.Code + k.Expiry.brokerDate() + k.Strike + suffix
	default:
		return k.Code
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
}
