package adapter

import (
	"fmt"
	"log"
	"reflect"
	"strings"

	"trading-sharedv1/internal/broker"
)

// Field names rewritten by the adapter.
const (
	FieldInstrumentKey = "instrument_key"
	FieldSymbol        = "symbol"
	FieldExchange      = "exchange"
)

// essentialFields must survive a rewrite unchanged.
var essentialFields = []string{"quantity", "price", "trade_type", "pseudo_account"}

// ToBrokerRequest replaces instrument_key with the broker symbol. Every other
// field is copied unchanged. If the key cannot be converted the request keeps
// its instrument_key and a conversion warning is recorded.
func (a *Adapter) ToBrokerRequest(p broker.Params) broker.Params {
	out := p.Clone()
	raw, ok := out[FieldInstrumentKey]
	if !ok || raw == nil || raw == "" {
		return out
	}
	key, ok := raw.(string)
	if !ok {
		a.warn("request", fmt.Sprintf("%v", raw), fmt.Errorf("instrument_key is %T, not a string", raw))
		return out
	}
	sym, err := a.codec.ToBrokerSymbol(key)
	if err != nil {
		a.warn("request", key, err)
		return out
	}
	delete(out, FieldInstrumentKey)
	out[FieldSymbol] = sym
	return out
}

// FromBrokerRecord returns a copy of rec with instrument_key derived from its
// symbol. The exchange comes from the record, then fallbackExchange, then the
// adapter default.
func (a *Adapter) FromBrokerRecord(rec map[string]any, fallbackExchange string) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	sym, _ := out[FieldSymbol].(string)
	if sym == "" {
		return out
	}
	out[FieldInstrumentKey] = a.codec.ParseBrokerSymbol(sym, a.exchangeFor(out, fallbackExchange))
	return out
}

func (a *Adapter) exchangeFor(rec map[string]any, fallback string) string {
	if ex, _ := rec[FieldExchange].(string); ex != "" {
		return ex
	}
	if fallback != "" {
		return fallback
	}
	return a.exchange
}

// ConvertList flattens each element of a broker list result into a field map,
// adding instrument_key when translate is set. Elements that cannot be
// flattened become {conversion_error, original_data} entries.
func (a *Adapter) ConvertList(result any, translate bool) []map[string]any {
	items := listItems(result)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		rec, err := Flatten(item)
		if err != nil {
			a.warn("response", fmt.Sprintf("%T", item), err)
			out = append(out, map[string]any{
				"conversion_error": err.Error(),
				"original_data":    fmt.Sprintf("%+v", item),
			})
			continue
		}
		if translate {
			rec = a.FromBrokerRecord(rec, "")
		}
		out = append(out, rec)
	}
	return out
}

func listItems(result any) []any {
	if result == nil {
		return nil
	}
	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return []any{result}
	}
	items := make([]any, v.Len())
	for i := range items {
		items[i] = v.Index(i).Interface()
	}
	return items
}

// Flatten turns a map or struct into a field map. Map keys and struct field
// names starting with '_' are dropped, as are unexported struct fields and
// fields tagged json:"-". Struct fields are named by their json tag.
func Flatten(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return copyPublic(m), nil
	case broker.Params:
		return copyPublic(m), nil
	case nil:
		return nil, fmt.Errorf("nil element")
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("nil %T element", v)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		flattenStruct(rv, out)
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not string", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if !strings.HasPrefix(k, "_") {
				out[k] = iter.Value().Interface()
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot flatten %T", v)
	}
}

func copyPublic(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

func flattenStruct(rv reflect.Value, out map[string]any) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			flattenStruct(rv.Field(i), out)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.HasPrefix(name, "_") {
			continue
		}
		out[name] = rv.Field(i).Interface()
	}
}

// EnsureInstrumentKey makes symbol and instrument_key agree in rec, deriving
// whichever is missing. instrument_key wins when both are present. rec is
// modified in place and returned.
func (a *Adapter) EnsureInstrumentKey(rec map[string]any) map[string]any {
	if key, _ := rec[FieldInstrumentKey].(string); key != "" {
		sym, err := a.codec.ToBrokerSymbol(key)
		if err != nil {
			a.warn("consistency", key, err)
			return rec
		}
		rec[FieldSymbol] = sym
		return rec
	}
	sym, _ := rec[FieldSymbol].(string)
	ex, _ := rec[FieldExchange].(string)
	if sym != "" && ex != "" {
		rec[FieldInstrumentKey] = a.codec.ParseBrokerSymbol(sym, ex)
	}
	return rec
}

// ValidateConversion reports whether converted preserves the essential fields
// of original and whether the instrument identification round-trips.
func (a *Adapter) ValidateConversion(original, converted map[string]any) bool {
	for _, f := range essentialFields {
		ov, ok := original[f]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(ov, converted[f]) {
			log.Printf("[adapter] conversion changed essential field %s: %v -> %v", f, ov, converted[f])
			return false
		}
	}

	// read direction: symbol -> instrument_key
	if sym, ok := original[FieldSymbol].(string); ok {
		if key, ok := converted[FieldInstrumentKey].(string); ok {
			back, err := a.codec.ToBrokerSymbol(key)
			if err != nil || back != sym {
				log.Printf("[adapter] symbol conversion inconsistent: %s != %s (%v)", sym, back, err)
				return false
			}
		}
	}
	// write direction: instrument_key -> symbol
	if key, ok := original[FieldInstrumentKey].(string); ok {
		if sym, ok := converted[FieldSymbol].(string); ok {
			want, err := a.codec.ToBrokerSymbol(key)
			if err != nil || want != sym {
				log.Printf("[adapter] instrument key conversion inconsistent: %s -> %s, expected %s (%v)", key, sym, want, err)
				return false
			}
		}
	}
	return true
}

func (a *Adapter) warn(direction, value string, err error) {
	log.Printf("[adapter] WARNING: %s conversion of %q failed, keeping original: %v", direction, value, err)
	if a.onWarning != nil {
		a.onWarning(direction)
	}
}
