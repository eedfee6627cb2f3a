package canonicalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const maxSafeInteger = 1<<53 - 1

var (
	timeType      = reflect.TypeOf(time.Time{})
	numberType    = reflect.TypeOf(json.Number(""))
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// Normalize converts v into the generic tree the emitter understands:
// nil, bool, int64, float64, string, []any and map[string]any. Struct fields
// follow their json tags. All canonicalization rules are applied here.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return normalizeValue(reflect.ValueOf(v))
}

// StripVolatile normalizes v and removes the top-level object keys ending in
// "_at". Nested objects are kept whole: they carry caller-supplied data, and
// every byte of it belongs in an identity hash.
func StripVolatile(v any) (any, error) {
	generic, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return generic, nil
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if strings.HasSuffix(k, "_at") {
			continue
		}
		out[k] = val
	}
	return out, nil
}

// RoundFloat applies the canonical float rule. The boolean is false for
// non-finite input, which canonicalizes to null.
func RoundFloat(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if math.Abs(f) >= 1e15 {
		// No fractional digits survive at this magnitude.
		return f, true
	}
	scale := math.Pow10(FloatPrecision)
	r := math.Round(f*scale) / scale
	if r == 0 {
		r = 0 // drops negative zero
	}
	return r, true
}

// FormatTime applies the canonical datetime rule.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

func normalizeValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Type() {
	case timeType:
		return FormatTime(rv.Interface().(time.Time)), nil
	case numberType:
		return normalizeNumber(rv.Interface().(json.Number))
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem())
	}

	if rv.Type().Implements(marshalerType) {
		return normalizeMarshaler(rv.Interface().(json.Marshaler))
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return norm.NFC.String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n > maxSafeInteger || n < -maxSafeInteger {
			return nil, fmt.Errorf("%w: %d", ErrUnsafeInteger, n)
		}
		return n, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		if n > maxSafeInteger {
			return nil, fmt.Errorf("%w: %d", ErrUnsafeInteger, n)
		}
		return int64(n), nil
	case reflect.Float32, reflect.Float64:
		f, ok := RoundFloat(rv.Float())
		if !ok {
			return nil, nil
		}
		return f, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		return normalizeList(rv)
	case reflect.Array:
		return normalizeList(rv)
	case reflect.Map:
		return normalizeMap(rv)
	case reflect.Struct:
		return normalizeStruct(rv)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
}

func normalizeNumber(n json.Number) (any, error) {
	s := string(n)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i <= maxSafeInteger && i >= -maxSafeInteger {
			return i, nil
		}
		// Large floats such as 1e16 are emitted without an exponent. Read
		// them back as the float they were; anything else lost precision.
		if f, ok := exactFloat(i); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsafeInteger, s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed number %q", ErrUnsupportedType, s)
	}
	r, ok := RoundFloat(f)
	if !ok {
		return nil, nil
	}
	return r, nil
}

// exactFloat reports whether i is exactly representable as a float64.
func exactFloat(i int64) (float64, bool) {
	f := float64(i)
	if f >= 1<<63 || f < -(1<<63) {
		return 0, false
	}
	return f, int64(f) == i
}

func normalizeMarshaler(m json.Marshaler) (any, error) {
	raw, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: marshaler failed: %v", ErrUnsupportedType, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: marshaler produced invalid JSON: %v", ErrUnsupportedType, err)
	}
	return Normalize(generic)
}

func normalizeList(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		elem, err := normalizeValue(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func normalizeMap(rv reflect.Value) (any, error) {
	if rv.IsNil() {
		return nil, nil
	}
	if rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := norm.NFC.String(iter.Key().String())
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		val, err := normalizeValue(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

func normalizeStruct(rv reflect.Value) (any, error) {
	out := make(map[string]any)
	for _, f := range structFields(rv.Type()) {
		fv, ok := fieldByIndex(rv, f.index)
		if !ok {
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		val, err := normalizeValue(fv)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
		out[f.name] = val
	}
	return out, nil
}

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []field

func structFields(t reflect.Type) []field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]field)
	}
	var fields []field
	seen := make(map[string]bool)
	collectFields(t, nil, &fields, seen)
	fieldCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, parent []int, out *[]field, seen map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, index, out, seen)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		*out = append(*out, field{
			name:      name,
			index:     index,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
}

func fieldByIndex(rv reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return reflect.Value{}, false
			}
			rv = rv.Elem()
		}
		rv = rv.Field(x)
	}
	return rv, true
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
