// Package canonicalize provides the byte-stable serialization and hashing
// shared by every control-plane component. Output is RFC 8785 (JSON
// Canonicalization Scheme) compliant, with three additional rules applied
// before emission:
//
//  1. time.Time values become UTC strings at second precision with a Z suffix.
//  2. Floats are rounded to FloatPrecision decimal digits; NaN and ±Inf become null.
//  3. Values JSON cannot represent exactly (channels, funcs, complex numbers,
//     non-string map keys, integers beyond 2^53) are a hard error.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/gowebpki/jcs"
)

var (
	// ErrUnsupportedType is returned for values that have no canonical JSON form.
	ErrUnsupportedType = errors.New("canonicalize: unsupported type")
	// ErrUnsafeInteger is returned for integers outside the IEEE-754 exact range.
	ErrUnsafeInteger = errors.New("canonicalize: integer outside ±2^53")
	// ErrDuplicateKey is returned when two map keys collapse to the same NFC form.
	ErrDuplicateKey = errors.New("canonicalize: duplicate key after normalization")
)

// FloatPrecision is the number of decimal digits floats are rounded to.
const FloatPrecision = 6

// TimeLayout is the canonical datetime layout.
const TimeLayout = "2006-01-02T15:04:05Z"

// JCS returns the canonical JSON representation of v.
func JCS(v any) ([]byte, error) {
	generic, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return Emit(generic)
}

// Emit serializes an already normalized value (see Normalize).
func Emit(generic any) ([]byte, error) {
	raw, err := marshalRecursive(generic)
	if err != nil {
		return nil, err
	}
	// Final pass pins string escaping and number formatting to RFC 8785.
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Canonicalize returns the canonical form of v as a string.
func Canonicalize(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StableHash returns the hex SHA-256 digest of the canonical form of v.
func StableHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// VerifyHash recomputes the stable hash of v and compares it with expectedHex
// in constant time. A value that cannot be canonicalized never verifies.
func VerifyHash(v any, expectedHex string) bool {
	got, err := StableHash(v)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expectedHex)) == 1
}

// HashBytes computes SHA-256 of raw bytes and returns the hex digest.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int64:
		return []byte(strconv.FormatInt(t, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(t, 'g', -1, 64)), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder adds a newline
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %T reached emitter", ErrUnsupportedType, v)
	}
}
