// Package canonicaljson implements the deterministic JSON encoding used for
// signing events, key documents and federation requests.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
)

var (
	ErrInvalidJSON      = errors.New("invalid JSON")
	ErrUnsupportedValue = errors.New("value can't be represented as canonical JSON")
)

// maxInt is the largest integer that survives a round trip through a float64.
const maxInt = 1<<53 - 1

// Canonicalize re-encodes the given JSON with object keys sorted byte-wise,
// no insignificant whitespace and a single textual form for every value.
func Canonicalize(data []byte) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	if err := writeValue(&buf, gjson.ParseBytes(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal encodes v with encoding/json and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var unsupportedValue *json.UnsupportedValueError
		var unsupportedType *json.UnsupportedTypeError
		if errors.As(err, &unsupportedValue) || errors.As(err, &unsupportedType) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
		}
		return nil, err
	}
	return Canonicalize(data)
}

// ForSigning strips the signatures and unsigned fields of an object before
// canonicalizing it.
func ForSigning(data []byte) ([]byte, error) {
	return Strip(data, "signatures", "unsigned")
}

// Strip removes the given top-level fields from an object and canonicalizes it.
func Strip(data []byte, fields ...string) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return nil, ErrInvalidJSON
	}
	var err error
	for _, field := range fields {
		if !parsed.Get(exgjson.Path(field)).Exists() {
			continue
		}
		data, err = sjson.DeleteBytes(data, exgjson.Path(field))
		if err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", field, err)
		}
	}
	return Canonicalize(data)
}

func writeValue(buf *bytes.Buffer, val gjson.Result) error {
	switch val.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.String:
		writeString(buf, val.Str)
	case gjson.Number:
		return writeNumber(buf, val)
	case gjson.JSON:
		if val.IsObject() {
			return writeObject(buf, val)
		} else if val.IsArray() {
			return writeArray(buf, val)
		}
		return ErrInvalidJSON
	}
	return nil
}

type objectField struct {
	key   string
	value gjson.Result
}

func writeObject(buf *bytes.Buffer, val gjson.Result) error {
	var fields []objectField
	val.ForEach(func(key, value gjson.Result) bool {
		fields = append(fields, objectField{key: key.Str, value: value})
		return true
	})
	slices.SortStableFunc(fields, func(a, b objectField) int {
		return strings.Compare(a.key, b.key)
	})
	buf.WriteByte('{')
	first := true
	for i, field := range fields {
		// Duplicate keys: the last occurrence wins
		if i+1 < len(fields) && fields[i+1].key == field.key {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, field.key)
		buf.WriteByte(':')
		if err := writeValue(buf, field.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, val gjson.Result) (err error) {
	buf.WriteByte('[')
	first := true
	val.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		err = writeValue(buf, value)
		return err == nil
	})
	buf.WriteByte(']')
	return
}

func writeNumber(buf *bytes.Buffer, val gjson.Result) error {
	raw := strings.TrimSpace(val.Raw)
	if !strings.ContainsAny(raw, ".eE") {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("%w: number %q", ErrUnsupportedValue, raw)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxInt {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
	} else {
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return nil
}

const hex = "0123456789abcdef"

func writeString(buf *bytes.Buffer, str string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(str); {
		b := str[i]
		if b >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(str[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(str[start:i])
				buf.WriteString("\ufffd")
				i += size
				start = i
				continue
			}
			i += size
			continue
		}
		if b >= 0x20 && b != '"' && b != '\\' {
			i++
			continue
		}
		buf.WriteString(str[start:i])
		switch b {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(hex[b>>4])
			buf.WriteByte(hex[b&0xF])
		}
		i++
		start = i
	}
	buf.WriteString(str[start:])
	buf.WriteByte('"')
}
