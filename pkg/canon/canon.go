// Package canon produces the deterministic string form of JSON-like values
// that both sides of a signature must reproduce byte-for-byte. One side signs
// the canonical form, the other recomputes it independently and verifies, so
// any divergence here breaks every signature in the system.
package canon

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Canonicalize converts a JSON-like value (nil, bool, number, string, array,
// object) to its canonical string form. Object keys are sorted by raw byte
// order, arrays keep their order, scalars take the same representation
// encoding/json gives a bare scalar. Values outside the JSON model fall back
// to their generic encoding (deliberately permissive, so signing never fails
// on an odd input; both sides share the same fallback).
func Canonicalize(v any) string {
	var sb strings.Builder
	write(&sb, v)
	return sb.String()
}

// Target builds the canonical signing form of a content target. The three
// field names are fixed; their order here does not matter since object keys
// are re-sorted anyway.
func Target(uri, cid string, record any) string {
	return Canonicalize(map[string]any{
		"cid":    cid,
		"record": record,
		"uri":    uri,
	})
}

func write(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if x {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case []any:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			write(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeScalar(sb, k)
			sb.WriteByte(':')
			write(sb, x[k])
		}
		sb.WriteByte('}')
	case json.RawMessage:
		// Raw fragments are re-parsed so their keys go through sorting too.
		var decoded any
		if err := decode(x, &decoded); err != nil {
			writeScalar(sb, string(x))
			return
		}
		write(sb, decoded)
	default:
		writeScalar(sb, v)
	}
}

// writeScalar emits the encoding/json form of a scalar (or, as the permissive
// fallback, of any non-JSON value). HTML escaping is off: `<`, `>` and `&`
// must survive literally or the canonical bytes diverge from every encoder
// that does not apply Go's HTML-safety escapes. Encoding a scalar cannot
// fail; the fallback can, in which case the value degrades to null.
func writeScalar(sb *strings.Builder, v any) {
	b, err := encode(v)
	if err != nil {
		sb.WriteString("null")
		return
	}
	// Structs and nested maps reached through the fallback still need sorted
	// keys, so round-trip them through the generic decoder once.
	if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
		var decoded any
		if err := decode(b, &decoded); err == nil {
			write(sb, decoded)
			return
		}
	}
	sb.Write(b)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// decode parses with numbers kept as json.Number so canonical output
// preserves the exact digits that were signed instead of a float64 re-render.
func decode(b []byte, out *any) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	return dec.Decode(out)
}
