package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EntityHashLength is the number of hex characters kept from the digest.
const EntityHashLength = 16

// HashEntity returns the first 16 hex characters of the SHA-256 digest of the
// canonical serialization of data. Key order never affects the result, and
// values that have no JSON form are coerced to strings instead of failing.
func HashEntity(data map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, reflect.ValueOf(data))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:EntityHashLength]
}

// CanonicalJSON exposes the serialization used by HashEntity.
func CanonicalJSON(data map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, reflect.ValueOf(data))
	return b.String()
}

// writeCanonical emits sorted-key JSON with ", " and ": " separators and
// ASCII-only string escapes.
func writeCanonical(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString("null")
		return
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		v = v.Elem()
	}

	// Named types with their own textual form are coerced before kind dispatch.
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case json.Number:
			b.WriteString(x.String())
			return
		case fmt.Stringer:
			if v.Kind() == reflect.Struct {
				writeString(b, x.String())
				return
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case reflect.String:
		writeString(b, v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		writeFloat(b, v.Float())
	case reflect.Map:
		writeMap(b, v)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("null")
			return
		}
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			writeCanonical(b, v.Index(i))
		}
		b.WriteByte(']')
	default:
		if v.CanInterface() {
			writeString(b, fmt.Sprint(v.Interface()))
			return
		}
		writeString(b, v.String())
	}
}

func writeMap(b *strings.Builder, v reflect.Value) {
	if v.IsNil() {
		b.WriteString("null")
		return
	}
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		var ks string
		if k.Kind() == reflect.String {
			ks = k.String()
		} else {
			ks = fmt.Sprint(k.Interface())
		}
		entries = append(entries, entry{key: ks, val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(b, e.key)
		b.WriteString(": ")
		writeCanonical(b, e.val)
	}
	b.WriteByte('}')
}

func writeFloat(b *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		b.WriteString("NaN")
	case math.IsInf(f, 1):
		b.WriteString("Infinity")
	case math.IsInf(f, -1):
		b.WriteString("-Infinity")
	case f == 0:
		b.WriteString("0")
	case f == math.Trunc(f) && math.Abs(f) < 1e16:
		// Whole numbers decoded as float64 were integers in the source
		// JSON; print them the way a json.Number or int would print.
		b.WriteString(strconv.FormatFloat(f, 'f', 0, 64))
	default:
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r < 0x20 || (r >= 0x80 && r <= 0xffff):
			fmt.Fprintf(b, `\u%04x`, r)
		case r > 0xffff:
			r1, r2 := surrogates(r)
			fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

func surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xd800 + (r>>10)&0x3ff, 0xdc00 + r&0x3ff
}
