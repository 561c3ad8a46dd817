// Package canonical produces the deterministic JSON form of request payloads that both the client
// and the relay hash before signing or verifying an envelope.
//
// Object keys are ordered by UTF-16 code units, arrays keep their order, no insignificant whitespace
// is written, strings use the minimal escape set and numbers are normalised (integers up to 2^53 in
// magnitude in decimal with -0 written as 0, larger integers rejected, everything else in the
// shortest round trip form).
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/exp/maps"
)

const hexDigits = "0123456789abcdef"

const maxExactInteger = 1 << 53

// Canonicalize rewrites a JSON document into its canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: invalid json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical: trailing data after json value")
	}
	w := newWriter()
	if err := w.writeValue(v); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// Marshal encodes v with encoding/json and canonicalizes the result.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: error marshalling: %w", err)
	}
	return Canonicalize(raw)
}

// Digest is base64url(sha256(b)) without padding.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Hash canonicalizes a raw JSON payload and returns its digest.
func Hash(raw []byte) (string, error) {
	c, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return Digest(c), nil
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer {
	return &writer{}
}

func (w *writer) writeValue(v interface{}) error {
	switch t := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case bool:
		if t {
			w.buf.WriteString("true")
		} else {
			w.buf.WriteString("false")
		}
	case string:
		w.writeString(t)
	case json.Number:
		return w.writeNumber(t)
	case []interface{}:
		w.buf.WriteByte('[')
		for i, e := range t {
			if i != 0 {
				w.buf.WriteByte(',')
			}
			if err := w.writeValue(e); err != nil {
				return err
			}
		}
		w.buf.WriteByte(']')
	case map[string]interface{}:
		keys := maps.Keys(t)
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		w.buf.WriteByte('{')
		for i, k := range keys {
			if i != 0 {
				w.buf.WriteByte(',')
			}
			w.writeString(k)
			w.buf.WriteByte(':')
			if err := w.writeValue(t[k]); err != nil {
				return err
			}
		}
		w.buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func (w *writer) writeString(s string) {
	w.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			w.buf.WriteString(`\"`)
		case '\\':
			w.buf.WriteString(`\\`)
		case '\b':
			w.buf.WriteString(`\b`)
		case '\f':
			w.buf.WriteString(`\f`)
		case '\n':
			w.buf.WriteString(`\n`)
		case '\r':
			w.buf.WriteString(`\r`)
		case '\t':
			w.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				w.buf.WriteString(`\u00`)
				w.buf.WriteByte(hexDigits[r>>4])
				w.buf.WriteByte(hexDigits[r&0xf])
			} else {
				w.buf.WriteRune(r)
			}
		}
	}
	w.buf.WriteByte('"')
}

func (w *writer) writeNumber(n json.Number) error {
	s := n.String()
	if isInteger(s) {
		// past 2^53 an ecmascript client would write the rounded double, so such digests can't agree
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil || i > maxExactInteger || i < -maxExactInteger {
			return fmt.Errorf("canonical: integer %s is not exactly representable", s)
		}
		w.buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonical: invalid number %q", s)
	}
	w.buf.WriteString(formatFloat(f))
	return nil
}

func isInteger(s string) bool {
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
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

// formatFloat follows the ECMAScript Number to string rules so other clients agree byte for byte.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	// go writes e-07 where ecmascript writes e-7
	mantissa, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + string(sign) + digits
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
