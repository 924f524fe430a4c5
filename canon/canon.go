// Package canon implements the canonical JSON form used everywhere a hash or
// MAC is taken in the ACE x402 protocol: object keys sorted lexicographically,
// array order preserved, no insignificant whitespace, absent values omitted
// rather than serialized as null.
package canon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Canonical returns the canonical JSON encoding of v. v is first round-tripped
// through encoding/json into generic Go values (map[string]interface{},
// []interface{}, and scalars) so that struct field tags, omitempty, and
// marshaler overrides are honored exactly as a normal json.Marshal would, and
// then re-encoded deterministically.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encode writes the canonical encoding of v to buf.
func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	default:
		return encodeScalar(buf, val)
	}
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	// undefined/absent values are omitted rather than serialized as null;
	// domain types express "absent" with omitempty at marshal time, so any
	// key that still decodes to a bare JSON null here is dropped too.
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("canon: encode key %q: %w", k, err)
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeScalar(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canon: encode scalar %T: %w", v, err)
		}
		buf.Write(b)
		return nil
	}
}

// SHA256Hex returns the lowercase hex SHA-256 digest of the UTF-8 encoding of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA-256 of message using key,
// both UTF-8 encoded.
func HMACSHA256Hex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// ToMicroUSDC rounds usdc to the nearest integer number of micro-USDC
// (millionths of a USDC). It fails on non-finite, non-positive, or
// zero-rounding input.
func ToMicroUSDC(usdc float64) (int64, error) {
	if math.IsNaN(usdc) || math.IsInf(usdc, 0) {
		return 0, fmt.Errorf("canon: amount is not finite: %v", usdc)
	}
	if usdc <= 0 {
		return 0, fmt.Errorf("canon: amount must be positive: %v", usdc)
	}
	micro := math.Round(usdc * 1_000_000)
	if micro <= 0 {
		return 0, fmt.Errorf("canon: amount rounds to zero micro-USDC: %v", usdc)
	}
	return int64(micro), nil
}

// FormatUSDC formats micro (millionths of a USDC) as a fixed decimal string
// with exactly six fractional digits.
func FormatUSDC(micro int64) string {
	neg := micro < 0
	if neg {
		micro = -micro
	}
	whole := micro / 1_000_000
	frac := micro % 1_000_000
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%06d", sign, whole, frac)
}
