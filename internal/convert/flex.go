// Package convert translates between broker wire payloads and the canonical
// schema. Every function here is pure: no I/O, no clock reads.
package convert

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Float decodes a JSON number or numeric string. null, "" and unparseable
// values decode to zero rather than failing the whole payload.
type Float float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	*f = Float(parseNumber(unquote(b)))
	return nil
}

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (f *Float) UnmarshalCSV(s string) error {
	*f = Float(parseNumber(s))
	return nil
}

// Str decodes a JSON string or number as text. null decodes to "".
type Str string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Str) UnmarshalJSON(b []byte) error {
	*s = Str(strings.TrimSpace(unquote(b)))
	return nil
}

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (s *Str) UnmarshalCSV(v string) error {
	*s = Str(strings.TrimSpace(v))
	return nil
}

func (s Str) String() string { return string(s) }

func unquote(b []byte) string {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return ""
	}
	if len(b) >= 2 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s
		}
		return string(b[1 : len(b)-1])
	}
	return string(b)
}

func parseNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstNonZero(vals ...Float) float64 {
	for _, v := range vals {
		if v != 0 {
			return float64(v)
		}
	}
	return 0
}

func firstNonEmpty(vals ...Str) string {
	for _, v := range vals {
		if v != "" {
			return string(v)
		}
	}
	return ""
}
