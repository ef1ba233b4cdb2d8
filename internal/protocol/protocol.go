// Package protocol builds the textual commands understood by the badge firmware.
//
// A command is a single ASCII line without terminator:
//
//	[debug:]<type>:<meta>:<payload>
//
// Fields are not escaped. A field containing ':' produces a command the
// firmware cannot split unambiguously; callers must not send one.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates command fields.
	Delimiter = ":"
	// TypePreview shows a full-screen bitmap.
	TypePreview = "preview"

	debugField = "debug"
)

var (
	// ErrDelimiterInField is reported by Validate for fields containing ':'.
	ErrDelimiterInField = errors.New("field contains delimiter")
	// ErrMalformed is returned by Parse for commands without all fields.
	ErrMalformed = errors.New("malformed command")
)

// Payload is the command envelope sent to the badge.
type Payload struct {
	Debug   bool   `json:"debug"`
	Type    string `json:"type"`
	Meta    string `json:"meta"`
	Payload string `json:"payload"`
}

// Preview wraps an encoded bitmap in a preview command.
func Preview(encoded string, debug bool) Payload {
	return Payload{Debug: debug, Type: TypePreview, Payload: encoded}
}

// Validate reports fields that would make the command ambiguous.
func (p Payload) Validate() error {
	fields := []struct{ name, value string }{
		{"type", p.Type},
		{"meta", p.Meta},
		{"payload", p.Payload},
	}
	for _, f := range fields {
		if strings.Contains(f.value, Delimiter) {
			return fmt.Errorf("%w: %s", ErrDelimiterInField, f.name)
		}
	}
	return nil
}

// Build formats p as a command string.
func Build(p Payload) string {
	var b strings.Builder
	b.Grow(len(debugField) + len(p.Type) + len(p.Meta) + len(p.Payload) + 3)
	if p.Debug {
		b.WriteString(debugField)
		b.WriteString(Delimiter)
	}
	b.WriteString(p.Type)
	b.WriteString(Delimiter)
	b.WriteString(p.Meta)
	b.WriteString(Delimiter)
	b.WriteString(p.Payload)
	return b.String()
}

// Parse splits a command built by Build. The payload field may itself
// contain ':'; type and meta may not.
func Parse(s string) (Payload, error) {
	var p Payload
	if rest, ok := strings.CutPrefix(s, debugField+Delimiter); ok && strings.Count(rest, Delimiter) >= 2 {
		p.Debug = true
		s = rest
	}
	parts := strings.SplitN(s, Delimiter, 3)
	if len(parts) != 3 {
		return Payload{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(parts))
	}
	p.Type, p.Meta, p.Payload = parts[0], parts[1], parts[2]
	if p.Type == "" {
		return Payload{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	return p, nil
}
