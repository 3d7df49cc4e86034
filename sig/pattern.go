// Package sig finds byte signatures with wildcard positions inside the
// executable regions of a located module and memoizes the results.
package sig

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPattern is returned for pattern text that does not follow the
// "two hex digits or ?" token grammar.
var ErrMalformedPattern = errors.New("malformed signature pattern")

// Wildcard is the only accepted wildcard token.
const Wildcard = "?"

// Pattern is a parsed signature. The zero value matches nothing.
type Pattern struct {
	text    string
	bytes   []byte
	literal []bool
	exact   bool
}

// Parse tokenizes text on single spaces. Every token must be exactly two hex
// digits or exactly "?".
func Parse(text string) (Pattern, error) {
	if text == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrMalformedPattern)
	}

	tokens := strings.Split(text, " ")
	p := Pattern{
		text:    text,
		bytes:   make([]byte, len(tokens)),
		literal: make([]bool, len(tokens)),
		exact:   true,
	}
	for i, token := range tokens {
		if token == Wildcard {
			p.exact = false
			continue
		}
		if len(token) != 2 {
			return Pattern{}, fmt.Errorf("%w: token %d %q in %q", ErrMalformedPattern, i, token, text)
		}
		b, err := hex.DecodeString(token)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: token %d %q in %q", ErrMalformedPattern, i, token, text)
		}
		p.bytes[i] = b[0]
		p.literal[i] = true
	}
	return p, nil
}

// MustParse is Parse for patterns written into the source. It panics on
// malformed text.
func MustParse(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.text
}

// Len returns the number of bytes the pattern spans.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// Match reports whether data starts with the pattern.
func (p Pattern) Match(data []byte) bool {
	if len(p.bytes) == 0 || len(data) < len(p.bytes) {
		return false
	}
	for j, b := range p.bytes {
		if p.literal[j] && data[j] != b {
			return false
		}
	}
	return true
}

// Index returns the offset of the first match in data, or -1.
func (p Pattern) Index(data []byte) int {
	if len(p.bytes) == 0 {
		return -1
	}
	if p.exact {
		return bytes.Index(data, p.bytes)
	}
	last := len(data) - len(p.bytes)
	for i := 0; i <= last; i++ {
		if p.Match(data[i:]) {
			return i
		}
	}
	return -1
}

// IndexAll returns the offsets of every match in data, overlapping ones
// included.
func (p Pattern) IndexAll(data []byte) []int {
	var out []int
	if len(p.bytes) == 0 {
		return out
	}
	last := len(data) - len(p.bytes)
	for i := 0; i <= last; i++ {
		if p.Match(data[i:]) {
			out = append(out, i)
		}
	}
	return out
}
