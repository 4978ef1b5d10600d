package model

import (
	"fmt"
	"strings"
	"unicode"
)

// Resolver turns a format string into a concrete value given a symbol table.
// The session runtime consumes the resolved tokens and performs no template
// logic itself; callers may supply their own implementation to match the
// template dialect of their job model.
type Resolver interface {
	Resolve(value string, symbols SymbolTable) (string, error)
}

// FormatStringResolver is the default Resolver. It replaces every occurrence
// of {{ <symbol> }} in the input with the symbol's value; an unknown symbol
// is an error.
type FormatStringResolver struct{}

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Resolve implements Resolver.
func (r FormatStringResolver) Resolve(value string, symbols SymbolTable) (string, error) {
	var b strings.Builder
	i := 0
	for {
		idx := strings.Index(value[i:], openMarker)
		if idx < 0 {
			b.WriteString(value[i:])
			break
		}
		b.WriteString(value[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(value[start:], closeMarker)
		if end < 0 {
			// No closing marker; treat the rest as literal.
			b.WriteString(value[i+idx:])
			break
		}
		name := strings.TrimSpace(value[start : start+end])
		if !validSymbolName(name) {
			return "", fmt.Errorf("invalid value reference %q", name)
		}
		resolved, ok := symbols[name]
		if !ok {
			return "", fmt.Errorf("unknown value reference %q", name)
		}
		b.WriteString(resolved)
		i = start + end + len(closeMarker)
	}
	return b.String(), nil
}

func validSymbolName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
