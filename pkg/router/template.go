/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidTemplate is returned when a URI template can't be parsed.
	ErrInvalidTemplate = errors.New("invalid URI template")
	// ErrUnsupportedTemplate is returned for RFC 6570 features outside the supported subset
	// (explode and prefix modifiers).
	ErrUnsupportedTemplate = errors.New("unsupported URI template feature")
	// ErrMissingVariable is returned by Build when a required variable has no value.
	ErrMissingVariable = errors.New("missing template variable")
)

var varNamePattern = regexp.MustCompile(`^(?:[A-Za-z0-9_]|%[0-9A-Fa-f]{2})(?:\.?(?:[A-Za-z0-9_]|%[0-9A-Fa-f]{2}))*$`)

// operator describes how an RFC 6570 expression expands.
type operator struct {
	char          byte
	first         string
	sep           string
	named         bool
	ifEmpty       string
	allowReserved bool
	// excluded holds the raw characters a variable value can't contain on the wire for this operator.
	excluded string
}

//nolint:gochecknoglobals
var operators = map[byte]operator{
	0:   {sep: ",", excluded: "/?#"},
	'+': {char: '+', sep: ",", allowReserved: true, excluded: "?#"},
	'#': {char: '#', first: "#", sep: ",", allowReserved: true, excluded: "?#"},
	'.': {char: '.', first: ".", sep: ".", excluded: "/?#."},
	'/': {char: '/', first: "/", sep: "/", excluded: "/?#"},
	';': {char: ';', first: ";", sep: ";", named: true, excluded: "/?#;"},
	'?': {char: '?', first: "?", sep: "&", named: true, ifEmpty: "=", excluded: "#&"},
	'&': {char: '&', first: "&", sep: "&", named: true, ifEmpty: "=", excluded: "#&"},
}

type expression struct {
	op   operator
	vars []string
}

// required reports whether the expression's variables must all be present.
// Simple and reserved expansions have no prefix to signal an omitted value.
func (e *expression) required() bool {
	return e.op.first == "" || e.op.char == '#'
}

// valueExcluded returns the raw characters a value can't contain within this expression.
func (e *expression) valueExcluded() string {
	excluded := e.op.excluded
	if len(e.vars) > 1 && !strings.Contains(excluded, e.op.sep) {
		excluded += e.op.sep
	}

	if e.op.named && !strings.Contains(excluded, "=") {
		excluded += "="
	}

	return excluded
}

type part struct {
	literal string
	expr    *expression
}

// Template is a parsed, immutable RFC 6570 URI template restricted to the level 3 subset.
type Template struct {
	raw    string
	parts  []part
	re     *regexp.Regexp
	groups []string
	nfa    *nfa
}

// ParseTemplate parses a URI template such as "/users/{identifier}/inbox".
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}

	for rest := raw; rest != ""; {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.ContainsRune(rest, '}') {
				return nil, fmt.Errorf("%w: unbalanced '}' in %q", ErrInvalidTemplate, raw)
			}

			t.parts = append(t.parts, part{literal: rest})

			break
		}

		if open > 0 {
			if strings.ContainsRune(rest[:open], '}') {
				return nil, fmt.Errorf("%w: unbalanced '}' in %q", ErrInvalidTemplate, raw)
			}

			t.parts = append(t.parts, part{literal: rest[:open]})
		}

		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("%w: unterminated expression in %q", ErrInvalidTemplate, raw)
		}

		expr, err := parseExpression(rest[open+1 : open+closing])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}

		t.parts = append(t.parts, part{expr: expr})
		rest = rest[open+closing+1:]
	}

	t.compile()

	return t, nil
}

func parseExpression(body string) (*expression, error) {
	if body == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidTemplate)
	}

	op, ok := operators[body[0]]
	if ok && body[0] != 0 {
		body = body[1:]
	} else {
		op = operators[0]
	}

	if body == "" || strings.IndexByte("=,!@|", body[0]) >= 0 {
		return nil, fmt.Errorf("%w: reserved operator in %q", ErrUnsupportedTemplate, body)
	}

	expr := &expression{op: op}

	for _, name := range strings.Split(body, ",") {
		if strings.ContainsAny(name, "*:") {
			return nil, fmt.Errorf("%w: modifier in %q", ErrUnsupportedTemplate, name)
		}

		if !varNamePattern.MatchString(name) {
			return nil, fmt.Errorf("%w: bad variable name %q", ErrInvalidTemplate, name)
		}

		expr.vars = append(expr.vars, name)
	}

	return expr, nil
}

// String returns the template as registered.
func (t *Template) String() string {
	return t.raw
}

// Variables returns the variable names in order of appearance.
func (t *Template) Variables() []string {
	var names []string

	for _, p := range t.parts {
		if p.expr != nil {
			names = append(names, p.expr.vars...)
		}
	}

	return names
}

func (t *Template) compile() {
	var pattern strings.Builder

	pattern.WriteString("^")

	for _, p := range t.parts {
		if p.expr == nil {
			pattern.WriteString(regexp.QuoteMeta(p.literal))
			continue
		}

		class := "[^" + regexpClassEscape(p.expr.valueExcluded()) + "]"

		for i, name := range p.expr.vars {
			t.groups = append(t.groups, name)

			prefix := p.expr.op.sep
			if i == 0 {
				prefix = p.expr.op.first
			}

			if p.expr.op.char == '?' {
				prefix = "[?&]"
			} else {
				prefix = regexp.QuoteMeta(prefix)
			}

			switch {
			case p.expr.required():
				// lazy, so a following optional expansion like {.format} gets its share
				pattern.WriteString(prefix + "(" + class + "+?)")
			case p.expr.op.named && p.expr.op.ifEmpty == "":
				pattern.WriteString("(?:" + prefix + regexp.QuoteMeta(name) + "(?:=(" + class + "*))?)?")
			case p.expr.op.named:
				pattern.WriteString("(?:" + prefix + regexp.QuoteMeta(name) + "=(" + class + "*))?")
			default:
				pattern.WriteString("(?:" + prefix + "(" + class + "+))?")
			}
		}
	}

	pattern.WriteString("$")

	t.re = regexp.MustCompile(pattern.String())
	t.nfa = buildNFA(t)
}

func regexpClassEscape(chars string) string {
	var b strings.Builder

	for i := 0; i < len(chars); i++ {
		switch chars[i] {
		case '\\', ']', '[', '^', '-':
			b.WriteByte('\\')
		}

		b.WriteByte(chars[i])
	}

	return b.String()
}

// match matches an escaped path and decodes every captured value exactly once.
func (t *Template) match(path string) (map[string]string, bool) {
	sub := t.re.FindStringSubmatchIndex(path)
	if sub == nil {
		return nil, false
	}

	vars := make(map[string]string, len(t.groups))

	for i, name := range t.groups {
		start, end := sub[2*(i+1)], sub[2*(i+1)+1]
		if start < 0 {
			continue
		}

		value, err := unescape(path[start:end])
		if err != nil {
			return nil, false
		}

		vars[name] = value
	}

	return vars, true
}

// expand renders the template with the given variables.
func (t *Template) expand(vars map[string]string) (string, error) {
	var b strings.Builder

	for _, p := range t.parts {
		if p.expr == nil {
			b.WriteString(p.literal)
			continue
		}

		first := true

		for _, name := range p.expr.vars {
			value, ok := vars[name]
			if !ok || value == "" {
				if p.expr.required() {
					return "", fmt.Errorf("%w: %s", ErrMissingVariable, name)
				}

				continue
			}

			if first {
				b.WriteString(p.expr.op.first)
			} else {
				b.WriteString(p.expr.op.sep)
			}

			first = false

			if p.expr.op.named {
				b.WriteString(name)
				b.WriteString("=")
			}

			b.WriteString(escape(value, p.expr.op.allowReserved, p.expr.valueExcluded()))
		}
	}

	return b.String(), nil
}

const upperhex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func isReserved(c byte) bool {
	return strings.IndexByte(":/?#[]@!$&'()*+,;=", c) >= 0
}

// escape percent-encodes value for an expansion. A literal '%' is always encoded, so the
// result decodes back to exactly value.
func escape(value string, allowReserved bool, excluded string) string {
	var b strings.Builder

	for i := 0; i < len(value); i++ {
		c := value[i]

		keep := isUnreserved(c) || (allowReserved && isReserved(c))
		if keep && strings.IndexByte(excluded, c) < 0 {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}

	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}

	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}

		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return "", fmt.Errorf("%w: bad percent-encoding in %q", ErrInvalidTemplate, s)
		}

		b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
		i += 2
	}

	return b.String(), nil
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
