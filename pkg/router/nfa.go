/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package router

import (
	"sort"
	"strconv"
	"strings"
)

// nfa is a Thompson automaton over bytes accepting the same escaped paths as a template's regexp.
// Two templates are ambiguous when the intersection of their languages is non-empty.
type nfa struct {
	states []nfaState
	start  int
	accept int
}

type nfaState struct {
	eps   []int
	edges []nfaEdge
}

type nfaEdge struct {
	accepts func(byte) bool
	to      int
}

type frag struct {
	start, end int
}

type nfaBuilder struct {
	states []nfaState
}

func (b *nfaBuilder) state() int {
	b.states = append(b.states, nfaState{})

	return len(b.states) - 1
}

func (b *nfaBuilder) empty() frag {
	s := b.state()

	return frag{start: s, end: s}
}

func (b *nfaBuilder) char(accepts func(byte) bool) frag {
	s, e := b.state(), b.state()
	b.states[s].edges = append(b.states[s].edges, nfaEdge{accepts: accepts, to: e})

	return frag{start: s, end: e}
}

func (b *nfaBuilder) literal(lit string) frag {
	f := b.empty()

	for i := 0; i < len(lit); i++ {
		c := lit[i]
		f = b.seq(f, b.char(func(x byte) bool { return x == c }))
	}

	return f
}

func (b *nfaBuilder) class(excluded string) frag {
	return b.char(func(x byte) bool { return strings.IndexByte(excluded, x) < 0 })
}

func (b *nfaBuilder) seq(frags ...frag) frag {
	if len(frags) == 0 {
		return b.empty()
	}

	for i := 1; i < len(frags); i++ {
		b.states[frags[i-1].end].eps = append(b.states[frags[i-1].end].eps, frags[i].start)
	}

	return frag{start: frags[0].start, end: frags[len(frags)-1].end}
}

func (b *nfaBuilder) optional(f frag) frag {
	s, e := b.state(), b.state()
	b.states[s].eps = append(b.states[s].eps, f.start, e)
	b.states[f.end].eps = append(b.states[f.end].eps, e)

	return frag{start: s, end: e}
}

func (b *nfaBuilder) plus(f frag) frag {
	e := b.state()
	b.states[f.end].eps = append(b.states[f.end].eps, f.start, e)

	return frag{start: f.start, end: e}
}

func (b *nfaBuilder) star(f frag) frag {
	return b.optional(b.plus(f))
}

func buildNFA(t *Template) *nfa {
	b := &nfaBuilder{}
	whole := b.empty()

	for _, p := range t.parts {
		if p.expr == nil {
			whole = b.seq(whole, b.literal(p.literal))
			continue
		}

		excluded := p.expr.valueExcluded()

		for i, name := range p.expr.vars {
			var prefix frag

			switch {
			case p.expr.op.char == '?':
				prefix = b.char(func(x byte) bool { return x == '?' || x == '&' })
			case i == 0:
				prefix = b.literal(p.expr.op.first)
			default:
				prefix = b.literal(p.expr.op.sep)
			}

			var f frag

			switch {
			case p.expr.required():
				f = b.seq(prefix, b.plus(b.class(excluded)))
			case p.expr.op.named && p.expr.op.ifEmpty == "":
				f = b.optional(b.seq(prefix, b.literal(name),
					b.optional(b.seq(b.literal("="), b.star(b.class(excluded))))))
			case p.expr.op.named:
				f = b.optional(b.seq(prefix, b.literal(name+"="), b.star(b.class(excluded))))
			default:
				f = b.optional(b.seq(prefix, b.plus(b.class(excluded))))
			}

			whole = b.seq(whole, f)
		}
	}

	return &nfa{states: b.states, start: whole.start, accept: whole.end}
}

func (n *nfa) closure(set []int) []int {
	seen := make(map[int]bool, len(set))
	stack := append([]int(nil), set...)

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[s] {
			continue
		}

		seen[s] = true

		stack = append(stack, n.states[s].eps...)
	}

	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}

	sort.Ints(out)

	return out
}

func (n *nfa) step(set []int, c byte) []int {
	var next []int

	for _, s := range set {
		for _, e := range n.states[s].edges {
			if e.accepts(c) {
				next = append(next, e.to)
			}
		}
	}

	if len(next) == 0 {
		return nil
	}

	return n.closure(next)
}

func (n *nfa) accepts(set []int) bool {
	i := sort.SearchInts(set, n.accept)

	return i < len(set) && set[i] == n.accept
}

// alphabet returns one representative byte for every class the two templates can distinguish.
func alphabet(templates ...*Template) []byte {
	seen := map[byte]bool{}

	var out []byte

	add := func(s string) {
		for i := 0; i < len(s); i++ {
			if !seen[s[i]] {
				seen[s[i]] = true
				out = append(out, s[i])
			}
		}
	}

	add("a/.;=&,?#%-")

	for _, t := range templates {
		for _, p := range t.parts {
			if p.expr == nil {
				add(p.literal)
				continue
			}

			for _, name := range p.expr.vars {
				add(name)
			}

			add(p.expr.op.first + p.expr.op.sep)
		}
	}

	return out
}

// overlaps reports whether some path is accepted by both templates.
func overlaps(a, b *Template) bool {
	type pair struct{ x, y []int }

	key := func(p pair) string {
		var sb strings.Builder

		for _, s := range p.x {
			sb.WriteString(strconv.Itoa(s))
			sb.WriteByte(',')
		}

		sb.WriteByte('|')

		for _, s := range p.y {
			sb.WriteString(strconv.Itoa(s))
			sb.WriteByte(',')
		}

		return sb.String()
	}

	chars := alphabet(a, b)
	start := pair{x: a.nfa.closure([]int{a.nfa.start}), y: b.nfa.closure([]int{b.nfa.start})}
	visited := map[string]bool{key(start): true}
	queue := []pair{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if a.nfa.accepts(cur.x) && b.nfa.accepts(cur.y) {
			return true
		}

		for _, c := range chars {
			next := pair{x: a.nfa.step(cur.x, c), y: b.nfa.step(cur.y, c)}
			if next.x == nil || next.y == nil {
				continue
			}

			k := key(next)
			if visited[k] {
				continue
			}

			visited[k] = true

			queue = append(queue, next)
		}
	}

	return false
}
