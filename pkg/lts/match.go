package lts

import "strings"

// FilterConstraint is one varying-position constraint produced by
// match_topics: either "any value matches here" (a bare '+' or the tail
// of a '#') or "this exact token is required here" (a literal filter
// token routed through a wildcard edge of the matched shape).
type FilterConstraint struct {
	Any   bool
	Value string
}

// MatchResult is one static key shape that a subscription filter can
// match, together with the constraints on that shape's varying
// (wildcard-routed) positions. The skipstream-LTS layout turns each
// MatchResult into a bounded key-range scan per spec §4.2.
type MatchResult struct {
	Static      StaticKey
	Varying     []FilterConstraint
	MultiLevel  bool // this shape was reached via '#' and may have more tokens than the filter
}

// MatchTopics walks the trie against an MQTT subscription filter
// (single-level '+' and multi-level '#' wildcards per the MQTT spec,
// not to be confused with the trie's own learned wildcard edges) and
// returns every static-key shape the filter can match, each carrying the
// constraints to apply against that shape's varying positions.
//
// The key subtlety: a constraint is only appended when the *trie's*
// edge at that position is a wildcard (learned) edge. If the matched
// shape has a literal edge there, the filter token is checked against
// it inline and no varying-filter entry is produced — so the returned
// constraint list always has exactly as many entries as the shape has
// varying positions, never one per filter token.
func (t *Trie) MatchTopics(filter string) []MatchResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fTokens := strings.Split(filter, "/")
	var out []MatchResult
	t.matchRec(t.rootID, fTokens, nil, &out)
	return out
}

func (t *Trie) matchRec(cur StaticKey, remaining []string, constraints []FilterConstraint, out *[]MatchResult) {
	n, ok := t.nodes[cur]
	if !ok {
		return
	}

	if len(remaining) == 0 {
		if n.terminal {
			*out = append(*out, MatchResult{Static: cur, Varying: append([]FilterConstraint{}, constraints...)})
		}
		return
	}

	tok := remaining[0]
	rest := remaining[1:]

	switch tok {
	case "#":
		// '#' matches this node (if terminal) and every node reachable
		// below it, of any remaining depth. Each additional level walked
		// through a wildcard edge adds an "any" constraint; through a
		// literal edge it adds nothing.
		if n.terminal {
			*out = append(*out, MatchResult{Static: cur, Varying: append([]FilterConstraint{}, constraints...), MultiLevel: true})
		}
		for _, child := range n.children {
			t.matchMultiLevel(child, constraints, out)
		}
		if n.hasWildcard {
			t.matchMultiLevel(n.wildcard, withConstraint(constraints, FilterConstraint{Any: true}), out)
		}
		return

	case "+":
		// Single-level wildcard: matches every literal child (no
		// constraint added, since the literal edge pins the value) and
		// the wildcard child (an "any" constraint is added).
		for _, child := range n.children {
			t.matchRec(child, rest, constraints, out)
		}
		if n.hasWildcard {
			t.matchRec(n.wildcard, rest, withConstraint(constraints, FilterConstraint{Any: true}), out)
		}
		return

	default:
		// Literal filter token: follow the matching literal edge with no
		// new constraint, AND follow the wildcard edge (if any) with an
		// exact-value constraint, since a concrete topic whose varying
		// token happens to equal tok is a valid match too.
		if child, ok := n.children[tok]; ok {
			t.matchRec(child, rest, constraints, out)
		}
		if n.hasWildcard {
			t.matchRec(n.wildcard, rest, withConstraint(constraints, FilterConstraint{Value: tok}), out)
		}
	}
}

// matchMultiLevel walks every node at and below start, honoring '#'
// semantics: every node is a candidate match regardless of depth.
func (t *Trie) matchMultiLevel(start StaticKey, constraints []FilterConstraint, out *[]MatchResult) {
	n, ok := t.nodes[start]
	if !ok {
		return
	}
	if n.terminal {
		*out = append(*out, MatchResult{Static: start, Varying: append([]FilterConstraint{}, constraints...), MultiLevel: true})
	}
	for _, child := range n.children {
		t.matchMultiLevel(child, constraints, out)
	}
	if n.hasWildcard {
		t.matchMultiLevel(n.wildcard, withConstraint(constraints, FilterConstraint{Any: true}), out)
	}
}

// withConstraint returns a new slice with c appended, never mutating
// base — recursive branches of matchRec must not alias each other's
// constraint slices.
func withConstraint(base []FilterConstraint, c FilterConstraint) []FilterConstraint {
	out := make([]FilterConstraint, len(base)+1)
	copy(out, base)
	out[len(base)] = c
	return out
}

// CompressTopic reports whether the given concrete topic is compatible
// with shape's structure (same arity, exact literal match at every
// structure-literal position) and, if so, returns the varying tokens in
// order. This is the forward half of spec §8 property P4.
func CompressTopic(shape TopicStructure, topic string) ([]string, bool) {
	tokens := strings.Split(topic, "/")
	if len(tokens) != len(shape.Tokens) {
		return nil, false
	}
	var varying []string
	for i, structTok := range shape.Tokens {
		if structTok == WildcardToken {
			varying = append(varying, tokens[i])
			continue
		}
		if structTok != tokens[i] {
			return nil, false
		}
	}
	return varying, true
}

// DecompressTopic is the inverse of CompressTopic: given a shape and the
// varying tokens previously extracted from it, reconstructs the
// original concrete topic. len(varying) must equal shape.NumVarying().
func DecompressTopic(shape TopicStructure, varying []string) (string, bool) {
	if len(varying) != shape.NumVarying() {
		return "", false
	}
	tokens := make([]string, len(shape.Tokens))
	vi := 0
	for i, structTok := range shape.Tokens {
		if structTok == WildcardToken {
			tokens[i] = varying[vi]
			vi++
			continue
		}
		tokens[i] = structTok
	}
	return strings.Join(tokens, "/"), true
}
