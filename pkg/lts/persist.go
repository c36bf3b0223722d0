package lts

import (
	"bytes"
	"fmt"
)

// EncodeTrieKey encodes one trie edge's key for the trie column family:
// parent_static (fixed width) followed by the raw token bytes. Tokens
// never contain '/' (MQTT forbids it within a token) and the wildcard
// edge is persisted under the literal sentinel token "+", which MQTT
// topics can never contain as a real token value either, so the parent
// prefix plus token suffix is unambiguous without a length byte.
func EncodeTrieKey(parent StaticKey, token string) []byte {
	buf := make([]byte, 0, len(parent)+len(token))
	buf = append(buf, parent.Bytes()...)
	buf = append(buf, token...)
	return buf
}

// DecodeTrieKey splits a trie column family key back into its parent
// static key and token, given the trie's configured key width.
func DecodeTrieKey(key []byte, keyWidth int) (parent StaticKey, token string, err error) {
	if len(key) < keyWidth {
		return "", "", fmt.Errorf("lts: trie key too short: %d < %d", len(key), keyWidth)
	}
	parent = StaticKey(key[:keyWidth])
	token = string(key[keyWidth:])
	if token == "" {
		return "", "", fmt.Errorf("lts: trie key missing token suffix")
	}
	return parent, token, nil
}

// EncodeTrieValue encodes the child static key and terminal flag stored
// under a trie edge's key.
func EncodeTrieValue(child StaticKey, terminal bool) []byte {
	buf := make([]byte, 0, len(child)+1)
	buf = append(buf, child.Bytes()...)
	if terminal {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeTrieValue is the inverse of EncodeTrieValue.
func DecodeTrieValue(value []byte, keyWidth int) (child StaticKey, terminal bool, err error) {
	if len(value) != keyWidth+1 {
		return "", false, fmt.Errorf("lts: trie value wrong length: %d != %d", len(value), keyWidth+1)
	}
	child = StaticKey(value[:keyWidth])
	terminal = value[keyWidth] == 1
	return child, terminal, nil
}

// EncodeOp encodes one PersistOp as a (key, value) pair ready to be
// written into the trie column family.
func EncodeOp(op PersistOp) (key, value []byte) {
	return EncodeTrieKey(op.Parent, op.Token), EncodeTrieValue(op.Child, op.Terminal)
}

// DecodeOp is the inverse of EncodeOp.
func DecodeOp(key, value []byte, keyWidth int) (PersistOp, error) {
	parent, token, err := DecodeTrieKey(key, keyWidth)
	if err != nil {
		return PersistOp{}, err
	}
	child, terminal, err := DecodeTrieValue(value, keyWidth)
	if err != nil {
		return PersistOp{}, err
	}
	return PersistOp{Parent: parent, Token: token, Child: child, Terminal: terminal}, nil
}

// Restore rebuilds a trie from a previously Dump()-ed (or persisted)
// list of edges, used both for engine restart (trie_restore from the
// on-disk column family) and for inheriting a predecessor generation's
// trie into a new one with a compatible layout. Order does not matter:
// ApplyEdge tolerates forward references by lazily creating placeholder
// nodes, which are filled in as their own edges are applied.
func Restore(keyWidth int, ops []PersistOp) *Trie {
	t := New(keyWidth)
	for _, op := range ops {
		t.ApplyEdge(op.Parent, op.Token, op.Child, op.Terminal)
	}
	return t
}

// equalKeys reports whether two static keys are byte-identical, comparing
// their bytes rather than relying on StaticKey's underlying string
// representation. It is unexported; other comparisons in the package use
// plain ==.
func equalKeys(a, b StaticKey) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
