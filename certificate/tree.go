// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/pkg/errors"
)

// NodeKind is the tag of a hash tree node in its CBOR array form.
type NodeKind uint64

// The hash tree node kinds.
const (
	EmptyNode NodeKind = iota
	ForkNode
	LabeledNode
	LeafNode
	PrunedNode
)

// maxTreeDepth bounds the nesting of decoded hash trees. Twice the bound
// must stay within the nesting levels the CBOR decoder accepts.
const maxTreeDepth = 128

var (
	domainEmpty   = domainSep("ic-hashtree-empty")
	domainFork    = domainSep("ic-hashtree-fork")
	domainLabeled = domainSep("ic-hashtree-labeled")
	domainLeaf    = domainSep("ic-hashtree-leaf")
)

func domainSep(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// Node is a node of a certified hash tree.
type Node struct {
	Kind NodeKind
	// Label of a labeled node.
	Label []byte
	// Value of a leaf, or the digest of a pruned subtree.
	Value []byte
	// Left and Right are the children of a fork. A labeled node keeps its
	// subtree in Left.
	Left, Right *Node
}

// Empty returns the empty tree.
func Empty() *Node { return &Node{Kind: EmptyNode} }

// Fork joins two trees.
func Fork(left, right *Node) *Node { return &Node{Kind: ForkNode, Left: left, Right: right} }

// Labeled labels a subtree.
func Labeled(label []byte, sub *Node) *Node {
	return &Node{Kind: LabeledNode, Label: label, Left: sub}
}

// Leaf holds a value.
func Leaf(value []byte) *Node { return &Node{Kind: LeafNode, Value: value} }

// Pruned replaces a subtree by its digest.
func Pruned(digest [32]byte) *Node { return &Node{Kind: PrunedNode, Value: digest[:]} }

// Subtree joins labeled nodes into a balanced fork tree ordered by label.
func Subtree(children ...*Node) *Node {
	sorted := append([]*Node{}, children...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Label, sorted[j].Label) < 0
	})
	return forkAll(sorted)
}

func forkAll(nodes []*Node) *Node {
	switch len(nodes) {
	case 0:
		return Empty()
	case 1:
		return nodes[0]
	}
	mid := len(nodes) / 2
	return Fork(forkAll(nodes[:mid]), forkAll(nodes[mid:]))
}

// Digest computes the root hash of the tree.
func (n *Node) Digest() [32]byte {
	h := sha256.New()
	switch n.Kind {
	case EmptyNode:
		h.Write(domainEmpty)
	case ForkNode:
		l, r := n.Left.Digest(), n.Right.Digest()
		h.Write(domainFork)
		h.Write(l[:])
		h.Write(r[:])
	case LabeledNode:
		sub := n.Left.Digest()
		h.Write(domainLabeled)
		h.Write(n.Label)
		h.Write(sub[:])
	case LeafNode:
		h.Write(domainLeaf)
		h.Write(n.Value)
	case PrunedNode:
		var d [32]byte
		copy(d[:], n.Value)
		return d
	}
	var d [32]byte
	h.Sum(d[:0])
	return d
}

// LookupStatus is the outcome of a path lookup.
type LookupStatus int

// The lookup outcomes.
const (
	// Found means the path leads to a leaf.
	Found LookupStatus = iota
	// Absent means the tree proves that the path does not exist.
	Absent
	// Unknown means the path leads into a pruned subtree.
	Unknown
	// NotALeaf means the path ends at an inner node.
	NotALeaf
)

func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Absent:
		return "absent"
	case Unknown:
		return "unknown"
	case NotALeaf:
		return "not a leaf"
	}
	return "invalid"
}

// Lookup walks the tree along an exact path and returns the leaf value.
func (n *Node) Lookup(path ...[]byte) ([]byte, LookupStatus) {
	sub, status := n.LookupSubtree(path...)
	if status != Found {
		return nil, status
	}
	switch sub.Kind {
	case LeafNode:
		return sub.Value, Found
	case EmptyNode:
		return nil, Absent
	case PrunedNode:
		return nil, Unknown
	}
	return nil, NotALeaf
}

// LookupSubtree walks the tree along path and returns the node it ends at.
func (n *Node) LookupSubtree(path ...[]byte) (*Node, LookupStatus) {
	node := n
	for _, label := range path {
		res, sub := findLabel(node, label)
		switch res {
		case labelFound:
			node = sub
		case labelUnknown:
			return nil, Unknown
		default:
			return nil, Absent
		}
	}
	return node, Found
}

type labelResult int

const (
	// labelNone means the subtree holds no labels at this level.
	labelNone labelResult = iota
	labelAbsent
	labelUnknown
	labelFound
	labelLess
	labelGreater
)

// findLabel searches the labeled nodes directly below the forks of n.
// Labels are ordered left to right, so a pruned sibling only makes the
// result unknown if the label could lie inside it.
func findLabel(n *Node, label []byte) (labelResult, *Node) {
	switch n.Kind {
	case LabeledNode:
		switch c := bytes.Compare(label, n.Label); {
		case c == 0:
			return labelFound, n.Left
		case c < 0:
			return labelLess, nil
		default:
			return labelGreater, nil
		}
	case ForkNode:
		left, sub := findLabel(n.Left, label)
		switch left {
		case labelFound, labelLess, labelAbsent:
			return left, sub
		}
		right, sub := findLabel(n.Right, label)
		switch right {
		case labelLess:
			switch left {
			case labelGreater:
				return labelAbsent, nil
			case labelUnknown:
				return labelUnknown, nil
			}
			return labelLess, nil
		case labelNone:
			return left, nil
		}
		return right, sub
	case PrunedNode:
		return labelUnknown, nil
	}
	return labelNone, nil
}

// MarshalCBOR encodes the tree in its array form.
func (n *Node) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(n.toCBOR())
}

func (n *Node) toCBOR() []any {
	switch n.Kind {
	case ForkNode:
		return []any{uint64(ForkNode), n.Left.toCBOR(), n.Right.toCBOR()}
	case LabeledNode:
		return []any{uint64(LabeledNode), nonNil(n.Label), n.Left.toCBOR()}
	case LeafNode:
		return []any{uint64(LeafNode), nonNil(n.Value)}
	case PrunedNode:
		return []any{uint64(PrunedNode), nonNil(n.Value)}
	}
	return []any{uint64(EmptyNode)}
}

// UnmarshalCBOR decodes a tree from its array form.
func (n *Node) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding hash tree")
	}
	node, err := fromCBOR(raw, 0)
	if err != nil {
		return err
	}
	*n = *node
	return nil
}

// nodeArity is the array length of each node kind, tag included.
var nodeArity = map[NodeKind]int{EmptyNode: 1, ForkNode: 3, LabeledNode: 3, LeafNode: 2, PrunedNode: 2}

func fromCBOR(raw any, depth int) (*Node, error) {
	if depth > maxTreeDepth {
		return nil, errors.Errorf("hash tree deeper than %d", maxTreeDepth)
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.Errorf("hash tree node is %T, expected non-empty array", raw)
	}
	tag, ok := arr[0].(uint64)
	if !ok {
		return nil, errors.Errorf("hash tree node tag is %T", arr[0])
	}
	if n, ok := nodeArity[NodeKind(tag)]; !ok || n != len(arr) {
		return nil, errors.Errorf("malformed hash tree node with tag %d and %d elements", tag, len(arr))
	}

	switch NodeKind(tag) {
	case ForkNode:
		l, err := fromCBOR(arr[1], depth+1)
		if err != nil {
			return nil, err
		}
		r, err := fromCBOR(arr[2], depth+1)
		if err != nil {
			return nil, err
		}
		return Fork(l, r), nil
	case LabeledNode:
		label, ok := arr[1].([]byte)
		if !ok {
			return nil, errors.Errorf("hash tree label is %T", arr[1])
		}
		sub, err := fromCBOR(arr[2], depth+1)
		if err != nil {
			return nil, err
		}
		return Labeled(label, sub), nil
	case LeafNode:
		v, ok := arr[1].([]byte)
		if !ok {
			return nil, errors.Errorf("hash tree leaf is %T", arr[1])
		}
		return Leaf(v), nil
	case PrunedNode:
		d, ok := arr[1].([]byte)
		if !ok || len(d) != sha256.Size {
			return nil, errors.New("pruned hash tree node needs a 32 byte digest")
		}
		return &Node{Kind: PrunedNode, Value: d}, nil
	}
	return Empty(), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
