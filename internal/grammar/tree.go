package grammar

import "bytes"

// Tree is a flat pre-order encoding of a grammar derivation: Rules[i] is
// the rule chosen at node i, Sizes[i] is the number of nodes in the
// subtree rooted at i (including i itself, so the next sibling of i is at
// i+Sizes[i]), and Paren[i] is the index of i's parent node (the root is
// its own parent).
type Tree struct {
	Rules []RuleID
	Sizes []int
	Paren []NodeID
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.Rules) }

// NTermAt returns the nonterminal expanded at node i.
func (t *Tree) NTermAt(ctx *Context, i int) NTermID {
	return ctx.Rule(t.Rules[i]).NT
}

// Clone returns a deep copy, safe to mutate independently of t.
func (t *Tree) Clone() *Tree {
	out := &Tree{
		Rules: append([]RuleID(nil), t.Rules...),
		Sizes: append([]int(nil), t.Sizes...),
		Paren: append([]NodeID(nil), t.Paren...),
	}
	return out
}

// Unparse renders the tree to bytes by walking its rules and substituting
// each nonterminal reference with its next child subtree in pre-order.
func (t *Tree) Unparse(ctx *Context) []byte {
	var buf bytes.Buffer
	if len(t.Rules) > 0 {
		t.unparseNode(ctx, 0, &buf)
	}
	return buf.Bytes()
}

func (t *Tree) unparseNode(ctx *Context, idx int, buf *bytes.Buffer) int {
	rule := ctx.Rule(t.Rules[idx])
	next := idx + 1
	for _, term := range rule.Terms {
		if term.IsNT {
			next = t.unparseNode(ctx, next, buf)
		} else {
			buf.Write(term.Literal)
		}
	}
	return next
}

// ReplaceSubtree returns a new Tree with the subtree rooted at idx replaced
// by replacement, with parent indices in the spliced-in region rebased
// onto the surrounding tree.
func (t *Tree) ReplaceSubtree(idx int, replacement *Tree) *Tree {
	end := idx + t.Sizes[idx]
	delta := replacement.Len() - (end - idx)

	out := &Tree{
		Rules: make([]RuleID, 0, len(t.Rules)+delta),
		Sizes: make([]int, 0, len(t.Sizes)+delta),
		Paren: make([]NodeID, 0, len(t.Paren)+delta),
	}
	out.Rules = append(out.Rules, t.Rules[:idx]...)
	out.Sizes = append(out.Sizes, t.Sizes[:idx]...)
	out.Paren = append(out.Paren, t.Paren[:idx]...)

	parentOfOld := t.Paren[idx]
	for i, rid := range replacement.Rules {
		out.Rules = append(out.Rules, rid)
		out.Sizes = append(out.Sizes, replacement.Sizes[i])
		if i == 0 {
			out.Paren = append(out.Paren, parentOfOld)
		} else {
			out.Paren = append(out.Paren, replacement.Paren[i]+NodeID(idx))
		}
	}

	out.Rules = append(out.Rules, t.Rules[end:]...)
	out.Sizes = append(out.Sizes, t.Sizes[end:]...)
	for _, p := range t.Paren[end:] {
		if int(p) >= end {
			out.Paren = append(out.Paren, p+NodeID(delta))
		} else {
			out.Paren = append(out.Paren, p)
		}
	}

	if delta != 0 && idx != 0 {
		for anc := int(parentOfOld); ; {
			out.Sizes[anc] += delta
			if anc == int(out.Paren[anc]) {
				break // reached the root, which is its own parent
			}
			anc = int(out.Paren[anc])
		}
	}
	return out
}

// Subtree returns a standalone Tree containing just the subtree rooted at
// idx, with Paren rebased so index 0 is its own parent.
func (t *Tree) Subtree(idx int) *Tree {
	size := t.Sizes[idx]
	out := &Tree{
		Rules: append([]RuleID(nil), t.Rules[idx:idx+size]...),
		Sizes: append([]int(nil), t.Sizes[idx:idx+size]...),
		Paren: make([]NodeID, size),
	}
	for i := range out.Paren {
		if i == 0 {
			out.Paren[i] = 0
		} else {
			out.Paren[i] = t.Paren[idx+i] - NodeID(idx)
		}
	}
	return out
}

// RecursionInfo records that the subtree rooted at Outer contains, at
// Inner, another node expanding the same nonterminal — a recursion site
// that havoc_recursion and minimize_rec can stack or unwind.
type RecursionInfo struct {
	NT    NTermID
	Outer int
	Inner int
}

// CalcRecursions finds every pair of nodes sharing a nonterminal where one
// is an ancestor of the other.
func (t *Tree) CalcRecursions(ctx *Context) []RecursionInfo {
	var out []RecursionInfo
	nt := make([]NTermID, len(t.Rules))
	for i := range t.Rules {
		nt[i] = t.NTermAt(ctx, i)
	}
	for outer := range t.Rules {
		end := outer + t.Sizes[outer]
		for inner := outer + 1; inner < end; inner++ {
			if nt[inner] == nt[outer] {
				out = append(out, RecursionInfo{NT: nt[outer], Outer: outer, Inner: inner})
			}
		}
	}
	return out
}
