package grammar

import (
	"math/rand"
	"testing"
)

// buildSimpleTree builds "x{A}y" / A -> "z", i.e. the tree unparsing to "xzy".
func buildSimpleTree(t *testing.T) (*Context, *Tree) {
	t.Helper()
	ctx := NewContext()
	ctx.AddRule("START", []byte("x{A}y"))
	ctx.AddRule("A", []byte("z"))
	ctx.Initialize(10)

	startID, err := ctx.NtID("START")
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	return ctx, ctx.GenerateTreeFromNT(rng, startID, 10)
}

func TestUnparse(t *testing.T) {
	ctx, tree := buildSimpleTree(t)
	got := string(tree.Unparse(ctx))
	if got != "xzy" {
		t.Fatalf("Unparse() = %q, want \"xzy\"", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	_, tree := buildSimpleTree(t)
	clone := tree.Clone()
	clone.Rules[0] = RuleID(999)
	if tree.Rules[0] == RuleID(999) {
		t.Fatal("mutating the clone should not affect the original")
	}
}

func TestSubtreeAndReplaceSubtreeRoundTrip(t *testing.T) {
	ctx, tree := buildSimpleTree(t)
	// Node 1 is the {A} reference's expansion (the "z" leaf).
	sub := tree.Subtree(1)
	if sub.Paren[0] != 0 {
		t.Fatalf("Subtree root Paren = %d, want 0 (self-referential)", sub.Paren[0])
	}

	replaced := tree.ReplaceSubtree(1, sub)
	if string(replaced.Unparse(ctx)) != string(tree.Unparse(ctx)) {
		t.Fatalf("replacing a subtree with a copy of itself changed the unparse: got %q, want %q",
			replaced.Unparse(ctx), tree.Unparse(ctx))
	}
}

func TestReplaceSubtreeWithLargerSubtreeUpdatesAncestorSizes(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("START", []byte("{A}"))
	ctx.AddRule("A", []byte("leaf"))
	ctx.Initialize(10)

	startID, _ := ctx.NtID("START")
	rng := rand.New(rand.NewSource(1))
	tree := ctx.GenerateTreeFromNT(rng, startID, 10)
	rootSizeBefore := tree.Sizes[0]

	// Graft in a two-node replacement for node 1 (the "leaf" A node).
	replacement := &Tree{
		Rules: []RuleID{tree.Rules[1], tree.Rules[1]},
		Sizes: []int{1, 1},
		Paren: []NodeID{0, 0},
	}
	out := tree.ReplaceSubtree(1, replacement)
	if out.Sizes[0] != rootSizeBefore+1 {
		t.Fatalf("root size after growing a child by 1 = %d, want %d", out.Sizes[0], rootSizeBefore+1)
	}
	if out.Len() != tree.Len()+1 {
		t.Fatalf("out.Len() = %d, want %d", out.Len(), tree.Len()+1)
	}
}

func TestCalcRecursionsFindsSharedNonterminal(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("START", []byte("{A}"))
	ctx.AddRule("A", []byte("leaf"))
	ctx.AddRule("A", []byte("{A}"))
	ctx.Initialize(10)

	// Build a tree by hand: START -> A(rule2) -> A(rule1, leaf).
	startID, _ := ctx.NtID("START")
	startRule := ctx.RulesFor(startID)[0]
	aID, _ := ctx.NtID("A")
	var recRule, leafRule RuleID
	for _, rid := range ctx.RulesFor(aID) {
		if len(ctx.Rule(rid).Terms) == 1 && ctx.Rule(rid).Terms[0].IsNT {
			recRule = rid
		} else {
			leafRule = rid
		}
	}
	tree := &Tree{
		Rules: []RuleID{startRule, recRule, leafRule},
		Sizes: []int{3, 2, 1},
		Paren: []NodeID{0, 0, 1},
	}

	recs := tree.CalcRecursions(ctx)
	found := false
	for _, r := range recs {
		if r.NT == aID && r.Outer == 1 && r.Inner == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("CalcRecursions() = %+v, want a recursion pairing node 1 and node 2 on NT %d", recs, aID)
	}
}
