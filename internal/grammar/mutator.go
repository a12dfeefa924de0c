package grammar

import (
	"math/rand"

	"github.com/nautilus-fuzz/nautilus/internal/chunkstore"
)

// TreeMutation is the candidate produced by a mutation strategy: the
// resulting tree, ready to unparse and run.
type TreeMutation struct {
	Tree *Tree
}

// TestFunc is called by the minimisation strategies (MinimizeTree,
// MinimizeRec) with each candidate mutation; its boolean return reports
// whether the candidate should be kept.
type TestFunc func(*TreeMutation) (bool, error)

// RunFunc is called by strategies that only need the candidate executed,
// not judged (deterministic rule substitution, havoc, splice).
type RunFunc func(*TreeMutation) error

// Mutator produces candidate trees for the fuzzing strategies. It is
// per-worker and unsynchronised, matching the rest of the per-worker
// state (ForkServer, dedup ring).
type Mutator struct {
	rng *rand.Rand
}

// NewMutator returns a Mutator seeded independently of any other worker's.
func NewMutator() *Mutator {
	return &Mutator{rng: rand.New(rand.NewSource(rand.Int63()))}
}

// RandomLenForNT returns a node budget for generating a tree rooted at nt,
// drawn from this Mutator's own RNG so concurrent callers sharing ctx
// never touch the same *rand.Rand.
func (m *Mutator) RandomLenForNT(ctx *Context, nt NTermID) int {
	return ctx.GetRandomLenForNT(m.rng, nt)
}

// GenerateTreeFromNT samples a fresh tree rooted at nt within sizeBudget
// nodes, drawn from this Mutator's own RNG.
func (m *Mutator) GenerateTreeFromNT(ctx *Context, nt NTermID, sizeBudget int) *Tree {
	return ctx.GenerateTreeFromNT(m.rng, nt, sizeBudget)
}

// MinimizeTree tries, for each node in [start,end), replacing its subtree
// with an expansion of the same nonterminal generated at that
// nonterminal's minimum node budget (tried only when it is smaller); it
// keeps the replacement if test still reports the tree covers fresh_bits.
// The return value reports whether the window reached the end of the
// tree (i.e. minimisation over this tree is exhausted).
func (m *Mutator) MinimizeTree(tree *Tree, ctx *Context, start, end int, test TestFunc) (bool, error) {
	i := start
	for i < end && i < tree.Len() {
		nt := tree.NTermAt(ctx, i)
		alt := ctx.GenerateTreeFromNT(m.rng, nt, ctx.minSize[nt])
		if alt.Len() < tree.Sizes[i] {
			candidate := tree.ReplaceSubtree(i, alt)
			ok, err := test(&TreeMutation{Tree: candidate})
			if err != nil {
				return false, err
			}
			if ok {
				*tree = *candidate
			}
		}
		i++
	}
	return end >= tree.Len(), nil
}

// MinimizeRec tries collapsing each recursive node pair in [start,end) by
// replacing the outer subtree with its own inner (same-nonterminal)
// descendant, keeping the collapse if test still reports success.
func (m *Mutator) MinimizeRec(tree *Tree, ctx *Context, start, end int, test TestFunc) (bool, error) {
	recs := tree.CalcRecursions(ctx)
	for _, r := range recs {
		if r.Outer < start || r.Outer >= end {
			continue
		}
		inner := tree.Subtree(r.Inner)
		candidate := tree.ReplaceSubtree(r.Outer, inner)
		ok, err := test(&TreeMutation{Tree: candidate})
		if err != nil {
			return false, err
		}
		if ok {
			*tree = *candidate
		}
	}
	return end >= tree.Len(), nil
}

// MutRules tries, for each node in [start,end), every alternative rule for
// that node's nonterminal other than the one currently in use, running
// each candidate through run. Returns whether the window is exhausted.
func (m *Mutator) MutRules(tree *Tree, ctx *Context, start, end int, run RunFunc) (bool, error) {
	i := start
	for i < end && i < tree.Len() {
		nt := tree.NTermAt(ctx, i)
		for _, rid := range ctx.RulesFor(nt) {
			if rid == tree.Rules[i] {
				continue
			}
			budget := tree.Sizes[i]
			alt := &Tree{}
			ctx.generateRuleInto(m.rng, alt, rid, budget, 0)
			candidate := tree.ReplaceSubtree(i, alt)
			if err := run(&TreeMutation{Tree: candidate}); err != nil {
				return false, err
			}
		}
		i++
	}
	return end >= tree.Len(), nil
}

// MutRandom picks a random node and replaces its subtree with a freshly
// generated one of the same nonterminal, running the result once.
func (m *Mutator) MutRandom(tree *Tree, ctx *Context, run RunFunc) error {
	if tree.Len() == 0 {
		return nil
	}
	idx := m.rng.Intn(tree.Len())
	nt := tree.NTermAt(ctx, idx)
	alt := ctx.GenerateTreeFromNT(m.rng, nt, ctx.GetRandomLenForNT(m.rng, nt))
	candidate := tree.ReplaceSubtree(idx, alt)
	return run(&TreeMutation{Tree: candidate})
}

// MutRandomRecursion picks a random recursion site and stacks 1-4 extra
// copies of the recursive segment, running the result once.
func (m *Mutator) MutRandomRecursion(tree *Tree, recursions []RecursionInfo, ctx *Context, run RunFunc) error {
	if len(recursions) == 0 {
		return nil
	}
	r := recursions[m.rng.Intn(len(recursions))]
	segment := tree.Subtree(r.Outer)

	repeats := 1 + m.rng.Intn(4)
	stacked := segment
	for i := 0; i < repeats; i++ {
		stacked = segment.ReplaceSubtree(r.Inner-r.Outer, stacked)
	}
	candidate := tree.ReplaceSubtree(r.Outer, stacked)
	return run(&TreeMutation{Tree: candidate})
}

// MutSplice picks a random node and, if the donor store has a chunk for
// its nonterminal, grafts that donor subtree in, running the result once.
func (m *Mutator) MutSplice(tree *Tree, ctx *Context, store *chunkstore.Store[*Tree], run RunFunc) error {
	if tree.Len() == 0 {
		return nil
	}
	idx := m.rng.Intn(tree.Len())
	nt := tree.NTermAt(ctx, idx)
	donor, ok := store.Sample(uint32(nt), m.rng.Intn)
	if !ok {
		return nil
	}
	candidate := tree.ReplaceSubtree(idx, donor)
	return run(&TreeMutation{Tree: candidate})
}

// generateRuleInto expands a specific rule (rather than letting the
// context pick randomly among a nonterminal's alternatives), used by
// MutRules to try each alternative in turn.
func (c *Context) generateRuleInto(rng *rand.Rand, t *Tree, rid RuleID, budget int, parent NodeID) int {
	idx := len(t.Rules)
	t.Rules = append(t.Rules, rid)
	t.Sizes = append(t.Sizes, 0)
	if idx == 0 {
		t.Paren = append(t.Paren, 0)
	} else {
		t.Paren = append(t.Paren, parent)
	}
	rule := c.rules[rid]
	childBudget := budget - 1
	for _, term := range rule.Terms {
		if !term.IsNT {
			continue
		}
		before := len(t.Rules)
		c.generateInto(rng, t, term.NT, maxInt(childBudget, c.minSize[term.NT]), NodeID(idx))
		childBudget -= len(t.Rules) - before
	}
	t.Sizes[idx] = len(t.Rules) - idx
	return idx
}
