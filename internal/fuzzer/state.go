package fuzzer

import (
	"github.com/nautilus-fuzz/nautilus/internal/chunkstore"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/queue"
)

// havocIterations, spliceIterations, and recursionIterations are the
// fixed per-call iteration counts spec.md §4.5 gives each strategy.
const (
	havocIterations     = 100
	spliceIterations    = 100
	recursionIterations = 20
)

// Strategies bundles one worker's Fuzzer and Mutator; its methods are the
// mutation/minimisation primitives the scheduler drives (C6).
type Strategies struct {
	Fuzzer  *Fuzzer
	Mutator *grammar.Mutator
}

// NewStrategies returns the strategy set for one worker.
func NewStrategies(f *Fuzzer, m *grammar.Mutator) *Strategies {
	return &Strategies{Fuzzer: f, Mutator: m}
}

// Minimize shrinks item's tree over the node window [start,end) and, once
// both the plain and recursive minimisers report the window exhausted,
// donates the minimised subtrees to the chunkstore, caches its recursion
// sites, and rewrites its on-disk file. Returns whether minimisation is
// now complete for this item.
func (s *Strategies) Minimize(item *queue.Item, start, end int) (bool, error) {
	testMin := func(tm *grammar.TreeMutation) (bool, error) {
		return s.Fuzzer.HasBits(tm.Tree, item.FreshBits, "Min")
	}
	testMinRec := func(tm *grammar.TreeMutation) (bool, error) {
		return s.Fuzzer.HasBits(tm.Tree, item.FreshBits, "MinRec")
	}

	doneSimple, err := s.Mutator.MinimizeTree(item.Tree, s.Fuzzer.ctx, start, end, testMin)
	if err != nil {
		return false, err
	}
	doneRec, err := s.Mutator.MinimizeRec(item.Tree, s.Fuzzer.ctx, start, end, testMinRec)
	if err != nil {
		return false, err
	}
	if !doneSimple || !doneRec {
		return false, nil
	}

	s.Fuzzer.global.Chunks().WithWriteLock(func(store *chunkstore.Store[*grammar.Tree]) {
		for i := 0; i < item.Tree.Len(); i++ {
			nt := item.Tree.NTermAt(s.Fuzzer.ctx, i)
			store.Add(uint32(nt), item.Tree.Subtree(i))
		}
	})
	item.Recursions = item.Tree.CalcRecursions(s.Fuzzer.ctx)
	if err := s.Fuzzer.global.RewriteMinimised(s.Fuzzer.ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// DeterministicTreeMutation tries every alternative rule for each node in
// [start,end), running each candidate with dedup under reason "Det".
// Returns whether the window is exhausted.
func (s *Strategies) DeterministicTreeMutation(item *queue.Item, start, end int) (bool, error) {
	run := func(tm *grammar.TreeMutation) error {
		_, err := s.Fuzzer.RunOnWithDedup(tm.Tree, "Det")
		return err
	}
	return s.Mutator.MutRules(item.Tree, s.Fuzzer.ctx, start, end, run)
}

// Havoc runs havocIterations random mutations of item's tree, each with
// dedup under reason "Havoc".
func (s *Strategies) Havoc(item *queue.Item) error {
	for i := 0; i < havocIterations; i++ {
		if err := s.Mutator.MutRandom(item.Tree, s.Fuzzer.ctx, func(tm *grammar.TreeMutation) error {
			_, err := s.Fuzzer.RunOnWithDedup(tm.Tree, "Havoc")
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// HavocRecursion runs recursionIterations recursion-stacking mutations,
// under reason "HavocRec", when item has cached recursion sites.
func (s *Strategies) HavocRecursion(item *queue.Item) error {
	if len(item.Recursions) == 0 {
		return nil
	}
	for i := 0; i < recursionIterations; i++ {
		if err := s.Mutator.MutRandomRecursion(item.Tree, item.Recursions, s.Fuzzer.ctx, func(tm *grammar.TreeMutation) error {
			_, err := s.Fuzzer.RunOnWithDedup(tm.Tree, "HavocRec")
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Splice runs spliceIterations donor grafts from the chunkstore, under
// reason "Splice", holding the store's cooperative read lock for the
// duration of the sampling call.
func (s *Strategies) Splice(item *queue.Item) error {
	for i := 0; i < spliceIterations; i++ {
		var runErr error
		s.Fuzzer.global.Chunks().WithReadLock(func(store *chunkstore.Store[*grammar.Tree]) {
			runErr = s.Mutator.MutSplice(item.Tree, s.Fuzzer.ctx, store, func(tm *grammar.TreeMutation) error {
				_, err := s.Fuzzer.RunOnWithDedup(tm.Tree, "Splice")
				return err
			})
		})
		if runErr != nil {
			return runErr
		}
	}
	return nil
}

// GenerateRandom samples a fresh tree rooted at nt and runs it under
// reason "Gen", used when the queue is empty.
func (s *Strategies) GenerateRandom(nt grammar.NTermID) error {
	budget := s.Mutator.RandomLenForNT(s.Fuzzer.ctx, nt)
	tree := s.Mutator.GenerateTreeFromNT(s.Fuzzer.ctx, nt, budget)
	_, err := s.Fuzzer.RunOnWithDedup(tree, "Gen")
	return err
}
