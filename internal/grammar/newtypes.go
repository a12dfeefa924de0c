// Package grammar implements the context-free grammar, tree representation,
// and mutator the fuzzing core treats as a narrow external collaborator: it
// turns grammar rules into derivation trees, unparses trees to bytes, and
// produces mutated trees for the scheduler's strategies to try.
package grammar

// RuleID, NodeID, and NTermID are typed indices, kept distinct so a rule
// index is never accidentally used as a node index or vice versa.
type RuleID uint32

type NodeID uint32

type NTermID uint32

func (r RuleID) Int() int  { return int(r) }
func (n NodeID) Int() int  { return int(n) }
func (n NTermID) Int() int { return int(n) }
