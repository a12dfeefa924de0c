// Package scheduler drives one queue item through the Init→Det→Random
// state machine (C7), invoking the worker's strategies at each step.
package scheduler

import (
	"github.com/nautilus-fuzz/nautilus/internal/fuzzer"
	"github.com/nautilus-fuzz/nautilus/internal/queue"
)

// initWindow is the number of tree-node positions minimisation considers
// per Init step (spec.md §4.4: Init(k) calls minimize(item, k, k+200)).
const initWindow = 200

// ProcessInput advances item one step through its scheduling state
// machine and runs the strategies that step calls for. Deterministic
// cycles are numbered from 0; the item moves to Random once the cycle
// numbered numberOfDetCycles completes, i.e. after numberOfDetCycles+1
// full cycles.
func ProcessInput(s *fuzzer.Strategies, item *queue.Item, numberOfDetCycles int) error {
	switch item.State.Phase {
	case queue.PhaseInit:
		return processInit(s, item)
	case queue.PhaseDet:
		return processDet(s, item, numberOfDetCycles)
	default:
		return processRandom(s, item)
	}
}

func processInit(s *fuzzer.Strategies, item *queue.Item) error {
	start := item.State.Index
	done, err := s.Minimize(item, start, start+initWindow)
	if err != nil {
		return err
	}
	if done {
		item.State = queue.DetState(0, 0)
	} else {
		item.State = queue.InitState(start + initWindow)
	}
	return nil
}

func processDet(s *fuzzer.Strategies, item *queue.Item, numberOfDetCycles int) error {
	cycle, idx := item.State.Cycle, item.State.Index
	done, err := s.DeterministicTreeMutation(item, idx, idx+1)
	if err != nil {
		return err
	}
	switch {
	case done && cycle == numberOfDetCycles:
		item.State = queue.RandomState()
	case done:
		item.State = queue.DetState(cycle+1, 0)
	default:
		item.State = queue.DetState(cycle, idx+1)
	}
	return runAlwaysOn(s, item)
}

func processRandom(s *fuzzer.Strategies, item *queue.Item) error {
	return runAlwaysOn(s, item)
}

// runAlwaysOn runs splice, havoc, and havoc-recursion once each — layered
// on regardless of which scheduling branch just ran, since even a cheap
// deterministic find is worth throwing havoc at (spec.md §4.4).
func runAlwaysOn(s *fuzzer.Strategies, item *queue.Item) error {
	if err := s.Splice(item); err != nil {
		return err
	}
	if err := s.Havoc(item); err != nil {
		return err
	}
	return s.HavocRecursion(item)
}
