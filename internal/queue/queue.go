// Package queue holds discovered inputs, their per-item scheduling state,
// and the bit→inputs index that drives novelty detection.
package queue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
)

// Phase is which leg of the Init→Det→Random scheduling state machine an
// Item currently occupies.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDet
	PhaseRandom
)

// State is an Item's scheduling state: Init(next_start_index),
// Det(cycle, next_start_index), or Random.
type State struct {
	Phase Phase
	Cycle int
	Index int
}

// InitState is the state every freshly discovered Item starts in.
func InitState(index int) State { return State{Phase: PhaseInit, Index: index} }

// DetState is entered once minimisation reports the tree exhausted.
func DetState(cycle, index int) State { return State{Phase: PhaseDet, Cycle: cycle, Index: index} }

// RandomState is the terminal state, reached after enough deterministic
// cycles have run.
func RandomState() State { return State{Phase: PhaseRandom} }

// Item is one discovered input: the grammar derivation that produced it,
// the bits it is credited with, and where it sits in the scheduler.
type Item struct {
	ID         uint64
	Tree       *grammar.Tree
	FreshBits  map[int]struct{}
	AllBits    []byte
	ExitReason forksrv.ExitReason
	State      State
	Recursions []grammar.RecursionInfo
	ExecTimeNs int64

	path string
}

// Queue holds unprocessed and processed items plus the bit→inputs index.
// It performs no locking of its own — sharedstate.State brackets every
// call in its single mutex, the same discipline the teacher's Pool uses
// around its ready channel and bookkeeping maps.
type Queue struct {
	inputs      []*Item
	processed   []*Item
	bitToInputs map[int][]uint64
	currentID   uint64

	workdir   string
	extension string
}

// New returns an empty Queue rooted at workdir (queue files are written
// under workdir/outputs/queue).
func New(workdir, extension string) *Queue {
	return &Queue{
		bitToInputs: make(map[int][]uint64),
		workdir:     workdir,
		extension:   extension,
	}
}

// Add rejects inputs offering no novelty (every non-zero index in allBits
// already indexed) and otherwise persists the tree, registers the item's
// id under every non-zero index of allBits, records the not-yet-indexed
// ones as its fresh bits, and appends a new Item in state Init(0). Returns nil when the
// input was rejected as non-novel.
func (q *Queue) Add(ctx *grammar.Context, tree *grammar.Tree, allBits []byte, reason forksrv.ExitReason, execTimeNs int64) (*Item, error) {
	fresh := make(map[int]struct{})
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		if _, ok := q.bitToInputs[i]; !ok {
			fresh[i] = struct{}{}
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	id := q.currentID
	q.currentID++ // uint64 overflow wraps to 0, matching the spec's wrap-at-max rule

	item := &Item{
		ID:         id,
		Tree:       tree.Clone(),
		FreshBits:  fresh,
		AllBits:    append([]byte(nil), allBits...),
		ExitReason: reason,
		State:      InitState(0),
		ExecTimeNs: execTimeNs,
	}
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		q.bitToInputs[i] = append(q.bitToInputs[i], id)
	}

	path, err := q.persist(ctx, item, "")
	if err != nil {
		return nil, err
	}
	item.path = path

	q.inputs = append(q.inputs, item)
	return item, nil
}

// Pop removes and returns the most recently discovered item (LIFO: fresh
// coverage is the exploration frontier worth following immediately),
// unregistering its bits from the index while it is in flight with the
// worker. Returns nil if the queue is empty.
func (q *Queue) Pop() *Item {
	if len(q.inputs) == 0 {
		return nil
	}
	item := q.inputs[len(q.inputs)-1]
	q.inputs = q.inputs[:len(q.inputs)-1]

	for i, b := range item.AllBits {
		if b == 0 {
			continue
		}
		ids := q.bitToInputs[i]
		for j, id := range ids {
			if id == item.ID {
				ids = append(ids[:j], ids[j+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(q.bitToInputs, i)
		} else {
			q.bitToInputs[i] = ids
		}
	}
	return item
}

// Finished re-tests a popped item against the current index: if every
// non-zero index in its all_bits is already covered by some other item, it
// is obsolete and its on-disk file is unlinked. Otherwise all of its
// non-zero bits are re-registered, its fresh bits are recomputed as the
// ones no other item covered, and it moves into processed.
func (q *Queue) Finished(item *Item) error {
	allCovered := true
	for i, b := range item.AllBits {
		if b == 0 {
			continue
		}
		if _, ok := q.bitToInputs[i]; !ok {
			allCovered = false
			break
		}
	}
	if allCovered {
		if err := os.Remove(item.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: unlinking obsolete item %d: %w", item.ID, err)
		}
		return nil
	}

	fresh := make(map[int]struct{})
	for i, b := range item.AllBits {
		if b == 0 {
			continue
		}
		if _, ok := q.bitToInputs[i]; !ok {
			fresh[i] = struct{}{}
		}
		q.bitToInputs[i] = append(q.bitToInputs[i], item.ID)
	}
	item.FreshBits = fresh
	q.processed = append(q.processed, item)
	return nil
}

// NewRound splices processed back onto the end of inputs so a fully
// drained queue round starts over from everything discovered so far.
func (q *Queue) NewRound() {
	q.inputs = append(q.inputs, q.processed...)
	q.processed = q.processed[:0]
}

// RewriteMinimised re-unparses item's (now minimised) tree and renames its
// on-disk file to the "...min<ext>" form.
func (q *Queue) RewriteMinimised(ctx *grammar.Context, item *Item) error {
	newPath, err := q.persist(ctx, item, "min")
	if err != nil {
		return err
	}
	if newPath != item.path {
		if err := os.Remove(item.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: removing pre-minimisation file for item %d: %w", item.ID, err)
		}
	}
	item.path = newPath
	return nil
}

// Len reports the number of items still waiting to be scheduled this round.
func (q *Queue) Len() int { return len(q.inputs) }

// ProcessedLen reports the number of items that completed this round.
func (q *Queue) ProcessedLen() int { return len(q.processed) }

func (q *Queue) persist(ctx *grammar.Context, item *Item, suffix string) (string, error) {
	dir := filepath.Join(q.workdir, "outputs", "queue")
	name := fmt.Sprintf("id:%09d,er:%s", item.ID, item.ExitReason)
	if suffix != "" {
		name += "." + suffix
	}
	name += q.extension
	path := filepath.Join(dir, name)
	data := item.Tree.Unparse(ctx)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("queue: persisting item %d: %w", item.ID, err)
	}
	return path, nil
}
