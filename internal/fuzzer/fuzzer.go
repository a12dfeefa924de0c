// Package fuzzer implements the per-worker execution wrapper (C5) and the
// mutation/minimisation strategies (C6) it drives.
package fuzzer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/sharedstate"
)

// dedupCapacity is the FIFO ring buffer's hard-coded size (spec.md open
// question: whether to make this configurable is undecided; kept fixed).
const dedupCapacity = 10000

// determinismReruns is how many extra times a seemingly-novel input is
// re-executed before its fresh bits are trusted.
const determinismReruns = 5

// ewmaOld and ewmaNew are the smoothing weights for the executions/sec
// moving average: mostly history, a little of the latest sample.
const ewmaOld = 0.9
const ewmaNew = 0.1

// Fuzzer owns exactly one ForkServer and all of one worker's per-run
// bookkeeping: execution counting, dedup, and crash/timeout persistence.
type Fuzzer struct {
	name      string
	fs        *forksrv.ForkServer
	ctx       *grammar.Context
	global    *sharedstate.State
	workdir   string
	extension string
	log       *log.Entry

	dedup *dedupRing

	execSinceMerge uint64
	execPerSec     float64
	bitsFoundDelta map[string]uint64
	asanFoundDelta map[string]uint64
	sigFoundDelta  map[string]uint64
}

// New returns a Fuzzer wrapping fs, unparsing trees with ctx and reporting
// discoveries into global.
func New(name string, fs *forksrv.ForkServer, ctx *grammar.Context, global *sharedstate.State, workdir, extension string, logger *log.Entry) *Fuzzer {
	return &Fuzzer{
		name:           name,
		fs:             fs,
		ctx:            ctx,
		global:         global,
		workdir:        workdir,
		extension:      extension,
		log:            logger,
		dedup:          newDedupRing(dedupCapacity),
		bitsFoundDelta: make(map[string]uint64),
		asanFoundDelta: make(map[string]uint64),
		sigFoundDelta:  make(map[string]uint64),
	}
}

// ForkServer returns the wrapped ForkServer, so the worker loop can Close
// and replace it on SubprocessError.
func (f *Fuzzer) ForkServer() *forksrv.ForkServer { return f.fs }

// SetForkServer swaps in a freshly (re)started ForkServer after the
// previous one failed.
func (f *Fuzzer) SetForkServer(fs *forksrv.ForkServer) { f.fs = fs }

// execRaw runs code once, bumping the execution counter and updating the
// executions/sec EWMA.
func (f *Fuzzer) execRaw(code []byte) (forksrv.ExitReason, time.Duration, error) {
	start := time.Now()
	reason, err := f.fs.Run(code)
	elapsed := time.Since(start)
	if err != nil {
		return reason, elapsed, err
	}
	f.execSinceMerge++
	f.updateEWMA(elapsed)
	return reason, elapsed, nil
}

func (f *Fuzzer) updateEWMA(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	instant := 1.0 / elapsed.Seconds()
	if f.execPerSec == 0 {
		f.execPerSec = instant
		return
	}
	f.execPerSec = f.execPerSec*ewmaOld + instant*ewmaNew
}

// exec runs tree once, diffs its coverage against the global accumulator,
// and — unless the run timed out or found nothing new — re-runs it
// determinismReruns more times to weed out flapping bits before inserting
// a new queue item. Returns the bits that survived (nil if none) and the
// classified exit reason.
func (f *Fuzzer) exec(tree *grammar.Tree) ([]int, forksrv.ExitReason, error) {
	code := tree.Unparse(f.ctx)
	reason, elapsed, err := f.execRaw(code)
	if err != nil {
		return nil, reason, err
	}

	isCrash := reason.IsCrash()
	runBitmap := f.fs.SharedBitmap()
	newBits := f.global.DiffAndMerge(runBitmap, isCrash)

	if reason.Kind == forksrv.Timeouted || len(newBits) == 0 {
		return nil, reason, nil
	}

	snapshot := append([]byte(nil), runBitmap...)
	for i := 0; i < determinismReruns && len(newBits) > 0; i++ {
		if _, _, err := f.execRaw(code); err != nil {
			return nil, reason, err
		}
		newBits = f.dropFlapping(newBits, f.fs.SharedBitmap())
	}
	if len(newBits) == 0 {
		return nil, reason, nil
	}

	if _, err := f.global.TryInsert(f.ctx, tree, snapshot, reason, elapsed.Nanoseconds()); err != nil {
		return nil, reason, err
	}
	return newBits, reason, nil
}

func (f *Fuzzer) dropFlapping(bits []int, rerun []byte) []int {
	out := bits[:0]
	for _, i := range bits {
		if rerun[i] == 0 {
			f.log.Debugf("found fucky bit %d", i)
			continue
		}
		out = append(out, i)
	}
	return out
}

// RunOnWithDedup unparses tree and, if its bytes were seen in the last
// dedupCapacity calls on this worker, skips it. Returns whether it ran.
func (f *Fuzzer) RunOnWithDedup(tree *grammar.Tree, strategy string) (bool, error) {
	code := tree.Unparse(f.ctx)
	if f.dedup.SeenOrAdd(string(code)) {
		return false, nil
	}
	return true, f.runOn(tree, strategy)
}

// RunOnWithoutDedup always runs tree, bypassing the dedup ring.
func (f *Fuzzer) RunOnWithoutDedup(tree *grammar.Tree, strategy string) error {
	return f.runOn(tree, strategy)
}

// HasBits is the minimisation oracle: run tree without dedup and report
// whether every index in bits is non-zero in the resulting bitmap. strategy
// is the reason label the run is credited under — "Min" for the plain
// minimiser, "MinRec" for the recursive minimiser — so their discoveries
// land in distinct per-strategy counters.
func (f *Fuzzer) HasBits(tree *grammar.Tree, bits map[int]struct{}, strategy string) (bool, error) {
	if err := f.RunOnWithoutDedup(tree, strategy); err != nil {
		return false, err
	}
	bitmap := f.fs.SharedBitmap()
	for i := range bits {
		if bitmap[i] == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (f *Fuzzer) runOn(tree *grammar.Tree, strategy string) error {
	newBits, reason, err := f.exec(tree)
	if err != nil {
		return err
	}
	novel := len(newBits) > 0

	switch {
	case reason.Kind == forksrv.Normal && reason.Code == forksrv.AsanExitCode:
		if novel {
			f.asanFoundDelta[strategy]++
			f.global.RecordAsan()
			name := fmt.Sprintf("ASAN_%09d_%s%s", f.global.NextFileID(), f.extension, f.name)
			return f.dumpTree(tree, "signaled", name)
		}
	case reason.Kind == forksrv.Normal:
		if novel {
			f.bitsFoundDelta[strategy]++
		}
	case reason.Kind == forksrv.Timeouted:
		f.global.RecordTimeout()
		name := fmt.Sprintf("%09d%s", f.global.NextFileID(), f.extension)
		return f.dumpTree(tree, "timeout", name)
	case reason.Kind == forksrv.Signaled:
		if novel {
			f.sigFoundDelta[strategy]++
			f.global.RecordSig()
			name := fmt.Sprintf("%d_%09d%s", reason.Code, f.global.NextFileID(), f.extension)
			return f.dumpTree(tree, "signaled", name)
		}
	case reason.Kind == forksrv.Stopped:
		// ignored, per spec.md §4.2
	}
	return nil
}

func (f *Fuzzer) dumpTree(tree *grammar.Tree, subdir, name string) error {
	path := filepath.Join(f.workdir, "outputs", subdir, name)
	if err := os.WriteFile(path, tree.Unparse(f.ctx), 0o644); err != nil {
		return fmt.Errorf("fuzzer: dumping tree to %s: %w", path, err)
	}
	return nil
}

// Deltas returns this worker's counters accumulated since the last Reset,
// for sharedstate.State.MergeWorker.
func (f *Fuzzer) Deltas() sharedstate.WorkerDeltas {
	return sharedstate.WorkerDeltas{
		Executions: f.execSinceMerge,
		ExecPerSec: f.execPerSec,
		BitsFound:  f.bitsFoundDelta,
		AsanFound:  f.asanFoundDelta,
		SigFound:   f.sigFoundDelta,
	}
}

// ResetDeltas zeroes the local counters after a merge into global state.
func (f *Fuzzer) ResetDeltas() {
	f.execSinceMerge = 0
	f.bitsFoundDelta = make(map[string]uint64)
	f.asanFoundDelta = make(map[string]uint64)
	f.sigFoundDelta = make(map[string]uint64)
}
