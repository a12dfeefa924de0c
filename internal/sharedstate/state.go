// Package sharedstate holds GlobalSharedState: the single-mutex-guarded
// accumulators every worker thread and the status reporter read and
// mutate — the two coverage bitmaps, the queue, and the per-strategy
// discovery counters. No strategy holds this lock across an execution;
// every method here is a short critical section, the same discipline the
// teacher's vm.Pool uses around its ready channel and bookkeeping maps.
package sharedstate

import (
	"sync"
	"time"

	"github.com/nautilus-fuzz/nautilus/internal/chunkstore"
	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/queue"
)

// State is the process-wide shared accumulator (C4).
type State struct {
	mu sync.Mutex

	bitmapSize int
	accum      [2][]byte // [0]=non-crash accumulator, [1]=crash accumulator

	queue  *queue.Queue
	chunks *chunkstore.Wrapper[*grammar.Tree]

	executionCount uint64
	nextFileID     uint64
	workerExecPS   map[string]float64

	bitsFoundByReason map[string]uint64
	asanFoundByReason map[string]uint64
	sigFoundByReason  map[string]uint64

	totalFoundAsan uint64
	totalFoundSig  uint64

	lastAsanTime    time.Time
	lastSigTime     time.Time
	lastTimeoutTime time.Time

	startTime time.Time
}

// New returns an empty State backed by q and chunks, with both coverage
// accumulators sized bitmapSize.
func New(bitmapSize int, q *queue.Queue, chunks *chunkstore.Wrapper[*grammar.Tree]) *State {
	return &State{
		bitmapSize:        bitmapSize,
		accum:             [2][]byte{make([]byte, bitmapSize), make([]byte, bitmapSize)},
		queue:             q,
		chunks:            chunks,
		workerExecPS:      make(map[string]float64),
		bitsFoundByReason: make(map[string]uint64),
		asanFoundByReason: make(map[string]uint64),
		sigFoundByReason:  make(map[string]uint64),
		startTime:         time.Now(),
	}
}

// Chunks returns the chunkstore handle, shared by reference between
// workers and the status reporter.
func (s *State) Chunks() *chunkstore.Wrapper[*grammar.Tree] { return s.chunks }

// DiffAndMerge copies every non-zero byte of runBitmap into the
// accumulator selected by isCrash wherever that accumulator byte is still
// zero (bytes already non-zero are left as they are) and returns those
// indices: the bits this run is the first to cover. Once set, an accumulator byte never reverts to
// zero — the invariant underlying "fresh bits" in the data model.
func (s *State) DiffAndMerge(runBitmap []byte, isCrash bool) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accum[accIndex(isCrash)]
	var fresh []int
	for i, b := range runBitmap {
		if b == 0 {
			continue
		}
		if acc[i] == 0 {
			fresh = append(fresh, i)
			acc[i] = b
		}
	}
	return fresh
}

func accIndex(isCrash bool) int {
	if isCrash {
		return 1
	}
	return 0
}

// Pop removes and returns the most recently discovered queue item.
func (s *State) Pop() *queue.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Pop()
}

// Finished re-tests a popped item against the current bit index.
func (s *State) Finished(item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Finished(item)
}

// NewRound splices the processed list back onto the pending queue.
func (s *State) NewRound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.NewRound()
}

// TryInsert inserts tree into the queue if it offers novelty against the
// bit index, returning the new Item or nil if it was rejected.
func (s *State) TryInsert(ctx *grammar.Context, tree *grammar.Tree, allBits []byte, reason forksrv.ExitReason, execTimeNs int64) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Add(ctx, tree, allBits, reason, execTimeNs)
}

// QueueLen reports the number of items waiting to be scheduled this round.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// QueueProcessedLen reports the number of items that finished this round.
func (s *State) QueueProcessedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.ProcessedLen()
}

// RewriteMinimised re-persists item's tree after minimisation.
func (s *State) RewriteMinimised(ctx *grammar.Context, item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.RewriteMinimised(ctx, item)
}

// NextFileID returns a fresh, process-wide monotonically increasing
// counter used to name crash/timeout dump files.
func (s *State) NextFileID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFileID
	s.nextFileID++
	return id
}

// RecordAsan marks an ASAN-classified discovery: bumps the total and the
// last-seen timestamp.
func (s *State) RecordAsan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFoundAsan++
	s.lastAsanTime = time.Now()
}

// RecordSig marks a signal-classified discovery.
func (s *State) RecordSig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFoundSig++
	s.lastSigTime = time.Now()
}

// RecordTimeout marks a timeout, regardless of novelty (spec.md §4.2: the
// timeout dump always happens).
func (s *State) RecordTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTimeoutTime = time.Now()
}

// WorkerDeltas is one worker's accumulated-since-last-merge counters,
// handed to MergeWorker and then zeroed by the caller.
type WorkerDeltas struct {
	Executions uint64
	ExecPerSec float64
	BitsFound  map[string]uint64
	AsanFound  map[string]uint64
	SigFound   map[string]uint64
}

// MergeWorker folds one worker's local deltas into the global counters.
// Executions and the per-strategy maps are additive; ExecPerSec is a
// snapshot of that worker's current throughput, not a delta.
func (s *State) MergeWorker(name string, d WorkerDeltas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionCount += d.Executions
	s.workerExecPS[name] = d.ExecPerSec
	for k, v := range d.BitsFound {
		s.bitsFoundByReason[k] += v
	}
	for k, v := range d.AsanFound {
		s.asanFoundByReason[k] += v
	}
	for k, v := range d.SigFound {
		s.sigFoundByReason[k] += v
	}
}

// Snapshot is a consistent, lock-free-to-read copy of the global counters
// for the status reporter.
type Snapshot struct {
	Uptime          time.Duration
	ExecutionCount  uint64
	ExecPerSec      float64
	QueueLen        int
	ProcessedLen    int
	ChunkstoreLen   int
	TotalFoundAsan  uint64
	TotalFoundSig   uint64
	LastAsanTime    time.Time
	LastSigTime     time.Time
	LastTimeoutTime time.Time
	BitsFoundByReason map[string]uint64
	AsanFoundByReason map[string]uint64
	SigFoundByReason  map[string]uint64
}

// Snapshot takes a one-shot consistent copy of the counters for rendering.
// The chunkstore length is read through its own cooperative lock, outside
// of s.mu, matching the reporter's contract in spec.md §4.7.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	var totalEPS float64
	for _, v := range s.workerExecPS {
		totalEPS += v
	}
	snap := Snapshot{
		Uptime:            time.Since(s.startTime),
		ExecutionCount:    s.executionCount,
		ExecPerSec:        totalEPS,
		QueueLen:          s.queue.Len(),
		ProcessedLen:      s.queue.ProcessedLen(),
		TotalFoundAsan:    s.totalFoundAsan,
		TotalFoundSig:     s.totalFoundSig,
		LastAsanTime:      s.lastAsanTime,
		LastSigTime:       s.lastSigTime,
		LastTimeoutTime:   s.lastTimeoutTime,
		BitsFoundByReason: copyCounters(s.bitsFoundByReason),
		AsanFoundByReason: copyCounters(s.asanFoundByReason),
		SigFoundByReason:  copyCounters(s.sigFoundByReason),
	}
	s.mu.Unlock()

	snap.ChunkstoreLen = s.chunks.Len()
	return snap
}

func copyCounters(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
