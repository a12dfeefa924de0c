package sharedstate

import (
	"os"
	"testing"

	"github.com/nautilus-fuzz/nautilus/internal/chunkstore"
	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/queue"
)

func newTestState(t *testing.T) (*State, *grammar.Context) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/outputs/queue", 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := grammar.NewContext()
	ctx.AddRule("START", []byte("a"))
	ctx.Initialize(10)

	q := queue.New(dir, ".bin")
	chunks := chunkstore.NewWrapper[*grammar.Tree]()
	return New(8, q, chunks), ctx
}

func TestDiffAndMergeOnlyReportsFreshBits(t *testing.T) {
	s, _ := newTestState(t)

	run1 := make([]byte, 8)
	run1[2] = 1
	run1[4] = 1
	fresh := s.DiffAndMerge(run1, false)
	if len(fresh) != 2 {
		t.Fatalf("first DiffAndMerge fresh = %v, want 2 entries", fresh)
	}

	run2 := make([]byte, 8)
	run2[2] = 1 // already seen
	run2[6] = 1 // new
	fresh = s.DiffAndMerge(run2, false)
	if len(fresh) != 1 || fresh[0] != 6 {
		t.Fatalf("second DiffAndMerge fresh = %v, want [6]", fresh)
	}

	// The crash accumulator is independent of the non-crash one.
	fresh = s.DiffAndMerge(run1, true)
	if len(fresh) != 2 {
		t.Fatalf("crash accumulator DiffAndMerge fresh = %v, want 2 entries", fresh)
	}
}

func TestTryInsertAndPopRoundTrip(t *testing.T) {
	s, ctx := newTestState(t)
	id, err := ctx.NtID("START")
	if err != nil {
		t.Fatal(err)
	}
	tree := grammar.NewMutator().GenerateTreeFromNT(ctx, id, 10)

	bits := make([]byte, 8)
	bits[1] = 1
	item, err := s.TryInsert(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 0)
	if err != nil {
		t.Fatalf("TryInsert: %v", err)
	}
	if item == nil {
		t.Fatal("expected novel input to be inserted")
	}
	if s.QueueLen() != 1 {
		t.Fatalf("QueueLen() = %d, want 1", s.QueueLen())
	}

	popped := s.Pop()
	if popped == nil || popped.ID != item.ID {
		t.Fatalf("Pop() = %v, want item %d", popped, item.ID)
	}
	if err := s.Finished(popped); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if s.QueueProcessedLen() != 1 {
		t.Fatalf("QueueProcessedLen() = %d, want 1", s.QueueProcessedLen())
	}
}

func TestMergeWorkerIsAdditive(t *testing.T) {
	s, _ := newTestState(t)

	s.MergeWorker("worker-0", WorkerDeltas{
		Executions: 10,
		ExecPerSec: 5.0,
		BitsFound:  map[string]uint64{"Havoc": 2},
		AsanFound:  map[string]uint64{"Havoc": 1},
	})
	s.MergeWorker("worker-1", WorkerDeltas{
		Executions: 20,
		ExecPerSec: 7.0,
		BitsFound:  map[string]uint64{"Havoc": 3, "Det": 1},
	})

	snap := s.Snapshot()
	if snap.ExecutionCount != 30 {
		t.Errorf("ExecutionCount = %d, want 30", snap.ExecutionCount)
	}
	if snap.ExecPerSec != 12.0 {
		t.Errorf("ExecPerSec = %v, want 12.0", snap.ExecPerSec)
	}
	if snap.BitsFoundByReason["Havoc"] != 5 {
		t.Errorf("BitsFoundByReason[Havoc] = %d, want 5", snap.BitsFoundByReason["Havoc"])
	}
	if snap.BitsFoundByReason["Det"] != 1 {
		t.Errorf("BitsFoundByReason[Det] = %d, want 1", snap.BitsFoundByReason["Det"])
	}
	if snap.AsanFoundByReason["Havoc"] != 1 {
		t.Errorf("AsanFoundByReason[Havoc] = %d, want 1", snap.AsanFoundByReason["Havoc"])
	}
}

func TestRecordAsanAndSigSetLastSeen(t *testing.T) {
	s, _ := newTestState(t)
	s.RecordAsan()
	s.RecordSig()
	s.RecordTimeout()

	snap := s.Snapshot()
	if snap.TotalFoundAsan != 1 {
		t.Errorf("TotalFoundAsan = %d, want 1", snap.TotalFoundAsan)
	}
	if snap.TotalFoundSig != 1 {
		t.Errorf("TotalFoundSig = %d, want 1", snap.TotalFoundSig)
	}
	if snap.LastAsanTime.IsZero() || snap.LastSigTime.IsZero() || snap.LastTimeoutTime.IsZero() {
		t.Error("expected all three last-seen timestamps to be set")
	}
}
