package queue

import (
	"os"
	"testing"

	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
)

func testContext() *grammar.Context {
	ctx := grammar.NewContext()
	ctx.AddRule("START", []byte("a"))
	ctx.Initialize(10)
	return ctx
}

func testTree(ctx *grammar.Context) *grammar.Tree {
	id, err := ctx.NtID("START")
	if err != nil {
		panic(err)
	}
	return grammar.NewMutator().GenerateTreeFromNT(ctx, id, 10)
}

func TestAddRejectsNonNovel(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/outputs/queue", 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := testContext()
	tree := testTree(ctx)
	q := New(dir, ".bin")

	bits := make([]byte, 8)
	bits[3] = 1
	item, err := q.Add(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 100)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if item == nil {
		t.Fatal("expected first novel input to be accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	again, err := q.Add(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 100)
	if err != nil {
		t.Fatalf("Add (repeat): %v", err)
	}
	if again != nil {
		t.Fatalf("expected non-novel bits to be rejected, got item %v", again)
	}
}

func TestPopRemovesBitIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/outputs/queue", 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := testContext()
	tree := testTree(ctx)
	q := New(dir, ".bin")

	bits := make([]byte, 8)
	bits[1] = 1
	item, err := q.Add(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 0)
	if err != nil || item == nil {
		t.Fatalf("Add: %v, %v", item, err)
	}

	popped := q.Pop()
	if popped == nil || popped.ID != item.ID {
		t.Fatalf("Pop() = %v, want item %d", popped, item.ID)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Pop", q.Len())
	}
	if q.Pop() != nil {
		t.Fatal("Pop() on an empty queue should return nil")
	}

	bits2 := make([]byte, 8)
	bits2[1] = 1
	again, err := q.Add(ctx, tree, bits2, forksrv.ExitReason{Kind: forksrv.Normal}, 0)
	if err != nil {
		t.Fatalf("Add after pop: %v", err)
	}
	if again == nil {
		t.Fatal("bit freed by Pop should be novel again")
	}
}

func TestFinishedObsoleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/outputs/queue", 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := testContext()
	tree := testTree(ctx)
	q := New(dir, ".bin")

	bits := make([]byte, 8)
	bits[2] = 1
	item, err := q.Add(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 0)
	if err != nil || item == nil {
		t.Fatalf("Add: %v, %v", item, err)
	}
	popped := q.Pop()

	// A second item now covers the same bit, making the popped one obsolete.
	bits2 := make([]byte, 8)
	bits2[2] = 1
	bits2[5] = 1
	if _, err := q.Add(ctx, tree, bits2, forksrv.ExitReason{Kind: forksrv.Normal}, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := os.Stat(popped.path); err != nil {
		t.Fatalf("expected queue file to exist before Finished: %v", err)
	}
	if err := q.Finished(popped); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if _, err := os.Stat(popped.path); !os.IsNotExist(err) {
		t.Fatalf("expected obsolete item's file to be removed, stat err = %v", err)
	}
	if q.ProcessedLen() != 0 {
		t.Fatalf("ProcessedLen() = %d, want 0 for an obsolete item", q.ProcessedLen())
	}
}

func TestNewRoundRecyclesProcessed(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir+"/outputs/queue", 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := testContext()
	tree := testTree(ctx)
	q := New(dir, ".bin")

	bits := make([]byte, 8)
	bits[4] = 1
	item, err := q.Add(ctx, tree, bits, forksrv.ExitReason{Kind: forksrv.Normal}, 0)
	if err != nil || item == nil {
		t.Fatalf("Add: %v, %v", item, err)
	}
	popped := q.Pop()
	if err := q.Finished(popped); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	if q.ProcessedLen() != 1 {
		t.Fatalf("ProcessedLen() = %d, want 1", q.ProcessedLen())
	}

	q.NewRound()
	if q.Len() != 1 || q.ProcessedLen() != 0 {
		t.Fatalf("after NewRound: Len()=%d ProcessedLen()=%d, want 1,0", q.Len(), q.ProcessedLen())
	}
}
