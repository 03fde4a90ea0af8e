package fat

import (
	"bytes"
	"testing"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

func newTableFixture(t *testing.T, capacity int64) *Table {
	t.Helper()
	entries := raf.NewSlice((capacity + 1) * entrySize)
	if err := Format(entries, capacity); err != nil {
		t.Fatalf("Format: %v", err)
	}
	table, err := NewTable(entries, capacity)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestAllocateSingletonChain(t *testing.T) {
	table := newTableFixture(t, 8)
	start, err := table.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e, err := table.get(start)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !e.Singleton || e.Next != 0 {
		t.Fatalf("expected singleton end-of-chain entry, got %+v", e)
	}
	n, err := table.ChainLength(start)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("ChainLength = %d, want 1", n)
	}
}

func TestAllocateMultiBlockChainAndFree(t *testing.T) {
	table := newTableFixture(t, 8)
	start, err := table.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	n, err := table.ChainLength(start)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 3 {
		t.Fatalf("ChainLength = %d, want 3", n)
	}
	if err := table.Free(start); err != nil {
		t.Fatalf("Free: %v", err)
	}
	// every block must be back on the free list: capacity more allocations
	// of 1 block each must all succeed.
	for i := 0; i < 8; i++ {
		if _, err := table.Allocate(1); err != nil {
			t.Fatalf("Allocate after Free, iteration %d: %v", i, err)
		}
	}
}

func TestAllocateExhaustion(t *testing.T) {
	table := newTableFixture(t, 2)
	if _, err := table.Allocate(2); err != nil {
		t.Fatalf("Allocate(2): %v", err)
	}
	if _, err := table.Allocate(1); err == nil {
		t.Fatalf("expected KindNoSpace once capacity is exhausted")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindNoSpace {
		t.Fatalf("expected KindNoSpace, got %v", err)
	}
}

func TestGrowAndShrink(t *testing.T) {
	table := newTableFixture(t, 8)
	start, err := table.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	start, err = table.Grow(start, 2)
	if err != nil {
		t.Fatalf("Grow: %v", err)
	}
	n, err := table.ChainLength(start)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 4 {
		t.Fatalf("ChainLength after Grow = %d, want 4", n)
	}
	if err := table.Shrink(start, 1); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	n, err = table.ChainLength(start)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("ChainLength after Shrink = %d, want 1", n)
	}
}

func TestFatFileRandomAccessAndResize(t *testing.T) {
	const blockSize = 8
	table := newTableFixture(t, 8)
	data := raf.NewSlice(8 * blockSize)

	f := NewFatFile(table, data, blockSize, 0, 0)
	if err := f.SetLength(24); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	payload := []byte("abcdefghijklmnopqrstuvwx")
	if err := f.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	// cursor-cached sequential read across block boundaries.
	tail := make([]byte, 8)
	if err := f.ReadAt(tail, 16); err != nil {
		t.Fatalf("ReadAt tail: %v", err)
	}
	if !bytes.Equal(tail, []byte("qrstuvwx")) {
		t.Fatalf("got %q, want %q", tail, "qrstuvwx")
	}

	if err := f.SetLength(8); err != nil {
		t.Fatalf("SetLength shrink: %v", err)
	}
	if f.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", f.Len())
	}
}
