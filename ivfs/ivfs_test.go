package ivfs

import (
	"crypto/sha256"
	"testing"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

func buildTree(t *testing.T, nLeaves int64) (*Tree, raf.RAF) {
	t.Helper()
	const blockSize = 16
	const groupSize = 4
	data := raf.NewSlice(nLeaves * blockSize)
	level0 := raf.NewSlice(nLeaves * HashSize)
	nParents := (nLeaves + groupSize - 1) / groupSize
	level1 := raf.NewSlice(nParents * HashSize)
	tree, err := NewTree(data, blockSize, []raf.RAF{level0, level1}, groupSize)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree, data
}

func TestTreeRecomputeAndVerify(t *testing.T) {
	tree, _ := buildTree(t, 8)
	for i := int64(0); i < 8; i++ {
		if err := tree.WriteAt([]byte("0123456789ABCDEF"), i*16); err != nil {
			t.Fatalf("WriteAt(%d): %v", i, err)
		}
	}
	if err := tree.Recompute(); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	root := tree.Root()

	if err := tree.Verify(root); err != nil {
		t.Fatalf("Verify against own root: %v", err)
	}
}

func TestTreeDetectsTamperedLeaf(t *testing.T) {
	tree, data := buildTree(t, 8)
	for i := int64(0); i < 8; i++ {
		if err := tree.WriteAt([]byte("0123456789ABCDEF"), i*16); err != nil {
			t.Fatalf("WriteAt(%d): %v", i, err)
		}
	}
	if err := tree.Recompute(); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	root := tree.Root()

	// tamper with a leaf directly, bypassing Tree.WriteAt (and therefore
	// never marking the corresponding hash dirty) — models on-disk
	// corruption or a hostile edit between sessions.
	if err := data.WriteAt([]byte("X"), 40); err != nil {
		t.Fatalf("tamper WriteAt: %v", err)
	}

	err := tree.Verify(root)
	if err == nil {
		t.Fatalf("expected hash mismatch after tampering with a leaf")
	}
	e, ok := err.(*archerr.Error)
	if !ok || e.Kind != archerr.KindHashMismatch {
		t.Fatalf("expected KindHashMismatch, got %v", err)
	}
}

func TestTreeRootIsHashOfTopLevel(t *testing.T) {
	tree, _ := buildTree(t, 4)
	if err := tree.Recompute(); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	top := tree.hashLevels[len(tree.hashLevels)-1]
	buf := make([]byte, top.Len())
	if err := top.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt top level: %v", err)
	}
	want := sha256.Sum256(buf)
	if tree.Root() != want {
		t.Fatalf("Root() does not match sha256 of top level content")
	}
}
