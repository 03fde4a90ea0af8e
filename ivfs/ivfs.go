// Package ivfs implements the DIFI/IVFS SHA-256 hash-tree verification
// layer of spec.md section 4.6: data blocks are leaves, each level above
// packs the hashes of a fixed number of blocks from the level below, and
// the top level's hash is the tree's externally-stored root.
package ivfs

import (
	"bytes"
	"crypto/sha256"

	"github.com/bits-and-blooms/bitset"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

// HashSize is the width of one tree entry.
const HashSize = sha256.Size

// Tree is a RAF over the leaf data, plus the hash levels above it. Writes
// through the Tree mark the affected leaf hash dirty; Commit recomputes
// every dirty entry bottom-up and refreshes Root.
type Tree struct {
	data          raf.RAF
	dataBlockSize int64
	hashLevels    []raf.RAF // bottom-up; hashLevels[0] hashes data blocks
	groupSize     int64     // child blocks per parent hash entry
	dirty         []*bitset.BitSet
	verified      *bitset.BitSet // leaves whose chain up to a dirty ancestor already checked out this session
	root          [HashSize]byte
}

// NewTree builds a Tree over data (leaf blocks of dataBlockSize bytes)
// and hashLevels, each a packed array of HashSize-byte entries. Entry i
// of hashLevels[0] is the hash of data block i; entry i of hashLevels[k]
// (k>0) is the hash of the groupSize-entry slice of hashLevels[k-1]
// starting at i*groupSize. All levels start clean; call MarkDirty for
// any leaf that may not match its recorded hash (typically every leaf,
// on first load) before calling Recompute or Verify.
func NewTree(data raf.RAF, dataBlockSize int64, hashLevels []raf.RAF, groupSize int64) (*Tree, error) {
	if dataBlockSize <= 0 || groupSize <= 0 {
		return nil, archerr.New(archerr.KindBadParams, "ivfs.Tree", 0, "dataBlockSize and groupSize must be positive")
	}
	if len(hashLevels) == 0 {
		return nil, archerr.New(archerr.KindBadParams, "ivfs.Tree", 0, "at least one hash level is required")
	}
	nLeaves := (data.Len() + dataBlockSize - 1) / dataBlockSize
	if hashLevels[0].Len() < nLeaves*HashSize {
		return nil, archerr.New(archerr.KindBadFormat, "ivfs.Tree", 0, "level 0 too short to cover all data leaves")
	}
	t := &Tree{data: data, dataBlockSize: dataBlockSize, hashLevels: hashLevels, groupSize: groupSize}
	t.dirty = make([]*bitset.BitSet, len(hashLevels))
	for i, lvl := range hashLevels {
		entries := uint(lvl.Len() / HashSize)
		t.dirty[i] = bitset.New(entries)
	}
	t.verified = bitset.New(uint(nLeaves))
	return t, nil
}

func (t *Tree) Len() int64 { return t.data.Len() }

// ReadAt reads through to the leaf data, then verifies every leaf the
// read touches against its stored hash (walking up to the first level
// whose ancestor is still dirty, i.e. written this session but not yet
// committed, which is trusted without reverification). Returns
// archerr.KindHashMismatch on the first leaf whose recomputed content
// hash disagrees with what is stored for it.
func (t *Tree) ReadAt(p []byte, off int64) error {
	if err := t.data.ReadAt(p, off); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	first := off / t.dataBlockSize
	last := (off + int64(len(p)) - 1) / t.dataBlockSize
	for leaf := first; leaf <= last; leaf++ {
		if err := t.verifyLeaf(leaf); err != nil {
			return err
		}
	}
	return nil
}

// verifyLeaf recomputes and compares the stored hash for leaf and every
// ancestor above it, stopping early at a leaf already marked dirty
// (written this session, trusted without reverification) or already
// confirmed by a previous verifyLeaf call.
func (t *Tree) verifyLeaf(leaf int64) error {
	if t.dirty[0].Test(uint(leaf)) || t.verified.Test(uint(leaf)) {
		return nil
	}
	idx := leaf
	for lvl := 0; lvl < len(t.hashLevels); lvl++ {
		if lvl > 0 && t.dirty[lvl].Test(uint(idx)) {
			break
		}
		src, err := t.sourceOf(lvl, idx)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(src)
		stored := make([]byte, HashSize)
		if err := t.hashLevels[lvl].ReadAt(stored, idx*HashSize); err != nil {
			return err
		}
		if !bytes.Equal(sum[:], stored) {
			return archerr.New(archerr.KindHashMismatch, "ivfs.Tree", leaf*t.dataBlockSize, "stored hash does not match recomputed content")
		}
		idx = idx / t.groupSize
	}
	t.verified.Set(uint(leaf))
	return nil
}

// WriteAt writes through to the leaf data and marks every touched leaf
// hash entry dirty; the hash tree is not recomputed until Commit (or an
// explicit Recompute).
func (t *Tree) WriteAt(p []byte, off int64) error {
	if err := t.data.WriteAt(p, off); err != nil {
		return err
	}
	first := off / t.dataBlockSize
	last := (off + int64(len(p)) - 1) / t.dataBlockSize
	for b := first; b <= last; b++ {
		t.dirty[0].Set(uint(b))
	}
	return nil
}

// MarkDirty forces leaf entry i to be recomputed on the next Recompute,
// used when loading a tree whose on-disk hashes have not yet been
// verified against their content.
func (t *Tree) MarkDirty(leaf int64) { t.dirty[0].Set(uint(leaf)) }

// MarkAllDirty marks every leaf in every level dirty, forcing a full
// bottom-up recompute; Verify calls it first, and archive formatting
// calls it to seed a fresh tree.
func (t *Tree) MarkAllDirty() {
	for i, lvl := range t.hashLevels {
		entries := uint(lvl.Len() / HashSize)
		t.dirty[i] = bitset.New(entries)
		for e := uint(0); e < entries; e++ {
			t.dirty[i].Set(e)
		}
	}
}

// Recompute rehashes every dirty entry, level by level, bubbling each
// recomputed parent group up as a dirty entry in the level above, then
// hashes the entire top level's content into Root.
func (t *Tree) Recompute() error {
	for lvl := 0; lvl < len(t.hashLevels); lvl++ {
		bits := t.dirty[lvl]
		entries := uint(t.hashLevels[lvl].Len() / HashSize)
		for idx := uint(0); idx < entries; idx++ {
			if !bits.Test(idx) {
				continue
			}
			src, err := t.sourceOf(lvl, int64(idx))
			if err != nil {
				return err
			}
			sum := sha256.Sum256(src)
			if err := t.hashLevels[lvl].WriteAt(sum[:], int64(idx)*HashSize); err != nil {
				return err
			}
			if lvl+1 < len(t.hashLevels) {
				t.dirty[lvl+1].Set(uint(int64(idx) / t.groupSize))
			}
		}
		bits.ClearAll()
	}
	top := t.hashLevels[len(t.hashLevels)-1]
	buf := make([]byte, top.Len())
	if err := top.ReadAt(buf, 0); err != nil {
		return err
	}
	t.root = sha256.Sum256(buf)
	return nil
}

// sourceOf returns the bytes that hash into hashLevels[lvl]'s entry idx:
// the data block itself for lvl==0, or the covered slice of the level
// below otherwise.
func (t *Tree) sourceOf(lvl int, idx int64) ([]byte, error) {
	if lvl == 0 {
		off := idx * t.dataBlockSize
		n := t.dataBlockSize
		if off+n > t.data.Len() {
			n = t.data.Len() - off
		}
		buf := make([]byte, n)
		if err := t.data.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	}
	below := t.hashLevels[lvl-1]
	off := idx * t.groupSize * HashSize
	n := t.groupSize * HashSize
	if off+n > below.Len() {
		n = below.Len() - off
	}
	buf := make([]byte, n)
	if err := below.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Root returns the most recently computed root hash. It is only
// meaningful after Recompute (or Verify) has run with no dirty entries
// remaining.
func (t *Tree) Root() [HashSize]byte { return t.root }

// Verify marks every level fully dirty, recomputes bottom-up, and
// compares the resulting root against expected.
func (t *Tree) Verify(expected [HashSize]byte) error {
	t.MarkAllDirty()
	if err := t.Recompute(); err != nil {
		return err
	}
	if t.root != expected {
		return archerr.New(archerr.KindHashMismatch, "ivfs.Tree", 0, "recomputed root does not match expected root")
	}
	return nil
}

// Commit recomputes any dirty hashes, flushes the data and every hash
// level, and returns with Root reflecting the newly-committed state.
func (t *Tree) Commit() error {
	if err := t.Recompute(); err != nil {
		return err
	}
	if err := t.data.Commit(); err != nil {
		return err
	}
	for _, lvl := range t.hashLevels {
		if err := lvl.Commit(); err != nil {
			return err
		}
	}
	return nil
}
