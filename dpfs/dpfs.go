// Package dpfs implements the Dual-Partition File System shadow-block
// layer of spec.md section 4.5: two data partitions plus a selector
// bitmap, itself held in a DualFile so the bitmap flip is atomic.
package dpfs

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/cryptolayer"
	"github.com/kurenai-fs/savearc/raf"
)

// Image is the logical RAF DPFS exposes: a flat address space of N
// blocks backed by whichever of L0/L1 each block currently lives on.
type Image struct {
	blockSize   int64
	nblocks     int64
	sides       [2]raf.RAF // L0, L1 — each nblocks*blockSize bytes
	bitmapDual  *cryptolayer.DualFile
	state       *bitset.BitSet // bit i set => block i currently lives on L1
	dirtyBlocks map[int64]struct{}
}

// NewImage loads the current selector bitmap from bitmapDual and returns
// an Image of nblocks blocks of blockSize bytes each. l0 and l1 must each
// be exactly nblocks*blockSize bytes.
func NewImage(l0, l1 raf.RAF, bitmapDual *cryptolayer.DualFile, blockSize, nblocks int64) (*Image, error) {
	want := nblocks * blockSize
	if l0.Len() != want || l1.Len() != want {
		return nil, archerr.New(archerr.KindBadFormat, "dpfs.Image", 0, "data partitions do not match nblocks*blockSize")
	}
	bitmapLen := (nblocks + 7) / 8
	if bitmapDual.Len() < bitmapLen {
		return nil, archerr.New(archerr.KindBadFormat, "dpfs.Image", 0, "selector bitmap RAF too short for nblocks")
	}
	raw := make([]byte, bitmapLen)
	if err := bitmapDual.ReadAt(raw, 0); err != nil {
		return nil, err
	}
	bs := bitset.New(uint(nblocks))
	for i := int64(0); i < nblocks; i++ {
		if raw[i/8]&(1<<uint(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &Image{
		blockSize:   blockSize,
		nblocks:     nblocks,
		sides:       [2]raf.RAF{l0, l1},
		bitmapDual:  bitmapDual,
		state:       bs,
		dirtyBlocks: map[int64]struct{}{},
	}, nil
}

func (img *Image) Len() int64 { return img.nblocks * img.blockSize }

func (img *Image) sideOf(block int64) int {
	if img.state.Test(uint(block)) {
		return 1
	}
	return 0
}

// ReadAt reads from whichever side each touched block currently lives
// on, per the in-memory selector state (which already reflects writes
// made earlier in this session, per spec.md section 5's ordering
// guarantee).
func (img *Image) ReadAt(p []byte, off int64) error {
	if err := rangeCheck("dpfs.Image", img.Len(), off, len(p)); err != nil {
		return err
	}
	remaining := p
	cur := off
	for len(remaining) > 0 {
		block := cur / img.blockSize
		blockOff := cur % img.blockSize
		n := img.blockSize - blockOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		side := img.sideOf(block)
		if err := img.sides[side].ReadAt(remaining[:n], block*img.blockSize+blockOff); err != nil {
			return err
		}
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

// WriteAt performs the read-active/modify/write-inactive dance the first
// time a block is touched since the last commit, then flips that block's
// bit in the in-memory selector shadow; later writes to the same block
// go straight to that uncommitted copy. The committed side of a block is
// never written, so none of this is durable until Commit.
func (img *Image) WriteAt(p []byte, off int64) error {
	if err := rangeCheck("dpfs.Image", img.Len(), off, len(p)); err != nil {
		return err
	}
	remaining := p
	cur := off
	for len(remaining) > 0 {
		block := cur / img.blockSize
		blockOff := cur % img.blockSize
		n := img.blockSize - blockOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}

		activeSide := img.sideOf(block)
		if _, shadowed := img.dirtyBlocks[block]; shadowed {
			if err := img.sides[activeSide].WriteAt(remaining[:n], block*img.blockSize+blockOff); err != nil {
				return err
			}
			remaining = remaining[n:]
			cur += n
			continue
		}
		inactiveSide := 1 - activeSide

		buf := make([]byte, img.blockSize)
		if err := img.sides[activeSide].ReadAt(buf, block*img.blockSize); err != nil {
			return err
		}
		copy(buf[blockOff:blockOff+n], remaining[:n])
		if err := img.sides[inactiveSide].WriteAt(buf, block*img.blockSize); err != nil {
			return err
		}

		if inactiveSide == 1 {
			img.state.Set(uint(block))
		} else {
			img.state.Clear(uint(block))
		}
		img.dirtyBlocks[block] = struct{}{}

		remaining = remaining[n:]
		cur += n
	}
	return nil
}

// Commit flushes both data partitions (only the inactive-side blocks
// that were actually written have any unflushed content) and then writes
// the updated selector bitmap through its DualFile, whose own Commit
// performs the atomic flip. Blocks never touched since the last commit
// are left alone on both sides, per spec.md 4.5.
func (img *Image) Commit() error {
	if len(img.dirtyBlocks) == 0 {
		return nil
	}
	if err := img.sides[0].Commit(); err != nil {
		return err
	}
	if err := img.sides[1].Commit(); err != nil {
		return err
	}

	bitmapLen := (img.nblocks + 7) / 8
	raw := make([]byte, bitmapLen)
	for i := int64(0); i < img.nblocks; i++ {
		if img.state.Test(uint(i)) {
			raw[i/8] |= 1 << uint(i%8)
		}
	}
	if err := img.bitmapDual.WriteAt(raw, 0); err != nil {
		return err
	}
	if err := img.bitmapDual.Commit(); err != nil {
		return err
	}
	img.dirtyBlocks = map[int64]struct{}{}
	return nil
}

func rangeCheck(layer string, l, off int64, n int) error {
	if off < 0 || n < 0 || off+int64(n) > l {
		return archerr.New(archerr.KindIO, layer, off, "out of bounds access")
	}
	return nil
}
