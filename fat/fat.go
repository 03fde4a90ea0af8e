// Package fat implements the FAT-like block allocator of spec.md
// section 4.7: a table of (next-link, singleton-flag) entries with the
// free-list head kept in reserved entry 0, plus FatFile, a cursor-cached
// random-access view over one chain.
package fat

import (
	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

const entrySize = 4 // one packed uint32 per entry

// EntrySize is exported so callers sizing a raw table's backing RAF
// (archive.Layout's region math) don't have to duplicate this constant.
const EntrySize = entrySize

const singletonBit = uint32(1) << 31

// Entry is one allocation unit: Next is the following block in the
// chain (0 means end-of-chain), and Singleton marks a chain that is
// exactly one block long, letting callers skip the traversal entirely.
type Entry struct {
	Next      uint32
	Singleton bool
}

func packEntry(e Entry) uint32 {
	v := e.Next &^ singletonBit
	if e.Singleton {
		v |= singletonBit
	}
	return v
}

func unpackEntry(v uint32) Entry {
	return Entry{Next: v &^ singletonBit, Singleton: v&singletonBit != 0}
}

// Table is the allocator's own bookkeeping: entries is a packed array of
// capacity+1 uint32 words, where entry 0 is reserved to hold the
// free-list head (the index of the first free block, or 0 if none).
// Blocks are numbered 1..capacity.
type Table struct {
	entries  raf.RAF
	capacity int64
}

// NewTable wraps an already-formatted entries RAF of (capacity+1)*4
// bytes.
func NewTable(entries raf.RAF, capacity int64) (*Table, error) {
	if entries.Len() != (capacity+1)*entrySize {
		return nil, archerr.New(archerr.KindBadFormat, "fat.Table", 0, "entries RAF length does not match capacity")
	}
	return &Table{entries: entries, capacity: capacity}, nil
}

// Format initializes entries as a RAF of (capacity+1)*4 bytes into an
// empty table: every block 1..capacity chained onto the free list in
// order, with entry 0 pointing at block 1 (or 0 if capacity is 0).
func Format(entries raf.RAF, capacity int64) error {
	if entries.Len() != (capacity+1)*entrySize {
		return archerr.New(archerr.KindBadParams, "fat.Table", 0, "entries RAF length does not match capacity")
	}
	head := uint32(0)
	if capacity > 0 {
		head = 1
	}
	if err := writeWord(entries, 0, head); err != nil {
		return err
	}
	for i := int64(1); i <= capacity; i++ {
		next := uint32(0)
		if i < capacity {
			next = uint32(i + 1)
		}
		if err := writeWord(entries, i, packEntry(Entry{Next: next})); err != nil {
			return err
		}
	}
	return entries.Commit()
}

func readWord(r raf.RAF, idx int64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], idx*entrySize); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func writeWord(r raf.RAF, idx int64, v uint32) error {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return r.WriteAt(b[:], idx*entrySize)
}

func (t *Table) get(idx int64) (Entry, error) {
	w, err := readWord(t.entries, idx)
	if err != nil {
		return Entry{}, err
	}
	return unpackEntry(w), nil
}

func (t *Table) set(idx int64, e Entry) error {
	return writeWord(t.entries, idx, packEntry(e))
}

// Commit flushes the entries RAF, persisting every allocation and free
// made through this Table.
func (t *Table) Commit() error { return t.entries.Commit() }

func (t *Table) freeHead() (uint32, error) { return readWord(t.entries, 0) }

func (t *Table) setFreeHead(v uint32) error { return writeWord(t.entries, 0, v) }

func (t *Table) popFree() (int64, error) {
	head, err := t.freeHead()
	if err != nil {
		return 0, err
	}
	if head == 0 {
		return 0, archerr.New(archerr.KindNoSpace, "fat.Table", 0, "no free blocks remain")
	}
	e, err := t.get(int64(head))
	if err != nil {
		return 0, err
	}
	if err := t.setFreeHead(e.Next); err != nil {
		return 0, err
	}
	return int64(head), nil
}

func (t *Table) pushFree(block int64) error {
	head, err := t.freeHead()
	if err != nil {
		return err
	}
	if err := t.set(block, Entry{Next: head}); err != nil {
		return err
	}
	return t.setFreeHead(uint32(block))
}

// Allocate reserves a chain of n blocks and returns its start block.
// n must be at least 1.
func (t *Table) Allocate(n int64) (int64, error) {
	if n < 1 {
		return 0, archerr.New(archerr.KindBadParams, "fat.Table", 0, "chain length must be positive")
	}
	blocks := make([]int64, 0, n)
	for int64(len(blocks)) < n {
		b, err := t.popFree()
		if err != nil {
			for _, got := range blocks {
				_ = t.pushFree(got)
			}
			return 0, err
		}
		blocks = append(blocks, b)
	}
	for i, b := range blocks {
		e := Entry{}
		switch {
		case n == 1:
			e = Entry{Next: 0, Singleton: true}
		case i == len(blocks)-1:
			e = Entry{Next: 0}
		default:
			e = Entry{Next: uint32(blocks[i+1])}
		}
		if err := t.set(b, e); err != nil {
			return 0, err
		}
	}
	return blocks[0], nil
}

// Free returns every block of the chain starting at start to the free
// list.
func (t *Table) Free(start int64) error {
	if start == 0 {
		return nil
	}
	cur := start
	for {
		e, err := t.get(cur)
		if err != nil {
			return err
		}
		next := int64(e.Next)
		if err := t.pushFree(cur); err != nil {
			return err
		}
		if e.Singleton || next == 0 {
			return nil
		}
		cur = next
	}
}

// ChainLength walks start's chain and counts its blocks.
func (t *Table) ChainLength(start int64) (int64, error) {
	if start == 0 {
		return 0, nil
	}
	n := int64(0)
	cur := start
	for {
		n++
		e, err := t.get(cur)
		if err != nil {
			return 0, err
		}
		if e.Singleton || e.Next == 0 {
			return n, nil
		}
		cur = int64(e.Next)
	}
}

// Grow appends extra blocks onto the tail of the chain starting at
// start and returns the (possibly unchanged) start block: growing a
// zero-length (start==0) chain allocates a fresh one.
func (t *Table) Grow(start int64, extra int64) (int64, error) {
	if extra == 0 {
		return start, nil
	}
	if start == 0 {
		return t.Allocate(extra)
	}
	tail, err := t.lastBlock(start)
	if err != nil {
		return 0, err
	}
	newChainStart, err := t.Allocate(extra)
	if err != nil {
		return 0, err
	}
	// singleton or not, extending the tail always just re-links it
	if err := t.set(tail, Entry{Next: uint32(newChainStart)}); err != nil {
		return 0, err
	}
	return start, nil
}

// Shrink frees every block of start's chain after the first keep
// blocks, marking the new tail as end-of-chain (and singleton if
// keep==1).
func (t *Table) Shrink(start int64, keep int64) error {
	if start == 0 || keep <= 0 {
		return t.Free(start)
	}
	cur := start
	for i := int64(1); i < keep; i++ {
		e, err := t.get(cur)
		if err != nil {
			return err
		}
		if e.Singleton || e.Next == 0 {
			return nil // already shorter than keep
		}
		cur = int64(e.Next)
	}
	e, err := t.get(cur)
	if err != nil {
		return err
	}
	rest := e.Next
	singleton := keep == 1
	if err := t.set(cur, Entry{Next: 0, Singleton: singleton}); err != nil {
		return err
	}
	if !e.Singleton && rest != 0 {
		return t.Free(int64(rest))
	}
	return nil
}

func (t *Table) lastBlock(start int64) (int64, error) {
	cur := start
	for {
		e, err := t.get(cur)
		if err != nil {
			return 0, err
		}
		if e.Singleton || e.Next == 0 {
			return cur, nil
		}
		cur = int64(e.Next)
	}
}

// blockAt walks from start to the n'th block (0-indexed) of its chain.
func (t *Table) blockAt(start int64, n int64) (int64, error) {
	cur := start
	for i := int64(0); i < n; i++ {
		e, err := t.get(cur)
		if err != nil {
			return 0, err
		}
		if e.Singleton || e.Next == 0 {
			return 0, archerr.New(archerr.KindBadFormat, "fat.Table", 0, "chain shorter than requested block index")
		}
		cur = int64(e.Next)
	}
	return cur, nil
}

// FatFile is a cursor-cached random-access view over one chain: start
// block, blockSize, and a logical length in bytes within that chain.
// The cursor remembers the last (chainIndex, physicalBlock) pair visited
// so sequential access never re-walks the chain from its head.
type FatFile struct {
	table     *Table
	data      raf.RAF // block pool, block i at data[(i-1)*blockSize:]
	blockSize int64
	start     int64
	length    int64

	cursorChainIdx int64
	cursorBlock    int64
	cursorValid    bool
}

// NewFatFile opens a FatFile over an existing chain.
func NewFatFile(table *Table, data raf.RAF, blockSize, start, length int64) *FatFile {
	return &FatFile{table: table, data: data, blockSize: blockSize, start: start, length: length}
}

func (f *FatFile) Len() int64 { return f.length }

func (f *FatFile) blockOffset(block int64) int64 { return (block - 1) * f.blockSize }

// physicalBlock returns the pool block holding chain position
// chainIdx, using and updating the cursor.
func (f *FatFile) physicalBlock(chainIdx int64) (int64, error) {
	if f.cursorValid && chainIdx >= f.cursorChainIdx {
		b, err := f.table.blockAt(f.cursorBlock, chainIdx-f.cursorChainIdx)
		if err == nil {
			f.cursorChainIdx, f.cursorBlock, f.cursorValid = chainIdx, b, true
			return b, nil
		}
	}
	b, err := f.table.blockAt(f.start, chainIdx)
	if err != nil {
		return 0, err
	}
	f.cursorChainIdx, f.cursorBlock, f.cursorValid = chainIdx, b, true
	return b, nil
}

func (f *FatFile) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > f.length {
		return archerr.New(archerr.KindIO, "fat.FatFile", off, "out of bounds read")
	}
	remaining := p
	cur := off
	for len(remaining) > 0 {
		chainIdx := cur / f.blockSize
		blockOff := cur % f.blockSize
		n := f.blockSize - blockOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		block, err := f.physicalBlock(chainIdx)
		if err != nil {
			return err
		}
		if err := f.data.ReadAt(remaining[:n], f.blockOffset(block)+blockOff); err != nil {
			return err
		}
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

func (f *FatFile) WriteAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > f.length {
		return archerr.New(archerr.KindIO, "fat.FatFile", off, "out of bounds write")
	}
	remaining := p
	cur := off
	for len(remaining) > 0 {
		chainIdx := cur / f.blockSize
		blockOff := cur % f.blockSize
		n := f.blockSize - blockOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		block, err := f.physicalBlock(chainIdx)
		if err != nil {
			return err
		}
		if err := f.data.WriteAt(remaining[:n], f.blockOffset(block)+blockOff); err != nil {
			return err
		}
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

func (f *FatFile) Commit() error { return f.data.Commit() }

// SetLength grows or shrinks the chain to hold newLength bytes,
// allocating or freeing whole blocks as needed, and updates start if the
// chain was empty.
func (f *FatFile) SetLength(newLength int64) error {
	if newLength < 0 {
		return archerr.New(archerr.KindBadParams, "fat.FatFile", 0, "negative length")
	}
	oldBlocks := blocksFor(f.length, f.blockSize)
	newBlocks := blocksFor(newLength, f.blockSize)
	switch {
	case newBlocks > oldBlocks:
		start, err := f.table.Grow(f.start, newBlocks-oldBlocks)
		if err != nil {
			return err
		}
		f.start = start
	case newBlocks < oldBlocks:
		if newBlocks == 0 {
			if err := f.table.Free(f.start); err != nil {
				return err
			}
			f.start = 0
		} else if err := f.table.Shrink(f.start, newBlocks); err != nil {
			return err
		}
	}
	f.length = newLength
	f.cursorValid = false
	return nil
}

func blocksFor(length, blockSize int64) int64 {
	if length == 0 {
		return 0
	}
	return (length + blockSize - 1) / blockSize
}

// Start returns the chain's start block (0 if empty), for callers that
// persist it in a directory/file entry.
func (f *FatFile) Start() int64 { return f.start }
