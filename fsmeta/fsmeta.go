// Package fsmeta implements the hashed directory/file table layer of
// spec.md section 4.8: fixed-size DirEntry/FileEntry records, a
// bucket-hash index with collision chains, sibling linked lists per
// parent, a free-entry reuse chain, and inline storage for small file
// streams.
package fsmeta

import (
	"golang.org/x/crypto/md4"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

// NoEntry is the null index: no parent, no sibling, no bucket occupant,
// end of a free chain.
const NoEntry uint32 = 0

// MaxNameLen bounds a path component; longer names are rejected with
// KindNameTooLong before they ever reach a table.
const MaxNameLen = 16

// InlineLen is the number of bytes of file content stored directly in a
// FileEntry, avoiding a FAT chain allocation for small streams (spec.md
// 4.8's "inline small-file storage"). Must match len(FileEntry.Inline).
const InlineLen = 64

// DirEntry is one fixed-size directory record. Name is fixed-width,
// zero-padded; names longer than MaxNameLen are rejected with
// KindNameTooLong on create and rename.
type DirEntry struct {
	Parent      uint32
	NextInChain uint32 // next entry in this bucket's collision chain
	FirstSubDir uint32
	FirstSubFile uint32
	NextSibling uint32
	Name        [MaxNameLen]byte
}

// FileEntry is one fixed-size file record: its name, parent, sibling
// and collision links like DirEntry, plus the start block of its FAT
// chain (or inline bytes for streams short enough to skip FAT
// entirely) and its logical length.
type FileEntry struct {
	Parent      uint32
	NextInChain uint32
	NextSibling uint32
	Name        [MaxNameLen]byte
	StartBlock  uint32 // 0 and Length<=len(Inline) means content lives in Inline
	Length      int64
	Inline      [64]byte
}

func nameBytes(name string) ([MaxNameLen]byte, error) {
	var b [MaxNameLen]byte
	if len(name) == 0 || len(name) > MaxNameLen {
		return b, archerr.New(archerr.KindNameTooLong, "fsmeta", 0, "name must be 1..16 bytes")
	}
	copy(b[:], name)
	return b, nil
}

func nameString(b [MaxNameLen]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// bucketHash derives a directory table's bucket index for (parent,
// name) using MD4 over parent's bytes and the name zero-padded to
// MaxNameLen, taking the first 32 bits of the digest modulo bucketCount. There is no dedicated bucket-hash routine in the example
// corpus, so this borrows ext4 htree's own choice of MD4 half-hash for
// exactly this purpose: a fast, non-cryptographic keyed name hash for
// directory bucketing.
func bucketHash(parent uint32, name string, bucketCount uint32) uint32 {
	h := md4.New()
	var pb [4]byte
	pb[0], pb[1], pb[2], pb[3] = byte(parent>>24), byte(parent>>16), byte(parent>>8), byte(parent)
	h.Write(pb[:])
	var padded [MaxNameLen]byte
	copy(padded[:], name)
	h.Write(padded[:])
	sum := h.Sum(nil)
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return v % bucketCount
}

const dirEntrySize = 4*5 + MaxNameLen
const fileEntrySize = 4*3 + MaxNameLen + 4 + 8 + 64

// DirEntrySize and FileEntrySize are exported so callers sizing a raw
// table's backing RAF (archive.Layout's region math) don't have to
// duplicate this package's record layout.
const DirEntrySize = dirEntrySize
const FileEntrySize = fileEntrySize

// Table is a hashed table of fixed-size records over a RAF: a bucket
// array of uint32 head pointers (1-indexed entry numbers, 0 = empty),
// followed by a flat array of entries addressed by index*entrySize,
// with entry 0 reserved as the head of the free-entry reuse chain
// (mirroring fat.Table's own entry-0 convention).
type Table struct {
	buckets     raf.RAF // bucketCount * 4 bytes
	entries     raf.RAF // (capacity+1) * entrySize bytes
	bucketCount uint32
	capacity    uint32
	entrySize   int64
	isDir       bool
}

func newTable(buckets, entries raf.RAF, bucketCount, capacity uint32, entrySize int64, isDir bool) (*Table, error) {
	if buckets.Len() != int64(bucketCount)*4 {
		return nil, archerr.New(archerr.KindBadFormat, "fsmeta.Table", 0, "bucket RAF length mismatch")
	}
	if entries.Len() != (int64(capacity)+1)*entrySize {
		return nil, archerr.New(archerr.KindBadFormat, "fsmeta.Table", 0, "entries RAF length mismatch")
	}
	return &Table{buckets: buckets, entries: entries, bucketCount: bucketCount, capacity: capacity, entrySize: entrySize, isDir: isDir}, nil
}

// NewDirTable wraps an already-formatted directory table.
func NewDirTable(buckets, entries raf.RAF, bucketCount, capacity uint32) (*Table, error) {
	return newTable(buckets, entries, bucketCount, capacity, dirEntrySize, true)
}

// NewFileTable wraps an already-formatted file table.
func NewFileTable(buckets, entries raf.RAF, bucketCount, capacity uint32) (*Table, error) {
	return newTable(buckets, entries, bucketCount, capacity, fileEntrySize, false)
}

// Format zeroes the bucket array and links every entry 1..capacity into
// the free-entry chain, with entry 0's first 4 bytes (the position of
// the Parent field) holding the chain head, exactly like fat.Table's
// entry 0; each free entry's first 4 bytes hold the next free index.
func Format(buckets, entries raf.RAF, bucketCount, capacity uint32, entrySize int64) error {
	if buckets.Len() != int64(bucketCount)*4 {
		return archerr.New(archerr.KindBadParams, "fsmeta.Table", 0, "bucket RAF length mismatch")
	}
	if entries.Len() != (int64(capacity)+1)*entrySize {
		return archerr.New(archerr.KindBadParams, "fsmeta.Table", 0, "entries RAF length mismatch")
	}
	zero := make([]byte, buckets.Len())
	if err := buckets.WriteAt(zero, 0); err != nil {
		return err
	}
	head := uint32(0)
	if capacity > 0 {
		head = 1
	}
	if err := putU32(entries, 0, head); err != nil {
		return err
	}
	for i := uint32(1); i <= capacity; i++ {
		next := uint32(0)
		if i < capacity {
			next = i + 1
		}
		if err := putU32(entries, int64(i)*entrySize, next); err != nil {
			return err
		}
	}
	if err := buckets.Commit(); err != nil {
		return err
	}
	return entries.Commit()
}

func getU32(r raf.RAF, off int64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func putU32(r raf.RAF, off int64, v uint32) error {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return r.WriteAt(b[:], off)
}

// Commit flushes both the bucket array and the entries RAF.
func (t *Table) Commit() error {
	if err := t.buckets.Commit(); err != nil {
		return err
	}
	return t.entries.Commit()
}

func (t *Table) freeHead() (uint32, error) { return getU32(t.entries, 0) }

func (t *Table) setFreeHead(v uint32) error { return putU32(t.entries, 0, v) }

func (t *Table) allocEntry() (uint32, error) {
	head, err := t.freeHead()
	if err != nil {
		return 0, err
	}
	if head == 0 {
		return 0, archerr.New(archerr.KindNoSpace, "fsmeta.Table", 0, "entry table is full")
	}
	next, err := getU32(t.entries, int64(head)*t.entrySize)
	if err != nil {
		return 0, err
	}
	if err := t.setFreeHead(next); err != nil {
		return 0, err
	}
	return head, nil
}

func (t *Table) freeEntry(idx uint32) error {
	head, err := t.freeHead()
	if err != nil {
		return err
	}
	if err := putU32(t.entries, int64(idx)*t.entrySize, head); err != nil {
		return err
	}
	return t.setFreeHead(idx)
}

func (t *Table) bucketOf(parent uint32, name string) uint32 {
	return bucketHash(parent, name, t.bucketCount)
}

func (t *Table) bucketHead(bucket uint32) (uint32, error) { return getU32(t.buckets, int64(bucket)*4) }

func (t *Table) setBucketHead(bucket, idx uint32) error { return putU32(t.buckets, int64(bucket)*4, idx) }

// readDir/writeDir/readFile/writeFile marshal fixed records into the
// flat entries RAF at idx*entrySize; index 0 is reserved.

func (t *Table) readDir(idx uint32) (DirEntry, error) {
	buf := make([]byte, dirEntrySize)
	if err := t.entries.ReadAt(buf, int64(idx)*t.entrySize); err != nil {
		return DirEntry{}, err
	}
	var e DirEntry
	e.Parent = be32(buf[0:4])
	e.NextInChain = be32(buf[4:8])
	e.FirstSubDir = be32(buf[8:12])
	e.FirstSubFile = be32(buf[12:16])
	e.NextSibling = be32(buf[16:20])
	copy(e.Name[:], buf[20:20+MaxNameLen])
	return e, nil
}

func (t *Table) writeDir(idx uint32, e DirEntry) error {
	buf := make([]byte, dirEntrySize)
	putBe32(buf[0:4], e.Parent)
	putBe32(buf[4:8], e.NextInChain)
	putBe32(buf[8:12], e.FirstSubDir)
	putBe32(buf[12:16], e.FirstSubFile)
	putBe32(buf[16:20], e.NextSibling)
	copy(buf[20:20+MaxNameLen], e.Name[:])
	return t.entries.WriteAt(buf, int64(idx)*t.entrySize)
}

func (t *Table) readFile(idx uint32) (FileEntry, error) {
	buf := make([]byte, fileEntrySize)
	if err := t.entries.ReadAt(buf, int64(idx)*t.entrySize); err != nil {
		return FileEntry{}, err
	}
	var e FileEntry
	e.Parent = be32(buf[0:4])
	e.NextInChain = be32(buf[4:8])
	e.NextSibling = be32(buf[8:12])
	copy(e.Name[:], buf[12:12+MaxNameLen])
	off := 12 + MaxNameLen
	e.StartBlock = be32(buf[off : off+4])
	off += 4
	e.Length = be64(buf[off : off+8])
	off += 8
	copy(e.Inline[:], buf[off:off+64])
	return e, nil
}

func (t *Table) writeFile(idx uint32, e FileEntry) error {
	buf := make([]byte, fileEntrySize)
	putBe32(buf[0:4], e.Parent)
	putBe32(buf[4:8], e.NextInChain)
	putBe32(buf[8:12], e.NextSibling)
	copy(buf[12:12+MaxNameLen], e.Name[:])
	off := 12 + MaxNameLen
	putBe32(buf[off:off+4], e.StartBlock)
	off += 4
	putBe64(buf[off:off+8], uint64(e.Length))
	off += 8
	copy(buf[off:off+64], e.Inline[:])
	return t.entries.WriteAt(buf, int64(idx)*t.entrySize)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putBe32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}
func be64(b []byte) int64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v)
}
func putBe64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// FindDir looks up (parent, name) in a directory table, walking the
// bucket's collision chain.
func (t *Table) FindDir(parent uint32, name string) (uint32, DirEntry, error) {
	bucket := t.bucketOf(parent, name)
	idx, err := t.bucketHead(bucket)
	if err != nil {
		return 0, DirEntry{}, err
	}
	for idx != NoEntry {
		e, err := t.readDir(idx)
		if err != nil {
			return 0, DirEntry{}, err
		}
		if e.Parent == parent && nameString(e.Name) == name {
			return idx, e, nil
		}
		idx = e.NextInChain
	}
	return 0, DirEntry{}, archerr.New(archerr.KindNotFound, "fsmeta.Table", 0, "directory entry not found")
}

// FindFile looks up (parent, name) in a file table.
func (t *Table) FindFile(parent uint32, name string) (uint32, FileEntry, error) {
	bucket := t.bucketOf(parent, name)
	idx, err := t.bucketHead(bucket)
	if err != nil {
		return 0, FileEntry{}, err
	}
	for idx != NoEntry {
		e, err := t.readFile(idx)
		if err != nil {
			return 0, FileEntry{}, err
		}
		if e.Parent == parent && nameString(e.Name) == name {
			return idx, e, nil
		}
		idx = e.NextInChain
	}
	return 0, FileEntry{}, archerr.New(archerr.KindNotFound, "fsmeta.Table", 0, "file entry not found")
}

// CreateDir inserts a new subdirectory of parentIdx (a directory entry
// index, or NoEntry for the root) named name, threading it onto both its
// bucket's collision chain and parentIdx's sibling list. Returns
// KindDuplicate if the name already exists under parent.
func (t *Table) CreateDir(parentDirTable *Table, parentIdx uint32, name string) (uint32, error) {
	nb, err := nameBytes(name)
	if err != nil {
		return 0, err
	}
	if _, _, err := t.FindDir(parentIdx, name); err == nil {
		return 0, archerr.New(archerr.KindDuplicate, "fsmeta.Table", 0, "directory name already exists")
	}
	idx, err := t.allocEntry()
	if err != nil {
		return 0, err
	}
	bucket := t.bucketOf(parentIdx, name)
	head, err := t.bucketHead(bucket)
	if err != nil {
		return 0, err
	}
	e := DirEntry{Parent: parentIdx, NextInChain: head, Name: nb}
	if err := t.writeDir(idx, e); err != nil {
		return 0, err
	}
	if err := t.setBucketHead(bucket, idx); err != nil {
		return 0, err
	}
	if parentDirTable != nil {
		parent, err := parentDirTable.readDir(parentIdx)
		if err != nil {
			return 0, err
		}
		e.NextSibling = parent.FirstSubDir
		if err := t.writeDir(idx, e); err != nil {
			return 0, err
		}
		parent.FirstSubDir = idx
		if err := parentDirTable.writeDir(parentIdx, parent); err != nil {
			return 0, err
		}
	}
	return idx, nil
}

// CreateFile inserts a new file named name under parentIdx, threading it
// onto its bucket's collision chain and parentDirTable's sibling list.
func (t *Table) CreateFile(parentDirTable *Table, parentIdx uint32, name string) (uint32, error) {
	nb, err := nameBytes(name)
	if err != nil {
		return 0, err
	}
	if _, _, err := t.FindFile(parentIdx, name); err == nil {
		return 0, archerr.New(archerr.KindDuplicate, "fsmeta.Table", 0, "file name already exists")
	}
	idx, err := t.allocEntry()
	if err != nil {
		return 0, err
	}
	bucket := t.bucketOf(parentIdx, name)
	head, err := t.bucketHead(bucket)
	if err != nil {
		return 0, err
	}
	e := FileEntry{Parent: parentIdx, NextInChain: head, Name: nb}
	if err := t.writeFile(idx, e); err != nil {
		return 0, err
	}
	if err := t.setBucketHead(bucket, idx); err != nil {
		return 0, err
	}
	parent, err := parentDirTable.readDir(parentIdx)
	if err != nil {
		return 0, err
	}
	e.NextSibling = parent.FirstSubFile
	if err := t.writeFile(idx, e); err != nil {
		return 0, err
	}
	parent.FirstSubFile = idx
	return idx, parentDirTable.writeDir(parentIdx, parent)
}

// unlinkChain removes idx from its bucket's collision chain.
func (t *Table) unlinkChain(bucket uint32, idx uint32, nextInChain uint32) error {
	head, err := t.bucketHead(bucket)
	if err != nil {
		return err
	}
	if head == idx {
		return t.setBucketHead(bucket, nextInChain)
	}
	cur := head
	for cur != NoEntry {
		var curNext uint32
		if t.isDir {
			e, err := t.readDir(cur)
			if err != nil {
				return err
			}
			curNext = e.NextInChain
			if curNext == idx {
				e.NextInChain = nextInChain
				return t.writeDir(cur, e)
			}
		} else {
			e, err := t.readFile(cur)
			if err != nil {
				return err
			}
			curNext = e.NextInChain
			if curNext == idx {
				e.NextInChain = nextInChain
				return t.writeFile(cur, e)
			}
		}
		cur = curNext
	}
	return archerr.New(archerr.KindBadFormat, "fsmeta.Table", 0, "entry missing from its own bucket chain")
}

// DeleteDir removes an empty subdirectory, unlinking it from both its
// bucket chain and its parent's sibling list. Returns KindNotEmpty if it
// still has children.
func (t *Table) DeleteDir(parentDirTable *Table, idx uint32) error {
	e, err := t.readDir(idx)
	if err != nil {
		return err
	}
	if e.FirstSubDir != NoEntry || e.FirstSubFile != NoEntry {
		return archerr.New(archerr.KindNotEmpty, "fsmeta.Table", 0, "directory still has children")
	}
	bucket := t.bucketOf(e.Parent, nameString(e.Name))
	if err := t.unlinkChain(bucket, idx, e.NextInChain); err != nil {
		return err
	}
	parent, err := parentDirTable.readDir(e.Parent)
	if err != nil {
		return err
	}
	parent.FirstSubDir = removeSibling(t, parent.FirstSubDir, idx, e.NextSibling)
	if err := parentDirTable.writeDir(e.Parent, parent); err != nil {
		return err
	}
	return t.freeEntry(idx)
}

// DeleteFile removes a file entry, unlinking it from its bucket chain
// and parent's sibling list.
func (t *Table) DeleteFile(parentDirTable *Table, idx uint32) error {
	e, err := t.readFile(idx)
	if err != nil {
		return err
	}
	bucket := t.bucketOf(e.Parent, nameString(e.Name))
	if err := t.unlinkChain(bucket, idx, e.NextInChain); err != nil {
		return err
	}
	parent, err := parentDirTable.readDir(e.Parent)
	if err != nil {
		return err
	}
	parent.FirstSubFile = removeFileSibling(t, parent.FirstSubFile, idx, e.NextSibling)
	if err := parentDirTable.writeDir(e.Parent, parent); err != nil {
		return err
	}
	return t.freeEntry(idx)
}

// removeSibling splices idx out of a directory sibling list whose head
// is head, given idx's own NextSibling value.
func removeSibling(dirTable *Table, head, idx, idxNext uint32) uint32 {
	if head == idx {
		return idxNext
	}
	cur := head
	for cur != NoEntry {
		e, err := dirTable.readDir(cur)
		if err != nil {
			return head
		}
		if e.NextSibling == idx {
			e.NextSibling = idxNext
			_ = dirTable.writeDir(cur, e)
			return head
		}
		cur = e.NextSibling
	}
	return head
}

func removeFileSibling(fileTable *Table, head, idx, idxNext uint32) uint32 {
	if head == idx {
		return idxNext
	}
	cur := head
	for cur != NoEntry {
		e, err := fileTable.readFile(cur)
		if err != nil {
			return head
		}
		if e.NextSibling == idx {
			e.NextSibling = idxNext
			_ = fileTable.writeFile(cur, e)
			return head
		}
		cur = e.NextSibling
	}
	return head
}

// RenameDir moves idx to (newParent, newName): it is unlinked from its
// old bucket chain and old parent's sibling list, then rehashed into
// newParent's bucket (since bucketHash depends on parent as well as
// name) and relinked into newParent's sibling list. Renaming onto the
// directory's own current (parent, name) is a no-op success. Returns
// KindDuplicate if newName already exists under newParent.
func (t *Table) RenameDir(parentDirTable *Table, idx uint32, newParent uint32, newName string) error {
	nb, err := nameBytes(newName)
	if err != nil {
		return err
	}
	e, err := t.readDir(idx)
	if err != nil {
		return err
	}
	if e.Parent == newParent && nameString(e.Name) == newName {
		return nil
	}
	if existing, _, err := t.FindDir(newParent, newName); err == nil && existing != idx {
		return archerr.New(archerr.KindDuplicate, "fsmeta.Table", 0, "directory name already exists under new parent")
	}

	oldBucket := t.bucketOf(e.Parent, nameString(e.Name))
	if err := t.unlinkChain(oldBucket, idx, e.NextInChain); err != nil {
		return err
	}
	oldParent, err := parentDirTable.readDir(e.Parent)
	if err != nil {
		return err
	}
	oldParent.FirstSubDir = removeSibling(t, oldParent.FirstSubDir, idx, e.NextSibling)
	if err := parentDirTable.writeDir(e.Parent, oldParent); err != nil {
		return err
	}

	newBucket := t.bucketOf(newParent, newName)
	head, err := t.bucketHead(newBucket)
	if err != nil {
		return err
	}
	newParentEntry, err := parentDirTable.readDir(newParent)
	if err != nil {
		return err
	}
	e.Parent = newParent
	e.Name = nb
	e.NextInChain = head
	e.NextSibling = newParentEntry.FirstSubDir
	if err := t.writeDir(idx, e); err != nil {
		return err
	}
	if err := t.setBucketHead(newBucket, idx); err != nil {
		return err
	}
	newParentEntry.FirstSubDir = idx
	return parentDirTable.writeDir(newParent, newParentEntry)
}

// RenameFile moves idx to (newParent, newName), the file-table
// counterpart of RenameDir.
func (t *Table) RenameFile(parentDirTable *Table, idx uint32, newParent uint32, newName string) error {
	nb, err := nameBytes(newName)
	if err != nil {
		return err
	}
	e, err := t.readFile(idx)
	if err != nil {
		return err
	}
	if e.Parent == newParent && nameString(e.Name) == newName {
		return nil
	}
	if existing, _, err := t.FindFile(newParent, newName); err == nil && existing != idx {
		return archerr.New(archerr.KindDuplicate, "fsmeta.Table", 0, "file name already exists under new parent")
	}

	oldBucket := t.bucketOf(e.Parent, nameString(e.Name))
	if err := t.unlinkChain(oldBucket, idx, e.NextInChain); err != nil {
		return err
	}
	oldParent, err := parentDirTable.readDir(e.Parent)
	if err != nil {
		return err
	}
	oldParent.FirstSubFile = removeFileSibling(t, oldParent.FirstSubFile, idx, e.NextSibling)
	if err := parentDirTable.writeDir(e.Parent, oldParent); err != nil {
		return err
	}

	newBucket := t.bucketOf(newParent, newName)
	head, err := t.bucketHead(newBucket)
	if err != nil {
		return err
	}
	newParentEntry, err := parentDirTable.readDir(newParent)
	if err != nil {
		return err
	}
	e.Parent = newParent
	e.Name = nb
	e.NextInChain = head
	e.NextSibling = newParentEntry.FirstSubFile
	if err := t.writeFile(idx, e); err != nil {
		return err
	}
	if err := t.setBucketHead(newBucket, idx); err != nil {
		return err
	}
	newParentEntry.FirstSubFile = idx
	return parentDirTable.writeDir(newParent, newParentEntry)
}

// ListSubDirs returns the names of every child directory of idx, via
// the sibling list.
func (t *Table) ListSubDirs(idx uint32) ([]string, error) {
	e, err := t.readDir(idx)
	if err != nil {
		return nil, err
	}
	var out []string
	cur := e.FirstSubDir
	for cur != NoEntry {
		child, err := t.readDir(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, nameString(child.Name))
		cur = child.NextSibling
	}
	return out, nil
}

// ListSubFiles returns the names of every file directly under dirIdx.
func (t *Table) ListSubFiles(dirTable *Table, fileTable *Table, dirIdx uint32) ([]string, error) {
	e, err := dirTable.readDir(dirIdx)
	if err != nil {
		return nil, err
	}
	var out []string
	cur := e.FirstSubFile
	for cur != NoEntry {
		f, err := fileTable.readFile(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, nameString(f.Name))
		cur = f.NextSibling
	}
	return out, nil
}

// ReadDir reads a directory entry by index.
func (t *Table) ReadDir(idx uint32) (DirEntry, error) { return t.readDir(idx) }

// ReadFile reads a file entry by index.
func (t *Table) ReadFile(idx uint32) (FileEntry, error) { return t.readFile(idx) }

// WriteFile overwrites a file entry by index, e.g. after a resize
// changes StartBlock/Length/Inline.
func (t *Table) WriteFile(idx uint32, e FileEntry) error { return t.writeFile(idx, e) }

// Name returns a fixed-width name buffer as a Go string.
func Name(b [MaxNameLen]byte) string { return nameString(b) }
