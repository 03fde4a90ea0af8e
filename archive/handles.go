package archive

import (
	"sync/atomic"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/fat"
	"github.com/kurenai-fs/savearc/fsmeta"
)

// DirHandle is an open reference to one directory entry. Archive.Commit
// and Archive.Close refuse to proceed while any handle from that
// archive remains open, per spec.md's handle-lifetime invariant.
type DirHandle struct {
	archive *Archive
	idx     uint32
	closed  bool
}

func (a *Archive) openDirHandle(idx uint32) (*DirHandle, error) {
	atomic.AddInt64(&a.openHandles, 1)
	return &DirHandle{archive: a, idx: idx}, nil
}

// Close releases the handle. Closing an already-closed handle is a
// no-op, matching the teacher's own idempotent Close conventions.
func (h *DirHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	atomic.AddInt64(&h.archive.openHandles, -1)
	return nil
}

func (h *DirHandle) checkOpen() error {
	if h.closed {
		return archerr.New(archerr.KindInvalidHandle, "archive.DirHandle", 0, "use of closed directory handle")
	}
	return nil
}

// ListSubDir returns the names of every child directory.
func (h *DirHandle) ListSubDir() ([]string, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	names, err := h.archive.dirTable.ListSubDirs(h.idx)
	return names, h.archive.wrapErr(err)
}

// ListSubFile returns the names of every file directly under this
// directory.
func (h *DirHandle) ListSubFile() ([]string, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	names, err := h.archive.dirTable.ListSubFiles(h.archive.dirTable, h.archive.fileTable, h.idx)
	return names, h.archive.wrapErr(err)
}

// OpenSubDir opens a named child directory.
func (h *DirHandle) OpenSubDir(name string) (*DirHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	idx, _, err := h.archive.dirTable.FindDir(h.idx, name)
	if err != nil {
		return nil, h.archive.wrapErr(err)
	}
	return h.archive.openDirHandle(idx)
}

// CreateSubDir creates and opens a named child directory.
func (h *DirHandle) CreateSubDir(name string) (*DirHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if h.archive.readOnly {
		return nil, h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.DirHandle", 0, "create on read-only archive"))
	}
	idx, err := h.archive.dirTable.CreateDir(h.archive.dirTable, h.idx, name)
	if err != nil {
		return nil, h.archive.wrapErr(err)
	}
	return h.archive.openDirHandle(idx)
}

// OpenSubFile opens a named file directly under this directory.
func (h *DirHandle) OpenSubFile(name string) (*FileHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	idx, e, err := h.archive.fileTable.FindFile(h.idx, name)
	if err != nil {
		return nil, h.archive.wrapErr(err)
	}
	return h.archive.openFileHandle(idx, e)
}

// CreateSubFile creates and opens a new file of size bytes directly
// under this directory, per spec.md section 6's create_sub_file(name,
// size). size must be positive. ExtData's fixed-size invariant (see
// FileHandle.Resize) only forbids mutating the size after creation, not
// choosing it at creation.
func (h *DirHandle) CreateSubFile(name string, size int64) (*FileHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if h.archive.readOnly {
		return nil, h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.DirHandle", 0, "create on read-only archive"))
	}
	if size <= 0 {
		return nil, h.archive.wrapErr(archerr.New(archerr.KindBadParams, "archive.DirHandle", 0, "file size must be positive"))
	}
	idx, err := h.archive.fileTable.CreateFile(h.archive.dirTable, h.idx, name)
	if err != nil {
		return nil, h.archive.wrapErr(err)
	}
	e, err := h.archive.fileTable.ReadFile(idx)
	if err != nil {
		return nil, h.archive.wrapErr(err)
	}
	fh, err := h.archive.openFileHandle(idx, e)
	if err != nil {
		return nil, err
	}
	if err := fh.resizeUnchecked(size); err != nil {
		_ = fh.Close()
		return nil, err
	}
	return fh, nil
}

// Rename moves this directory to newName under newParent, rehashing and
// relinking it via fsmeta.Table.RenameDir. Renaming onto the directory's
// own current (parent, name) is a no-op success, per spec.md section 8.
func (h *DirHandle) Rename(newParent *DirHandle, newName string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if err := newParent.checkOpen(); err != nil {
		return err
	}
	if h.archive.readOnly {
		return h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.DirHandle", 0, "rename on read-only archive"))
	}
	return h.archive.wrapErr(h.archive.dirTable.RenameDir(h.archive.dirTable, h.idx, newParent.idx, newName))
}

// DeleteSubDir removes an empty named child directory.
func (h *DirHandle) DeleteSubDir(name string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	idx, _, err := h.archive.dirTable.FindDir(h.idx, name)
	if err != nil {
		return h.archive.wrapErr(err)
	}
	return h.archive.wrapErr(h.archive.dirTable.DeleteDir(h.archive.dirTable, idx))
}

// DeleteSubFile removes a named file and frees its FAT chain.
func (h *DirHandle) DeleteSubFile(name string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	idx, e, err := h.archive.fileTable.FindFile(h.idx, name)
	if err != nil {
		return h.archive.wrapErr(err)
	}
	if e.StartBlock != 0 {
		if err := h.archive.fatTable.Free(int64(e.StartBlock)); err != nil {
			return h.archive.wrapErr(err)
		}
	}
	return h.archive.wrapErr(h.archive.fileTable.DeleteFile(h.archive.dirTable, idx))
}

// FileHandle is an open reference to one file's content stream,
// transparently backed by its FAT chain or, for short streams, the
// inline bytes stored directly in its FileEntry.
type FileHandle struct {
	archive *Archive
	idx     uint32
	entry   fsmeta.FileEntry
	chain   *fat.FatFile // nil while the content is inline
	closed  bool
}

func (a *Archive) openFileHandle(idx uint32, e fsmeta.FileEntry) (*FileHandle, error) {
	atomic.AddInt64(&a.openHandles, 1)
	fh := &FileHandle{archive: a, idx: idx, entry: e}
	if e.StartBlock != 0 {
		fh.chain = fat.NewFatFile(a.fatTable, a.data, a.blockSize, int64(e.StartBlock), e.Length)
	}
	return fh, nil
}

func (h *FileHandle) checkOpen() error {
	if h.closed {
		return archerr.New(archerr.KindInvalidHandle, "archive.FileHandle", 0, "use of closed file handle")
	}
	return nil
}

// Close releases the handle.
func (h *FileHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	atomic.AddInt64(&h.archive.openHandles, -1)
	return nil
}

// Len returns the file's current logical length.
func (h *FileHandle) Len() int64 { return h.entry.Length }

// ReadAt reads from the file's inline bytes or FAT chain, whichever
// currently backs it.
func (h *FileHandle) ReadAt(p []byte, off int64) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.chain == nil {
		if off < 0 || off+int64(len(p)) > h.entry.Length {
			return h.archive.wrapErr(archerr.New(archerr.KindIO, "archive.FileHandle", off, "out of bounds read of inline content"))
		}
		copy(p, h.entry.Inline[off:off+int64(len(p))])
		return nil
	}
	return h.archive.wrapErr(h.chain.ReadAt(p, off))
}

// WriteAt writes into the file's inline bytes or FAT chain. A write on an
// inline file must stay within both the file's length and InlineLen;
// writing further needs the content migrated into a FAT chain first,
// and Resize is the caller's path for that.
func (h *FileHandle) WriteAt(p []byte, off int64) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.archive.readOnly {
		return h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.FileHandle", off, "write on read-only archive"))
	}
	if h.chain == nil {
		if off < 0 || off+int64(len(p)) > int64(len(h.entry.Inline)) || off+int64(len(p)) > h.entry.Length {
			return h.archive.wrapErr(archerr.New(archerr.KindIO, "archive.FileHandle", off, "out of bounds write of inline content"))
		}
		copy(h.entry.Inline[off:off+int64(len(p))], p)
		return h.archive.wrapErr(h.archive.fileTable.WriteFile(h.idx, h.entry))
	}
	if err := h.chain.WriteAt(p, off); err != nil {
		return h.archive.wrapErr(err)
	}
	return nil
}

// Resize grows or shrinks the file to newLength bytes, migrating out of
// inline storage into a fresh FAT chain the first time newLength exceeds
// InlineLen. ExtData's size is fixed at creation (spec.md section 3):
// any call that would actually change an ExtData file's length is
// rejected with KindBrokenFixedSize.
func (h *FileHandle) Resize(newLength int64) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.archive.variant == VariantExtData && newLength != h.entry.Length {
		return h.archive.wrapErr(archerr.New(archerr.KindBrokenFixedSize, "archive.FileHandle", 0,
			"extdata file size is fixed at creation"))
	}
	return h.resizeUnchecked(newLength)
}

// resizeUnchecked implements the actual grow/shrink/migrate logic,
// bypassing the ExtData fixed-size check: CreateSubFile uses it once,
// to size a freshly created file, which is always allowed regardless of
// variant.
func (h *FileHandle) resizeUnchecked(newLength int64) error {
	if h.archive.readOnly {
		return h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.FileHandle", 0, "resize on read-only archive"))
	}
	if newLength < 0 {
		return h.archive.wrapErr(archerr.New(archerr.KindBadParams, "archive.FileHandle", 0, "negative length"))
	}
	if h.chain == nil && newLength <= int64(len(h.entry.Inline)) {
		h.entry.Length = newLength
		return h.archive.wrapErr(h.archive.fileTable.WriteFile(h.idx, h.entry))
	}
	if h.chain == nil {
		// migrate inline content into a freshly allocated FAT chain.
		chain := fat.NewFatFile(h.archive.fatTable, h.archive.data, h.archive.blockSize, 0, 0)
		if err := chain.SetLength(newLength); err != nil {
			return h.archive.wrapErr(err)
		}
		if err := chain.WriteAt(h.entry.Inline[:h.entry.Length], 0); err != nil {
			return h.archive.wrapErr(err)
		}
		h.chain = chain
		h.entry.StartBlock = uint32(chain.Start())
		h.entry.Length = newLength
		return h.archive.wrapErr(h.archive.fileTable.WriteFile(h.idx, h.entry))
	}
	if err := h.chain.SetLength(newLength); err != nil {
		return h.archive.wrapErr(err)
	}
	h.entry.StartBlock = uint32(h.chain.Start())
	h.entry.Length = newLength
	return h.archive.wrapErr(h.archive.fileTable.WriteFile(h.idx, h.entry))
}

// Rename moves this file to newName under newParent, rehashing and
// relinking it via fsmeta.Table.RenameFile. Renaming onto the file's
// own current (parent, name) is a no-op success, per spec.md section 8.
func (h *FileHandle) Rename(newParent *DirHandle, newName string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if err := newParent.checkOpen(); err != nil {
		return err
	}
	if h.archive.readOnly {
		return h.archive.wrapErr(archerr.New(archerr.KindNotSupported, "archive.FileHandle", 0, "rename on read-only archive"))
	}
	if err := h.archive.fileTable.RenameFile(h.archive.dirTable, h.idx, newParent.idx, newName); err != nil {
		return h.archive.wrapErr(err)
	}
	e, err := h.archive.fileTable.ReadFile(h.idx)
	if err != nil {
		return h.archive.wrapErr(err)
	}
	h.entry = e
	return nil
}
