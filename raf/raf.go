// Package raf implements the RandomAccessFile contract that every layer
// in this module is built on: a byte-addressable, length-fixed container
// with read/write/commit, per spec.md section 3.
package raf

import (
	"fmt"
	"io"

	"github.com/kurenai-fs/savearc/archerr"
)

// RAF is the abstract byte container every layer composes. Length is
// fixed for the lifetime of the value; composed RAFs propagate Commit
// upward to whatever backs them.
type RAF interface {
	// Len returns the fixed length in bytes.
	Len() int64
	// ReadAt reads len(p) bytes starting at off. Returns an *archerr.Error
	// (KindIO) if the range is out of bounds; this package's own
	// implementations wrap io.ErrUnexpectedEOF in it.
	ReadAt(p []byte, off int64) error
	// WriteAt writes p starting at off, buffering in memory/lower layers
	// until Commit. Returns an *archerr.Error (KindIO) if out of bounds.
	WriteAt(p []byte, off int64) error
	// Commit flushes buffered state and propagates integrity metadata
	// upward (MAC recompute, hash tree update, selector flip, etc.)
	Commit() error
}

func boundsCheck(layer string, l int64, off int64, n int) error {
	if off < 0 || n < 0 || off+int64(n) > l {
		return archerr.Wrap(archerr.KindIO, layer, off,
			fmt.Sprintf("out of bounds read/write of %d bytes in %d-byte RAF", n, l), io.ErrUnexpectedEOF)
	}
	return nil
}

// File is the subset of *os.File (or an mmap-backed equivalent) that a
// host-backed RAF needs. Kept narrow so tests can supply an in-memory
// fake without touching the filesystem.
type File interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// OSFile is a RAF backed directly by a host file via ReadAt/WriteAt,
// matching go-diskfs's util.File role for ext4/qcow2 in the teacher.
type OSFile struct {
	f      File
	length int64
}

// NewOSFile wraps f, whose usable region is exactly [0,length).
func NewOSFile(f File, length int64) *OSFile {
	return &OSFile{f: f, length: length}
}

func (o *OSFile) Len() int64 { return o.length }

func (o *OSFile) ReadAt(p []byte, off int64) error {
	if err := boundsCheck("raf.OSFile", o.length, off, len(p)); err != nil {
		return err
	}
	n, err := o.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return archerr.Wrap(archerr.KindIO, "raf.OSFile", off, "host file read failed", err)
	}
	if n != len(p) {
		return archerr.Wrap(archerr.KindIO, "raf.OSFile", off,
			fmt.Sprintf("short read: got %d of %d bytes", n, len(p)), io.ErrUnexpectedEOF)
	}
	return nil
}

func (o *OSFile) WriteAt(p []byte, off int64) error {
	if err := boundsCheck("raf.OSFile", o.length, off, len(p)); err != nil {
		return err
	}
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		return archerr.Wrap(archerr.KindIO, "raf.OSFile", off, "host file write failed", err)
	}
	if n != len(p) {
		return archerr.Wrap(archerr.KindIO, "raf.OSFile", off,
			fmt.Sprintf("short write: wrote %d of %d bytes", n, len(p)), io.ErrShortWrite)
	}
	return nil
}

func (o *OSFile) Commit() error {
	if err := o.f.Sync(); err != nil {
		return archerr.Wrap(archerr.KindIO, "raf.OSFile", -1, "host file sync failed", err)
	}
	return nil
}

// Slice is an in-memory RAF, used for the selector/header scratch RAFs
// that DualFile and DPFS persist alongside their data partitions, and
// for tests.
type Slice struct {
	buf []byte
}

// NewSlice allocates a zeroed in-memory RAF of the given length.
func NewSlice(length int64) *Slice {
	return &Slice{buf: make([]byte, length)}
}

// NewSliceFrom wraps an existing byte slice without copying.
func NewSliceFrom(buf []byte) *Slice {
	return &Slice{buf: buf}
}

func (s *Slice) Len() int64 { return int64(len(s.buf)) }

func (s *Slice) Bytes() []byte { return s.buf }

func (s *Slice) ReadAt(p []byte, off int64) error {
	if err := boundsCheck("raf.Slice", int64(len(s.buf)), off, len(p)); err != nil {
		return err
	}
	copy(p, s.buf[off:off+int64(len(p))])
	return nil
}

func (s *Slice) WriteAt(p []byte, off int64) error {
	if err := boundsCheck("raf.Slice", int64(len(s.buf)), off, len(p)); err != nil {
		return err
	}
	copy(s.buf[off:off+int64(len(p))], p)
	return nil
}

func (s *Slice) Commit() error { return nil }

// View is a length-bounded window into another RAF at a fixed base
// offset, used to carve a parent image into named regions (header, hash
// tree, FAT, data) the way FsMeta's streams live inside FatFile regions.
type View struct {
	base   RAF
	offset int64
	length int64
}

// NewView returns a RAF over base[offset:offset+length]. Commit on a
// View propagates to base.Commit, since a View never owns durability.
func NewView(base RAF, offset, length int64) (*View, error) {
	if offset < 0 || length < 0 || offset+length > base.Len() {
		return nil, archerr.New(archerr.KindIO, "raf.View", offset,
			fmt.Sprintf("view [%d,%d) exceeds backing length %d", offset, offset+length, base.Len()))
	}
	return &View{base: base, offset: offset, length: length}, nil
}

func (v *View) Len() int64 { return v.length }

func (v *View) ReadAt(p []byte, off int64) error {
	if err := boundsCheck("raf.View", v.length, off, len(p)); err != nil {
		return err
	}
	return v.base.ReadAt(p, v.offset+off)
}

func (v *View) WriteAt(p []byte, off int64) error {
	if err := boundsCheck("raf.View", v.length, off, len(p)); err != nil {
		return err
	}
	return v.base.WriteAt(p, v.offset+off)
}

func (v *View) Commit() error { return v.base.Commit() }
