//go:build linux

package raf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kurenai-fs/savearc/archerr"
)

// MmapFile is a read-only RAF backed by a memory-mapped host file. It is
// used when opening bare/NAND-tree images read-only, where IVFS's
// verification sweep touches every leaf block and a read syscall per
// block would dominate open time.
type MmapFile struct {
	data []byte
}

// NewMmapFile maps the region [offset, offset+length) of f.
func NewMmapFile(f *os.File, offset, length int64) (*MmapFile, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindIO, "raf.MmapFile", offset, "mmap failed", err)
	}
	return &MmapFile{data: data}, nil
}

func (m *MmapFile) Len() int64 { return int64(len(m.data)) }

func (m *MmapFile) ReadAt(p []byte, off int64) error {
	if err := boundsCheck("raf.MmapFile", int64(len(m.data)), off, len(p)); err != nil {
		return err
	}
	copy(p, m.data[off:off+int64(len(p))])
	return nil
}

func (m *MmapFile) WriteAt(p []byte, off int64) error {
	return archerr.New(archerr.KindNotSupported, "raf.MmapFile", off, "MmapFile is read-only; reopen read-write for mutation")
}

func (m *MmapFile) Commit() error { return nil }

// Close unmaps the region. Safe to call once.
func (m *MmapFile) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("raf: munmap failed: %w", err)
	}
	return nil
}
