package cryptolayer

import (
	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

// DualFile is the A/B toggle of spec.md section 4.4: two equal-length
// data RAFs and a 1-bit selector held in a tiny external RAF. Reads come
// from the active side; writes go to the inactive buffer and only
// become visible to readers after Commit flips the selector.
type DualFile struct {
	sides    [2]raf.RAF
	selector raf.RAF // 1 byte: 0 or 1, which side is active
	active   int
	pending  bool // true once a write has landed on the inactive side
}

// NewDualFile loads the current selector bit from selector (a 1-byte
// RAF) and returns a DualFile over d0/d1, which must have equal length.
func NewDualFile(d0, d1, selector raf.RAF) (*DualFile, error) {
	if d0.Len() != d1.Len() {
		return nil, archerr.New(archerr.KindBadFormat, "cryptolayer.DualFile", 0, "side RAFs have unequal length")
	}
	if selector.Len() < 1 {
		return nil, archerr.New(archerr.KindBadFormat, "cryptolayer.DualFile", 0, "selector RAF must be at least 1 byte")
	}
	var b [1]byte
	if err := selector.ReadAt(b[:], 0); err != nil {
		return nil, err
	}
	active := 0
	if b[0]&1 != 0 {
		active = 1
	}
	return &DualFile{sides: [2]raf.RAF{d0, d1}, selector: selector, active: active}, nil
}

func (d *DualFile) Len() int64 { return d.sides[0].Len() }

func (d *DualFile) ReadAt(p []byte, off int64) error {
	return d.sides[d.active].ReadAt(p, off)
}

// WriteAt writes to the inactive side; the active side (and therefore
// all readers through this handle) is unaffected until Commit.
func (d *DualFile) WriteAt(p []byte, off int64) error {
	inactive := 1 - d.active
	if err := d.sides[inactive].WriteAt(p, off); err != nil {
		return err
	}
	d.pending = true
	return nil
}

// Commit flushes the inactive side, flips the selector, commits the
// selector RAF, then mirrors the newly active content back onto the
// now-inactive side so both sides are bit-identical at rest (spec.md
// 4.4: "this guards against crash mid-next-commit"). If the selector
// commit fails after the data commit, the archive remains consistent
// with the previous state, since readers still derive "active" from the
// last-durable selector bit.
func (d *DualFile) Commit() error {
	if !d.pending {
		return nil
	}
	inactive := 1 - d.active
	if err := d.sides[inactive].Commit(); err != nil {
		return err
	}
	newActive := inactive
	var b [1]byte
	b[0] = byte(newActive)
	if err := d.selector.WriteAt(b[:], 0); err != nil {
		return err
	}
	if err := d.selector.Commit(); err != nil {
		return err
	}
	d.active = newActive
	d.pending = false

	// Mirror the new-active content onto the now-inactive (old-active)
	// side so a crash during the *next* write sequence cannot desync them.
	oldActive := 1 - d.active
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	length := d.sides[d.active].Len()
	for off := int64(0); off < length; off += chunk {
		n := chunk
		if off+int64(n) > length {
			n = int(length - off)
		}
		if err := d.sides[d.active].ReadAt(buf[:n], off); err != nil {
			return err
		}
		if err := d.sides[oldActive].WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return d.sides[oldActive].Commit()
}
