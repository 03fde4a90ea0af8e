// Package cryptolayer implements the encrypted/signed/dual-buffered RAF
// layers of spec.md section 4.2-4.4: DiskFile (AES-CTR), SignedFile
// (CMAC header), and DualFile (A/B toggle).
package cryptolayer

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

const aesBlockSize = 16

// DiskFile wraps a RAF with AES-128-CTR, a per-archive key, and a base
// counter derived from the archive's encrypted offset (spec.md 4.2). It
// has no integrity checking of its own; SignedFile or IVFS above it is
// responsible for that.
type DiskFile struct {
	inner   raf.RAF
	key     [16]byte
	baseCtr [16]byte // 128-bit counter, big-endian per CTR convention
}

// NewDiskFile constructs a DiskFile over inner using key and a base
// counter. baseCtr is typically derived from the archive's byte offset
// within its parent image divided by the cipher block size.
func NewDiskFile(inner raf.RAF, key [16]byte, baseCtr [16]byte) *DiskFile {
	return &DiskFile{inner: inner, key: key, baseCtr: baseCtr}
}

func (d *DiskFile) Len() int64 { return d.inner.Len() }

// ctrForOffset computes the 128-bit CTR counter for byte offset off,
// i.e. baseCtr + off/16, with the addition done as a big 128-bit value.
func (d *DiskFile) ctrForOffset(off int64) [16]byte {
	blockIdx := uint64(off / aesBlockSize)
	var ctr [16]byte
	ctr = d.baseCtr
	// add blockIdx to the low 64 bits of ctr, carrying into the high 64
	// bits on overflow; archive images never approach 2^64 blocks so a
	// single carry check is sufficient.
	low := beUint64(ctr[8:16])
	high := beUint64(ctr[0:8])
	newLow := low + blockIdx
	if newLow < low {
		high++
	}
	putBeUint64(ctr[0:8], high)
	putBeUint64(ctr[8:16], newLow)
	return ctr
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// streamAt builds a CTR keystream cipher.Stream positioned so its first
// output byte corresponds to absolute offset off, by discarding the
// leading off%16 bytes of keystream within that counter block.
func (d *DiskFile) streamAt(off int64) (cipher.Stream, int, error) {
	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return nil, 0, archerr.Wrap(archerr.KindKey, "cryptolayer.DiskFile", off, "invalid AES key", err)
	}
	ctr := d.ctrForOffset(off)
	stream := cipher.NewCTR(block, ctr[:])
	skip := int(off % aesBlockSize)
	if skip > 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}
	return stream, skip, nil
}

// ReadAt decrypts len(p) bytes starting at off.
func (d *DiskFile) ReadAt(p []byte, off int64) error {
	ct := make([]byte, len(p))
	if err := d.inner.ReadAt(ct, off); err != nil {
		return err
	}
	stream, _, err := d.streamAt(off)
	if err != nil {
		return err
	}
	stream.XORKeyStream(p, ct)
	return nil
}

// WriteAt encrypts and writes len(p) bytes at off. Because AES-CTR is a
// stream cipher applied byte-for-byte, no read-modify-write of the
// underlying ciphertext is needed for correctness; partial blocks simply
// start mid-keystream (spec.md 4.2 notes this as "preserving unrelated
// bytes", which CTR mode gives for free since each byte's keystream
// depends only on its own position).
func (d *DiskFile) WriteAt(p []byte, off int64) error {
	stream, _, err := d.streamAt(off)
	if err != nil {
		return err
	}
	ct := make([]byte, len(p))
	stream.XORKeyStream(ct, p)
	return d.inner.WriteAt(ct, off)
}

func (d *DiskFile) Commit() error { return d.inner.Commit() }
