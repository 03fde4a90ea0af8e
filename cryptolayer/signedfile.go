package cryptolayer

import (
	"bytes"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

// SignedHeaderLen is the default fixed header length: 0x10 CMAC plus
// provenance bytes, per spec.md 4.3.
const SignedHeaderLen = 0x10 + 0x10 // CMAC + 16 bytes of provenance

// SignedFile pairs a data body RAF with a fixed-length header RAF
// holding a CMAC over (provenance || body). Verified on open, recomputed
// on Commit unless opened read-only.
type SignedFile struct {
	body       raf.RAF
	header     raf.RAF // header[0:16] = CMAC, header[16:] = provenance
	key        []byte
	readOnly   bool
	degraded   bool // body verified stale but caller opted to proceed
	provenance []byte
}

// Open verifies the header's CMAC against (provenance || body) and
// returns a *SignedFile. If readOnly, the stored MAC is checked but
// never rewritten. Returns archerr KindSignatureMismatch on mismatch.
func Open(body, header raf.RAF, key []byte, readOnly bool) (*SignedFile, error) {
	sf, err := newUnverified(body, header, key, readOnly)
	if err != nil {
		return nil, err
	}
	if err := sf.verify(); err != nil {
		return nil, err
	}
	return sf, nil
}

// OpenDegraded opens without verifying the MAC, marking the file so that
// the next Commit recomputes and rewrites it. This models spec.md
// section 5's crash window: "a crash after selector flip but before MAC
// write can leave a signed archive with a valid body but stale MAC; the
// front-end opens such archives in read-write by recomputing on next
// commit."
func OpenDegraded(body, header raf.RAF, key []byte) (*SignedFile, error) {
	sf, err := newUnverified(body, header, key, false)
	if err != nil {
		return nil, err
	}
	sf.degraded = true
	return sf, nil
}

func newUnverified(body, header raf.RAF, key []byte, readOnly bool) (*SignedFile, error) {
	if header.Len() < SignedHeaderLen {
		return nil, archerr.New(archerr.KindBadFormat, "cryptolayer.SignedFile", 0,
			"header RAF shorter than expected CMAC+provenance length")
	}
	provenance := make([]byte, header.Len()-16)
	if err := header.ReadAt(provenance, 16); err != nil {
		return nil, err
	}
	return &SignedFile{body: body, header: header, key: key, readOnly: readOnly, provenance: provenance}, nil
}

func (s *SignedFile) computeMAC() ([]byte, error) {
	body := make([]byte, s.body.Len())
	if err := s.body.ReadAt(body, 0); err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(s.provenance)+len(body))
	msg = append(msg, s.provenance...)
	msg = append(msg, body...)
	return aesCMAC(s.key, msg)
}

func (s *SignedFile) verify() error {
	want, err := s.computeMAC()
	if err != nil {
		return err
	}
	got := make([]byte, 16)
	if err := s.header.ReadAt(got, 0); err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return archerr.New(archerr.KindSignatureMismatch, "cryptolayer.SignedFile", 0,
			"stored CMAC does not match (provenance || body)")
	}
	return nil
}

func (s *SignedFile) Len() int64 { return s.body.Len() }

func (s *SignedFile) ReadAt(p []byte, off int64) error { return s.body.ReadAt(p, off) }

func (s *SignedFile) WriteAt(p []byte, off int64) error {
	if s.readOnly {
		return archerr.New(archerr.KindNotSupported, "cryptolayer.SignedFile", off, "write on read-only SignedFile")
	}
	return s.body.WriteAt(p, off)
}

// Commit flushes the body and, unless opened read-only, recomputes and
// rewrites the CMAC header. Commit order is body-then-header so that a
// crash mid-commit always leaves a verifiable (pre- or post-image)
// state, per spec.md section 5.
func (s *SignedFile) Commit() error {
	if err := s.body.Commit(); err != nil {
		return err
	}
	if s.readOnly {
		return nil
	}
	mac, err := s.computeMAC()
	if err != nil {
		return err
	}
	if err := s.header.WriteAt(mac, 0); err != nil {
		return err
	}
	s.degraded = false
	return s.header.Commit()
}

// Degraded reports whether this handle was opened via OpenDegraded and
// has not yet had its MAC recomputed by a Commit.
func (s *SignedFile) Degraded() bool { return s.degraded }
