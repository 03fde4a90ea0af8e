package cryptolayer

import (
	"bytes"
	"testing"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/raf"
)

func TestDiskFileRoundTrip(t *testing.T) {
	var key [16]byte
	copy(key[:], "0123456789abcdef")
	inner := raf.NewSlice(64)
	df := NewDiskFile(inner, key, [16]byte{})

	plain := []byte("this message spans more than one AES block of plaintext")
	if err := df.WriteAt(plain[:37], 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	// unaligned partial-block write exercises the off%16 skip path.
	if err := df.WriteAt(plain[37:], 37); err != nil {
		t.Fatalf("WriteAt unaligned: %v", err)
	}

	got := make([]byte, len(plain))
	if err := df.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}

	// ciphertext on the wire must not equal the plaintext.
	ct := make([]byte, len(plain))
	if err := inner.ReadAt(ct, 0); err != nil {
		t.Fatalf("inner ReadAt: %v", err)
	}
	if bytes.Equal(ct, plain) {
		t.Fatalf("ciphertext equals plaintext, encryption did not happen")
	}
}

func TestAESCMACKnownAnswer(t *testing.T) {
	// RFC 4493 test vector: key = 2b7e151628aed2a6abf7158809cf4f3c, empty message.
	key := []byte{
		0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
		0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
	}
	want := []byte{
		0xbb, 0x1d, 0x69, 0x29, 0xe9, 0x59, 0x37, 0x28,
		0x7f, 0xa3, 0x7d, 0x12, 0x9b, 0x75, 0x67, 0x46,
	}
	got, err := aesCMAC(key, nil)
	if err != nil {
		t.Fatalf("aesCMAC: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("aesCMAC(empty) = %x, want %x", got, want)
	}
}

func newSignedFixture(t *testing.T) (raf.RAF, raf.RAF, []byte) {
	t.Helper()
	body := raf.NewSlice(32)
	header := raf.NewSlice(SignedHeaderLen)
	key := bytes.Repeat([]byte{0x11}, 16)
	return body, header, key
}

func TestSignedFileVerifiesAndDetectsTamper(t *testing.T) {
	body, header, key := newSignedFixture(t)

	sf, err := newUnverified(body, header, key, false)
	if err != nil {
		t.Fatalf("newUnverified: %v", err)
	}
	if err := sf.WriteAt([]byte("savedata"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := sf.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reopened, err := Open(body, header, key, false)
	if err != nil {
		t.Fatalf("Open after commit: %v", err)
	}
	got := make([]byte, 8)
	if err := reopened.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, []byte("savedata")) {
		t.Fatalf("got %q", got)
	}

	// tamper with the body without updating the MAC: Open must now fail.
	if err := body.WriteAt([]byte("X"), 0); err != nil {
		t.Fatalf("tamper WriteAt: %v", err)
	}
	if _, err := Open(body, header, key, false); !errorsIsKind(err, archerr.KindSignatureMismatch) {
		t.Fatalf("expected KindSignatureMismatch after tamper, got %v", err)
	}
}

func errorsIsKind(err error, kind archerr.Kind) bool {
	e, ok := err.(*archerr.Error)
	return ok && e.Kind == kind
}

func TestDualFileCrashAtomicity(t *testing.T) {
	d0 := raf.NewSlice(16)
	d1 := raf.NewSlice(16)
	sel := raf.NewSlice(1)

	df, err := NewDualFile(d0, d1, sel)
	if err != nil {
		t.Fatalf("NewDualFile: %v", err)
	}
	if err := df.WriteAt([]byte("new-generation"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// before Commit, a fresh handle over the same backing RAFs must still
	// observe the OLD generation (selector untouched) — this models a
	// crash between the inactive-side write and the selector flip.
	preCrash, err := NewDualFile(d0, d1, sel)
	if err != nil {
		t.Fatalf("NewDualFile (pre-crash view): %v", err)
	}
	got := make([]byte, 14)
	if err := preCrash.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if bytes.Equal(got, []byte("new-generation")) {
		t.Fatalf("uncommitted write visible before selector flip")
	}

	if err := df.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	postCommit, err := NewDualFile(d0, d1, sel)
	if err != nil {
		t.Fatalf("NewDualFile (post-commit view): %v", err)
	}
	got2 := make([]byte, 14)
	if err := postCommit.ReadAt(got2, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got2, []byte("new-generation")) {
		t.Fatalf("committed write not visible after selector flip")
	}

	// both sides must be mirrored after commit.
	a := make([]byte, 16)
	b := make([]byte, 16)
	_ = d0.ReadAt(a, 0)
	_ = d1.ReadAt(b, 0)
	if !bytes.Equal(a, b) {
		t.Fatalf("sides not mirrored after commit: %x vs %x", a, b)
	}
}
