package archive

import (
	"bytes"
	"testing"

	satoriuuid "github.com/satori/go.uuid"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/ivfs"
	"github.com/kurenai-fs/savearc/keys"
	"github.com/kurenai-fs/savearc/raf"
)

const (
	testBlockSize    = 512
	testFatCapacity  = 16
	testDirBuckets   = 4
	testDirCapacity  = 8
	testFileBuckets  = 4
	testFileCapacity = 8
)

var testParams = RegionParams{
	BlockSize:       testBlockSize,
	DirBucketCount:  testDirBuckets,
	DirCapacity:     testDirCapacity,
	FileBucketCount: testFileBuckets,
	FileCapacity:    testFileCapacity,
	FatCapacity:     testFatCapacity,
}

func newLibraryFixture(t *testing.T) *Library {
	t.Helper()
	resource, err := keys.NewResource(
		keys.SlotKey{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		keys.SlotKey{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f},
		keys.SlotKey{0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e, 0x2f},
		bytes.Repeat([]byte{0xAA}, 16),
	)
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	return NewLibrary(resource)
}

// newBareLayout builds an unformatted Layout of the fixture's region
// parameters, with no hash tree: it exercises DPFS/SignedFile/FAT/FsMeta,
// not IVFS, which has its own dedicated hash-mismatch tests below.
func newBareLayout() Layout {
	return Layout{
		Header0:  raf.NewSlice(64),
		Body:     raf.NewSlice(BodyLen(testParams)),
		Params:   testParams,
		RootIdx:  RootDirIndex,
		DiskUUID: satoriuuid.NewV4(),
	}
}

// newHashedLayout builds an unformatted Layout with an IVFS hash tree
// sized to cover testParams's full DPFS image, grouping groupSize
// entries per level above the leaves.
func newHashedLayout(groupSize int64) Layout {
	layout := newBareLayout()
	layout.DataBlockSize = testBlockSize
	layout.HashGroupSize = groupSize
	n := dpfsBlockCount(testParams)
	for {
		layout.HashLevels = append(layout.HashLevels, raf.NewSlice(n*int64(ivfs.HashSize)))
		if n <= 1 {
			break
		}
		n = (n + groupSize - 1) / groupSize
	}
	return layout
}

// newFormattedFixture formats a fresh SaveData image over a bare layout
// and closes it, returning the Library and Layout so callers can reopen
// it via OpenSaveData.
func newFormattedFixture(t *testing.T) (*Library, Layout) {
	t.Helper()
	lib := newLibraryFixture(t)
	layout := newBareLayout()
	a, err := lib.FormatSaveData(layout)
	if err != nil {
		t.Fatalf("FormatSaveData: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close after format: %v", err)
	}
	return lib, layout
}

// TestBareSaveRoundTrip is scenario S1: format, write a file, commit,
// reopen from the same backing storage, and read the content back.
func TestBareSaveRoundTrip(t *testing.T) {
	lib, layout := newFormattedFixture(t)

	a, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	payload := []byte("the princess is in another castle")
	fh, err := root.CreateSubFile("quick.sav", int64(len(payload)))
	if err != nil {
		t.Fatalf("CreateSubFile: %v", err)
	}
	if err := fh.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("fh.Close: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("root.Close: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData (reopen): %v", err)
	}
	root2, err := reopened.RootDir()
	if err != nil {
		t.Fatalf("RootDir (reopen): %v", err)
	}
	fh2, err := root2.OpenSubFile("quick.sav")
	if err != nil {
		t.Fatalf("OpenSubFile (reopen): %v", err)
	}
	got := make([]byte, fh2.Len())
	if err := fh2.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt (reopen): %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// TestCreateSubFileDuplicate: creating two files of the same name under
// the same directory must fail with KindDuplicate.
func TestCreateSubFileDuplicate(t *testing.T) {
	lib, layout := newFormattedFixture(t)
	a, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	if _, err := root.CreateSubFile("save.dat", 16); err != nil {
		t.Fatalf("CreateSubFile: %v", err)
	}
	if _, err := root.CreateSubFile("save.dat", 16); err == nil {
		t.Fatalf("expected KindDuplicate creating a second save.dat")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindDuplicate {
		t.Fatalf("expected KindDuplicate, got %v", err)
	}
}

// TestRenameFile is scenario S2: renaming a file onto a name already
// occupied elsewhere fails with KindDuplicate, renaming a file onto its
// own current (parent, name) is a no-op success, and a successful
// rename relocates it into the new directory under the new name.
func TestRenameFile(t *testing.T) {
	lib, layout := newFormattedFixture(t)
	a, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	sub, err := root.CreateSubDir("sub")
	if err != nil {
		t.Fatalf("CreateSubDir: %v", err)
	}

	fh, err := root.CreateSubFile("a.txt", 16)
	if err != nil {
		t.Fatalf("CreateSubFile a.txt: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("fh.Close: %v", err)
	}
	fh2, err := sub.CreateSubFile("a.txt", 16)
	if err != nil {
		t.Fatalf("CreateSubFile sub/a.txt: %v", err)
	}
	if err := fh2.Close(); err != nil {
		t.Fatalf("fh2.Close: %v", err)
	}

	fh3, err := root.OpenSubFile("a.txt")
	if err != nil {
		t.Fatalf("OpenSubFile: %v", err)
	}

	if err := fh3.Rename(sub, "a.txt"); err == nil {
		t.Fatalf("expected KindDuplicate renaming onto an occupied name")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindDuplicate {
		t.Fatalf("expected KindDuplicate, got %v", err)
	}

	if err := fh3.Rename(root, "a.txt"); err != nil {
		t.Fatalf("rename onto self should be a no-op success: %v", err)
	}

	if err := fh3.Rename(sub, "b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := fh3.Close(); err != nil {
		t.Fatalf("fh3.Close: %v", err)
	}

	subNames, err := sub.ListSubFile()
	if err != nil {
		t.Fatalf("ListSubFile (sub): %v", err)
	}
	foundA, foundB := false, false
	for _, n := range subNames {
		if n == "a.txt" {
			foundA = true
		}
		if n == "b.txt" {
			foundB = true
		}
	}
	if !foundA || !foundB {
		t.Fatalf("expected sub to contain both a.txt and b.txt, got %v", subNames)
	}

	rootNames, err := root.ListSubFile()
	if err != nil {
		t.Fatalf("ListSubFile (root): %v", err)
	}
	for _, n := range rootNames {
		if n == "a.txt" {
			t.Fatalf("expected a.txt to have moved out of root, got %v", rootNames)
		}
	}
}

// TestSignatureMismatchOnTamperedBody is scenario S4: tampering with the
// signed body without updating its CMAC must make the next Open fail
// with KindSignatureMismatch.
func TestSignatureMismatchOnTamperedBody(t *testing.T) {
	lib, layout := newFormattedFixture(t)
	a, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	fh, err := root.CreateSubFile("save.dat", 16)
	if err != nil {
		t.Fatalf("CreateSubFile: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("fh.Close: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("root.Close: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// flip a byte directly on both physical partitions, without touching
	// the CMAC header, so whichever side is active comes back corrupted.
	_, _, _, l0, l1, err := bodyRegions(layout.Body, layout.Params)
	if err != nil {
		t.Fatalf("bodyRegions: %v", err)
	}
	corrupt := make([]byte, 1)
	if err := l0.ReadAt(corrupt, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	corrupt[0] ^= 0xFF
	if err := l0.WriteAt(corrupt, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := l1.WriteAt(corrupt, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := lib.OpenSaveData(layout, "", false); err == nil {
		t.Fatalf("expected signature mismatch after tampering with both sides")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindSignatureMismatch {
		t.Fatalf("expected KindSignatureMismatch, got %v", err)
	}
}

// TestHashMismatchOnRead is scenario S5: tampering with the stored bytes
// underneath a block an IVFS-guarded file's content occupies must
// surface as KindHashMismatch on the read that touches it, not at Open.
// It uses the unsigned TitleDb variant, since a signed variant's CMAC
// covers the whole body and rejects the tampered image at Open, and a
// payload longer than fsmeta.InlineLen, so the content lives in the FAT
// block pool rather than inline in its file entry.
func TestHashMismatchOnRead(t *testing.T) {
	lib := newLibraryFixture(t)
	layout := newHashedLayout(4)

	a, err := lib.FormatTitleDb(layout)
	if err != nil {
		t.Fatalf("FormatTitleDb: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	payload := bytes.Repeat([]byte("hash-tree guarded content "), 4)
	fh, err := root.CreateSubFile("guarded.bin", int64(len(payload)))
	if err != nil {
		t.Fatalf("CreateSubFile: %v", err)
	}
	if err := fh.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := fh.Close(); err != nil {
		t.Fatalf("fh.Close: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("root.Close: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dirBucketsLen, dirEntriesLen, fileBucketsLen, fileEntriesLen, fatEntriesLen, _ := layout.Params.regionLens()
	dataOff := dirBucketsLen + dirEntriesLen + fileBucketsLen + fileEntriesLen + fatEntriesLen

	_, _, _, l0, l1, err := bodyRegions(layout.Body, layout.Params)
	if err != nil {
		t.Fatalf("bodyRegions: %v", err)
	}
	corrupt := make([]byte, 1)
	if err := l0.ReadAt(corrupt, dataOff); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	corrupt[0] ^= 0xFF
	if err := l0.WriteAt(corrupt, dataOff); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := l1.WriteAt(corrupt, dataOff); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	reopened, err := lib.OpenTitleDb(layout, false)
	if err != nil {
		t.Fatalf("OpenTitleDb (reopen): %v", err)
	}
	root2, err := reopened.RootDir()
	if err != nil {
		t.Fatalf("RootDir (reopen): %v", err)
	}
	fh2, err := root2.OpenSubFile("guarded.bin")
	if err != nil {
		t.Fatalf("OpenSubFile (reopen): %v", err)
	}
	got := make([]byte, fh2.Len())
	err = fh2.ReadAt(got, 0)
	if err == nil {
		t.Fatalf("expected hash mismatch reading tampered content")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindHashMismatch {
		t.Fatalf("expected KindHashMismatch, got %v", err)
	}
}

// TestExtDataFixedSizeAtCreation is scenario S6: an ExtData file's size
// is chosen at creation and fixed from then on.
func TestExtDataFixedSizeAtCreation(t *testing.T) {
	lib := newLibraryFixture(t)
	layout := newBareLayout()

	a, err := lib.FormatExtData(layout)
	if err != nil {
		t.Fatalf("FormatExtData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}

	if _, err := root.CreateSubFile("icon", 0); err == nil {
		t.Fatalf("expected KindBadParams creating a zero-size extdata file")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindBadParams {
		t.Fatalf("expected KindBadParams, got %v", err)
	}

	fh, err := root.CreateSubFile("icon", 1024)
	if err != nil {
		t.Fatalf("CreateSubFile: %v", err)
	}
	if err := fh.Resize(2048); err == nil {
		t.Fatalf("expected KindBrokenFixedSize resizing an extdata file")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindBrokenFixedSize {
		t.Fatalf("expected KindBrokenFixedSize, got %v", err)
	}
	if err := fh.Resize(1024); err != nil {
		t.Fatalf("resizing to the same length should be a no-op: %v", err)
	}
}

func TestCommitRefusesWithOpenHandles(t *testing.T) {
	lib, layout := newFormattedFixture(t)
	a, err := lib.OpenSaveData(layout, "", false)
	if err != nil {
		t.Fatalf("OpenSaveData: %v", err)
	}
	root, err := a.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	defer root.Close()

	if err := a.Commit(); err == nil {
		t.Fatalf("expected Commit to refuse while a DirHandle is open")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindInvalidHandle {
		t.Fatalf("expected KindInvalidHandle, got %v", err)
	}
}

func TestOpenCard1SaveRejectsOtherCartridgeKinds(t *testing.T) {
	layout := newBareLayout()
	if _, err := OpenCard1Save("Card2", layout, true); err == nil {
		t.Fatalf("expected NotSupported for a non-Card1 cartridge kind")
	} else if e, ok := err.(*archerr.Error); !ok || e.Kind != archerr.KindNotSupported {
		t.Fatalf("expected KindNotSupported, got %v", err)
	}
}
