package archive

import (
	satoriuuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	times "gopkg.in/djherbis/times.v1"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/cryptolayer"
	"github.com/kurenai-fs/savearc/dpfs"
	"github.com/kurenai-fs/savearc/fat"
	"github.com/kurenai-fs/savearc/fsmeta"
	"github.com/kurenai-fs/savearc/ivfs"
	"github.com/kurenai-fs/savearc/keys"
	"github.com/kurenai-fs/savearc/raf"
)

// Library is the front-end entry point: a resolved keys.Resource plus
// the open/format operations for each archive variant, mirroring
// spec.md section 4.10's top-level API surface.
type Library struct {
	resource *keys.Resource
}

// NewLibrary returns a Library backed by resource.
func NewLibrary(resource *keys.Resource) *Library {
	return &Library{resource: resource}
}

// RegionParams sizes and capacities the dir/file/fat tables and the DPFS
// block pool, independent of how the caller has physically arranged the
// backing bytes. RootDirIndex is not part of this: a freshly formatted
// archive's root directory always lands at entry 1, the first index a
// clean free-entry chain hands out.
type RegionParams struct {
	BlockSize       int64 // DPFS shadow-block / FAT block granularity
	DirBucketCount  uint32
	DirCapacity     uint32
	FileBucketCount uint32
	FileCapacity    uint32
	FatCapacity     int64
}

func (p RegionParams) validate() error {
	if p.BlockSize <= 0 || p.DirBucketCount == 0 || p.FileBucketCount == 0 || p.FatCapacity <= 0 {
		return archerr.New(archerr.KindBadParams, "archive.RegionParams", 0,
			"block size, bucket counts, and FAT capacity must be positive")
	}
	return nil
}

// regionLens returns, in on-disk order, the byte length of each region a
// RegionParams describes over the DPFS logical image: the directory
// table's bucket array and entry array, the file table's bucket array
// and entry array, the FAT entry table, and the FAT block pool itself.
func (p RegionParams) regionLens() (dirBuckets, dirEntries, fileBuckets, fileEntries, fatEntries, data int64) {
	dirBuckets = int64(p.DirBucketCount) * 4
	dirEntries = (int64(p.DirCapacity) + 1) * fsmeta.DirEntrySize
	fileBuckets = int64(p.FileBucketCount) * 4
	fileEntries = (int64(p.FileCapacity) + 1) * fsmeta.FileEntrySize
	fatEntries = (p.FatCapacity + 1) * fat.EntrySize
	data = p.FatCapacity * p.BlockSize
	return
}

func (p RegionParams) totalLen() int64 {
	a, b, c, d, e, f := p.regionLens()
	return a + b + c + d + e + f
}

// dpfsBlockCount is the number of DPFS shadow blocks needed to cover
// every region in p, at p.BlockSize granularity.
func dpfsBlockCount(p RegionParams) int64 {
	total := p.totalLen()
	return (total + p.BlockSize - 1) / p.BlockSize
}

// BodyLen returns the length a Layout.Body RAF must have to back p: one
// selector byte, two copies of the shadow bitmap, then two full DPFS
// partitions (L0 and L1), each large enough to hold every region
// regionLens describes.
func BodyLen(p RegionParams) int64 {
	n := dpfsBlockCount(p)
	bitmapLen := (n + 7) / 8
	partitionLen := n * p.BlockSize
	return 1 + 2*bitmapLen + 2*partitionLen
}

// Layout describes the physical regions of one archive image, however
// the caller has arranged the backing bytes (whole file, partition, or
// in-memory buffer). Body is the single region DPFS's dual-partition
// shadowing lives inside: for signed variants it is encrypted/signed as
// one flat span by DiskFile/SignedFile before DPFS ever sees it; for
// TitleDb it is used directly.
type Layout struct {
	Header0 raf.RAF // SignedFile's fixed CMAC+provenance header; unused by TitleDb

	Body raf.RAF // selector byte + bitmap A/B + L0 partition + L1 partition

	HashLevels    []raf.RAF
	DataBlockSize int64
	HashGroupSize int64

	Params   RegionParams
	RootIdx  uint32
	DiskUUID satoriuuid.UUID
}

// bodyRegions carves body (a logical or raw RAF exactly BodyLen(p) bytes
// long) into DPFS's selector byte, its two bitmap copies, and its two
// data partitions, in on-disk order.
func bodyRegions(body raf.RAF, p RegionParams) (selector, bmA, bmB, l0, l1 raf.RAF, err error) {
	n := dpfsBlockCount(p)
	bitmapLen := (n + 7) / 8
	partitionLen := n * p.BlockSize

	off := int64(0)
	if selector, err = raf.NewView(body, off, 1); err != nil {
		return
	}
	off += 1
	if bmA, err = raf.NewView(body, off, bitmapLen); err != nil {
		return
	}
	off += bitmapLen
	if bmB, err = raf.NewView(body, off, bitmapLen); err != nil {
		return
	}
	off += bitmapLen
	if l0, err = raf.NewView(body, off, partitionLen); err != nil {
		return
	}
	off += partitionLen
	l1, err = raf.NewView(body, off, partitionLen)
	return
}

// buildDPFS assembles the DPFS shadow image over body's partitions and
// selector bitmap.
func buildDPFS(body raf.RAF, p RegionParams) (*dpfs.Image, error) {
	selector, bmA, bmB, l0, l1, err := bodyRegions(body, p)
	if err != nil {
		return nil, err
	}
	bitmapDual, err := cryptolayer.NewDualFile(bmA, bmB, selector)
	if err != nil {
		return nil, err
	}
	return dpfs.NewImage(l0, l1, bitmapDual, p.BlockSize, dpfsBlockCount(p))
}

// carveRegions carves the dir/file/fat table regions and the FAT block
// pool out of data, in on-disk order, per p.
func carveRegions(data raf.RAF, p RegionParams) (dirBuckets, dirEntries, fileBuckets, fileEntries, fatEntries, blockPool raf.RAF, err error) {
	dirBucketsLen, dirEntriesLen, fileBucketsLen, fileEntriesLen, fatEntriesLen, dataLen := p.regionLens()

	off := int64(0)
	if dirBuckets, err = raf.NewView(data, off, dirBucketsLen); err != nil {
		return
	}
	off += dirBucketsLen
	if dirEntries, err = raf.NewView(data, off, dirEntriesLen); err != nil {
		return
	}
	off += dirEntriesLen
	if fileBuckets, err = raf.NewView(data, off, fileBucketsLen); err != nil {
		return
	}
	off += fileBucketsLen
	if fileEntries, err = raf.NewView(data, off, fileEntriesLen); err != nil {
		return
	}
	off += fileEntriesLen
	if fatEntries, err = raf.NewView(data, off, fatEntriesLen); err != nil {
		return
	}
	off += fatEntriesLen
	blockPool, err = raf.NewView(data, off, dataLen)
	return
}

// assembleInner wires DPFS, IVFS (if configured), and the dir/file/fat
// tables over body (the already decrypted-and-verified, or plain,
// logical archive content) and hands the result to Open. Every Open*
// and Format* entry point in this file funnels through here, so DPFS is
// mandatory for every variant that carries region data at all.
func assembleInner(body raf.RAF, layout Layout, variant Variant, readOnly bool) (*Archive, error) {
	img, err := buildDPFS(body, layout.Params)
	if err != nil {
		return nil, err
	}

	var data raf.RAF = img
	var tree *ivfs.Tree
	if len(layout.HashLevels) > 0 {
		tree, err = ivfs.NewTree(img, layout.DataBlockSize, layout.HashLevels, layout.HashGroupSize)
		if err != nil {
			return nil, err
		}
		data = tree
	}

	dirBuckets, dirEntries, fileBuckets, fileEntries, fatEntries, blockPool, err := carveRegions(data, layout.Params)
	if err != nil {
		return nil, err
	}
	dirTable, err := fsmeta.NewDirTable(dirBuckets, dirEntries, layout.Params.DirBucketCount, layout.Params.DirCapacity)
	if err != nil {
		return nil, err
	}
	fileTable, err := fsmeta.NewFileTable(fileBuckets, fileEntries, layout.Params.FileBucketCount, layout.Params.FileCapacity)
	if err != nil {
		return nil, err
	}
	fatTable, err := fat.NewTable(fatEntries, layout.Params.FatCapacity)
	if err != nil {
		return nil, err
	}

	return Open(Config{
		Variant:   variant,
		ReadOnly:  readOnly,
		DirTable:  dirTable,
		FileTable: fileTable,
		FatTable:  fatTable,
		Data:      blockPool,
		Tree:      tree,
		RootIdx:   layout.RootIdx,
		DiskUUID:  layout.DiskUUID,
		BlockSize: layout.Params.BlockSize,
	})
}

func (l *Library) archiveKeys(variant Variant) (keys.ArchiveKeys, error) {
	if variant == VariantExtData {
		return l.resource.DeriveExtDataKeys()
	}
	return l.resource.DeriveSaveDataKeys()
}

func (l *Library) assembleSigned(layout Layout, variant Variant, readOnly bool, degraded bool) (*Archive, error) {
	if err := layout.Params.validate(); err != nil {
		return nil, err
	}
	ak, err := l.archiveKeys(variant)
	if err != nil {
		return nil, err
	}

	disk := cryptolayer.NewDiskFile(layout.Body, ak.DiskKey, [16]byte{})

	var sf *cryptolayer.SignedFile
	if degraded {
		sf, err = cryptolayer.OpenDegraded(disk, layout.Header0, ak.CMACKey[:])
	} else {
		sf, err = cryptolayer.Open(disk, layout.Header0, ak.CMACKey[:], readOnly)
	}
	if err != nil {
		return nil, err
	}

	return assembleInner(sf, layout, variant, readOnly)
}

// OpenSaveData opens a bare SD savedata archive.
func (l *Library) OpenSaveData(layout Layout, hostFile string, readOnly bool) (*Archive, error) {
	a, err := l.assembleSigned(layout, VariantSaveData, readOnly, false)
	if err != nil {
		return nil, err
	}
	logHostTimes(a, hostFile)
	return a, nil
}

// OpenSaveDataDegraded opens a bare savedata whose MAC is known to be
// stale from a crash between the DualFile selector flip and the CMAC
// rewrite, per spec.md section 5. Archive.Commit reaches the header only
// through DPFS blocks written in the session, so the first Commit after
// a write recomputes and rewrites it; a Commit with nothing written
// leaves the stale header in place.
func (l *Library) OpenSaveDataDegraded(layout Layout) (*Archive, error) {
	return l.assembleSigned(layout, VariantSaveData, false, true)
}

// OpenExtData opens an SD extdata archive and records a WarnQuotaUntouched
// warning if quotaUntouched (supplied by the caller after reading the
// quota.dat sidecar, which lives outside this module's on-disk format)
// is set, per spec.md section 9's open question on quota enforcement:
// this module tracks the condition but does not enforce or invent quota
// semantics of its own.
func (l *Library) OpenExtData(layout Layout, quotaUntouched bool) (*Archive, error) {
	a, err := l.assembleSigned(layout, VariantExtData, false, false)
	if err != nil {
		return nil, err
	}
	if quotaUntouched {
		a.addWarning(WarnQuotaUntouched)
	}
	return a, nil
}

// OpenTitleDb opens a title.db/import.db style archive. These archives
// are not CMAC-signed on the reference console, so this assembles the
// DPFS/IVFS/FAT/FsMeta stack directly over layout.Body, without a
// SignedFile/DiskFile in between.
func (l *Library) OpenTitleDb(layout Layout, readOnly bool) (*Archive, error) {
	if err := layout.Params.validate(); err != nil {
		return nil, err
	}
	return assembleInner(layout.Body, layout, VariantTitleDb, readOnly)
}

// OpenCard1Save is a deliberately narrow stub for cartridge-backed save
// memory: spec.md scopes this module to SD-hosted archives, but Card1
// (flash-backed, no battery, no DPFS shadowing) cartridges use a
// recognizably similar DISA-less single-partition layout, so it skips
// DPFS/IVFS entirely and carves the tables directly out of layout.Body.
// Only Card1 is accepted; Card2/NAND-backed cartridge save types need a
// different physical access path this module does not own, so they are
// rejected rather than silently mishandled.
func OpenCard1Save(cartridgeKind string, layout Layout, readOnly bool) (*Archive, error) {
	if cartridgeKind != "Card1" {
		return nil, archerr.New(archerr.KindNotSupported, "archive.OpenCard1Save", 0,
			"only Card1 cartridge save memory is supported")
	}
	if err := layout.Params.validate(); err != nil {
		return nil, err
	}
	dirBuckets, dirEntries, fileBuckets, fileEntries, fatEntries, blockPool, err := carveRegions(layout.Body, layout.Params)
	if err != nil {
		return nil, err
	}
	dirTable, err := fsmeta.NewDirTable(dirBuckets, dirEntries, layout.Params.DirBucketCount, layout.Params.DirCapacity)
	if err != nil {
		return nil, err
	}
	fileTable, err := fsmeta.NewFileTable(fileBuckets, fileEntries, layout.Params.FileBucketCount, layout.Params.FileCapacity)
	if err != nil {
		return nil, err
	}
	fatTable, err := fat.NewTable(fatEntries, layout.Params.FatCapacity)
	if err != nil {
		return nil, err
	}
	return Open(Config{
		Variant:   VariantSaveData,
		ReadOnly:  readOnly,
		DirTable:  dirTable,
		FileTable: fileTable,
		FatTable:  fatTable,
		Data:      blockPool,
		RootIdx:   layout.RootIdx,
		DiskUUID:  layout.DiskUUID,
		BlockSize: layout.Params.BlockSize,
	})
}

// zeroRAF overwrites every byte of r with zero and commits it.
func zeroRAF(r raf.RAF) error {
	const chunk = 64 * 1024
	zero := make([]byte, chunk)
	for off := int64(0); off < r.Len(); off += chunk {
		n := int64(chunk)
		if off+n > r.Len() {
			n = r.Len() - off
		}
		if err := r.WriteAt(zero[:n], off); err != nil {
			return err
		}
	}
	return r.Commit()
}

// mirror copies src's full content onto dst and commits dst; src and
// dst must be the same length.
func mirror(src, dst raf.RAF) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for off := int64(0); off < src.Len(); off += chunk {
		n := int64(chunk)
		if off+n > src.Len() {
			n = src.Len() - off
		}
		if err := src.ReadAt(buf[:n], off); err != nil {
			return err
		}
		if err := dst.WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return dst.Commit()
}

// formatRegions lays a fresh, empty table set and FAT over body's two
// DPFS partitions directly (bypassing dpfs.Image's write-inactive-side
// semantics, which has nothing to shadow yet): it formats L0 in place,
// mirrors the result onto L1 so both sides start identical, and zeroes
// both copies of the selector bitmap, so a freshly
// formatted image reads as "every block active on L0" exactly like the
// reference console's own fresh-format state. If layout carries hash
// levels, it also seeds them with the tree computed over that formatted
// content. Returns the root directory's table index, which a clean
// free-entry chain always hands out as 1 (see RootDirIndex).
func formatRegions(body raf.RAF, layout Layout) (uint32, error) {
	_, bmA, bmB, l0, l1, err := bodyRegions(body, layout.Params)
	if err != nil {
		return 0, err
	}
	if err := zeroRAF(bmA); err != nil {
		return 0, err
	}
	if err := zeroRAF(bmB); err != nil {
		return 0, err
	}

	dirBuckets, dirEntries, fileBuckets, fileEntries, fatEntries, dataRegion, err := carveRegions(l0, layout.Params)
	if err != nil {
		return 0, err
	}
	if err := fsmeta.Format(dirBuckets, dirEntries, layout.Params.DirBucketCount, layout.Params.DirCapacity, fsmeta.DirEntrySize); err != nil {
		return 0, err
	}
	if err := fsmeta.Format(fileBuckets, fileEntries, layout.Params.FileBucketCount, layout.Params.FileCapacity, fsmeta.FileEntrySize); err != nil {
		return 0, err
	}
	if err := fat.Format(fatEntries, layout.Params.FatCapacity); err != nil {
		return 0, err
	}
	if err := zeroRAF(dataRegion); err != nil {
		return 0, err
	}

	dirTable, err := fsmeta.NewDirTable(dirBuckets, dirEntries, layout.Params.DirBucketCount, layout.Params.DirCapacity)
	if err != nil {
		return 0, err
	}
	rootIdx, err := dirTable.CreateDir(dirTable, fsmeta.NoEntry, "root")
	if err != nil {
		return 0, err
	}

	if err := mirror(l0, l1); err != nil {
		return 0, err
	}

	if len(layout.HashLevels) > 0 {
		tree, err := ivfs.NewTree(l0, layout.DataBlockSize, layout.HashLevels, layout.HashGroupSize)
		if err != nil {
			return 0, err
		}
		tree.MarkAllDirty()
		if err := tree.Recompute(); err != nil {
			return 0, err
		}
		if err := tree.Commit(); err != nil {
			return 0, err
		}
	}
	return rootIdx, nil
}

func (l *Library) checkFormatParams(layout Layout) error {
	if err := layout.Params.validate(); err != nil {
		return err
	}
	if layout.Body == nil || layout.Body.Len() != BodyLen(layout.Params) {
		return archerr.New(archerr.KindBadParams, "archive.Library", 0,
			"body length does not match region parameters")
	}
	return nil
}

// formatSigned lays out a fresh SaveData/ExtData image through its
// DiskFile (so the tables are stored encrypted, as Open reads them) and
// opens it. The header is opened via OpenDegraded (there is no valid
// CMAC yet to verify against a freshly formatted body) and the initial,
// correct CMAC is produced by one SignedFile Commit over the now fully
// formatted content — the same header-rewrite path OpenSaveDataDegraded's
// crash recovery uses, reused here rather than duplicating CMAC-writing
// logic.
func (l *Library) formatSigned(layout Layout, variant Variant) (*Archive, error) {
	if err := l.checkFormatParams(layout); err != nil {
		return nil, err
	}
	ak, err := l.archiveKeys(variant)
	if err != nil {
		return nil, err
	}
	disk := cryptolayer.NewDiskFile(layout.Body, ak.DiskKey, [16]byte{})

	rootIdx, err := formatRegions(disk, layout)
	if err != nil {
		return nil, err
	}
	layout.RootIdx = rootIdx

	sf, err := cryptolayer.OpenDegraded(disk, layout.Header0, ak.CMACKey[:])
	if err != nil {
		return nil, err
	}
	if err := sf.Commit(); err != nil {
		return nil, err
	}

	a, err := assembleInner(sf, layout, variant, false)
	if err != nil {
		return nil, err
	}
	if err := a.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// FormatSaveData initializes a fresh, empty SaveData image over
// layout's already-allocated (but not yet formatted) Header0/Body/
// HashLevels regions, sized per BodyLen(layout.Params) and
// layout.Params itself. Returns KindBadParams if the region parameters
// or body length are inconsistent.
func (l *Library) FormatSaveData(layout Layout) (*Archive, error) {
	return l.formatSigned(layout, VariantSaveData)
}

// FormatExtData initializes a fresh, empty ExtData image; see
// FormatSaveData.
func (l *Library) FormatExtData(layout Layout) (*Archive, error) {
	return l.formatSigned(layout, VariantExtData)
}

// FormatTitleDb initializes a fresh, empty title.db/import.db style
// image: unsigned, assembled directly over layout.Body like OpenTitleDb.
func (l *Library) FormatTitleDb(layout Layout) (*Archive, error) {
	if err := l.checkFormatParams(layout); err != nil {
		return nil, err
	}
	rootIdx, err := formatRegions(layout.Body, layout)
	if err != nil {
		return nil, err
	}
	layout.RootIdx = rootIdx
	return assembleInner(layout.Body, layout, VariantTitleDb, false)
}

// logHostTimes records the host save file's birth/change times as
// diagnostic logging context at open, never interpreted by the archive
// format itself; djherbis/times is the only dependency in the pack that
// exposes birth time portably.
func logHostTimes(a *Archive, hostFile string) {
	if hostFile == "" {
		return
	}
	t, err := times.Stat(hostFile)
	if err != nil {
		a.log.WithError(err).Debug("could not stat host save file for timestamps")
		return
	}
	fields := logrus.Fields{"mtime": t.ModTime()}
	if t.HasChangeTime() {
		fields["ctime"] = t.ChangeTime()
	}
	if t.HasBirthTime() {
		fields["birthtime"] = t.BirthTime()
	}
	a.log.WithFields(fields).Debug("host save file timestamps")
}
