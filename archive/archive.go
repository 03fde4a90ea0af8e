// Package archive implements the SaveData, ExtData, and TitleDb facades
// of spec.md sections 4.9-4.10: the top-level operations a front-end
// calls (open, format, directory/file manipulation, commit, close) layered
// on cryptolayer, dpfs, ivfs, fat, and fsmeta.
package archive

import (
	"fmt"

	"github.com/google/uuid"
	satoriuuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/kurenai-fs/savearc/archerr"
	"github.com/kurenai-fs/savearc/fat"
	"github.com/kurenai-fs/savearc/fsmeta"
	"github.com/kurenai-fs/savearc/ivfs"
	"github.com/kurenai-fs/savearc/raf"
)

// Variant identifies which on-disk archive shape an Archive implements,
// per spec.md's three archive kinds.
type Variant int

const (
	VariantSaveData Variant = iota
	VariantExtData
	VariantTitleDb
)

func (v Variant) String() string {
	switch v {
	case VariantSaveData:
		return "SaveData"
	case VariantExtData:
		return "ExtData"
	case VariantTitleDb:
		return "TitleDb"
	default:
		return "Unknown"
	}
}

// Warning is a non-fatal condition recorded at open or during use that a
// front-end may want to surface, without it being an operation error.
type Warning int

const (
	// WarnQuotaUntouched fires when an ExtData archive's quota.dat
	// sidecar was present but its usage counters were never updated by
	// the previous writer, per spec.md section 9's open question on
	// quota tracking: rather than inventing a new error kind, an
	// archive opens normally and records the condition as a Warning.
	WarnQuotaUntouched Warning = iota
)

func (w Warning) String() string {
	switch w {
	case WarnQuotaUntouched:
		return "QuotaUntouched"
	default:
		return "UnknownWarning"
	}
}

// BrokenTailBlocks is the number of trailing FAT blocks a TitleDb image
// is documented to leave allocated-but-unreferenced by the reference
// console's own writer; spec.md section 9 leaves the exact constant as
// an open question, and original_source/ did not survive retrieval, so
// this follows the commonly documented value for title.db/import.db
// images (two trailing blocks, one per A/B generation marker) rather
// than inventing an arbitrary one.
const BrokenTailBlocks = 2

// RootDirIndex is the directory-table index a freshly formatted
// archive's root directory always occupies. Format<Variant> always
// creates it as the very first entry, and a clean fsmeta.Table's
// free-entry chain always hands out index 1 first.
const RootDirIndex uint32 = 1

// Archive is an open SaveData, ExtData, or TitleDb archive: its root
// directory plus the hashed tables, allocator, and data region backing
// it, wrapped in whatever integrity layer (IVFS tree, CMAC, dual
// buffering) that variant calls for.
type Archive struct {
	id       uuid.UUID // in-memory/log-context identifier, per google/uuid
	diskUUID satoriuuid.UUID
	variant  Variant
	readOnly bool

	dirTable  *fsmeta.Table
	fileTable *fsmeta.Table
	fatTable  *fat.Table
	data      raf.RAF
	tree      *ivfs.Tree // nil if this variant has no hash-tree layer
	blockSize int64      // FAT/DPFS block granularity, for FatFile construction

	rootIdx uint32

	openHandles int64 // atomic via handles.go helpers
	warnings    []Warning

	log *logrus.Entry
}

// Config bundles everything Open needs to assemble an Archive over
// already-constructed lower layers; front-ends build these from a
// keys.Resource plus the archive's host RAFs.
type Config struct {
	Variant   Variant
	ReadOnly  bool
	DirTable  *fsmeta.Table
	FileTable *fsmeta.Table
	FatTable  *fat.Table
	Data      raf.RAF
	Tree      *ivfs.Tree // optional
	RootIdx   uint32
	DiskUUID  satoriuuid.UUID
	BlockSize int64
}

// Open assembles an Archive from cfg, assigning it a fresh in-memory id
// for logging and error context.
func Open(cfg Config) (*Archive, error) {
	id := uuid.New()
	a := &Archive{
		id:        id,
		diskUUID:  cfg.DiskUUID,
		variant:   cfg.Variant,
		readOnly:  cfg.ReadOnly,
		dirTable:  cfg.DirTable,
		fileTable: cfg.FileTable,
		fatTable:  cfg.FatTable,
		data:      cfg.Data,
		tree:      cfg.Tree,
		blockSize: cfg.BlockSize,
		rootIdx:   cfg.RootIdx,
		log: logrus.WithFields(logrus.Fields{
			"archive_id": id.String(),
			"variant":    cfg.Variant.String(),
			"readonly":   cfg.ReadOnly,
		}),
	}
	a.log.Debug("archive opened")
	return a, nil
}

// ID returns the archive's in-memory identifier, suitable for log
// correlation and archerr.WithArchive.
func (a *Archive) ID() string { return a.id.String() }

// DiskUUID returns the format UUID supplied through Config.DiskUUID
// (Layout.DiskUUID for the Library entry points), kept as a
// satori/go.uuid value distinct from the in-memory id. The archive does
// not read this UUID from its image or write it there.
func (a *Archive) DiskUUID() satoriuuid.UUID { return a.diskUUID }

func (a *Archive) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return archerr.WithArchive(err, a.id.String())
}

// Warnings returns every non-fatal condition recorded since Open.
func (a *Archive) Warnings() []Warning { return a.warnings }

func (a *Archive) addWarning(w Warning) {
	a.warnings = append(a.warnings, w)
	a.log.WithField("warning", w.String()).Warn("archive warning recorded")
}

// RootDir returns a DirHandle over the archive's root directory.
func (a *Archive) RootDir() (*DirHandle, error) {
	return a.openDirHandle(a.rootIdx)
}

// Commit flushes every layer of the archive in the bottom-up order
// spec.md section 5 requires: the hash tree first (if present), then
// the raw data/table RAFs it or the allocator sit on top of. Readers
// that outlive a Commit see the newly-committed root/selector state.
func (a *Archive) Commit() error {
	if a.readOnly {
		return archerr.New(archerr.KindNotSupported, "archive.Archive", 0, "commit on read-only archive")
	}
	if a.openHandles != 0 {
		return a.wrapErr(archerr.New(archerr.KindInvalidHandle, "archive.Archive", 0, "cannot commit with open handles"))
	}
	if a.tree != nil {
		if err := a.tree.Commit(); err != nil {
			return a.wrapErr(err)
		}
	}
	if err := a.data.Commit(); err != nil {
		return a.wrapErr(err)
	}
	if err := a.fatTable.Commit(); err != nil {
		return a.wrapErr(err)
	}
	if err := a.dirTable.Commit(); err != nil {
		return a.wrapErr(err)
	}
	if err := a.fileTable.Commit(); err != nil {
		return a.wrapErr(err)
	}
	a.log.Debug("archive committed")
	return nil
}

// Close releases the archive; it is an error to Close with outstanding
// handles still open, matching spec.md's handle-lifetime invariant.
func (a *Archive) Close() error {
	if a.openHandles != 0 {
		return a.wrapErr(archerr.New(archerr.KindInvalidHandle, "archive.Archive", 0, "cannot close with open handles"))
	}
	a.log.Debug("archive closed")
	return nil
}

func (a *Archive) String() string {
	return fmt.Sprintf("Archive{id=%s variant=%s}", a.id, a.variant)
}
