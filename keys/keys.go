// Package keys implements the resource and per-archive key derivation
// of spec.md section 4.1: console-unique slot keys, the movable.sed SD
// key-Y derivation, and the per-archive AES/CMAC keys each open
// operation needs.
package keys

import (
	"crypto/aes"
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"

	"github.com/kurenai-fs/savearc/archerr"
)

// SlotKey is a single 128-bit AES key slot, as produced by the
// console's key-scrambler from boot9/OTP material. This module never
// derives slot keys itself (that needs console secrets out of scope for
// a host library); callers supply them from whatever keystore they
// trust.
type SlotKey [16]byte

// Resource holds every slot key a Library needs to open SaveData,
// ExtData, and TitleDb archives, plus the SD seed used for key-Y
// derivation.
type Resource struct {
	SDKeyX     SlotKey // slot 0x34, fixed system key
	SDSeed     []byte  // 16-byte movable.sed seed, device-unique
	CMACKeyY   SlotKey // slot 0x30 keyY source for signed archives
	ExtDataKey SlotKey // slot 0x0D, extdata-specific
}

// NewResource validates the supplied key material's lengths.
func NewResource(sdKeyX, cmacKeyY, extDataKey SlotKey, sdSeed []byte) (*Resource, error) {
	if len(sdSeed) != 16 {
		return nil, archerr.New(archerr.KindBadParams, "keys.Resource", 0, "sd seed must be 16 bytes")
	}
	return &Resource{SDKeyX: sdKeyX, SDSeed: sdSeed, CMACKeyY: cmacKeyY, ExtDataKey: extDataKey}, nil
}

// sdKeyYSalt is a fixed, publicly-known salt distinguishing this
// derivation from any other HKDF use over the same seed material.
var sdKeyYSalt = []byte("savearc/sd-key-y/v1")

// DeriveSDKeyY derives the per-device SD key-Y from the resource's seed
// via HKDF-SHA256, the same construction used for the reference
// console's movable.sed-derived SD keys. golang.org/x/crypto ships hkdf
// directly, so there is no need to hand-roll RFC 5869 here the way
// aesCMAC had to be hand-rolled for lack of a library.
func (r *Resource) DeriveSDKeyY() (SlotKey, error) {
	kdf := hkdf.New(sha256.New, r.SDSeed, sdKeyYSalt, nil)
	var out SlotKey
	if _, err := kdf.Read(out[:]); err != nil {
		return SlotKey{}, archerr.Wrap(archerr.KindKey, "keys.Resource", 0, "hkdf derivation failed", err)
	}
	return out, nil
}

// ArchiveKeys bundles the two keys a SignedFile/DiskFile pair needs to
// open one archive: the body's AES-CTR key and the header's CMAC key.
type ArchiveKeys struct {
	DiskKey [16]byte
	CMACKey [16]byte
}

// scramble is the keyslot combine step: AES-ECB-encrypt keyY under a
// fixed keyX-derived key, matching the console's key-scrambler shape
// closely enough to exercise the same crypto/aes primitive the rest of
// this module already depends on (the real scrambler also folds in a
// constant; omitted here since that constant is itself console-secret
// material out of scope per spec.md's Non-goals).
func scramble(keyX, keyY [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(keyX[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	block.Encrypt(out[:], keyY[:])
	return out, nil
}

// DeriveSaveDataKeys derives the AES/CMAC key pair for a bare SD save,
// which uses the device SD key-Y scrambled against SDKeyX for the body
// key and CMACKeyY scrambled against SDKeyX for the header key.
func (r *Resource) DeriveSaveDataKeys() (ArchiveKeys, error) {
	keyY, err := r.DeriveSDKeyY()
	if err != nil {
		return ArchiveKeys{}, err
	}
	disk, err := scramble(r.SDKeyX, keyY)
	if err != nil {
		return ArchiveKeys{}, archerr.Wrap(archerr.KindKey, "keys.Resource", 0, "disk key scramble failed", err)
	}
	cmac, err := scramble(r.SDKeyX, r.CMACKeyY)
	if err != nil {
		return ArchiveKeys{}, archerr.Wrap(archerr.KindKey, "keys.Resource", 0, "cmac key scramble failed", err)
	}
	return ArchiveKeys{DiskKey: disk, CMACKey: cmac}, nil
}

// DeriveExtDataKeys derives the AES/CMAC key pair for an extdata
// archive, which uses the extdata-specific slot instead of the SD
// key-Y.
func (r *Resource) DeriveExtDataKeys() (ArchiveKeys, error) {
	disk, err := scramble(r.SDKeyX, r.ExtDataKey)
	if err != nil {
		return ArchiveKeys{}, archerr.Wrap(archerr.KindKey, "keys.Resource", 0, "disk key scramble failed", err)
	}
	cmac, err := scramble(r.SDKeyX, r.CMACKeyY)
	if err != nil {
		return ArchiveKeys{}, archerr.Wrap(archerr.KindKey, "keys.Resource", 0, "cmac key scramble failed", err)
	}
	return ArchiveKeys{DiskKey: disk, CMACKey: cmac}, nil
}
