package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/manifest"
)

const (
	// SectorSize is the alignment unit of every region in the archive file.
	SectorSize = 4096

	headerSectors = 16
	headerSize    = headerSectors * SectorSize
	formatVersion = uint16(1)

	// MaxRuns bounds the number of extents a region may be split into.
	MaxRuns = 1024

	FileRecordSize      = 384
	ChunkPartRecordSize = 16
	ChunkInfoRecordSize = 80

	maxPathLen = 320
	maxNameLen = 64
)

var archiveMagic = [4]byte{'E', 'G', 'I', 'A'}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrBadMagic    = errors.New("archive: bad magic")
	ErrChecksum    = errors.New("archive: header checksum mismatch")
	ErrVersion     = errors.New("archive: unsupported format version")
	ErrRunlistFull = errors.New("archive: region runlist is full")
	ErrOutOfRange  = errors.New("archive: access outside region")
	ErrReadOnly    = errors.New("archive: opened read-only")
	ErrTooLong     = errors.New("archive: string does not fit its field")
)

// StorageMethod says how chunk bytes are kept in the data region.
type StorageMethod uint8

const (
	StorageRaw StorageMethod = iota
	StorageZstd
)

func (m StorageMethod) String() string {
	switch m {
	case StorageRaw:
		return "raw"
	case StorageZstd:
		return "zstd"
	default:
		return fmt.Sprintf("storage(%d)", uint8(m))
	}
}

// ParseStorageMethod maps "raw"/"none" and "zstd" to a StorageMethod.
func ParseStorageMethod(s string) (StorageMethod, error) {
	switch s {
	case "", "raw", "none":
		return StorageRaw, nil
	case "zstd":
		return StorageZstd, nil
	}
	return 0, fmt.Errorf("unknown storage method %q", s)
}

// UpdateInfo is the crash-recovery record of an install in progress.
type UpdateInfo struct {
	IsUpdating      bool
	TargetVersion   uint32
	Elapsed         time.Duration
	PiecesComplete  uint64
	BytesDownloaded uint64
}

// Header holds the archive's scalar metadata.
type Header struct {
	GameID       string
	VersionNum   uint32
	VersionHR    string
	Storage      StorageMethod
	StorageLevel int
	Update       UpdateInfo
}

// FileEntry is one row of the file table.
type FileEntry struct {
	Path      string
	Size      uint64
	SHA1      manifest.SHA1
	PartStart uint32
	PartCount uint32
}

// ChunkPartEntry is one row of the chunk-part table. ChunkIndex indexes the
// manifest chunk list while an install runs and the chunk-info table after it
// finishes.
type ChunkPartEntry struct {
	ChunkIndex uint32
	Offset     uint32
	Size       uint32
}

// ChunkInfoEntry is one row of the chunk-info table. A zero Guid marks a
// vacant slot.
type ChunkInfoEntry struct {
	Guid             manifest.Guid
	SHA1             manifest.SHA1
	Hash             uint64
	UncompressedSize uint32
	StoredSize       uint32
	DataSector       uint64
	ReservedSectors  uint32
	GroupNumber      uint8
	Storage          StorageMethod
}

// Vacant reports whether the slot holds no chunk.
func (e ChunkInfoEntry) Vacant() bool {
	return e.Guid.IsZero()
}

type rawRun struct {
	Start uint32
	Count uint32
}

type rawRunlist struct {
	Size      uint64
	Allocated uint32
	RunCount  uint32
	Runs      [MaxRuns]rawRun
}

type rawHeader struct {
	Magic           [4]byte
	Version         uint16
	Storage         uint8
	StorageLevel    int8
	GameID          [maxNameLen]byte
	VersionNum      uint32
	VersionHR       [maxNameLen]byte
	Updating        uint8
	_               [3]byte
	TargetVersion   uint32
	ElapsedNs       int64
	PiecesComplete  uint64
	BytesDownloaded uint64
	NextSector      uint32
	_               [4]byte
	Regions         [regionCount]rawRunlist
}

type rawFile struct {
	Path      [maxPathLen]byte
	Size      uint64
	SHA1      [20]byte
	PartStart uint32
	PartCount uint32
	_         [28]byte
}

type rawChunkPart struct {
	ChunkIndex uint32
	Offset     uint32
	Size       uint32
	_          [4]byte
}

type rawChunkInfo struct {
	Guid            [4]uint32
	SHA1            [20]byte
	Hash            uint64
	Uncompressed    uint32
	Stored          uint32
	DataSector      uint64
	ReservedSectors uint32
	Group           uint8
	Storage         uint8
	_               [14]byte
}

func putString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	clear(dst)
	copy(dst, s)
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func encodeHeader(h Header, nextSector uint32, regions [regionCount]rawRunlist) ([]byte, error) {
	raw := rawHeader{
		Magic:           archiveMagic,
		Version:         formatVersion,
		Storage:         uint8(h.Storage),
		StorageLevel:    int8(h.StorageLevel),
		VersionNum:      h.VersionNum,
		TargetVersion:   h.Update.TargetVersion,
		ElapsedNs:       int64(h.Update.Elapsed),
		PiecesComplete:  h.Update.PiecesComplete,
		BytesDownloaded: h.Update.BytesDownloaded,
		NextSector:      nextSector,
		Regions:         regions,
	}
	if h.Update.IsUpdating {
		raw.Updating = 1
	}
	if err := putString(raw.GameID[:], h.GameID); err != nil {
		return nil, err
	}
	if err := putString(raw.VersionHR[:], h.VersionHR); err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, &raw); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(buf[headerSize-4:], crc32.Checksum(buf[:headerSize-4], crc32cTable))
	return buf, nil
}

func decodeHeader(buf []byte) (Header, uint32, [regionCount]rawRunlist, error) {
	var raw rawHeader
	if len(buf) < headerSize {
		return Header{}, 0, raw.Regions, fmt.Errorf("archive: header too small (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[:4], archiveMagic[:]) {
		return Header{}, 0, raw.Regions, ErrBadMagic
	}
	if crc32.Checksum(buf[:headerSize-4], crc32cTable) != binary.LittleEndian.Uint32(buf[headerSize-4:]) {
		return Header{}, 0, raw.Regions, ErrChecksum
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &raw); err != nil {
		return Header{}, 0, raw.Regions, err
	}
	if raw.Version != formatVersion {
		return Header{}, 0, raw.Regions, fmt.Errorf("%w %d", ErrVersion, raw.Version)
	}
	h := Header{
		GameID:       getString(raw.GameID[:]),
		VersionNum:   raw.VersionNum,
		VersionHR:    getString(raw.VersionHR[:]),
		Storage:      StorageMethod(raw.Storage),
		StorageLevel: int(raw.StorageLevel),
		Update: UpdateInfo{
			IsUpdating:      raw.Updating != 0,
			TargetVersion:   raw.TargetVersion,
			Elapsed:         time.Duration(raw.ElapsedNs),
			PiecesComplete:  raw.PiecesComplete,
			BytesDownloaded: raw.BytesDownloaded,
		},
	}
	return h, raw.NextSector, raw.Regions, nil
}

func encodeFile(e FileEntry, dst []byte) error {
	raw := rawFile{Size: e.Size, SHA1: e.SHA1, PartStart: e.PartStart, PartCount: e.PartCount}
	if err := putString(raw.Path[:], e.Path); err != nil {
		return err
	}
	_, err := binary.Encode(dst, binary.LittleEndian, &raw)
	return err
}

func decodeFile(src []byte) (FileEntry, error) {
	var raw rawFile
	if _, err := binary.Decode(src, binary.LittleEndian, &raw); err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		Path:      getString(raw.Path[:]),
		Size:      raw.Size,
		SHA1:      raw.SHA1,
		PartStart: raw.PartStart,
		PartCount: raw.PartCount,
	}, nil
}

func encodeChunkPart(e ChunkPartEntry, dst []byte) error {
	raw := rawChunkPart{ChunkIndex: e.ChunkIndex, Offset: e.Offset, Size: e.Size}
	_, err := binary.Encode(dst, binary.LittleEndian, &raw)
	return err
}

func decodeChunkPart(src []byte) (ChunkPartEntry, error) {
	var raw rawChunkPart
	if _, err := binary.Decode(src, binary.LittleEndian, &raw); err != nil {
		return ChunkPartEntry{}, err
	}
	return ChunkPartEntry{ChunkIndex: raw.ChunkIndex, Offset: raw.Offset, Size: raw.Size}, nil
}

func encodeChunkInfo(e ChunkInfoEntry, dst []byte) error {
	raw := rawChunkInfo{
		Guid:            e.Guid,
		SHA1:            e.SHA1,
		Hash:            e.Hash,
		Uncompressed:    e.UncompressedSize,
		Stored:          e.StoredSize,
		DataSector:      e.DataSector,
		ReservedSectors: e.ReservedSectors,
		Group:           e.GroupNumber,
		Storage:         uint8(e.Storage),
	}
	_, err := binary.Encode(dst, binary.LittleEndian, &raw)
	return err
}

func decodeChunkInfo(src []byte) (ChunkInfoEntry, error) {
	var raw rawChunkInfo
	if _, err := binary.Decode(src, binary.LittleEndian, &raw); err != nil {
		return ChunkInfoEntry{}, err
	}
	return ChunkInfoEntry{
		Guid:             raw.Guid,
		SHA1:             raw.SHA1,
		Hash:             raw.Hash,
		UncompressedSize: raw.Uncompressed,
		StoredSize:       raw.Stored,
		DataSector:       raw.DataSector,
		ReservedSectors:  raw.ReservedSectors,
		GroupNumber:      raw.Group,
		Storage:          StorageMethod(raw.Storage),
	}, nil
}

// AlignUp rounds n up to a whole number of sectors, in bytes.
func AlignUp(n uint64) uint64 {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}

// SectorsFor is the number of sectors needed to hold n bytes.
func SectorsFor(n uint64) uint64 {
	return AlignUp(n) / SectorSize
}
