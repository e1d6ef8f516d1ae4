// Package manifest describes one build of a game: the files it installs and the
// content-addressed chunks those files are cut from.
package manifest

import (
	"errors"
	"fmt"
	"slices"
)

// ChunkPart is a byte range of one chunk that lands in a file.
type ChunkPart struct {
	Guid   Guid   `json:"guid"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// FileManifest describes one installed file.
type FileManifest struct {
	Path        string      `json:"path"`
	Size        uint64      `json:"size"`
	SHA1        SHA1        `json:"sha1"`
	InstallTags []string    `json:"install_tags,omitempty"`
	Parts       []ChunkPart `json:"parts"`
}

// ChunkInfo is the manifest's description of one chunk.
type ChunkInfo struct {
	Guid        Guid   `json:"guid"`
	SHA1        SHA1   `json:"sha1"`
	Hash        uint64 `json:"hash,string"`
	WindowSize  uint32 `json:"window_size"`
	GroupNumber uint8  `json:"group"`
	FileSize    uint64 `json:"file_size"`
}

// Manifest is immutable once loaded; filtering returns a copy.
type Manifest struct {
	AppName      string         `json:"app_name"`
	BuildVersion string         `json:"build_version"`
	Version      uint32         `json:"version"`
	FeatureLevel int            `json:"feature_level"`
	Files        []FileManifest `json:"files"`
	Chunks       []ChunkInfo    `json:"chunks"`
}

var ErrInvalid = errors.New("invalid manifest")

// Validate checks that chunk guids are unique and every file part points at a
// known chunk and stays inside its window.
func (m *Manifest) Validate() error {
	idx := make(map[Guid]int, len(m.Chunks))
	for i, c := range m.Chunks {
		if c.Guid.IsZero() {
			return fmt.Errorf("%w: chunk %d has a zero guid", ErrInvalid, i)
		}
		if _, dup := idx[c.Guid]; dup {
			return fmt.Errorf("%w: duplicate chunk %s", ErrInvalid, c.Guid)
		}
		if c.WindowSize == 0 {
			return fmt.Errorf("%w: chunk %s has no window size", ErrInvalid, c.Guid)
		}
		idx[c.Guid] = i
	}
	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("%w: file with empty path", ErrInvalid)
		}
		var total uint64
		for _, p := range f.Parts {
			ci, ok := idx[p.Guid]
			if !ok {
				return fmt.Errorf("%w: %s references unknown chunk %s", ErrInvalid, f.Path, p.Guid)
			}
			if uint64(p.Offset)+uint64(p.Size) > uint64(m.Chunks[ci].WindowSize) {
				return fmt.Errorf("%w: %s part overruns chunk %s", ErrInvalid, f.Path, p.Guid)
			}
			total += uint64(p.Size)
		}
		if total != f.Size {
			return fmt.Errorf("%w: %s parts cover %d bytes, file is %d", ErrInvalid, f.Path, total, f.Size)
		}
	}
	return nil
}

// ChunkIndex maps each chunk guid to its position in m.Chunks.
func (m *Manifest) ChunkIndex() map[Guid]int {
	idx := make(map[Guid]int, len(m.Chunks))
	for i, c := range m.Chunks {
		idx[c.Guid] = i
	}
	return idx
}

// Filter keeps untagged files and files carrying at least one selected tag, and
// drops chunks no kept file references. Chunk order is preserved.
func (m *Manifest) Filter(selected []string) *Manifest {
	out := *m
	out.Files = make([]FileManifest, 0, len(m.Files))
	used := make(map[Guid]struct{})
	for _, f := range m.Files {
		if !wanted(f.InstallTags, selected) {
			continue
		}
		out.Files = append(out.Files, f)
		for _, p := range f.Parts {
			used[p.Guid] = struct{}{}
		}
	}
	out.Chunks = make([]ChunkInfo, 0, len(used))
	for _, c := range m.Chunks {
		if _, ok := used[c.Guid]; ok {
			out.Chunks = append(out.Chunks, c)
		}
	}
	return &out
}

func wanted(tags, selected []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if t == "" || slices.Contains(selected, t) {
			return true
		}
	}
	return false
}

// DownloadSize is the sum of the compressed chunk file sizes.
func (m *Manifest) DownloadSize() uint64 {
	var n uint64
	for _, c := range m.Chunks {
		n += c.FileSize
	}
	return n
}

// InstallSize is the sum of the file sizes.
func (m *Manifest) InstallSize() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// ChunkPartCount is the total number of parts over all files.
func (m *Manifest) ChunkPartCount() int {
	n := 0
	for _, f := range m.Files {
		n += len(f.Parts)
	}
	return n
}

// ChunksDir returns the CDN directory chunks live under for a manifest feature level.
func ChunksDir(featureLevel int) string {
	switch {
	case featureLevel >= 15:
		return "ChunksV4"
	case featureLevel >= 6:
		return "ChunksV3"
	case featureLevel >= 3:
		return "ChunksV2"
	default:
		return "Chunks"
	}
}

// ChunkPath is the chunk's path relative to the cloud directory.
func ChunkPath(featureLevel int, c ChunkInfo) string {
	return fmt.Sprintf("%s/%02d/%016X_%s.chunk", ChunksDir(featureLevel), c.GroupNumber, c.Hash, c.Guid)
}
