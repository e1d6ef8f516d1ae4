// Package chunk downloads and decodes the compressed chunk files a manifest
// refers to.
package chunk

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/APTlantis/Epic-Installer/internal/manifest"
)

const (
	headerMagic = 0xB1FE3AA2

	headerSizeV1 = 41
	headerSizeV2 = 62
	headerSizeV3 = 66

	storedCompressed = 0x01
	storedEncrypted  = 0x02

	hashRolling = 0x01
	hashSHA1    = 0x02
)

var (
	ErrBadMagic  = errors.New("chunk: bad magic")
	ErrEncrypted = errors.New("chunk: encrypted chunks are not supported")
	ErrTruncated = errors.New("chunk: truncated")
	ErrSize      = errors.New("chunk: size mismatch")
	ErrHash      = errors.New("chunk: sha1 mismatch")
	ErrGuid      = errors.New("chunk: guid mismatch")
)

// Header is the fixed prefix of a chunk file.
type Header struct {
	Version          uint32
	HeaderSize       uint32
	CompressedSize   uint32
	Guid             manifest.Guid
	Hash             uint64
	StoredAs         uint8
	SHA1             manifest.SHA1
	HashType         uint8
	UncompressedSize uint32
}

// Chunk is a decoded chunk file.
type Chunk struct {
	Header  Header
	Data    []byte
	RawSize int
}

func parseHeader(raw []byte) (Header, error) {
	var h Header
	if len(raw) < headerSizeV1 {
		return h, ErrTruncated
	}
	le := binary.LittleEndian
	if le.Uint32(raw) != headerMagic {
		return h, ErrBadMagic
	}
	h.Version = le.Uint32(raw[4:])
	h.HeaderSize = le.Uint32(raw[8:])
	h.CompressedSize = le.Uint32(raw[12:])
	for i := range h.Guid {
		h.Guid[i] = le.Uint32(raw[16+i*4:])
	}
	h.Hash = le.Uint64(raw[32:])
	h.StoredAs = raw[40]
	if h.Version >= 2 {
		if len(raw) < headerSizeV2 {
			return h, ErrTruncated
		}
		copy(h.SHA1[:], raw[41:61])
		h.HashType = raw[61]
	}
	if h.Version >= 3 {
		if len(raw) < headerSizeV3 {
			return h, ErrTruncated
		}
		h.UncompressedSize = le.Uint32(raw[62:])
	}
	if int(h.HeaderSize) > len(raw) || h.HeaderSize < headerSizeV1 {
		return h, fmt.Errorf("%w: header size %d", ErrTruncated, h.HeaderSize)
	}
	return h, nil
}

// Decode parses a chunk file and inflates its payload. The payload must be
// exactly windowSize bytes.
func Decode(raw []byte, windowSize uint32) (*Chunk, error) {
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.StoredAs&storedEncrypted != 0 {
		return nil, ErrEncrypted
	}
	end := uint64(h.HeaderSize) + uint64(h.CompressedSize)
	if end > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: payload wants %d bytes, file has %d", ErrTruncated, end, len(raw))
	}
	body := raw[h.HeaderSize:end]
	data := body
	if h.StoredAs&storedCompressed != 0 {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("chunk %s: zlib: %w", h.Guid, err)
		}
		data = make([]byte, 0, windowSize)
		buf := bytes.NewBuffer(data)
		_, err = io.Copy(buf, io.LimitReader(zr, int64(windowSize)+1))
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("chunk %s: inflate: %w", h.Guid, err)
		}
		data = buf.Bytes()
	}
	if uint32(len(data)) != windowSize {
		return nil, fmt.Errorf("%w: chunk %s decoded to %d bytes, want %d", ErrSize, h.Guid, len(data), windowSize)
	}
	if h.UncompressedSize != 0 && h.UncompressedSize != windowSize {
		return nil, fmt.Errorf("%w: chunk %s declares %d bytes, want %d", ErrSize, h.Guid, h.UncompressedSize, windowSize)
	}
	if h.HashType&hashSHA1 != 0 && !h.SHA1.IsZero() {
		if sum := manifest.SHA1(sha1.Sum(data)); sum != h.SHA1 {
			return nil, fmt.Errorf("%w: chunk %s", ErrHash, h.Guid)
		}
	}
	return &Chunk{Header: h, Data: data, RawSize: len(raw)}, nil
}

// Encode builds a version 3 chunk file around payload, zlib-compressing it
// when compress is set.
func Encode(guid manifest.Guid, hash uint64, payload []byte, compress bool) ([]byte, error) {
	body := payload
	stored := uint8(0)
	if compress {
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = b.Bytes()
		stored = storedCompressed
	}
	out := make([]byte, headerSizeV3, headerSizeV3+len(body))
	le := binary.LittleEndian
	le.PutUint32(out, headerMagic)
	le.PutUint32(out[4:], 3)
	le.PutUint32(out[8:], headerSizeV3)
	le.PutUint32(out[12:], uint32(len(body)))
	for i, v := range guid {
		le.PutUint32(out[16+i*4:], v)
	}
	le.PutUint64(out[32:], hash)
	out[40] = stored
	sum := sha1.Sum(payload)
	copy(out[41:61], sum[:])
	out[61] = hashRolling | hashSHA1
	le.PutUint32(out[62:], uint32(len(payload)))
	return append(out, body...), nil
}
