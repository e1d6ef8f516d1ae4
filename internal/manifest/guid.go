package manifest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Guid is the 128-bit content id of a chunk, stored as four 32-bit fields the
// way the chunk headers and the CDN file names carry it.
type Guid [4]uint32

// IsZero reports whether g is the all-zero guid. The archive uses it to mark
// vacant chunk slots.
func (g Guid) IsZero() bool {
	return g == Guid{}
}

// String formats g as 32 upper-case hex digits, matching CDN chunk file names.
func (g Guid) String() string {
	return fmt.Sprintf("%08X%08X%08X%08X", g[0], g[1], g[2], g[3])
}

// Compare orders guids by their fields as unsigned integers.
func (g Guid) Compare(o Guid) int {
	for i := range g {
		switch {
		case g[i] < o[i]:
			return -1
		case g[i] > o[i]:
			return 1
		}
	}
	return 0
}

// ParseGuid accepts 32 hex digits or the dashed UUID form.
func ParseGuid(s string) (Guid, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Guid{}, fmt.Errorf("parse guid %q: %w", s, err)
	}
	var g Guid
	for i := range g {
		g[i] = binary.BigEndian.Uint32(u[i*4:])
	}
	return g, nil
}

func (g Guid) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Guid) UnmarshalText(b []byte) error {
	v, err := ParseGuid(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// SHA1 is a SHA-1 digest. The zero value means "not provided".
type SHA1 [20]byte

func (h SHA1) IsZero() bool {
	return h == SHA1{}
}

func (h SHA1) String() string {
	return hex.EncodeToString(h[:])
}

func (h SHA1) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.String()), nil
}

func (h *SHA1) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*h = SHA1{}
		return nil
	}
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("parse sha1: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("parse sha1: got %d bytes, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return nil
}
