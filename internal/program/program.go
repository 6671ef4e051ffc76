// Package program holds the static description of a launchable program: its
// identity on a storage medium and the metadata the loader extracts from its
// header.
package program

import (
	"fmt"
	"strconv"
	"strings"
)

// Media is the storage medium a program is installed on.
type Media uint8

const (
	MediaNAND Media = iota
	MediaSD
	MediaGameCard
)

func (m Media) String() string {
	switch m {
	case MediaNAND:
		return "nand"
	case MediaSD:
		return "sd"
	case MediaGameCard:
		return "gamecard"
	default:
		return fmt.Sprintf("media(%d)", uint8(m))
	}
}

// ParseMedia accepts the names produced by Media.String.
func ParseMedia(s string) (Media, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nand":
		return MediaNAND, nil
	case "sd":
		return MediaSD, nil
	case "gamecard", "card":
		return MediaGameCard, nil
	}
	return 0, fmt.Errorf("unknown media %q", s)
}

func (m Media) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Media) UnmarshalText(b []byte) error {
	v, err := ParseMedia(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Info identifies a program on a medium.
type Info struct {
	ProgramID uint64 `json:"program_id" yaml:"program_id"`
	Media     Media  `json:"media" yaml:"media"`
}

func (i Info) String() string {
	return fmt.Sprintf("%016x@%s", i.ProgramID, i.Media)
}

const (
	variantByteMask = 0xFF
	// HighEndBits tags a dependency that only exists on the high-end
	// hardware variant.
	HighEndBits = 0xF0000000
	// batchUpdateBit marks programs that must go through a batch update
	// before they can be launched.
	batchUpdateBit = 1 << 35
)

// Normalize masks off the variant byte of a title id.
func Normalize(titleID uint64) uint64 { return titleID &^ variantByteMask }

// SameTitle reports whether a and b name the same program.
func SameTitle(a, b uint64) bool { return Normalize(a) == Normalize(b) }

// Category returns the title category (bits 46 and up).
func Category(titleID uint64) uint32 { return uint32(titleID >> 46) }

// UniqueID returns the 20-bit unique id of a title.
func UniqueID(titleID uint64) uint32 { return (uint32(titleID) >> 8) & 0xFFFFF }

// ShortUniqueID returns the 12-bit unique id used by the legacy CPU-time
// override table.
func ShortUniqueID(titleID uint64) uint32 { return (uint32(titleID) >> 8) & 0xFFF }

// RequiresBatchUpdate reports whether the program id carries the
// batch-update precondition flag.
func RequiresBatchUpdate(programID uint64) bool { return programID&batchUpdateBit != 0 }

// ParseTitleID parses a hex title id with or without a 0x prefix.
func ParseTitleID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse title id %q: %w", s, err)
	}
	return v, nil
}

// FormatTitleID renders a title id the way logs and the CLI print it.
func FormatTitleID(id uint64) string { return fmt.Sprintf("%016x", id) }
