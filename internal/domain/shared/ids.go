package shared

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// UUID
// ═══════════════════════════════════════════════════════════════════════════

// UUID is a 32 character lowercase hex identifier. It is generated once for an
// entity and never reused.
type UUID string

// NilUUID is the zero identifier used by dummy entities.
const NilUUID UUID = "00000000000000000000000000000000"

// NewUUID generates a fresh random identifier.
func NewUUID() UUID {
	return UUID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// ParseUUID accepts both the dashed and the compact form.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", WrapError("uuid", "Parse", ErrInvalidID, fmt.Sprintf("invalid uuid %q", s), err)
	}
	return UUID(strings.ReplaceAll(u.String(), "-", "")), nil
}

// IsValid reports whether the identifier is 32 lowercase hex characters.
func (u UUID) IsValid() bool {
	if len(u) != 32 {
		return false
	}
	for _, c := range u {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Shard returns the shard index (0-15) selected by the first hex digit.
func (u UUID) Shard() int {
	if len(u) == 0 {
		return 0
	}
	c := u[0]
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}

// String returns the string representation.
func (u UUID) String() string {
	return string(u)
}

// ═══════════════════════════════════════════════════════════════════════════
// ARCHIVES
// ═══════════════════════════════════════════════════════════════════════════

// ArchiveID selects which snapshot an entity belongs to.
type ArchiveID string

// ArchiveCurrent is the live, mutable archive.
const ArchiveCurrent ArchiveID = "current"

// IsCurrent returns true for the live archive.
func (a ArchiveID) IsCurrent() bool {
	return a == ArchiveCurrent
}

// String returns the string representation.
func (a ArchiveID) String() string {
	return string(a)
}

// ArchiveOf returns the archive id a history with the given uuid uses.
func ArchiveOf(u UUID) ArchiveID {
	return ArchiveID(u)
}

// Ref is a non-owning reference to an entity in a specific archive.
type Ref struct {
	Archive ArchiveID `json:"archive"`
	UUID    UUID      `json:"uuid"`
}

// IsZero returns true when the reference points nowhere.
func (r Ref) IsZero() bool {
	return r.UUID == ""
}

// ═══════════════════════════════════════════════════════════════════════════
// KINDS
// ═══════════════════════════════════════════════════════════════════════════

// Kind tags an entity for dispatch and for selecting its shard file.
type Kind string

const (
	KindStudent             Kind = "student"
	KindGroup               Kind = "group"
	KindClass               Kind = "class"
	KindScoreTemplate       Kind = "score_template"
	KindScoreModification   Kind = "score_modification"
	KindAchievementTemplate Kind = "achievement_template"
	KindAchievement         Kind = "achievement"
	KindAttendance          Kind = "attendance"
	KindDayRecord           Kind = "day_record"
	KindHistory             Kind = "history"
)

// AllKinds lists every persisted kind.
var AllKinds = []Kind{
	KindStudent,
	KindGroup,
	KindClass,
	KindScoreTemplate,
	KindScoreModification,
	KindAchievementTemplate,
	KindAchievement,
	KindAttendance,
	KindDayRecord,
	KindHistory,
}

// IsValid checks that the kind is one of the fixed schema kinds.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// String returns the string representation.
func (k Kind) String() string {
	return string(k)
}

// ═══════════════════════════════════════════════════════════════════════════
// VERSION
// ═══════════════════════════════════════════════════════════════════════════

// Version is the producing runtime's version triple stamped on every record.
type Version [3]int

// RuntimeVersion is the version written by this build.
var RuntimeVersion = Version{1, 4, 0}

// String returns "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v[0], &v[1], &v[2]); err != nil {
		return Version{}, WrapError("version", "Parse", ErrInvalidInput, fmt.Sprintf("invalid version %q", s), err)
	}
	return v, nil
}
