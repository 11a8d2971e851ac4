package sqlite

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// Index file names.
const (
	infoFile       = "info.json"
	classesFile    = "classes.json"
	dayRecordsFile = "day_records.json"
	historiesFile  = "histories.json"
)

// Info is the per-archive index record.
type Info struct {
	ArchiveID   shared.ArchiveID `json:"archive_id"`
	CreatedAt   time.Time        `json:"created_at"`
	SavedAt     time.Time        `json:"saved_at"`
	Version     shared.Version   `json:"version"`
	ObjectCount int              `json:"object_count"`
	Checksum    string           `json:"checksum"`
}

// Roots is the root set of an archive: classes by key and day records in
// creation order.
type Roots struct {
	Classes    map[string]shared.UUID
	DayRecords []shared.UUID
}

// ══════════════════════════════════════════════════════════════════════════════
// ARCHIVE INDEX
// ══════════════════════════════════════════════════════════════════════════════

// WriteInfo replaces the archive's info.json.
func (s *Store) WriteInfo(archive shared.ArchiveID, info Info) error {
	info.ArchiveID = archive
	return s.writeJSON("WriteInfo", filepath.Join(s.ArchiveDir(archive), infoFile), info)
}

// ReadInfo reads the archive's info.json.
func (s *Store) ReadInfo(archive shared.ArchiveID) (Info, error) {
	var info Info
	if err := s.readJSON("ReadInfo", filepath.Join(s.ArchiveDir(archive), infoFile), &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// WriteRoots replaces classes.json and day_records.json.
func (s *Store) WriteRoots(archive shared.ArchiveID, roots Roots) error {
	dir := s.ArchiveDir(archive)
	classes := roots.Classes
	if classes == nil {
		classes = map[string]shared.UUID{}
	}
	days := roots.DayRecords
	if days == nil {
		days = []shared.UUID{}
	}
	if err := s.writeJSON("WriteRoots", filepath.Join(dir, classesFile), classes); err != nil {
		return err
	}
	return s.writeJSON("WriteRoots", filepath.Join(dir, dayRecordsFile), days)
}

// ReadRoots reads classes.json and day_records.json. An archive without
// index files has no roots and yields ErrNotFound.
func (s *Store) ReadRoots(archive shared.ArchiveID) (Roots, error) {
	dir := s.ArchiveDir(archive)
	roots := Roots{Classes: map[string]shared.UUID{}}
	if err := s.readJSON("ReadRoots", filepath.Join(dir, classesFile), &roots.Classes); err != nil {
		return Roots{}, err
	}
	if err := s.readJSON("ReadRoots", filepath.Join(dir, dayRecordsFile), &roots.DayRecords); err != nil {
		if !shared.IsNotFound(err) {
			return Roots{}, err
		}
	}
	return roots, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HISTORY LIST
// ══════════════════════════════════════════════════════════════════════════════

// Histories returns the recorded history archive ids in recording order.
func (s *Store) Histories() ([]shared.ArchiveID, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.historiesLocked()
}

func (s *Store) historiesLocked() ([]shared.ArchiveID, error) {
	var ids []shared.ArchiveID
	err := s.readJSON("Histories", filepath.Join(s.opts.DataDir, historiesFile), &ids)
	if err != nil && !shared.IsNotFound(err) {
		return nil, err
	}
	return ids, nil
}

// AddHistory records an archive id in histories.json. Adding a recorded id is a no-op.
func (s *Store) AddHistory(archive shared.ArchiveID) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	ids, err := s.historiesLocked()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == archive {
			return nil
		}
	}
	ids = append(ids, archive)
	return s.writeJSON("AddHistory", filepath.Join(s.opts.DataDir, historiesFile), ids)
}

// RemoveHistory drops an archive id from histories.json.
func (s *Store) RemoveHistory(archive shared.ArchiveID) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	ids, err := s.historiesLocked()
	if err != nil {
		return err
	}
	kept := make([]shared.ArchiveID, 0, len(ids))
	for _, id := range ids {
		if id != archive {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return shared.NewDomainError("store", "RemoveHistory", shared.ErrNotFound,
			fmt.Sprintf("history %s is not recorded", archive))
	}
	return s.writeJSON("RemoveHistory", filepath.Join(s.opts.DataDir, historiesFile), kept)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKSUM & FOOTPRINT
// ══════════════════════════════════════════════════════════════════════════════

// Checksum hashes every stored row of an archive with BLAKE2b-256 and returns
// the hex digest with the row count. Kinds are visited in a fixed order and
// rows in shard then uuid order, so equal contents give equal digests.
func (s *Store) Checksum(ctx context.Context, archive shared.ArchiveID) (string, int, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}

	kinds := append([]shared.Kind(nil), shared.AllKinds...)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	count := 0
	for _, kind := range kinds {
		err := s.scan(ctx, archive, kind, "Checksum", func(id, rowKind, payload string) error {
			h.Write([]byte(rowKind))
			h.Write([]byte{0})
			h.Write([]byte(id))
			h.Write([]byte{0})
			h.Write([]byte(payload))
			h.Write([]byte{'\n'})
			count++
			return nil
		})
		if err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), count, nil
}

// Footprint returns the bytes used by an archive directory.
func (s *Store) Footprint(archive shared.ArchiveID) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.ArchiveDir(archive), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, shared.NewDomainError("store", "Footprint", shared.ErrNotFound,
			fmt.Sprintf("archive %s does not exist", archive))
	}
	if err != nil {
		return 0, shared.WrapError("store", "Footprint", shared.ErrStorage, fmt.Sprintf("walk %s", archive), err)
	}
	return total, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FILE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeJSON writes v to path through a temporary file and a rename.
func (s *Store) writeJSON(op, path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "encode "+filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "create index dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "create temp index", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return shared.WrapError("store", op, shared.ErrStorage, "write "+filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "close "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "replace "+filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readJSON(op, path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return shared.NewDomainError("store", op, shared.ErrNotFound, filepath.Base(path)+" does not exist")
	}
	if err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, "decode "+filepath.Base(path), err)
	}
	return nil
}
