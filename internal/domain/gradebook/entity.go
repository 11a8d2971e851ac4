// Package gradebook contains the domain model of the gradebook core: students,
// groups, classes, score modifications, achievements, attendance and the
// history snapshots that freeze them.
//
// Cross references that are owned (a class's students, a student's history)
// are live pointers filled in by the object loader. Non-owning back references
// (group membership, a student's last reset snapshot) are stored as UUIDs and
// resolved on demand so that the graph stays serialisable.
package gradebook

import (
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// Entity is implemented by every persisted domain record.
type Entity interface {
	// ID returns the stable identity of the entity.
	ID() shared.UUID

	// Kind returns the dispatch tag used to select the shard table.
	Kind() shared.Kind

	// ArchiveID returns the snapshot the entity belongs to.
	ArchiveID() shared.ArchiveID
}

// Meta holds the identity shared by every entity.
type Meta struct {
	UUID    shared.UUID
	Archive shared.ArchiveID
}

// NewMeta creates identity for a new entity in the current archive.
func NewMeta() Meta {
	return Meta{UUID: shared.NewUUID(), Archive: shared.ArchiveCurrent}
}

// ID returns the entity uuid.
func (m *Meta) ID() shared.UUID { return m.UUID }

// ArchiveID returns the archive the entity belongs to.
func (m *Meta) ArchiveID() shared.ArchiveID { return m.Archive }

// Ref returns a non-owning reference to the entity.
func (m *Meta) Ref() shared.Ref {
	return shared.Ref{Archive: m.Archive, UUID: m.UUID}
}
