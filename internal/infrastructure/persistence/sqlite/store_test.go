package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/retry"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: dir, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(kind shared.Kind, body string) Record {
	return Record{UUID: shared.NewUUID(), Kind: kind, Data: json.RawMessage(body)}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	rec := record(shared.KindStudent, `{"name":"Ann"}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, rec))

	got, err := s.Get(ctx, shared.ArchiveCurrent, shared.KindStudent, rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, rec.UUID, got.UUID)
	assert.Equal(t, shared.KindStudent, got.Kind)
	assert.Equal(t, shared.RuntimeVersion, got.Version)
	assert.JSONEq(t, `{"name":"Ann"}`, string(got.Data))

	assert.FileExists(t, filepath.Join(s.ArchiveDir(shared.ArchiveCurrent), "student.db"))
}

func TestStore_PutUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	rec := record(shared.KindClass, `{"name":"7a"}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, rec))
	rec.Data = json.RawMessage(`{"name":"7b"}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, rec))

	n, err := s.Count(ctx, shared.ArchiveCurrent, shared.KindClass)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, shared.ArchiveCurrent, shared.KindClass, rec.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"7b"}`, string(got.Data))
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	_, err := s.Get(ctx, shared.ArchiveCurrent, shared.KindGroup, shared.NewUUID())
	assert.True(t, shared.IsNotFound(err))
	assert.NoFileExists(t, filepath.Join(s.ArchiveDir(shared.ArchiveCurrent), "group.db"))

	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, record(shared.KindGroup, `{}`)))
	_, err = s.Get(ctx, shared.ArchiveCurrent, shared.KindGroup, shared.NewUUID())
	assert.True(t, shared.IsNotFound(err))
}

func TestStore_KindCollision(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	rec := record(shared.KindStudent, `{}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, rec))

	clash := Record{UUID: rec.UUID, Kind: shared.KindGroup, Data: json.RawMessage(`{}`)}
	err := s.Put(ctx, shared.ArchiveCurrent, clash)
	assert.ErrorIs(t, err, shared.ErrKindCollision)

	// A fresh process primes the registry from disk.
	require.NoError(t, s.Close())
	reopened := openTestStore(t, dir)
	err = reopened.Put(ctx, shared.ArchiveCurrent, clash)
	assert.ErrorIs(t, err, shared.ErrKindCollision)

	// Other archives are independent.
	assert.NoError(t, reopened.Put(ctx, shared.ArchiveID(shared.NewUUID()), clash))
}

func TestStore_KindCollisionInsideBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	a := record(shared.KindStudent, `{}`)
	b := Record{UUID: a.UUID, Kind: shared.KindAchievement, Data: json.RawMessage(`{}`)}
	err := s.PutBatch(ctx, shared.ArchiveCurrent, []Record{a, b})
	assert.ErrorIs(t, err, shared.ErrKindCollision)

	n, err := s.Count(ctx, shared.ArchiveCurrent, shared.KindStudent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_PutBatchAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	var batch []Record
	for i := 0; i < 40; i++ {
		batch = append(batch, record(shared.KindScoreModification, `{"i":1}`))
	}
	batch = append(batch, record(shared.KindScoreTemplate, `{"key":"answer"}`))
	require.NoError(t, s.PutBatch(ctx, shared.ArchiveCurrent, batch))

	mods, err := s.List(ctx, shared.ArchiveCurrent, shared.KindScoreModification)
	require.NoError(t, err)
	assert.Len(t, mods, 40)
	for i := 1; i < len(mods); i++ {
		prev, cur := mods[i-1].UUID, mods[i].UUID
		assert.True(t, prev.Shard() < cur.Shard() || prev.Shard() == cur.Shard() && prev < cur)
	}

	tpls, err := s.List(ctx, shared.ArchiveCurrent, shared.KindScoreTemplate)
	require.NoError(t, err)
	assert.Len(t, tpls, 1)
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	err := s.Put(ctx, shared.ArchiveCurrent, Record{UUID: "nope", Kind: shared.KindStudent})
	assert.ErrorIs(t, err, shared.ErrInvalidID)

	err = s.Put(ctx, shared.ArchiveCurrent, Record{UUID: shared.NewUUID(), Kind: "homework"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	keep := record(shared.KindAchievement, `{}`)
	drop := record(shared.KindAchievement, `{}`)
	require.NoError(t, s.PutBatch(ctx, shared.ArchiveCurrent, []Record{keep, drop}))

	n, err := s.Prune(ctx, shared.ArchiveCurrent, shared.KindAchievement, func(id shared.UUID) bool { return id == keep.UUID })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, shared.ArchiveCurrent, shared.KindAchievement, drop.UUID)
	assert.True(t, shared.IsNotFound(err))

	// The pruned uuid is free for another kind again.
	assert.NoError(t, s.Put(ctx, shared.ArchiveCurrent, Record{UUID: drop.UUID, Kind: shared.KindStudent, Data: json.RawMessage(`{}`)}))
}

func TestStore_DeleteArchive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	archive := shared.ArchiveID(shared.NewUUID())
	require.NoError(t, s.Put(ctx, archive, record(shared.KindClass, `{}`)))
	require.DirExists(t, s.ArchiveDir(archive))

	require.NoError(t, s.DeleteArchive(ctx, archive))
	assert.NoDirExists(t, s.ArchiveDir(archive))

	n, err := s.Count(ctx, archive, shared.KindClass)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ReleaseReopensLazily(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	rec := record(shared.KindDayRecord, `{}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, rec))
	require.NoError(t, s.Release(shared.ArchiveCurrent))

	_, err := s.Get(ctx, shared.ArchiveCurrent, shared.KindDayRecord, rec.UUID)
	assert.NoError(t, err)
}

func TestStore_ChecksumIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	recs := []Record{
		record(shared.KindStudent, `{"name":"Ann"}`),
		record(shared.KindClass, `{"key":"7a"}`),
	}
	require.NoError(t, s.PutBatch(ctx, shared.ArchiveCurrent, recs))
	first, count, err := s.Checksum(ctx, shared.ArchiveCurrent)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.PutBatch(ctx, shared.ArchiveCurrent, recs))
	second, _, err := s.Checksum(ctx, shared.ArchiveCurrent)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	recs[0].Data = json.RawMessage(`{"name":"Bob"}`)
	require.NoError(t, s.Put(ctx, shared.ArchiveCurrent, recs[0]))
	third, _, err := s.Checksum(ctx, shared.ArchiveCurrent)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestStore_IndexFiles(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	archive := shared.ArchiveID(shared.NewUUID())

	_, err := s.ReadInfo(archive)
	assert.True(t, shared.IsNotFound(err))

	created := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteInfo(archive, Info{CreatedAt: created, Version: shared.RuntimeVersion, ObjectCount: 3}))
	info, err := s.ReadInfo(archive)
	require.NoError(t, err)
	assert.Equal(t, archive, info.ArchiveID)
	assert.True(t, created.Equal(info.CreatedAt))
	assert.Equal(t, 3, info.ObjectCount)

	classID, dayID := shared.NewUUID(), shared.NewUUID()
	require.NoError(t, s.WriteRoots(archive, Roots{
		Classes:    map[string]shared.UUID{"7a": classID},
		DayRecords: []shared.UUID{dayID},
	}))
	roots, err := s.ReadRoots(archive)
	require.NoError(t, err)
	assert.Equal(t, classID, roots.Classes["7a"])
	assert.Equal(t, []shared.UUID{dayID}, roots.DayRecords)

	entries, err := os.ReadDir(s.ArchiveDir(archive))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStore_HistoryList(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	ids, err := s.Histories()
	require.NoError(t, err)
	assert.Empty(t, ids)

	a, b := shared.ArchiveID(shared.NewUUID()), shared.ArchiveID(shared.NewUUID())
	require.NoError(t, s.AddHistory(a))
	require.NoError(t, s.AddHistory(b))
	require.NoError(t, s.AddHistory(a))

	ids, err = s.Histories()
	require.NoError(t, err)
	assert.Equal(t, []shared.ArchiveID{a, b}, ids)

	require.NoError(t, s.RemoveHistory(a))
	assert.True(t, shared.IsNotFound(s.RemoveHistory(a)))

	ids, err = s.Histories()
	require.NoError(t, err)
	assert.Equal(t, []shared.ArchiveID{b}, ids)
}

func TestStore_Footprint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	archive := shared.ArchiveID(shared.NewUUID())
	_, err := s.Footprint(archive)
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, s.Put(ctx, archive, record(shared.KindStudent, `{}`)))
	size, err := s.Footprint(archive)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, isBusy(nil))
	assert.False(t, isBusy(os.ErrNotExist))
}

func TestStore_LockedShardRetriesThenReopens(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{
		DataDir:      t.TempDir(),
		BusyTimeout:  time.Millisecond,
		WriteRetries: 3,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	archive := shared.ArchiveCurrent
	require.NoError(t, s.Put(ctx, archive, record(shared.KindStudent, `{"n":1}`)))

	key := poolKey{archive: archive, kind: shared.KindStudent}
	s.mu.Lock()
	old := s.pools[key]
	s.mu.Unlock()
	require.NotNil(t, old)

	other, err := sql.Open("sqlite", "file:"+s.shardPath(archive, shared.KindStudent))
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	holder, err := other.Conn(ctx)
	require.NoError(t, err)
	_, err = holder.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)

	err = s.Put(ctx, archive, record(shared.KindStudent, `{"n":2}`))
	require.Error(t, err)
	assert.True(t, shared.IsStorage(err))
	var exhausted *retry.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, isBusy(exhausted.Err))

	s.mu.Lock()
	current, stillPooled := s.pools[key]
	s.mu.Unlock()
	assert.False(t, stillPooled && current == old, "the conflicted pool is dropped")
	assert.True(t, old.IsClosed())

	_, err = holder.ExecContext(ctx, "ROLLBACK")
	require.NoError(t, err)
	require.NoError(t, holder.Close())

	rec := record(shared.KindStudent, `{"n":3}`)
	require.NoError(t, s.Put(ctx, archive, rec))
	got, err := s.Get(ctx, archive, shared.KindStudent, rec.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(got.Data))
}
