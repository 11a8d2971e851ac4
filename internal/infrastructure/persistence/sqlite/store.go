package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
	"github.com/scorekeeper/scorekeeper-core/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORDS
// ══════════════════════════════════════════════════════════════════════════════

// Record is one stored entity: its identity, the version that wrote it and the
// kind-specific JSON body.
type Record struct {
	UUID    shared.UUID
	Kind    shared.Kind
	Version shared.Version
	Data    json.RawMessage
}

// envelope is the payload column format.
type envelope struct {
	Version shared.Version  `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func encodePayload(rec Record) (string, error) {
	raw, err := json.Marshal(envelope{Version: rec.Version, Data: rec.Data})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodePayload(id shared.UUID, kind shared.Kind, payload string) (Record, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Record{}, shared.WrapError("store", "Decode", shared.ErrStorage,
			fmt.Sprintf("corrupt payload for %s %s", kind, id), err)
	}
	return Record{UUID: id, Kind: kind, Version: env.Version, Data: env.Data}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Options configures the store.
type Options struct {
	DataDir      string
	BusyTimeout  time.Duration
	WriteRetries int
	RetryBackoff time.Duration

	// Version is stamped on records written without one.
	Version shared.Version

	Logger *zap.Logger
}

type poolKey struct {
	archive shared.ArchiveID
	kind    shared.Kind
}

// Store persists records of every kind for every archive.
//
// Layout: <data>/current/<kind>.db and <data>/history/<archive>/<kind>.db.
// Pools are opened lazily per file. A per-archive uuid→kind registry rejects
// a uuid reused across kinds.
type Store struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	pools map[poolKey]*Connection

	regMu    sync.Mutex
	registry map[shared.ArchiveID]map[shared.UUID]shared.Kind

	// idxMu serialises index file writes.
	idxMu sync.Mutex
}

// Open creates the data directory and returns a store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, shared.NewDomainError("store", "Open", shared.ErrInvalidInput, "data dir is required")
	}
	if opts.WriteRetries < 1 {
		opts.WriteRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Version == (shared.Version{}) {
		opts.Version = shared.RuntimeVersion
	}
	if err := os.MkdirAll(filepath.Join(opts.DataDir, currentDir), 0o755); err != nil {
		return nil, shared.WrapError("store", "Open", shared.ErrStorage, "create data dir", err)
	}

	return &Store{
		opts:     opts,
		log:      logger.OrNop(opts.Logger).With(logger.Component("shard_store")),
		pools:    make(map[poolKey]*Connection),
		registry: make(map[shared.ArchiveID]map[shared.UUID]shared.Kind),
	}, nil
}

const (
	currentDir = "current"
	historyDir = "history"
)

// DataDir returns the root directory.
func (s *Store) DataDir() string {
	return s.opts.DataDir
}

// Version returns the version stamped on new records.
func (s *Store) Version() shared.Version {
	return s.opts.Version
}

// ArchiveDir returns the directory of an archive.
func (s *Store) ArchiveDir(archive shared.ArchiveID) string {
	if archive.IsCurrent() {
		return filepath.Join(s.opts.DataDir, currentDir)
	}
	return filepath.Join(s.opts.DataDir, historyDir, string(archive))
}

func (s *Store) shardPath(archive shared.ArchiveID, kind shared.Kind) string {
	return filepath.Join(s.ArchiveDir(archive), string(kind)+".db")
}

// conn returns the pool of a shard file. Without create, a missing file
// yields (nil, nil).
func (s *Store) conn(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, create bool) (*Connection, error) {
	key := poolKey{archive: archive, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.pools[key]; ok && !c.IsClosed() {
		return c, nil
	}

	path := s.shardPath(archive, kind)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	c, err := openConnection(ctx, path, s.opts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	s.pools[key] = c
	return c, nil
}

// teardown closes a pool so the next access reopens the file.
func (s *Store) teardown(archive shared.ArchiveID, kind shared.Kind, c *Connection) {
	key := poolKey{archive: archive, kind: kind}

	s.mu.Lock()
	if s.pools[key] == c {
		delete(s.pools, key)
	}
	s.mu.Unlock()

	if err := c.Close(); err != nil {
		s.log.Error("close shard pool", logger.ShardFile(c.Path()), zap.Error(err))
	}
	s.log.Error("shard pool torn down after repeated lock conflicts",
		logger.ArchiveID(archive.String()), logger.Kind(kind.String()), logger.ShardFile(c.Path()))
}

// write runs fn in a transaction on the shard file, retrying lock conflicts.
func (s *Store) write(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, op string, fn func(*sql.Tx) error) error {
	c, err := s.conn(ctx, archive, kind, true)
	if err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, fmt.Sprintf("open %s shard", kind), err)
	}

	r := retry.StorageRetrier(s.opts.WriteRetries, s.opts.RetryBackoff, isBusy,
		func(attempt int, err error, delay time.Duration) {
			s.log.Warn("shard write conflict, retrying",
				logger.Operation(op), logger.Kind(kind.String()), logger.Attempt(attempt),
				zap.Duration("delay", delay), zap.Error(err))
		})

	err = r.Do(ctx, func(ctx context.Context) error {
		return c.WithTx(ctx, fn)
	})
	if err == nil {
		return nil
	}
	if retry.IsExhausted(err) {
		s.teardown(archive, kind, c)
	}
	return shared.WrapError("store", op, shared.ErrStorage, fmt.Sprintf("write %s shard", kind), err)
}

// ══════════════════════════════════════════════════════════════════════════════
// KIND REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// registryFor returns the uuid→kind map of an archive, scanning the existing
// shard files the first time. Caller holds regMu.
func (s *Store) registryFor(ctx context.Context, archive shared.ArchiveID) (map[shared.UUID]shared.Kind, error) {
	if reg, ok := s.registry[archive]; ok {
		return reg, nil
	}

	reg := make(map[shared.UUID]shared.Kind)
	for _, kind := range shared.AllKinds {
		c, err := s.conn(ctx, archive, kind, false)
		if err != nil {
			return nil, shared.WrapError("store", "Registry", shared.ErrStorage, fmt.Sprintf("open %s shard", kind), err)
		}
		if c == nil {
			continue
		}
		for i := 0; i < ShardCount; i++ {
			err := c.Query(ctx, func(rows *sql.Rows) error {
				var id string
				if err := rows.Scan(&id); err != nil {
					return err
				}
				reg[shared.UUID(id)] = kind
				return nil
			}, listIDsQuery(shardTable(i)))
			if err != nil {
				return nil, shared.WrapError("store", "Registry", shared.ErrStorage, fmt.Sprintf("scan %s shard", kind), err)
			}
		}
	}
	s.registry[archive] = reg
	return reg, nil
}

func collision(id shared.UUID, have, want shared.Kind) error {
	return shared.NewDomainError("store", "Put", shared.ErrKindCollision,
		fmt.Sprintf("uuid %s is a %s, cannot store it as %s", id, have, want))
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Put writes one record.
func (s *Store) Put(ctx context.Context, archive shared.ArchiveID, rec Record) error {
	return s.PutBatch(ctx, archive, []Record{rec})
}

// PutBatch writes records, one transaction per kind file. Records replace
// existing rows with the same uuid. The batch is rejected before any write if a
// uuid is already used by another kind.
func (s *Store) PutBatch(ctx context.Context, archive shared.ArchiveID, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	byKind := make(map[shared.Kind][]Record)
	seen := make(map[shared.UUID]shared.Kind, len(recs))
	for _, rec := range recs {
		if !rec.UUID.IsValid() {
			return shared.NewDomainError("store", "Put", shared.ErrInvalidID, fmt.Sprintf("invalid uuid %q", rec.UUID))
		}
		if !rec.Kind.IsValid() {
			return shared.NewDomainError("store", "Put", shared.ErrInvalidInput, fmt.Sprintf("unknown kind %q", rec.Kind))
		}
		if have, ok := seen[rec.UUID]; ok && have != rec.Kind {
			return collision(rec.UUID, have, rec.Kind)
		}
		seen[rec.UUID] = rec.Kind
		if rec.Version == (shared.Version{}) {
			rec.Version = s.opts.Version
		}
		byKind[rec.Kind] = append(byKind[rec.Kind], rec)
	}

	s.regMu.Lock()
	reg, err := s.registryFor(ctx, archive)
	if err == nil {
		for id, kind := range seen {
			if have, ok := reg[id]; ok && have != kind {
				err = collision(id, have, kind)
				break
			}
		}
	}
	s.regMu.Unlock()
	if err != nil {
		return err
	}

	kinds := make([]shared.Kind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		batch := byKind[kind]
		err := s.write(ctx, archive, kind, "Put", func(tx *sql.Tx) error {
			for _, rec := range batch {
				payload, err := encodePayload(rec)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, upsertQuery(tableName(rec.UUID)), string(rec.UUID), string(rec.Kind), payload); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.regMu.Lock()
		for _, rec := range batch {
			reg[rec.UUID] = rec.Kind
		}
		s.regMu.Unlock()
	}
	return nil
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) (Record, error) {
	notFound := shared.NewDomainError("store", "Get", shared.ErrNotFound,
		fmt.Sprintf("%s %s not found in %s", kind, id, archive))

	c, err := s.conn(ctx, archive, kind, false)
	if err != nil {
		return Record{}, shared.WrapError("store", "Get", shared.ErrStorage, fmt.Sprintf("open %s shard", kind), err)
	}
	if c == nil || !id.IsValid() {
		return Record{}, notFound
	}

	var rowKind, payload string
	err = c.ScanRow(ctx, selectQuery(tableName(id)), []any{string(id)}, &rowKind, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound
	}
	if err != nil {
		return Record{}, shared.WrapError("store", "Get", shared.ErrStorage, fmt.Sprintf("read %s %s", kind, id), err)
	}
	if shared.Kind(rowKind) != kind {
		return Record{}, collision(id, shared.Kind(rowKind), kind)
	}
	return decodePayload(id, kind, payload)
}

// List reads every record of a kind, ordered by shard then uuid.
func (s *Store) List(ctx context.Context, archive shared.ArchiveID, kind shared.Kind) ([]Record, error) {
	var out []Record
	err := s.scan(ctx, archive, kind, "List", func(id, rowKind, payload string) error {
		rec, err := decodePayload(shared.UUID(id), shared.Kind(rowKind), payload)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan visits the raw rows of a kind file in shard then uuid order.
func (s *Store) scan(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, op string, fn func(id, kind, payload string) error) error {
	c, err := s.conn(ctx, archive, kind, false)
	if err != nil {
		return shared.WrapError("store", op, shared.ErrStorage, fmt.Sprintf("open %s shard", kind), err)
	}
	if c == nil {
		return nil
	}

	for i := 0; i < ShardCount; i++ {
		err := c.Query(ctx, func(rows *sql.Rows) error {
			var id, rowKind, payload string
			if err := rows.Scan(&id, &rowKind, &payload); err != nil {
				return err
			}
			return fn(id, rowKind, payload)
		}, listQuery(shardTable(i)))
		if err != nil {
			var de *shared.DomainError
			if errors.As(err, &de) {
				return err
			}
			return shared.WrapError("store", op, shared.ErrStorage, fmt.Sprintf("scan %s", kind), err)
		}
	}
	return nil
}

// Count returns the number of records of a kind.
func (s *Store) Count(ctx context.Context, archive shared.ArchiveID, kind shared.Kind) (int, error) {
	c, err := s.conn(ctx, archive, kind, false)
	if err != nil {
		return 0, shared.WrapError("store", "Count", shared.ErrStorage, fmt.Sprintf("open %s shard", kind), err)
	}
	if c == nil {
		return 0, nil
	}

	total := 0
	for i := 0; i < ShardCount; i++ {
		var n int
		if err := c.ScanRow(ctx, countQuery(shardTable(i)), nil, &n); err != nil {
			return 0, shared.WrapError("store", "Count", shared.ErrStorage, fmt.Sprintf("count %s", kind), err)
		}
		total += n
	}
	return total, nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) error {
	_, err := s.Prune(ctx, archive, kind, func(u shared.UUID) bool { return u != id })
	return err
}

// Prune deletes every record of a kind for which keep returns false and
// returns the number removed.
func (s *Store) Prune(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, keep func(shared.UUID) bool) (int, error) {
	recs, err := s.List(ctx, archive, kind)
	if err != nil || len(recs) == 0 {
		return 0, err
	}

	var drop []shared.UUID
	for _, rec := range recs {
		if !keep(rec.UUID) {
			drop = append(drop, rec.UUID)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	err = s.write(ctx, archive, kind, "Prune", func(tx *sql.Tx) error {
		for _, id := range drop {
			if _, err := tx.ExecContext(ctx, deleteQuery(tableName(id)), string(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.regMu.Lock()
	if reg, ok := s.registry[archive]; ok {
		for _, id := range drop {
			delete(reg, id)
		}
	}
	s.regMu.Unlock()
	return len(drop), nil
}

// Release closes every pool of an archive. The files stay on disk and are
// reopened on the next access.
func (s *Store) Release(archive shared.ArchiveID) error {
	s.mu.Lock()
	var conns []*Connection
	for key, c := range s.pools {
		if key.archive == archive {
			conns = append(conns, c)
			delete(s.pools, key)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return shared.WrapError("store", "Release", shared.ErrStorage, fmt.Sprintf("release %s", archive), err)
	}
	return nil
}

// DeleteArchive releases an archive and removes its directory.
func (s *Store) DeleteArchive(ctx context.Context, archive shared.ArchiveID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Release(archive); err != nil {
		return err
	}

	s.regMu.Lock()
	delete(s.registry, archive)
	s.regMu.Unlock()

	if err := os.RemoveAll(s.ArchiveDir(archive)); err != nil {
		return shared.WrapError("store", "DeleteArchive", shared.ErrStorage, fmt.Sprintf("remove %s", archive), err)
	}
	return nil
}

// Close closes every pool.
func (s *Store) Close() error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.pools))
	for key, c := range s.pools {
		conns = append(conns, c)
		delete(s.pools, key)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
