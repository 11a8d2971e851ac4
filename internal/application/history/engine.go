// Package history freezes the live gradebook graph into immutable snapshots
// and loads them back.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/loader"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Store is the part of the shard store the engine uses.
type Store interface {
	loader.Reader
	loader.Writer

	Histories() ([]shared.ArchiveID, error)
	AddHistory(archive shared.ArchiveID) error
	RemoveHistory(archive shared.ArchiveID) error
	DeleteArchive(ctx context.Context, archive shared.ArchiveID) error
	Release(archive shared.ArchiveID) error
	Footprint(archive shared.ArchiveID) (int64, error)
}

// Config configures the engine.
type Config struct {
	Store    Store
	Registry *gradebook.PredicateRegistry
	Logger   *zap.Logger

	// OnVersionMismatch is forwarded to every load session.
	OnVersionMismatch func(stored, runtime shared.Version)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine freezes, lists, loads and deletes histories.
type Engine struct {
	store    Store
	saver    *loader.Saver
	registry *gradebook.PredicateRegistry
	log      *zap.Logger
	now      func() time.Time

	onVersionMismatch func(stored, runtime shared.Version)
}

// NewEngine creates a history engine.
func NewEngine(cfg Config) *Engine {
	log := logger.OrNop(cfg.Logger).With(logger.Component("history"))
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:             cfg.Store,
		saver:             loader.NewSaver(cfg.Store, log),
		registry:          cfg.Registry,
		log:               log,
		now:               now,
		onVersionMismatch: cfg.OnVersionMismatch,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// FREEZE
// ══════════════════════════════════════════════════════════════════════════════

// Freeze deep-copies the graph into a new history whose uuid is its archive id
// and persists every reachable entity under it. The returned history never
// changes; later mutation of g does not reach it.
func (e *Engine) Freeze(ctx context.Context, g *gradebook.Graph) (*gradebook.History, error) {
	start := time.Now()
	id := shared.NewUUID()
	archive := shared.ArchiveOf(id)

	h := &gradebook.History{
		Meta:      gradebook.Meta{UUID: id, Archive: archive},
		Graph:     g.CloneInto(archive),
		CreatedAt: e.now().UTC(),
	}

	res, err := e.saver.SaveHistory(ctx, h)
	if err != nil {
		if cleanupErr := e.store.DeleteArchive(context.WithoutCancel(ctx), archive); cleanupErr != nil {
			e.log.Error("remove partial history", logger.ArchiveID(archive.String()), zap.Error(cleanupErr))
		}
		return nil, err
	}
	if err := e.store.AddHistory(archive); err != nil {
		return nil, err
	}
	if err := e.store.Release(archive); err != nil {
		e.log.Warn("release history pools", logger.ArchiveID(archive.String()), zap.Error(err))
	}

	e.log.Info("history frozen",
		logger.ArchiveID(archive.String()),
		logger.ObjectCount(res.Objects),
		logger.Latency(time.Since(start)))
	return h, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LOAD & LIST
// ══════════════════════════════════════════════════════════════════════════════

// Load reads a recorded history. The archive's pools are released afterwards.
func (e *Engine) Load(ctx context.Context, archive shared.ArchiveID) (*gradebook.History, error) {
	if err := e.ensureRecorded(archive, "Load"); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.store.Release(archive); err != nil {
			e.log.Warn("release history pools", logger.ArchiveID(archive.String()), zap.Error(err))
		}
	}()

	session := loader.NewSession(e.store, loader.SessionOptions{
		Registry:          e.registry,
		OnVersionMismatch: e.onVersionMismatch,
		Logger:            e.log,
	})
	h, err := session.History(ctx, archive)
	if err != nil {
		return nil, err
	}
	if n := session.Dummies(); n > 0 {
		e.log.Warn("history loaded with placeholders", logger.ArchiveID(archive.String()), zap.Int("placeholders", n))
	}
	return h, nil
}

// Summary describes a recorded history.
type Summary struct {
	ArchiveID   shared.ArchiveID
	CreatedAt   time.Time
	SavedAt     time.Time
	Version     shared.Version
	ObjectCount int
	Checksum    string

	// Footprint is the on-disk size in bytes.
	Footprint int64
}

// FootprintHuman renders the footprint as "1.2 MB".
func (s Summary) FootprintHuman() string {
	return humanize.Bytes(uint64(s.Footprint))
}

// Age renders the creation time relative to now ("3 days ago").
func (s Summary) Age() string {
	return humanize.Time(s.CreatedAt)
}

// List returns summaries of every recorded history in recording order.
func (e *Engine) List(ctx context.Context) ([]Summary, error) {
	ids, err := e.store.Histories()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := e.store.ReadInfo(id)
		if err != nil {
			return nil, err
		}
		size, err := e.store.Footprint(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			ArchiveID:   id,
			CreatedAt:   info.CreatedAt,
			SavedAt:     info.SavedAt,
			Version:     info.Version,
			ObjectCount: info.ObjectCount,
			Checksum:    info.Checksum,
			Footprint:   size,
		})
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DELETE & VERIFY
// ══════════════════════════════════════════════════════════════════════════════

// Delete removes a history's index entry and its files.
func (e *Engine) Delete(ctx context.Context, archive shared.ArchiveID) error {
	if archive.IsCurrent() {
		return shared.NewDomainError("history", "Delete", shared.ErrInvalidInput, "the current archive is not a history")
	}
	if err := e.ensureRecorded(archive, "Delete"); err != nil {
		return err
	}

	size, _ := e.store.Footprint(archive)
	if err := e.store.RemoveHistory(archive); err != nil {
		return err
	}
	if err := e.store.DeleteArchive(ctx, archive); err != nil {
		return err
	}

	e.log.Info("history deleted",
		logger.ArchiveID(archive.String()),
		logger.Footprint(humanize.Bytes(uint64(size))))
	return nil
}

// Report is the outcome of Verify.
type Report struct {
	ArchiveID     shared.ArchiveID
	Valid         bool
	Expected      string
	Actual        string
	ExpectedCount int
	ActualCount   int
}

// Verify recomputes a history's checksum and compares it with info.json.
func (e *Engine) Verify(ctx context.Context, archive shared.ArchiveID) (Report, error) {
	if err := e.ensureRecorded(archive, "Verify"); err != nil {
		return Report{}, err
	}
	defer func() { _ = e.store.Release(archive) }()

	info, err := e.store.ReadInfo(archive)
	if err != nil {
		return Report{}, err
	}
	sum, count, err := e.store.Checksum(ctx, archive)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		ArchiveID:     archive,
		Expected:      info.Checksum,
		Actual:        sum,
		ExpectedCount: info.ObjectCount,
		ActualCount:   count,
	}
	r.Valid = r.Expected == r.Actual && r.ExpectedCount == r.ActualCount
	if !r.Valid {
		e.log.Warn("history checksum mismatch",
			logger.ArchiveID(archive.String()),
			zap.String("expected", r.Expected), zap.String("actual", r.Actual))
	}
	return r, nil
}

func (e *Engine) ensureRecorded(archive shared.ArchiveID, op string) error {
	ids, err := e.store.Histories()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == archive {
			return nil
		}
	}
	return shared.WrapError("history", op, shared.ErrNotFound,
		fmt.Sprintf("history %s", archive), shared.ErrHistoryNotFound)
}

var _ Store = (*sqlite.Store)(nil)
