// Package score applies and reverses score modifications in batches that
// either fully apply or leave every student untouched.
package score

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Config configures the engine.
type Config struct {
	Logger *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine executes and retracts modifications and records batches on an
// operation stack for undo.
type Engine struct {
	// mu orders batches so the stack matches application order.
	mu    sync.Mutex
	stack *OperationStack
	log   *zap.Logger
	now   func() time.Time
}

// NewEngine creates a score engine with an empty operation stack.
func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		stack: NewOperationStack(),
		log:   logger.OrNop(cfg.Logger).With(logger.Component("score")),
		now:   now,
	}
}

// Stack returns the operation stack.
func (e *Engine) Stack() *OperationStack {
	return e.stack
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTE
// ══════════════════════════════════════════════════════════════════════════════

// Execute applies one modification and records it as an operation.
func (e *Engine) Execute(m *gradebook.ScoreModification) error {
	return e.ExecuteBatch("execute", []*gradebook.ScoreModification{m})
}

// ExecuteBatch applies every modification or none. When the k-th fails, the
// first k-1 are retracted before the error is returned.
func (e *Engine) ExecuteBatch(label string, mods []*gradebook.ScoreModification) error {
	if len(mods) == 0 {
		return shared.NewDomainError("score", "ExecuteBatch", shared.ErrInvalidInput, "empty batch")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for i, m := range mods {
		if m == nil {
			e.compensate(mods[:i])
			return shared.NewDomainError("score", "ExecuteBatch", shared.ErrInvalidInput,
				fmt.Sprintf("batch member %d is nil", i))
		}
		if err := m.Execute(now); err != nil {
			e.compensate(mods[:i])
			e.log.Warn("batch rolled back",
				logger.Operation(label), zap.Int("failed_at", i), zap.Int("size", len(mods)), zap.Error(err))
			return err
		}
	}

	e.stack.Push(Operation{Label: label, Modifications: mods, At: now.UTC()})
	return nil
}

// compensate retracts already applied members in reverse order.
func (e *Engine) compensate(applied []*gradebook.ScoreModification) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := applied[i].Retract(); err != nil {
			e.log.Error("compensating retract failed",
				logger.UUID(applied[i].UUID.String()), zap.Error(err))
		}
	}
}

// Send applies a template to every student, with an optional override.
func (e *Engine) Send(tpl *gradebook.ScoreTemplate, students []*gradebook.Student, override gradebook.Override) ([]*gradebook.ScoreModification, error) {
	if tpl == nil {
		return nil, shared.NewDomainError("score", "Send", shared.ErrInvalidInput, "template is required")
	}
	if len(students) == 0 {
		return nil, shared.NewDomainError("score", "Send", shared.ErrInvalidInput, "no students selected")
	}

	mods := make([]*gradebook.ScoreModification, 0, len(students))
	for _, st := range students {
		mods = append(mods, gradebook.NewScoreModification(tpl, st, override))
	}
	if err := e.ExecuteBatch("send:"+tpl.Key, mods); err != nil {
		return nil, err
	}
	return mods, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRACT
// ══════════════════════════════════════════════════════════════════════════════

// Retract reverses one executed modification.
func (e *Engine) Retract(m *gradebook.ScoreModification) error {
	return e.RetractMany([]*gradebook.ScoreModification{m})
}

// RetractMany reverses every modification or none. All members are checked
// before the first is retracted.
func (e *Engine) RetractMany(mods []*gradebook.ScoreModification) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retractLocked(mods)
}

func (e *Engine) retractLocked(mods []*gradebook.ScoreModification) error {
	seen := make(map[*gradebook.ScoreModification]struct{}, len(mods))
	for i, m := range mods {
		if m == nil {
			return shared.NewDomainError("score", "Retract", shared.ErrInvalidInput,
				fmt.Sprintf("batch member %d is nil", i))
		}
		if _, dup := seen[m]; dup {
			return shared.NewDomainError("score", "Retract", shared.ErrInvalidInput,
				fmt.Sprintf("modification %s listed twice", m.UUID))
		}
		seen[m] = struct{}{}
		if err := m.CheckRetractable(); err != nil {
			return err
		}
	}

	var errs []error
	for i := len(mods) - 1; i >= 0; i-- {
		if err := mods[i].Retract(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetractLast undoes the newest recorded operation. Members that were already
// retracted on their own are skipped.
func (e *Engine) RetractLast() (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.stack.Peek()
	if !ok {
		return Operation{}, shared.ErrEmptyStack
	}

	pending := make([]*gradebook.ScoreModification, 0, len(op.Modifications))
	for _, m := range op.Modifications {
		if !m.Discarded() {
			pending = append(pending, m)
		}
	}
	if err := e.retractLocked(pending); err != nil {
		return Operation{}, err
	}

	e.stack.Pop()
	e.log.Debug("operation undone", logger.Operation(op.Label), zap.Int("size", len(pending)))
	return op, nil
}

// Reset clears the operation stack. Called on every weekly reset.
func (e *Engine) Reset() {
	e.stack.Clear()
}

// Exclusive runs fn while no batch can execute or retract. fn must not call
// back into the engine except through Reset.
func (e *Engine) Exclusive(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}
