package score

import (
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
)

// Operation is one successful batch recorded for undo.
type Operation struct {
	Label         string
	Modifications []*gradebook.ScoreModification
	At            time.Time
}

// OperationStack is a LIFO of operations. Safe for concurrent use.
type OperationStack struct {
	mu  sync.Mutex
	ops []Operation
}

// NewOperationStack creates an empty stack.
func NewOperationStack() *OperationStack {
	return &OperationStack{}
}

// Push records an operation.
func (s *OperationStack) Push(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.Modifications = append([]*gradebook.ScoreModification(nil), op.Modifications...)
	s.ops = append(s.ops, op)
}

// Pop removes and returns the newest operation.
func (s *OperationStack) Pop() (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ops) == 0 {
		return Operation{}, false
	}
	op := s.ops[len(s.ops)-1]
	s.ops = s.ops[:len(s.ops)-1]
	return op, true
}

// Peek returns the newest operation without removing it.
func (s *OperationStack) Peek() (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ops) == 0 {
		return Operation{}, false
	}
	return s.ops[len(s.ops)-1], true
}

// Len returns the number of recorded operations.
func (s *OperationStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Clear drops every operation.
func (s *OperationStack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}
