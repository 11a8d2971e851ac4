package observer

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Grant is one achievement waiting to be shown.
type Grant struct {
	TemplateKey string
	Student     *gradebook.Student
	Achievement *gradebook.Achievement
}

// GrantHandler receives grants in the order they were made.
type GrantHandler func(templateKey string, student *gradebook.Student)

// Delivery is a bounded FIFO of grants drained by a single consumer, so a
// slow handler never stalls evaluation.
type Delivery struct {
	queue   chan Grant
	handler GrantHandler
	log     *zap.Logger
	dropped atomic.Uint64
}

// NewDelivery creates a queue holding up to size grants.
func NewDelivery(size int, handler GrantHandler, log *zap.Logger) *Delivery {
	if size <= 0 {
		size = 64
	}
	return &Delivery{
		queue:   make(chan Grant, size),
		handler: handler,
		log:     logger.OrNop(log).With(logger.Component("delivery")),
	}
}

// Enqueue adds a grant without blocking. A full queue drops the
// notification; the achievement itself stays on the student. A grant without
// a student is rejected.
func (d *Delivery) Enqueue(g Grant) bool {
	if g.Student == nil {
		d.log.Warn("grant without student rejected", logger.TemplateKey(g.TemplateKey))
		return false
	}
	select {
	case d.queue <- g:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn("delivery queue full, notification dropped",
			logger.TemplateKey(g.TemplateKey), logger.StudentName(g.Student.Name))
		return false
	}
}

// Pending returns the number of queued grants.
func (d *Delivery) Pending() int { return len(d.queue) }

// Dropped returns how many notifications were dropped on a full queue.
func (d *Delivery) Dropped() uint64 { return d.dropped.Load() }

// Run hands grants to the handler until ctx is done, then drains what is
// already queued.
func (d *Delivery) Run(ctx context.Context) error {
	for {
		select {
		case g := <-d.queue:
			d.deliver(g)
		case <-ctx.Done():
			for {
				select {
				case g := <-d.queue:
					d.deliver(g)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Delivery) deliver(g Grant) {
	if d.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("grant handler panicked",
				logger.TemplateKey(g.TemplateKey), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	d.handler(g.TemplateKey, g.Student)
}
