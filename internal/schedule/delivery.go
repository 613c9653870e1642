package schedule

import (
	"context"
	"sync"

	"github.com/roach88/canon/internal/model"
)

// Delivery hands a newly created task to whatever consumes projection work.
// Implementations must tolerate redelivery of the same task id: the
// scheduler guarantees at most one task per triple, but a crash between
// insert and delivery means the same task can be handed over again.
type Delivery interface {
	Deliver(ctx context.Context, task model.ProjectionTask) error
}

// InProcessDelivery collects delivered tasks in memory, deduplicating by
// task id. It serves tests and single-process deployments where the
// consumer polls the task table directly.
type InProcessDelivery struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks []model.ProjectionTask
}

// NewInProcessDelivery creates an empty in-process delivery sink.
func NewInProcessDelivery() *InProcessDelivery {
	return &InProcessDelivery{seen: make(map[string]bool)}
}

// Deliver records the task, ignoring redeliveries of the same id.
func (d *InProcessDelivery) Deliver(_ context.Context, task model.ProjectionTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[task.ID] {
		return nil
	}
	d.seen[task.ID] = true
	d.tasks = append(d.tasks, task)
	return nil
}

// Delivered returns the tasks delivered so far, in delivery order.
func (d *InProcessDelivery) Delivered() []model.ProjectionTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.ProjectionTask, len(d.tasks))
	copy(out, d.tasks)
	return out
}
