package worker

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/creatordeals/backend/internal/models"
)

// Inserter enqueues jobs outside any transaction; *river.Client implements it.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Dispatcher turns committed side effects into River jobs, so a slow or
// failing audit store or broker never holds up the financial operation.
type Dispatcher struct {
	ins Inserter
}

func NewDispatcher(ins Inserter) *Dispatcher {
	return &Dispatcher{ins: ins}
}

func (d *Dispatcher) Audit(ctx context.Context, e models.AuditEntry) error {
	_, err := d.ins.Insert(ctx, AuditJobArgs{Entry: e}, nil)
	return err
}

func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) error {
	_, err := d.ins.Insert(ctx, NotifyJobArgs{Notification: n}, nil)
	return err
}
