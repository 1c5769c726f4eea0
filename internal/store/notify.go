package store

import (
	"context"
	"time"

	"github.com/seantiz/stellarsim/internal/model"
)

// Publisher receives row-change events.
type Publisher interface {
	Publish(ev model.Event)
}

// Compile-time interface satisfaction check.
var _ Store = (*NotifyingStore)(nil)

// NotifyingStore wraps a Store and publishes an event after every
// successful write. Reads pass through unchanged.
type NotifyingStore struct {
	Store
	pub Publisher
}

// WithNotifications returns s wrapped so that writes are published to pub.
func WithNotifications(s Store, pub Publisher) *NotifyingStore {
	return &NotifyingStore{Store: s, pub: pub}
}

func (n *NotifyingStore) publish(table, action, id, status string) {
	n.pub.Publish(model.Event{
		Table:  table,
		Action: action,
		ID:     id,
		Status: status,
		At:     time.Now().UTC(),
	})
}

func (n *NotifyingStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := n.Store.CreateJob(ctx, j); err != nil {
		return err
	}
	n.publish(model.TableJobs, model.ActionInsert, j.ID, j.Status)
	return nil
}

func (n *NotifyingStore) UpdateJob(ctx context.Context, j *model.Job) error {
	if err := n.Store.UpdateJob(ctx, j); err != nil {
		return err
	}
	n.publish(model.TableJobs, model.ActionUpdate, j.ID, j.Status)
	return nil
}

func (n *NotifyingStore) ResetJob(ctx context.Context, id string) error {
	if err := n.Store.ResetJob(ctx, id); err != nil {
		return err
	}
	n.publish(model.TableJobs, model.ActionUpdate, id, model.StatusPending)
	return nil
}

func (n *NotifyingStore) DeleteJob(ctx context.Context, id string) error {
	if err := n.Store.DeleteJob(ctx, id); err != nil {
		return err
	}
	n.publish(model.TableJobs, model.ActionDelete, id, "")
	return nil
}

func (n *NotifyingStore) CreateResult(ctx context.Context, r *model.Result) error {
	if err := n.Store.CreateResult(ctx, r); err != nil {
		return err
	}
	n.publish(model.TableResults, model.ActionInsert, r.JobID, "")
	return nil
}

func (n *NotifyingStore) DeleteResult(ctx context.Context, jobID string) error {
	if err := n.Store.DeleteResult(ctx, jobID); err != nil {
		return err
	}
	n.publish(model.TableResults, model.ActionDelete, jobID, "")
	return nil
}

func (n *NotifyingStore) CreateBatchRun(ctx context.Context, b *model.BatchRun) error {
	if err := n.Store.CreateBatchRun(ctx, b); err != nil {
		return err
	}
	n.publish(model.TableBatchRuns, model.ActionInsert, b.ID, b.Status)
	return nil
}

func (n *NotifyingStore) UpdateBatchRun(ctx context.Context, b *model.BatchRun) error {
	if err := n.Store.UpdateBatchRun(ctx, b); err != nil {
		return err
	}
	n.publish(model.TableBatchRuns, model.ActionUpdate, b.ID, b.Status)
	return nil
}

func (n *NotifyingStore) DeleteBatchRun(ctx context.Context, id string) error {
	if err := n.Store.DeleteBatchRun(ctx, id); err != nil {
		return err
	}
	n.publish(model.TableBatchRuns, model.ActionDelete, id, "")
	return nil
}
