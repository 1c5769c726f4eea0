package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stellarsim/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func TestNotifyingStorePublishesWrites(t *testing.T) {
	inner, err := NewMemoryStore()
	require.NoError(t, err)
	rec := &recorder{}
	s := WithNotifications(inner, rec)
	ctx := context.Background()

	j := makeTestJob(time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, j))
	j.Status = model.StatusRunning
	require.NoError(t, s.UpdateJob(ctx, j))
	require.NoError(t, s.CreateResult(ctx, &model.Result{JobID: j.ID}))
	require.NoError(t, s.DeleteResult(ctx, j.ID))
	require.NoError(t, s.DeleteJob(ctx, j.ID))

	b := makeTestBatchRun(time.Now().UTC())
	require.NoError(t, s.CreateBatchRun(ctx, b))

	got := rec.snapshot()
	require.Len(t, got, 6)

	want := []struct{ table, action, status string }{
		{model.TableJobs, model.ActionInsert, model.StatusPending},
		{model.TableJobs, model.ActionUpdate, model.StatusRunning},
		{model.TableResults, model.ActionInsert, ""},
		{model.TableResults, model.ActionDelete, ""},
		{model.TableJobs, model.ActionDelete, ""},
		{model.TableBatchRuns, model.ActionInsert, model.StatusPending},
	}
	for i, w := range want {
		assert.Equal(t, w.table, got[i].Table, "event %d table", i)
		assert.Equal(t, w.action, got[i].Action, "event %d action", i)
		assert.Equal(t, w.status, got[i].Status, "event %d status", i)
		assert.False(t, got[i].At.IsZero())
	}
}

func TestNotifyingStoreSkipsFailedWrites(t *testing.T) {
	inner, err := NewMemoryStore()
	require.NoError(t, err)
	rec := &recorder{}
	s := WithNotifications(inner, rec)
	ctx := context.Background()

	assert.ErrorIs(t, s.DeleteJob(ctx, "nonexistent"), ErrNotFound)
	assert.ErrorIs(t, s.ResetJob(ctx, "nonexistent"), ErrNotFound)
	assert.ErrorIs(t, s.DeleteResult(ctx, "nonexistent"), ErrNotFound)

	j := makeTestJob(time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, j))
	j.Status = model.StatusCompleted
	assert.ErrorIs(t, s.UpdateJob(ctx, j), ErrInvalidTransition)

	assert.Len(t, rec.snapshot(), 1)
}
