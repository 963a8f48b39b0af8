package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"invoice-dispatcher/internal/models"
)

type fakeSource struct {
	mu      sync.Mutex
	pending []models.Invoice
	loadErr error
	marked  map[int64]string
}

func (f *fakeSource) PendingInvoices(_ context.Context, limit int) ([]models.Invoice, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeSource) MarkDispatchFailed(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = make(map[int64]string)
	}
	f.marked[id] = reason
	return nil
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	failID map[int64]error
	items  []models.WorkItem
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, item models.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failID[item.ID]; ok {
		return err
	}
	f.items = append(f.items, item)
	return nil
}

func invoices(regions ...string) []models.Invoice {
	out := make([]models.Invoice, len(regions))
	for i, r := range regions {
		out[i] = models.Invoice{ID: int64(i + 1), Status: models.StatusPending, Region: r}
	}
	return out
}

func TestRunOncePublishesAllPending(t *testing.T) {
	src := &fakeSource{pending: invoices("azuay", "guayas", "azuay", "pichincha")}
	enq := &fakeEnqueuer{}
	o := New(Config{Source: src, Enqueue: enq, GroupConcurrency: 2})

	require.NoError(t, o.RunOnce(context.Background()))
	require.Len(t, enq.items, 4)
	for _, item := range enq.items {
		require.NotZero(t, item.ID)
		require.False(t, item.EnqueuedAt.IsZero())
	}
}

func TestRunOnceEmptyBacklogIsNoop(t *testing.T) {
	enq := &fakeEnqueuer{}
	o := New(Config{Source: &fakeSource{}, Enqueue: enq})
	require.NoError(t, o.RunOnce(context.Background()))
	require.Empty(t, enq.items)
}

func TestRunOnceIsolatesFailingItems(t *testing.T) {
	src := &fakeSource{pending: invoices("azuay", "azuay", "guayas", "guayas")}
	enq := &fakeEnqueuer{failID: map[int64]error{2: errors.New("stream unavailable")}}
	o := New(Config{Source: src, Enqueue: enq, GroupConcurrency: 1})

	err := o.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 4")

	// The other three items, including the sibling in the failing region, went out.
	require.Len(t, enq.items, 3)
	require.Equal(t, "stream unavailable", src.marked[2])
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	var pending []models.Invoice
	for i := int64(1); i <= 20; i++ {
		pending = append(pending, models.Invoice{ID: i, Region: "azuay"})
	}
	enq := &fakeEnqueuer{}
	o := New(Config{Source: &fakeSource{pending: pending}, Enqueue: enq, BatchSize: 5})

	require.NoError(t, o.RunOnce(context.Background()))
	require.Len(t, enq.items, 5)
}

func TestRunOnceReportsSourceError(t *testing.T) {
	o := New(Config{Source: &fakeSource{loadErr: fmt.Errorf("pool closed")}, Enqueue: &fakeEnqueuer{}})
	err := o.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "load pending invoices")
}

func TestRunOnceBoundsRegionConcurrency(t *testing.T) {
	src := &fakeSource{pending: invoices("azuay", "azuay", "azuay", "azuay", "azuay", "azuay")}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	enq := &trackingEnqueuer{onCall: func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}
	o := New(Config{Source: src, Enqueue: enq, GroupConcurrency: 2})

	require.NoError(t, o.RunOnce(context.Background()))
	require.LessOrEqual(t, peak, 2)
}

type trackingEnqueuer struct {
	onCall func()
}

func (t *trackingEnqueuer) Enqueue(context.Context, models.WorkItem) error {
	t.onCall()
	return nil
}
