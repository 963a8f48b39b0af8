// Package orchestrator runs the periodic dispatch pass: load pending invoices,
// fan them out by region, and publish each one to the processing stream.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// PendingSource supplies invoices awaiting dispatch and records publish failures.
type PendingSource interface {
	PendingInvoices(ctx context.Context, limit int) ([]models.Invoice, error)
	MarkDispatchFailed(ctx context.Context, id int64, reason string) error
}

// Enqueuer publishes a work item to the durable channel.
type Enqueuer interface {
	Enqueue(ctx context.Context, item models.WorkItem) error
}

type Config struct {
	Source  PendingSource
	Enqueue Enqueuer

	// BatchSize caps how many invoices one pass loads. Default: 500.
	BatchSize int

	// GroupConcurrency bounds concurrent publishes within one region. Default: 4.
	GroupConcurrency int
}

type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.GroupConcurrency <= 0 {
		cfg.GroupConcurrency = 4
	}
	return &Orchestrator{cfg: cfg}
}

// RunOnce executes a single dispatch pass. Regions run concurrently and a
// failing region never stops the others; the pass reports how many items it
// could not publish via the returned error.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	pending, err := o.cfg.Source.PendingInvoices(ctx, o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending invoices: %w", err)
	}
	telemetry.PendingDepthGauge.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	groups := make(map[string][]models.Invoice)
	for _, inv := range pending {
		groups[inv.Region] = append(groups[inv.Region], inv)
	}

	now := time.Now()
	var wg sync.WaitGroup
	results := make(chan regionResult, len(groups))
	for region, invoices := range groups {
		wg.Add(1)
		go func(region string, invoices []models.Invoice) {
			defer wg.Done()
			results <- o.dispatchRegion(ctx, region, invoices, now)
		}(region, invoices)
	}
	wg.Wait()
	close(results)

	var failed int
	for res := range results {
		if res.failed > 0 {
			failed += res.failed
			log.Printf("dispatch pass: region=%s dispatched=%d failed=%d", res.region, res.dispatched, res.failed)
		}
	}
	if failed > 0 {
		return fmt.Errorf("dispatch pass: %d of %d invoices failed to publish", failed, len(pending))
	}
	return nil
}

type regionResult struct {
	region     string
	dispatched int
	failed     int
}

func (o *Orchestrator) dispatchRegion(ctx context.Context, region string, invoices []models.Invoice, now time.Time) regionResult {
	var g errgroup.Group
	g.SetLimit(o.cfg.GroupConcurrency)

	var mu sync.Mutex
	res := regionResult{region: region}
	for _, inv := range invoices {
		inv := inv
		g.Go(func() error {
			item := models.NewWorkItem(inv, now)
			if err := o.cfg.Enqueue.Enqueue(ctx, item); err != nil {
				log.Printf("publish invoice %d (region %s): %v", inv.ID, region, err)
				if markErr := o.cfg.Source.MarkDispatchFailed(ctx, inv.ID, err.Error()); markErr != nil {
					log.Printf("mark invoice %d dispatch failed: %v", inv.ID, markErr)
				}
				mu.Lock()
				res.failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			res.dispatched++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}
