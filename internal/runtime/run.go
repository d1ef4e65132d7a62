package runtime

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/source"
)

// Health is the monitoring view of a running pipeline.
type Health struct {
	// LastSuccessAt is nil until a statement has been stored.
	LastSuccessAt *time.Time    `json:"last_success_at"`
	Backlog       int64         `json:"backlog"`
	SourceStatus  source.Status `json:"source_status"`
}

// Healthy reports whether the source can deliver payloads at all.
func (h Health) Healthy() bool {
	return h.SourceStatus != source.StatusDisconnected
}

// Health returns the current health snapshot.
func (p *Pipeline) Health() Health {
	h := Health{
		Backlog:      p.backlog(),
		SourceStatus: p.source.Status(),
	}
	if last := p.stats.lastSuccess(); !last.IsZero() {
		h.LastSuccessAt = &last
	}
	if p.pollFailing.Load() && h.SourceStatus == source.StatusConnected {
		h.SourceStatus = source.StatusDegraded
	}
	return h
}

// Stats returns the live statistics. The value is safe to encode as JSON
// concurrently with processing.
func (p *Pipeline) Stats() *PipelineStats {
	return p.stats
}

func (p *Pipeline) backlog() int64 {
	return p.queued.Load() + p.inFlight.Load()
}

// Run polls the source and processes payloads with a fixed pool of workers
// until ctx is cancelled. The feeder only polls when the queue has room for a
// full batch. On cancellation workers finish the statement they hold, queued
// payloads that were not started are released, and Run returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	batch := int64(p.conf.BatchSize)
	queue := make(chan *source.RawPayload, p.conf.QueueSize)

	p.logger.Info("Starting pipeline", logging.LogFields{
		"workers":    p.conf.Workers,
		"batch_size": p.conf.BatchSize,
		"queue_size": p.conf.QueueSize,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return p.feed(gctx, batch, queue)
	})
	for i := 0; i < p.conf.Workers; i++ {
		g.Go(func() error {
			p.work(gctx, queue)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("Pipeline stopped", logging.LogFields{"backlog": p.backlog()})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pipeline) feed(ctx context.Context, batch int64, queue chan<- *source.RawPayload) error {
	pollBackoff := p.policy.backOff()
	for {
		if err := p.slots.Acquire(ctx, batch); err != nil {
			return nil
		}
		payloads, err := p.source.Poll(ctx)
		if unused := batch - int64(len(payloads)); unused > 0 {
			p.slots.Release(unused)
		}

		if ctx.Err() != nil {
			p.releaseAll(ctx, payloads)
			return nil
		}
		for _, payload := range payloads {
			p.queued.Add(1)
			queue <- payload
		}
		p.metrics.SetBacklog(p.backlog())

		if err == nil {
			if p.pollFailing.Swap(false) {
				p.logger.Info("Source recovered", nil)
			}
			pollBackoff.Reset()
			continue
		}
		if errors.Is(err, errspkg.ErrConnectorClosed) {
			return err
		}

		p.pollFailing.Store(true)
		p.metrics.RecordPollError()
		wait := pollBackoff.NextBackOff()
		if wait <= 0 {
			wait = p.conf.PollInterval
		}
		p.logger.Error("Poll failed", err, logging.LogFields{"backoff_ms": wait.Milliseconds()})
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Pipeline) work(ctx context.Context, queue <-chan *source.RawPayload) {
	// In-flight statements must reach a terminal outcome even during shutdown.
	detached := context.WithoutCancel(ctx)
	for payload := range queue {
		p.queued.Add(-1)
		if ctx.Err() != nil {
			p.releaseAll(detached, []*source.RawPayload{payload})
			p.slots.Release(1)
			continue
		}
		p.inFlight.Add(1)
		p.Process(detached, payload)
		p.inFlight.Add(-1)
		p.slots.Release(1)
		p.metrics.SetBacklog(p.backlog())
	}
}

func (p *Pipeline) releaseAll(ctx context.Context, payloads []*source.RawPayload) {
	ctx = context.WithoutCancel(ctx)
	for _, payload := range payloads {
		if err := p.source.Release(ctx, payload); err != nil {
			p.logger.Error("Failed to release payload", err, logging.LogFields{"payload_id": payload.ID})
		}
	}
}
