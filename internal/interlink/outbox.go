package interlink

import (
	"context"
	"time"

	"execstore/internal/events"
	"execstore/internal/logger"
)

const (
	defaultRelayInterval = time.Second
	defaultRelayBatch    = 100
)

// OutboxPublisher queues events in the local database. A Relay delivers
// them later, so forwarding survives the owning partition being down.
type OutboxPublisher struct {
	Outbox events.Writer
}

func (p OutboxPublisher) Publish(ctx context.Context, partition string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = p.Outbox.Append(ctx, nil, partition, string(ev.Type), data)
	return err
}

// Relay drains the outbox through Deliver.
type Relay struct {
	Outbox   events.Writer
	Deliver  Publisher
	Interval time.Duration
	Batch    int
	Log      logger.Logger
}

// Run relays until ctx is done.
func (r Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RelayOnce(ctx); err != nil {
			logger.OrNop(r.Log).Warnf("outbox relay: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce delivers one batch and returns how many rows were delivered.
// Rows for a partition that failed are skipped for the rest of the batch
// so per-partition order holds.
func (r Relay) RelayOnce(ctx context.Context) (int, error) {
	log := logger.OrNop(r.Log)
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	pending, err := r.Outbox.Pending(ctx, batch)
	if err != nil {
		return 0, err
	}
	blocked := map[string]bool{}
	delivered := 0
	for _, p := range pending {
		if blocked[p.TargetPartition] {
			continue
		}
		ev, err := Decode(p.Payload)
		if err != nil {
			log.Errorf("outbox row %s is undecodable, marking delivered: %v", p.ID, err)
			if err := r.Outbox.MarkDelivered(ctx, p.ID); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.Deliver.Publish(ctx, p.TargetPartition, ev); err != nil {
			log.Warnf("outbox deliver %s to %q failed (attempt %d): %v", p.ID, p.TargetPartition, p.Attempts+1, err)
			blocked[p.TargetPartition] = true
			if err := r.Outbox.MarkFailed(ctx, p.ID, err); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.Outbox.MarkDelivered(ctx, p.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
