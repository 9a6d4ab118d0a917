package metrics

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog"
)

// Inventory lists what the backing store holds.
type Inventory interface {
	ListContainers(ctx context.Context) iter.Seq2[string, error]
	ListBlobs(ctx context.Context, container string) iter.Seq2[string, error]
}

// Collector periodically refreshes the inventory gauges.
type Collector struct {
	metrics   *Metrics
	inventory Inventory
	logger    zerolog.Logger

	// Containers seen on the last pass, so vanished ones can be dropped.
	seen map[string]struct{}
}

// NewCollector creates a new inventory collector.
func NewCollector(m *Metrics, inv Inventory, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics:   m,
		inventory: inv,
		logger:    logger.With().Str("component", "metrics-collector").Logger(),
		seen:      make(map[string]struct{}),
	}
}

// Collect updates the inventory gauges from the current store contents.
func (c *Collector) Collect(ctx context.Context) error {
	counts := make(map[string]int)
	for name, err := range c.inventory.ListContainers(ctx) {
		if err != nil {
			return err
		}
		n := 0
		for _, err := range c.inventory.ListBlobs(ctx, name) {
			if err != nil {
				return err
			}
			n++
		}
		counts[name] = n
	}

	c.metrics.Containers.Set(float64(len(counts)))
	for name, n := range counts {
		c.metrics.Blobs.WithLabelValues(name).Set(float64(n))
	}
	for name := range c.seen {
		if _, ok := counts[name]; !ok {
			c.metrics.Blobs.DeleteLabelValues(name)
		}
	}
	c.seen = make(map[string]struct{}, len(counts))
	for name := range counts {
		c.seen[name] = struct{}{}
	}
	return nil
}

// Run starts periodic collection until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collectAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectAndLog(ctx)
		}
	}
}

func (c *Collector) collectAndLog(ctx context.Context) {
	if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("inventory collection failed")
	}
}
