package tools

import (
	"context"
	"log/slog"
	"time"
)

// lister is the slice of the MCP client discovery needs.
type lister interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	Restarted() <-chan struct{}
}

// Discovery refreshes the registry on an interval and immediately after a
// detected server restart. A failed poll keeps the previous snapshot so
// in-flight requests never see a half-empty tool set.
type Discovery struct {
	client   lister
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

func NewDiscovery(client lister, registry *Registry, interval time.Duration, logger *slog.Logger) *Discovery {
	return &Discovery{client: client, registry: registry, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (d *Discovery) Run(ctx context.Context) {
	d.refresh(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		case <-d.client.Restarted():
			d.logger.Info("tool server restarted, rediscovering")
			d.refresh(ctx)
		}
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	descriptors, err := d.client.ListTools(ctx)
	if err != nil {
		d.logger.Warn("tool discovery failed, keeping previous snapshot", "error", err)
		return
	}

	previous := len(d.registry.Snapshot())
	d.registry.Replace(descriptors)
	if len(descriptors) != previous {
		d.logger.Info("tool set updated", "tools", len(descriptors), "previous", previous)
	}
}
