// Package admission bounds concurrent research work. Each research depth
// has its own capacity; requests over capacity wait in FIFO order while
// the caller keeps the client informed.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Class is an admission-controlled request category.
type Class string

const (
	ClassStandard Class = "standard_research"
	ClassDeep     Class = "deep_research"
)

// heartbeatInterval paces the waiting notifications so idle connections
// are not dropped by intermediaries.
const heartbeatInterval = 10 * time.Second

// Controller hands out execution slots per class.
type Controller struct {
	slots    map[Class]*semaphore.Weighted
	capacity map[Class]int64
	inUse    map[Class]*atomic.Int64
	logger   *slog.Logger
}

func NewController(maxStandard, maxDeep int, logger *slog.Logger) *Controller {
	return &Controller{
		slots: map[Class]*semaphore.Weighted{
			ClassStandard: semaphore.NewWeighted(int64(maxStandard)),
			ClassDeep:     semaphore.NewWeighted(int64(maxDeep)),
		},
		capacity: map[Class]int64{
			ClassStandard: int64(maxStandard),
			ClassDeep:     int64(maxDeep),
		},
		inUse: map[Class]*atomic.Int64{
			ClassStandard: {},
			ClassDeep:     {},
		},
		logger: logger,
	}
}

// Ticket is a held slot. Release is idempotent.
type Ticket struct {
	release func()
	once    sync.Once
}

func (t *Ticket) Release() {
	t.once.Do(t.release)
}

// Acquire obtains a slot for the class, blocking until one frees up or
// ctx is cancelled. When the request has to wait, waiting is called once
// immediately and then on every heartbeat tick.
func (c *Controller) Acquire(ctx context.Context, class Class, waiting func()) (*Ticket, error) {
	sem := c.slots[class]

	if !sem.TryAcquire(1) {
		c.logger.Info("admission queue full", "class", class, "in_use", c.inUse[class].Load())
		if waiting != nil {
			waiting()
		}

		done := make(chan error, 1)
		go func() { done <- sem.Acquire(ctx, 1) }()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case err := <-done:
				if err != nil {
					return nil, err
				}
				break wait
			case <-ticker.C:
				if waiting != nil {
					waiting()
				}
			}
		}
	}

	c.inUse[class].Add(1)
	return &Ticket{release: func() {
		c.inUse[class].Add(-1)
		sem.Release(1)
	}}, nil
}

// InUse reports the number of held slots for a class.
func (c *Controller) InUse(class Class) int64 {
	return c.inUse[class].Load()
}

// Capacity reports the configured slot count for a class.
func (c *Controller) Capacity(class Class) int64 {
	return c.capacity[class]
}
