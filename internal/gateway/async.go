package gateway

import (
	"context"
	"log"
	"sync"

	"teampulse/internal/escalate"
)

const defaultQueueSize = 64

// Async decouples delivery from the caller without losing track of it:
// every queued notification is delivered (or its failure logged) before
// Close returns. A full queue degrades to synchronous delivery rather
// than dropping the notification.
type Async struct {
	inner  escalate.Notifier
	logger *log.Logger
	queue  chan escalate.Notification
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAsync(inner escalate.Notifier, logger *log.Logger) *Async {
	if logger == nil {
		logger = log.Default()
	}
	a := &Async{
		inner:  inner,
		logger: logger,
		queue:  make(chan escalate.Notification, defaultQueueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Name() string { return a.inner.Name() + "+async" }

func (a *Async) Send(ctx context.Context, n escalate.Notification) error {
	select {
	case a.queue <- n:
		return nil
	default:
		return a.inner.Send(ctx, n)
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		if err := a.inner.Send(context.Background(), n); err != nil {
			a.logger.Printf("gateway: async delivery to %s failed: %v", n.Destination, err)
		}
	}
}

// Close drains the queue and stops the worker.
func (a *Async) Close() {
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}
