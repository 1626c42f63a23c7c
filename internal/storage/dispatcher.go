package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// clientsPerJob is how many clients one broadcast job serves
const clientsPerJob = 64

type feedClient struct {
	events chan *nostr.Event
	done   chan struct{}
	once   sync.Once
}

func (c *feedClient) send(evt *nostr.Event) {
	select {
	case <-c.done:
	case c.events <- evt:
	default:
		metrics.LiveFeedDropped.Inc()
	}
}

func (c *feedClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// EventDispatcher fans accepted events out to connected clients. Publish
// never blocks; a client that falls behind loses events rather than
// stalling the others.
type EventDispatcher struct {
	clients     *xsync.MapOf[string, *feedClient]
	pool        *workers.WorkerPool
	eventBuffer chan *nostr.Event
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

var _ domain.LiveFeed = (*EventDispatcher)(nil)

// NewEventDispatcher creates a dispatcher that broadcasts on pool
func NewEventDispatcher(pool *workers.WorkerPool) *EventDispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventDispatcher{
		clients:     xsync.NewMapOf[string, *feedClient](),
		pool:        pool,
		eventBuffer: make(chan *nostr.Event, constants.DispatchBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start begins processing published events
func (ed *EventDispatcher) Start() {
	ed.startOnce.Do(func() {
		logger.Info("Starting event dispatcher...")
		go ed.processEvents()
	})
}

// Stop stops the event dispatcher and detaches every client
func (ed *EventDispatcher) Stop() {
	ed.stopOnce.Do(func() {
		logger.Info("Stopping event dispatcher...")
		ed.cancel()
		ed.startOnce.Do(func() { close(ed.done) })
		<-ed.done

		ed.clients.Range(func(id string, c *feedClient) bool {
			c.stop()
			ed.clients.Delete(id)
			return true
		})
		logger.Info("✅ Event dispatcher stopped")
	})
}

// Publish queues evt for broadcast. It drops the event when the buffer is
// full or the dispatcher is stopped.
func (ed *EventDispatcher) Publish(evt *nostr.Event) {
	if evt == nil || ed.ctx.Err() != nil {
		return
	}
	select {
	case ed.eventBuffer <- evt:
	default:
		metrics.LiveFeedDropped.Inc()
		logger.Warn("Event buffer full, dropping live event", zap.String("event_id", evt.ID))
	}
}

// AddClient registers a client and returns the channel its events arrive on.
// Registering an id again replaces the previous channel.
func (ed *EventDispatcher) AddClient(clientID string) <-chan *nostr.Event {
	c := &feedClient{
		events: make(chan *nostr.Event, constants.SubscriberBufferSize),
		done:   make(chan struct{}),
	}
	if prev, loaded := ed.clients.LoadAndStore(clientID, c); loaded {
		prev.stop()
	}
	return c.events
}

// RemoveClient unregisters a client
func (ed *EventDispatcher) RemoveClient(clientID string) {
	if c, ok := ed.clients.LoadAndDelete(clientID); ok {
		c.stop()
	}
}

// GetClientCount returns the number of registered clients
func (ed *EventDispatcher) GetClientCount() int {
	return ed.clients.Size()
}

// processEvents collects events into batches and broadcasts them
func (ed *EventDispatcher) processEvents() {
	defer close(ed.done)

	ticker := time.NewTicker(constants.DispatchBatchWindow)
	defer ticker.Stop()

	batch := make([]*nostr.Event, 0, constants.DispatchBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ed.broadcastEvents(batch)
		batch = make([]*nostr.Event, 0, constants.DispatchBatchSize)
	}

	for {
		select {
		case <-ed.ctx.Done():
			return
		case evt := <-ed.eventBuffer:
			batch = append(batch, evt)
			if len(batch) >= constants.DispatchBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// broadcastEvents splits the clients into chunks served by the worker pool
// and waits for the whole batch, so every client sees events in publish
// order.
func (ed *EventDispatcher) broadcastEvents(events []*nostr.Event) {
	var (
		wg    sync.WaitGroup
		chunk = make([]*feedClient, 0, clientsPerJob)
	)

	run := func(clients []*feedClient) {
		job := func() {
			defer wg.Done()
			for _, c := range clients {
				for _, evt := range events {
					c.send(evt)
				}
			}
		}
		wg.Add(1)
		if ed.pool == nil || !ed.pool.AddJob(job) {
			job()
		}
	}

	ed.clients.Range(func(_ string, c *feedClient) bool {
		chunk = append(chunk, c)
		if len(chunk) == clientsPerJob {
			run(chunk)
			chunk = make([]*feedClient, 0, clientsPerJob)
		}
		return true
	})
	if len(chunk) > 0 {
		run(chunk)
	}
	wg.Wait()
}
