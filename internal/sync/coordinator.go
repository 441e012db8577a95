// Package sync is the facade the rest of the application talks to: it ties
// the outbound queue, the message cache and the connectivity monitor
// together and exposes a single watch surface for UI updates.
package sync

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/cache"
	"github.com/matheus3301/offsync/internal/model"
	"github.com/matheus3301/offsync/internal/netmon"
	"github.com/matheus3301/offsync/internal/queue"
)

// Update is what a chat watcher receives after any relevant change.
type Update struct {
	ChatID   string
	Messages []model.Message
	Queue    queue.Stats
	Cache    cache.Stats
	Online   bool
}

// WatchFunc receives chat updates. Called from the coordinator's event
// goroutine; implementations must not block.
type WatchFunc func(Update)

// OverallStats aggregates engine state for status displays.
type OverallStats struct {
	Cache          cache.Stats
	PendingSends   int
	FailedMessages int
	Online         bool
}

// Coordinator composes the queue, cache and connectivity monitor.
type Coordinator struct {
	queue  *queue.Manager
	cache  *cache.Store
	net    *netmon.Monitor
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[string]WatchFunc

	runCtx context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
}

// NewCoordinator wires the facade. Components are shared, not owned: the
// daemon starts and stops them individually.
func NewCoordinator(q *queue.Manager, c *cache.Store, net *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		queue:    q,
		cache:    c,
		net:      net,
		bus:      b,
		logger:   logger,
		watchers: make(map[string]WatchFunc),
	}
}

// Start begins consuming bus events and feeding watchers. Deliveries that
// complete in the background (retry timers, online sweeps) land in the cache
// here, keeping it consistent without the caller's involvement.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.sub = c.bus.Subscribe("", 64)
	go c.eventLoop()
}

// Stop cancels the event loop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Cancel()
	}
}

func (c *Coordinator) eventLoop() {
	for {
		select {
		case evt := <-c.sub.C:
			c.handle(evt)
		case <-c.runCtx.Done():
			return
		}
	}
}

func (c *Coordinator) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindQueueSent:
		if msg, ok := evt.Payload.(model.Message); ok {
			// Upsert via merge so repeated confirmations stay idempotent.
			c.cache.Merge(msg.ChatID, []model.Message{msg})
			c.notify(msg.ChatID)
		}
	case bus.KindQueueFailed:
		if entry, ok := evt.Payload.(model.QueuedMessage); ok {
			c.cache.Update(entry.ChatID, entry.ID, func(m *model.Message) {
				m.Status = model.StatusFailed
			})
			c.notify(entry.ChatID)
		}
	case bus.KindQueueEnqueued:
		if msg, ok := evt.Payload.(model.Message); ok {
			c.notify(msg.ChatID)
		}
	case bus.KindQueueUpdated, bus.KindCacheUpdated:
		if ref, ok := evt.Payload.(bus.ChatRef); ok {
			c.notify(ref.ChatID)
		}
	case bus.KindNetOnline, bus.KindNetOffline:
		c.notifyAll()
	}
}

// SendMessage validates inputs, hands the message to the queue and mirrors
// the outcome into the cache so history and pending sends stay in one view.
// A queued (not yet delivered) result is a success from the caller's side.
func (c *Coordinator) SendMessage(ctx context.Context, chatID string, msg model.Message, send queue.SendFunc) (model.Message, error) {
	if chatID == "" {
		return model.Message{}, queue.ErrMissingChatID
	}
	result, err := c.queue.Enqueue(ctx, chatID, msg, send)
	if err != nil {
		return model.Message{}, err
	}
	c.cache.Add(chatID, result)
	return result, nil
}

// Watch registers fn for a chat's updates, replacing any previous watcher
// for that chat. The returned function unregisters it.
func (c *Coordinator) Watch(chatID string, fn WatchFunc) func() {
	c.mu.Lock()
	c.watchers[chatID] = fn
	c.mu.Unlock()
	return func() { c.Unwatch(chatID) }
}

// Unwatch removes a chat's watcher. No updates are delivered afterwards.
func (c *Coordinator) Unwatch(chatID string) {
	c.mu.Lock()
	delete(c.watchers, chatID)
	c.mu.Unlock()
}

// MergedMessages returns the chat's cached history with the live queue
// overlaid: a message that is still pending shows its current queue status
// instead of the snapshot taken when it was cached.
func (c *Coordinator) MergedMessages(chatID string) []model.Message {
	msgs := c.cache.Load(chatID)
	byID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = i
	}
	for _, e := range c.queue.Pending(chatID) {
		if i, ok := byID[e.ID]; ok {
			msgs[i] = e.Message
			continue
		}
		msgs = append(msgs, e.Message)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// SyncServerMessages reconciles an authoritative server snapshot into the
// cache and drops queue entries the snapshot proves were delivered.
func (c *Coordinator) SyncServerMessages(chatID string, server []model.Message) []model.Message {
	merged := c.cache.Merge(chatID, server)

	confirmed := make(map[string]bool, len(server))
	for _, m := range server {
		switch m.Status {
		case model.StatusQueued, model.StatusSending, model.StatusRetryPending, model.StatusFailed:
			// A local pending status echoed back is not proof of delivery.
		default:
			// sent, read, delivered: the message round-tripped.
			confirmed[m.ID] = true
		}
	}
	for _, e := range c.queue.Pending(chatID) {
		if confirmed[e.ID] {
			c.queue.RemoveFromQueue(chatID, e.ID)
			c.logger.Debug("pruned queue entry confirmed by server",
				zap.String("chat_id", chatID), zap.String("msg_id", e.ID))
		}
	}
	return merged
}

// QueueStats returns the per-chat queue counters.
func (c *Coordinator) QueueStats(chatID string) queue.Stats {
	return c.queue.Stats(chatID)
}

// Stats aggregates cache and queue state across all chats.
func (c *Coordinator) Stats(currentChatID string) OverallStats {
	st := OverallStats{
		Cache:  c.cache.Stats(currentChatID),
		Online: c.net.Online(),
	}
	for _, chatID := range c.queue.ChatIDs() {
		qs := c.queue.Stats(chatID)
		st.PendingSends += qs.Queued + qs.Sending + qs.RetryPending
		st.FailedMessages += qs.Failed
	}
	return st
}

func (c *Coordinator) notify(chatID string) {
	c.mu.Lock()
	fn := c.watchers[chatID]
	c.mu.Unlock()
	if fn == nil {
		return
	}
	fn(Update{
		ChatID:   chatID,
		Messages: c.MergedMessages(chatID),
		Queue:    c.queue.Stats(chatID),
		Cache:    c.cache.Stats(chatID),
		Online:   c.net.Online(),
	})
}

func (c *Coordinator) notifyAll() {
	c.mu.Lock()
	chats := make([]string, 0, len(c.watchers))
	for chatID := range c.watchers {
		chats = append(chats, chatID)
	}
	c.mu.Unlock()
	for _, chatID := range chats {
		c.notify(chatID)
	}
}
