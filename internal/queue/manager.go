// Package queue implements the per-chat FIFO queue of outbound messages
// awaiting delivery. Entries survive restarts through the kv collaborator,
// failed sends are re-attempted automatically with exponential backoff, and
// a connectivity transition to online sweeps every non-empty queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/kv"
	"github.com/matheus3301/offsync/internal/model"
	"github.com/matheus3301/offsync/internal/netmon"
	"github.com/matheus3301/offsync/internal/retry"
)

const keyPrefix = "queue:"

var (
	// ErrQueueFull is returned when a chat's queue is at capacity. A
	// sender-authored message is never silently evicted; the caller must
	// surface this to the user.
	ErrQueueFull = errors.New("message queue is full")
	// ErrMissingChatID is returned for calls without a chat identifier.
	ErrMissingChatID = errors.New("chat id is required")
	// ErrMissingSender is returned when no send function is available.
	ErrMissingSender = errors.New("send function is required")
)

// SendFunc attempts delivery of one message and returns the server's
// canonical representation on success.
type SendFunc func(ctx context.Context, msg model.Message) (model.Message, error)

// Stats counts a chat's queue entries by status.
type Stats struct {
	Total        int
	Queued       int
	Sending      int
	RetryPending int
	Failed       int
}

// Manager owns the outbound queues for all chats.
type Manager struct {
	kv          kv.Store
	bus         *bus.Bus
	net         *netmon.Monitor
	logger      *zap.Logger
	policy      retry.Policy
	maxSize     int
	defaultSend SendFunc

	mu         sync.Mutex
	queues     map[string][]*model.QueuedMessage
	loaded     map[string]bool
	processing map[string]bool
	timers     map[string]*sweepTimer
	seq        int64

	runCtx context.Context
	cancel context.CancelFunc
	netSub *bus.Subscription
}

// NewManager creates a queue manager. defaultSend is what connectivity
// sweeps and scheduled retries deliver through; per-call send functions
// override it for that call only.
func NewManager(store kv.Store, b *bus.Bus, net *netmon.Monitor, logger *zap.Logger, policy retry.Policy, maxSize int, defaultSend SendFunc) *Manager {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &Manager{
		kv:          store,
		bus:         b,
		net:         net,
		logger:      logger,
		policy:      policy,
		maxSize:     maxSize,
		defaultSend: defaultSend,
		queues:      make(map[string][]*model.QueuedMessage),
		loaded:      make(map[string]bool),
		processing:  make(map[string]bool),
		timers:      make(map[string]*sweepTimer),
		runCtx:      context.Background(),
	}
}

// Start restores persisted queues and begins reacting to connectivity
// transitions: becoming online sweeps every chat with pending entries.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.restore()

	m.netSub = m.bus.Subscribe("net.", 16)
	go func() {
		for {
			select {
			case evt := <-m.netSub.C:
				if evt.Kind == bus.KindNetOnline {
					if err := m.ProcessAll(m.runCtx, nil); err != nil {
						m.logger.Warn("online sweep failed", zap.Error(err))
					}
				}
				// Going offline cancels nothing: in-flight sends fail
				// naturally and fall into the retry path.
			case <-m.runCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the connectivity subscription and any scheduled retries.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.netSub != nil {
		m.netSub.Cancel()
	}
	m.mu.Lock()
	for chatID, s := range m.timers {
		s.timer.Stop()
		delete(m.timers, chatID)
	}
	m.mu.Unlock()
}

// Enqueue attempts immediate delivery when online and the chat has no
// backlog; otherwise (or on failure) the message joins the queue. Queuing is
// not an error: the returned message carries Queued=true and the caller
// renders it as pending. Only a full queue or missing arguments reject.
func (m *Manager) Enqueue(ctx context.Context, chatID string, data model.Message, send SendFunc) (model.Message, error) {
	if chatID == "" {
		return model.Message{}, ErrMissingChatID
	}
	send = m.resolveSend(send)
	if send == nil {
		return model.Message{}, ErrMissingSender
	}

	msg := data
	msg.ChatID = chatID
	msg.FromMe = true
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	attempted := false
	var sendErr error
	if m.net.Online() && !m.hasPendingBacklog(chatID) {
		attempted = true
		result, err := send(ctx, msg)
		if err == nil {
			result.ChatID = chatID
			result.Status = model.StatusSent
			m.publish(bus.KindQueueSent, result)
			return result, nil
		}
		sendErr = err
		m.logger.Warn("immediate send failed, queuing",
			zap.String("chat_id", chatID), zap.String("msg_id", msg.ID), zap.Error(err))
	}

	entry := &model.QueuedMessage{
		Message:  msg,
		QueuedAt: time.Now().UnixMilli(),
	}
	entry.Status = model.StatusQueued
	entry.Queued = true
	if attempted {
		// The failed inline attempt was the initial one; the retry budget
		// counts from here.
		entry.RetryCount = 1
		entry.LastError = sendErr.Error()
	}

	m.mu.Lock()
	m.ensureLoadedLocked(chatID)
	if len(m.queues[chatID]) >= m.maxSize {
		m.mu.Unlock()
		return model.Message{}, fmt.Errorf("chat %s: %w", chatID, ErrQueueFull)
	}
	m.seq++
	entry.Seq = m.seq
	m.queues[chatID] = append(m.queues[chatID], entry)
	m.persistLocked(chatID)
	m.mu.Unlock()

	m.publish(bus.KindQueueEnqueued, entry.Message)
	m.publishUpdated(chatID)

	// While online, the entry must not wait for an external trigger: a
	// failed inline attempt earns a backoff delay, a skipped one (chat had
	// a backlog) gets swept right away.
	if m.net.Online() {
		delay := time.Duration(0)
		if attempted {
			delay = m.policy.Delay(0)
		}
		m.scheduleSweep(chatID, delay, send)
	}
	return entry.Message, nil
}

// ProcessQueue serially attempts delivery of each queued or retry-pending
// entry, oldest first. A call arriving while a pass is already running for
// the same chat is dropped; entries enqueued mid-pass wait for the next
// trigger.
func (m *Manager) ProcessQueue(ctx context.Context, chatID string, send SendFunc) error {
	if chatID == "" {
		return ErrMissingChatID
	}
	send = m.resolveSend(send)
	if send == nil {
		return ErrMissingSender
	}

	m.mu.Lock()
	m.ensureLoadedLocked(chatID)
	if m.processing[chatID] {
		m.mu.Unlock()
		return nil
	}
	m.processing[chatID] = true
	eligible := m.eligibleIDsLocked(chatID)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.processing, chatID)
		m.mu.Unlock()
	}()

	var nextDelay time.Duration = -1
	for _, id := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.Lock()
		entry := m.findLocked(chatID, id)
		if entry == nil || (entry.Status != model.StatusQueued && entry.Status != model.StatusRetryPending) {
			m.mu.Unlock()
			continue
		}
		entry.Status = model.StatusSending
		attempt := entry.Message
		m.persistLocked(chatID)
		m.mu.Unlock()
		m.publishUpdated(chatID)

		result, err := send(ctx, attempt)
		if err == nil {
			result.ChatID = chatID
			result.Status = model.StatusSent
			m.mu.Lock()
			m.removeLocked(chatID, id)
			m.persistLocked(chatID)
			m.mu.Unlock()
			m.logger.Info("queued message delivered",
				zap.String("chat_id", chatID), zap.String("msg_id", id))
			m.publish(bus.KindQueueSent, result)
			m.publishUpdated(chatID)
			continue
		}

		m.mu.Lock()
		entry = m.findLocked(chatID, id)
		if entry == nil {
			m.mu.Unlock()
			continue
		}
		entry.LastError = err.Error()
		if entry.RetryCount >= m.policy.MaxRetries {
			entry.Status = model.StatusFailed
			m.persistLocked(chatID)
			failed := *entry
			m.mu.Unlock()
			m.logger.Error("message delivery exhausted retries",
				zap.String("chat_id", chatID), zap.String("msg_id", id),
				zap.Int("retries", failed.RetryCount), zap.Error(err))
			m.publish(bus.KindQueueFailed, failed)
			m.publishUpdated(chatID)
			continue
		}
		entry.RetryCount++
		entry.Status = model.StatusRetryPending
		retryN := entry.RetryCount
		delay := m.policy.Delay(retryN - 1)
		m.persistLocked(chatID)
		m.mu.Unlock()
		m.logger.Warn("send failed, retry scheduled",
			zap.String("chat_id", chatID), zap.String("msg_id", id),
			zap.Int("retry", retryN), zap.Duration("delay", delay), zap.Error(err))
		m.publishUpdated(chatID)
		if nextDelay < 0 || delay < nextDelay {
			nextDelay = delay
		}
	}

	if nextDelay >= 0 {
		m.scheduleSweep(chatID, nextDelay, send)
	}
	return nil
}

// ProcessAll sweeps every chat that has pending entries.
func (m *Manager) ProcessAll(ctx context.Context, send SendFunc) error {
	m.mu.Lock()
	m.loadAllLocked()
	chats := make([]string, 0, len(m.queues))
	for chatID, entries := range m.queues {
		if len(entries) > 0 {
			chats = append(chats, chatID)
		}
	}
	m.mu.Unlock()

	sort.Strings(chats)
	var firstErr error
	for _, chatID := range chats {
		if err := m.ProcessQueue(ctx, chatID, send); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RetryMessage manually re-attempts a single failed entry, resetting its
// retry budget.
func (m *Manager) RetryMessage(ctx context.Context, chatID, id string, send SendFunc) error {
	if chatID == "" {
		return ErrMissingChatID
	}

	m.mu.Lock()
	m.ensureLoadedLocked(chatID)
	entry := m.findLocked(chatID, id)
	if entry == nil || entry.Status != model.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("no failed message %s in chat %s", id, chatID)
	}
	entry.Status = model.StatusQueued
	entry.RetryCount = 0
	entry.LastError = ""
	m.persistLocked(chatID)
	m.mu.Unlock()
	m.publishUpdated(chatID)

	return m.ProcessQueue(ctx, chatID, send)
}

// RemoveFromQueue drops a single entry regardless of status.
func (m *Manager) RemoveFromQueue(chatID, id string) bool {
	m.mu.Lock()
	m.ensureLoadedLocked(chatID)
	removed := m.removeLocked(chatID, id)
	if removed {
		m.persistLocked(chatID)
	}
	m.mu.Unlock()
	if removed {
		m.publishUpdated(chatID)
	}
	return removed
}

// ClearFailed drops every failed entry for a chat and returns how many.
func (m *Manager) ClearFailed(chatID string) int {
	m.mu.Lock()
	m.ensureLoadedLocked(chatID)
	kept := m.queues[chatID][:0]
	cleared := 0
	for _, e := range m.queues[chatID] {
		if e.Status == model.StatusFailed {
			cleared++
			continue
		}
		kept = append(kept, e)
	}
	m.queues[chatID] = kept
	if cleared > 0 {
		m.persistLocked(chatID)
	}
	m.mu.Unlock()
	if cleared > 0 {
		m.publishUpdated(chatID)
	}
	return cleared
}

// Pending returns a snapshot of a chat's queue in delivery order.
func (m *Manager) Pending(chatID string) []model.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked(chatID)
	out := make([]model.QueuedMessage, 0, len(m.queues[chatID]))
	for _, e := range m.queues[chatID] {
		out = append(out, *e)
	}
	return out
}

// Stats counts a chat's entries by status.
func (m *Manager) Stats(chatID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked(chatID)
	st := Stats{}
	for _, e := range m.queues[chatID] {
		st.Total++
		switch e.Status {
		case model.StatusQueued:
			st.Queued++
		case model.StatusSending:
			st.Sending++
		case model.StatusRetryPending:
			st.RetryPending++
		case model.StatusFailed:
			st.Failed++
		}
	}
	return st
}

// ChatIDs returns every chat with at least one queue entry.
func (m *Manager) ChatIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadAllLocked()
	var out []string
	for chatID, entries := range m.queues {
		if len(entries) > 0 {
			out = append(out, chatID)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) resolveSend(send SendFunc) SendFunc {
	if send != nil {
		return send
	}
	return m.defaultSend
}

// hasPendingBacklog reports whether any entry is still awaiting dispatch.
// Failed entries are retained for manual action only, so they do not block
// inline delivery of new messages.
func (m *Manager) hasPendingBacklog(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked(chatID)
	for _, e := range m.queues[chatID] {
		if e.Status != model.StatusFailed {
			return true
		}
	}
	return false
}

// sweepTimer is an armed follow-up pass for one chat.
type sweepTimer struct {
	timer *time.Timer
	at    time.Time
}

// scheduleSweep arms a one-shot pass over a chat's queue. The earliest
// deadline wins: a request sooner than the armed timer replaces it, a later
// one is dropped since the pass re-evaluates every entry anyway.
func (m *Manager) scheduleSweep(chatID string, delay time.Duration, send SendFunc) {
	at := time.Now().Add(delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, armed := m.timers[chatID]; armed {
		if !at.Before(cur.at) {
			return
		}
		cur.timer.Stop()
	}
	s := &sweepTimer{at: at}
	s.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[chatID] == s {
			delete(m.timers, chatID)
		}
		m.mu.Unlock()
		if m.runCtx.Err() != nil {
			return
		}
		if err := m.ProcessQueue(m.runCtx, chatID, send); err != nil {
			m.logger.Warn("scheduled retry pass failed",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	})
	m.timers[chatID] = s
}

func (m *Manager) eligibleIDsLocked(chatID string) []string {
	entries := m.queues[chatID]
	sorted := make([]*model.QueuedMessage, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].QueuedAt != sorted[j].QueuedAt {
			return sorted[i].QueuedAt < sorted[j].QueuedAt
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	var ids []string
	for _, e := range sorted {
		if e.Status == model.StatusQueued || e.Status == model.StatusRetryPending {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (m *Manager) findLocked(chatID, id string) *model.QueuedMessage {
	for _, e := range m.queues[chatID] {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *Manager) removeLocked(chatID, id string) bool {
	entries := m.queues[chatID]
	for i, e := range entries {
		if e.ID == id {
			m.queues[chatID] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// persistLocked serializes a chat's queue. Storage pressure must never
// break the send path, so failures are logged and the in-memory queue
// remains authoritative for this process.
func (m *Manager) persistLocked(chatID string) {
	entries := m.queues[chatID]
	if len(entries) == 0 {
		if err := m.kv.Remove(keyPrefix + chatID); err != nil {
			m.logger.Warn("failed to clear persisted queue",
				zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		m.logger.Error("failed to serialize queue",
			zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if err := m.kv.Set(keyPrefix+chatID, string(blob)); err != nil {
		m.logger.Warn("failed to persist queue",
			zap.String("chat_id", chatID), zap.Error(err))
	}
}

func (m *Manager) ensureLoadedLocked(chatID string) {
	if m.loaded[chatID] {
		return
	}
	m.loaded[chatID] = true
	m.queues[chatID] = m.loadChat(chatID)
}

func (m *Manager) loadAllLocked() {
	keys, err := m.kv.Keys(keyPrefix)
	if err != nil {
		m.logger.Warn("failed to enumerate persisted queues", zap.Error(err))
		return
	}
	for _, k := range keys {
		chatID := strings.TrimPrefix(k, keyPrefix)
		m.ensureLoadedLocked(chatID)
	}
}

func (m *Manager) loadChat(chatID string) []*model.QueuedMessage {
	raw, ok, err := m.kv.Get(keyPrefix + chatID)
	if err != nil || !ok {
		return nil
	}
	var entries []*model.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		m.logger.Warn("corrupt persisted queue, starting empty",
			zap.String("chat_id", chatID), zap.Error(err))
		_ = m.kv.Remove(keyPrefix + chatID)
		return nil
	}
	for _, e := range entries {
		// A send that was in flight when the process died never completed.
		if e.Status == model.StatusSending {
			e.Status = model.StatusQueued
		}
		if e.Seq > m.seq {
			m.seq = e.Seq
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].QueuedAt != entries[j].QueuedAt {
			return entries[i].QueuedAt < entries[j].QueuedAt
		}
		return entries[i].Seq < entries[j].Seq
	})
	return entries
}

func (m *Manager) restore() {
	m.mu.Lock()
	m.loadAllLocked()
	n := 0
	for _, entries := range m.queues {
		n += len(entries)
	}
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("restored persisted queues", zap.Int("messages", n))
	}
}

func (m *Manager) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (m *Manager) publishUpdated(chatID string) {
	m.publish(bus.KindQueueUpdated, bus.ChatRef{ChatID: chatID})
}
