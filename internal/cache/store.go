// Package cache implements the durable, bounded per-chat message history
// with server reconciliation. Caching is best-effort: persistence failures
// are logged and swallowed, never surfaced to the send path.
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/kv"
	"github.com/matheus3301/offsync/internal/model"
)

const (
	keyPrefix  = "cache:"
	metaPrefix = "cachemeta:"

	// schemaVersion guards against stale persisted formats. A mismatch is
	// treated as no data.
	schemaVersion = 1
)

type metadata struct {
	Version     int   `json:"version"`
	LastUpdated int64 `json:"last_updated"`
	ExpiresAt   int64 `json:"expires_at,omitempty"`
}

// Stats is a read-only aggregate over all cached chats.
type Stats struct {
	Chats               int
	Messages            int
	ApproxBytes         int
	CurrentChatMessages int
}

// Store owns the persisted message history blob for each chat. The UI only
// ever holds read copies of what Load and Merge return.
type Store struct {
	kv     kv.Store
	bus    *bus.Bus
	logger *zap.Logger
	max    int
}

// NewStore creates a cache store bounded to maxMessages entries per chat.
func NewStore(store kv.Store, b *bus.Bus, logger *zap.Logger, maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Store{kv: store, bus: b, logger: logger, max: maxMessages}
}

// Load returns the cached history for a chat, oldest first. Absent keys,
// corrupt blobs, schema mismatches and expired caches all yield an empty
// slice without error.
func (s *Store) Load(chatID string) []model.Message {
	meta, ok := s.loadMeta(chatID)
	if ok {
		if meta.Version != schemaVersion {
			s.logger.Warn("cache schema mismatch, discarding",
				zap.String("chat_id", chatID),
				zap.Int("found", meta.Version),
				zap.Int("want", schemaVersion))
			s.discard(chatID)
			return nil
		}
		if meta.ExpiresAt > 0 && meta.ExpiresAt < time.Now().UnixMilli() {
			s.discard(chatID)
			return nil
		}
	}

	raw, found, err := s.kv.Get(keyPrefix + chatID)
	if err != nil || !found {
		return nil
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.logger.Warn("corrupt message cache, discarding",
			zap.String("chat_id", chatID), zap.Error(err))
		s.discard(chatID)
		return nil
	}
	return msgs
}

// Save persists the trailing s.max messages for the chat, oldest beyond the
// bound dropped. Quota pressure triggers eviction of other chats and one
// retry at half the bound; if that also fails the write is abandoned.
func (s *Store) Save(chatID string, msgs []model.Message) {
	sortByTimestamp(msgs)
	if len(msgs) > s.max {
		msgs = msgs[len(msgs)-s.max:]
	}

	err := s.persist(chatID, msgs)
	if errors.Is(err, kv.ErrQuotaExceeded) {
		s.logger.Warn("cache write hit storage quota, evicting old caches",
			zap.String("chat_id", chatID))
		s.evictOldCaches(chatID)

		half := s.max / 2
		if len(msgs) > half {
			msgs = msgs[len(msgs)-half:]
		}
		err = s.persist(chatID, msgs)
	}
	if err != nil {
		// Best-effort: never block message delivery on caching.
		s.logger.Error("failed to persist message cache",
			zap.String("chat_id", chatID), zap.Error(err))
		return
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindCacheUpdated,
		Timestamp: time.Now(),
		Payload:   bus.ChatRef{ChatID: chatID},
	})
}

// Add appends a message and persists.
func (s *Store) Add(chatID string, msg model.Message) {
	msgs := s.Load(chatID)
	msgs = append(msgs, msg)
	s.Save(chatID, msgs)
}

// Update applies fn to the cached message with the given id and persists.
// Unknown ids are ignored.
func (s *Store) Update(chatID, id string, fn func(*model.Message)) {
	msgs := s.Load(chatID)
	for i := range msgs {
		if msgs[i].ID == id {
			fn(&msgs[i])
			s.Save(chatID, msgs)
			return
		}
	}
}

// Remove deletes the cached message with the given id and persists.
func (s *Store) Remove(chatID, id string) {
	msgs := s.Load(chatID)
	for i := range msgs {
		if msgs[i].ID == id {
			s.Save(chatID, append(msgs[:i], msgs[i+1:]...))
			return
		}
	}
}

// Merge reconciles the cached history with an authoritative server
// snapshot: entries are keyed by id, the server copy overwrites any cached
// duplicate, and the result is re-sorted ascending by timestamp and
// persisted. Merging the same snapshot twice yields the same content.
func (s *Store) Merge(chatID string, serverMsgs []model.Message) []model.Message {
	cached := s.Load(chatID)

	byID := make(map[string]model.Message, len(cached)+len(serverMsgs))
	order := make([]string, 0, len(cached)+len(serverMsgs))
	for _, m := range cached {
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, m := range serverMsgs {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		// The server copy is authoritative; a round-tripped message is no
		// longer a local-only placeholder.
		m.Queued = false
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	merged := make([]model.Message, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sortByTimestamp(merged)

	s.Save(chatID, merged)
	return merged
}

// Search returns cached messages whose body or sender name contains the
// query, case-insensitively. A blank query returns the full history.
func (s *Store) Search(chatID, query string) []model.Message {
	msgs := s.Load(chatID)
	q := strings.TrimSpace(strings.ToLower(query))
	if q == "" {
		return msgs
	}
	var out []model.Message
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Body), q) ||
			strings.Contains(strings.ToLower(m.SenderName), q) {
			out = append(out, m)
		}
	}
	return out
}

// ByDateRange returns cached messages with start <= timestamp <= end.
func (s *Store) ByDateRange(chatID string, start, end int64) []model.Message {
	var out []model.Message
	for _, m := range s.Load(chatID) {
		if m.Timestamp >= start && m.Timestamp <= end {
			out = append(out, m)
		}
	}
	return out
}

// Stats aggregates cache usage across all chats. Read-only.
func (s *Store) Stats(currentChatID string) Stats {
	st := Stats{}
	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		s.logger.Warn("failed to enumerate cache keys", zap.Error(err))
		return st
	}
	for _, k := range keys {
		raw, ok, err := s.kv.Get(k)
		if err != nil || !ok {
			continue
		}
		st.Chats++
		st.ApproxBytes += len(raw)
		var msgs []model.Message
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			continue
		}
		st.Messages += len(msgs)
		if strings.TrimPrefix(k, keyPrefix) == currentChatID {
			st.CurrentChatMessages = len(msgs)
		}
	}
	return st
}

// MessageCount returns how many messages are cached for one chat.
func (s *Store) MessageCount(chatID string) int {
	return len(s.Load(chatID))
}

func (s *Store) persist(chatID string, msgs []model.Message) error {
	blob, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	if err := s.kv.Set(keyPrefix+chatID, string(blob)); err != nil {
		return err
	}
	meta, err := json.Marshal(metadata{Version: schemaVersion, LastUpdated: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.kv.Set(metaPrefix+chatID, string(meta))
}

func (s *Store) loadMeta(chatID string) (metadata, bool) {
	raw, ok, err := s.kv.Get(metaPrefix + chatID)
	if err != nil || !ok {
		return metadata{}, false
	}
	var meta metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return metadata{}, false
	}
	return meta, true
}

func (s *Store) discard(chatID string) {
	_ = s.kv.Remove(keyPrefix + chatID)
	_ = s.kv.Remove(metaPrefix + chatID)
}

// evictOldCaches removes roughly half of the other chats' cached blobs,
// oldest first by metadata LastUpdated, to recover from quota pressure.
func (s *Store) evictOldCaches(keep string) {
	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		s.logger.Warn("eviction: failed to enumerate caches", zap.Error(err))
		return
	}

	type candidate struct {
		chatID      string
		lastUpdated int64
	}
	var candidates []candidate
	for _, k := range keys {
		chatID := strings.TrimPrefix(k, keyPrefix)
		if chatID == keep {
			continue
		}
		meta, _ := s.loadMeta(chatID)
		candidates = append(candidates, candidate{chatID: chatID, lastUpdated: meta.LastUpdated})
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUpdated < candidates[j].lastUpdated
	})

	n := (len(candidates) + 1) / 2
	for _, c := range candidates[:n] {
		s.discard(c.chatID)
		s.logger.Info("evicted chat cache", zap.String("chat_id", c.chatID))
	}
}

func sortByTimestamp(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
