// Package conversation keeps the per-peer decrypted message logs and the
// thread index of one owner identity, persisted through a kv.Store.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/repository/kv"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type EventKind int

const (
	MessagesChanged EventKind = iota
	ThreadsChanged
)

type (
	Event struct {
		Kind   EventKind
		PeerID string
	}

	Observer func(Event)

	Cache struct {
		store kv.Store
		owner string

		locksMu sync.Mutex
		locks   map[string]*sync.Mutex
		indexMu sync.Mutex

		obsMu     sync.RWMutex
		observers map[int]Observer
		nextObs   int
	}
)

func NewCache(store kv.Store, owner string) *Cache {
	return &Cache{
		store:     store,
		owner:     owner,
		locks:     make(map[string]*sync.Mutex),
		observers: make(map[int]Observer),
	}
}

func (c *Cache) Owner() string { return c.owner }

func (c *Cache) messagesKey(peer string) string {
	return fmt.Sprintf("messages_%s_%s", c.owner, peer)
}

func (c *Cache) threadsKey() string {
	return "threads_" + c.owner
}

func (c *Cache) peerLock(peer string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[peer]
	if !ok {
		l = &sync.Mutex{}
		c.locks[peer] = l
	}
	return l
}

// Subscribe registers fn for change events. The returned func unregisters it.
func (c *Cache) Subscribe(fn Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Cache) emit(ev Event) {
	c.obsMu.RLock()
	fns := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Messages returns the cached log for peer, oldest first.
func (c *Cache) Messages(ctx context.Context, peer string) ([]model.Message, error) {
	return c.loadMessages(ctx, peer)
}

func (c *Cache) loadMessages(ctx context.Context, peer string) ([]model.Message, error) {
	raw, ok, err := kv.GetOptional(ctx, c.store, c.messagesKey(peer))
	if err != nil || !ok {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		log.Warn("discarding unreadable message log", zap.String("peer", peer), zap.Error(err))
		return nil, nil
	}
	return msgs, nil
}

func (c *Cache) saveMessages(ctx context.Context, peer string, msgs []model.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.messagesKey(peer), string(data))
}

// Apply merges incoming into peer's log. The stored log is re-read under the
// peer lock so concurrent producers never lose each other's writes. It
// returns the messages that were not already present.
func (c *Cache) Apply(ctx context.Context, peer string, incoming ...model.Message) ([]model.Message, error) {
	if len(incoming) == 0 {
		return nil, nil
	}
	l := c.peerLock(peer)
	l.Lock()
	existing, err := c.loadMessages(ctx, peer)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	fresh := added(existing, incoming)
	merged := Merge(existing, incoming)
	err = c.saveMessages(ctx, peer, merged)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	c.emit(Event{Kind: MessagesChanged, PeerID: peer})
	return fresh, nil
}

// Reconcile re-keys the optimistic copy tempID to the confirmed server
// message. If the optimistic copy is gone the confirmed message is merged.
func (c *Cache) Reconcile(ctx context.Context, peer, tempID string, confirmed model.Message) error {
	l := c.peerLock(peer)
	l.Lock()
	existing, err := c.loadMessages(ctx, peer)
	if err != nil {
		l.Unlock()
		return err
	}
	kept := existing[:0:0]
	for _, m := range existing {
		if m.ID == tempID {
			if confirmed.Text == "" {
				confirmed.Text = m.Text
			}
			continue
		}
		kept = append(kept, m)
	}
	err = c.saveMessages(ctx, peer, Merge(kept, []model.Message{confirmed}))
	l.Unlock()
	if err != nil {
		return err
	}

	c.emit(Event{Kind: MessagesChanged, PeerID: peer})
	return nil
}

// Discard drops message id from peer's log. When the thread still shows that
// message as its last one, it falls back to the newest remaining message.
func (c *Cache) Discard(ctx context.Context, peer, id string) error {
	l := c.peerLock(peer)
	l.Lock()
	existing, err := c.loadMessages(ctx, peer)
	if err != nil {
		l.Unlock()
		return err
	}
	var (
		removed *model.Message
		kept    = existing[:0:0]
	)
	for i := range existing {
		if existing[i].ID == id {
			removed = &existing[i]
			continue
		}
		kept = append(kept, existing[i])
	}
	if removed == nil {
		l.Unlock()
		return nil
	}
	err = c.saveMessages(ctx, peer, kept)
	l.Unlock()
	if err != nil {
		return err
	}
	c.emit(Event{Kind: MessagesChanged, PeerID: peer})

	return c.UpdateThread(ctx, peer, func(t *model.Thread) {
		if !t.UpdatedAt.Equal(removed.CreatedAt) || t.LastText != removed.Text {
			return
		}
		t.LastText, t.UpdatedAt = "", time.Time{}
		if len(kept) > 0 {
			last := kept[len(kept)-1]
			t.LastText, t.UpdatedAt = last.Text, last.CreatedAt
		}
	})
}

// Newest returns the creation time of the newest cached message.
func (c *Cache) Newest(ctx context.Context, peer string) (time.Time, bool, error) {
	msgs, err := c.loadMessages(ctx, peer)
	if err != nil || len(msgs) == 0 {
		return time.Time{}, false, err
	}
	return msgs[len(msgs)-1].CreatedAt, true, nil
}

// Threads returns the index, most recently updated first.
func (c *Cache) Threads(ctx context.Context) ([]model.Thread, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	return sortedThreads(idx), nil
}

func (c *Cache) Thread(ctx context.Context, peer string) (model.Thread, bool, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return model.Thread{}, false, err
	}
	t, ok := idx[peer]
	if !ok {
		return model.Thread{}, false, nil
	}
	return *t, true, nil
}

// UpdateThread applies fn to peer's thread, creating it when absent, and
// persists the index.
func (c *Cache) UpdateThread(ctx context.Context, peer string, fn func(t *model.Thread)) error {
	c.indexMu.Lock()
	idx, err := c.loadIndex(ctx)
	if err != nil {
		c.indexMu.Unlock()
		return err
	}
	t, ok := idx[peer]
	if !ok {
		t = &model.Thread{PeerID: peer, DisplayName: peer}
		idx[peer] = t
	}
	fn(t)
	err = c.saveIndex(ctx, idx)
	c.indexMu.Unlock()
	if err != nil {
		return err
	}

	c.emit(Event{Kind: ThreadsChanged, PeerID: peer})
	return nil
}

// TouchThread records msg as the thread's last message when it is not older
// than the current one. countUnread adds exactly one unread.
func (c *Cache) TouchThread(ctx context.Context, peer string, msg model.Message, countUnread bool) error {
	return c.UpdateThread(ctx, peer, func(t *model.Thread) {
		if !msg.CreatedAt.Before(t.UpdatedAt) {
			t.LastText = msg.Text
			t.UpdatedAt = msg.CreatedAt
		}
		if countUnread {
			t.UnreadCount++
		}
	})
}

func (c *Cache) MarkRead(ctx context.Context, peer string) error {
	return c.UpdateThread(ctx, peer, func(t *model.Thread) {
		t.UnreadCount = 0
	})
}

// MergeIndex folds the server's thread index into the local one. The server
// is authoritative for unread counts except for the active conversation,
// which is always read. Local threads the server did not list are kept.
func (c *Cache) MergeIndex(ctx context.Context, rows []model.IndexRow, active string) error {
	c.indexMu.Lock()
	idx, err := c.loadIndex(ctx)
	if err != nil {
		c.indexMu.Unlock()
		return err
	}
	for _, row := range rows {
		if row.ID == "" || row.ID == c.owner {
			continue
		}
		t, ok := idx[row.ID]
		if !ok {
			t = &model.Thread{PeerID: row.ID}
			idx[row.ID] = t
		}
		t.DisplayName = row.DisplayName()
		t.PeerMeta = model.PeerMeta{
			FirstName:    row.FirstName,
			LastName:     row.LastName,
			Email:        row.Email,
			AvatarURL:    row.AvatarURL,
			HasPublicKey: row.HasPublicKey,
		}
		if ts, err := parseIndexTime(row.UpdatedAt); err == nil && ts.After(t.UpdatedAt) {
			t.UpdatedAt = ts
			if row.LastText != "" {
				t.LastText = row.LastText
			}
		}
		t.UnreadCount = row.Unread
		if row.ID == active {
			t.UnreadCount = 0
		}
	}
	err = c.saveIndex(ctx, idx)
	c.indexMu.Unlock()
	if err != nil {
		return err
	}

	c.emit(Event{Kind: ThreadsChanged})
	return nil
}

func (c *Cache) loadIndex(ctx context.Context) (map[string]*model.Thread, error) {
	idx := make(map[string]*model.Thread)
	raw, ok, err := kv.GetOptional(ctx, c.store, c.threadsKey())
	if err != nil || !ok {
		return idx, err
	}
	var threads []model.Thread
	if err := json.Unmarshal([]byte(raw), &threads); err != nil {
		log.Warn("discarding unreadable thread index", zap.Error(err))
		return idx, nil
	}
	for i := range threads {
		idx[threads[i].PeerID] = &threads[i]
	}
	return idx, nil
}

func (c *Cache) saveIndex(ctx context.Context, idx map[string]*model.Thread) error {
	data, err := json.Marshal(sortedThreads(idx))
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.threadsKey(), string(data))
}

func sortedThreads(idx map[string]*model.Thread) []model.Thread {
	out := make([]model.Thread, 0, len(idx))
	for _, t := range idx {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func parseIndexTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
