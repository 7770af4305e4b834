// Package pipeline ties the key store, envelope codec, conversation cache and
// realtime channel together: optimistic send, live receive and history
// hydration all converge on the same per-peer merge.
package pipeline

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/protocol/envelope"
	"e2ee_messenger/internal/repository/conversation"
	"e2ee_messenger/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	Keys interface {
		Status(identity string) model.KeyStatus
		LoadPrivateKeyForIdentity(ctx context.Context, identity string) (*rsa.PrivateKey, error)
		ResolvePeerKey(ctx context.Context, peerID string) (*rsa.PublicKey, error)
	}

	Transport interface {
		Send(ctx context.Context, frame model.OutboundFrame) error
	}

	Remote interface {
		History(ctx context.Context, peer string, page, limit int, since time.Time) (*model.HistoryPage, error)
		MarkRead(ctx context.Context, peer string) error
		ConversationsIndex(ctx context.Context) ([]model.IndexRow, error)
	}

	// ViewContext is what the presentation layer is showing when an event
	// arrives.
	ViewContext struct {
		ActivePeer string
	}

	Options struct {
		PageSize       int
		HydrateTimeout time.Duration
		DecryptWorkers int
	}

	Pipeline struct {
		self    string
		cache   *conversation.Cache
		keys    Keys
		channel Transport
		remote  Remote
		opts    Options

		sending atomic.Bool

		mu      sync.Mutex
		pending map[string]string // temp id -> ciphertext
		loading map[string]int
		priv    *rsa.PrivateKey
		bg      context.Context
		stop    context.CancelFunc
		wg      sync.WaitGroup
	}
)

func New(cache *conversation.Cache, keys Keys, channel Transport, remote Remote, opts Options) *Pipeline {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.HydrateTimeout <= 0 {
		opts.HydrateTimeout = 8 * time.Second
	}
	if opts.DecryptWorkers <= 0 {
		opts.DecryptWorkers = 4
	}
	bg, stop := context.WithCancel(context.Background())
	return &Pipeline{
		self:    cache.Owner(),
		cache:   cache,
		keys:    keys,
		channel: channel,
		remote:  remote,
		opts:    opts,
		pending: make(map[string]string),
		loading: make(map[string]int),
		bg:      bg,
		stop:    stop,
	}
}

func (p *Pipeline) Self() string { return p.self }

func (p *Pipeline) privateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	p.mu.Lock()
	priv := p.priv
	p.mu.Unlock()
	if priv != nil {
		return priv, nil
	}

	priv, err := p.keys.LoadPrivateKeyForIdentity(ctx, p.self)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.priv = priv
	p.mu.Unlock()
	return priv, nil
}

// Send encrypts text for peerID, shows it optimistically and transmits it.
// The optimistic copy is withdrawn when transmission fails.
func (p *Pipeline) Send(ctx context.Context, peerID, text string) (model.Message, error) {
	if !p.sending.CompareAndSwap(false, true) {
		return model.Message{}, model.ErrSendInProgress
	}
	defer p.sending.Store(false)

	if strings.TrimSpace(text) == "" || peerID == "" {
		return model.Message{}, fmt.Errorf("%w: empty text or recipient", model.ErrMalformedInput)
	}
	if !p.keys.Status(p.self).Ready {
		return model.Message{}, model.ErrKeysNotReady
	}
	priv, err := p.privateKey(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", model.ErrKeysNotReady, err)
	}
	peerPub, err := p.keys.ResolvePeerKey(ctx, peerID)
	if err != nil {
		return model.Message{}, err
	}

	env, err := envelope.Seal(text, p.self, peerID, &priv.PublicKey, peerPub)
	if err != nil {
		return model.Message{}, err
	}
	env.ClientTempID = uuid.NewString()

	msg := model.Message{
		ID:        env.ClientTempID,
		Text:      text,
		CreatedAt: env.CreatedAt,
		AuthorID:  p.self,
		IsMine:    true,
	}

	p.mu.Lock()
	p.pending[msg.ID] = env.Ciphertext
	p.mu.Unlock()

	if _, err := p.cache.Apply(ctx, peerID, msg); err != nil {
		log.Error("optimistic append failed", zap.String("peer", peerID), zap.Error(err))
	}
	if err := p.cache.TouchThread(ctx, peerID, msg, false); err != nil {
		log.Error("thread update failed", zap.String("peer", peerID), zap.Error(err))
	}

	if err := p.channel.Send(ctx, env.Frame()); err != nil {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
		if derr := p.cache.Discard(ctx, peerID, msg.ID); derr != nil {
			log.Error("withdraw optimistic copy failed", zap.String("peer", peerID), zap.Error(derr))
		}
		log.Warn("send failed", zap.String("peer", peerID), zap.Error(err))
		return msg, err
	}
	return msg, nil
}

// Pending reports whether tempID still waits for its echo.
func (p *Pipeline) Pending(tempID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[tempID]
	return ok
}

// takePending claims the pending send env echoes. Echoes without a temp id
// are matched by ciphertext.
func (p *Pipeline) takePending(env *model.Envelope) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if env.ClientTempID != "" {
		if _, ok := p.pending[env.ClientTempID]; !ok {
			return "", false
		}
		delete(p.pending, env.ClientTempID)
		return env.ClientTempID, true
	}
	if env.Ciphertext == "" {
		return "", false
	}
	for id, ct := range p.pending {
		if ct == env.Ciphertext {
			delete(p.pending, id)
			return id, true
		}
	}
	return "", false
}

// Receive handles one live envelope. Undecryptable envelopes are dropped.
func (p *Pipeline) Receive(ctx context.Context, env *model.Envelope, view ViewContext) {
	if env.SenderID != p.self && env.ReceiverID != p.self {
		log.Debug("dropping envelope for other parties", zap.String("sender", env.SenderID), zap.String("receiver", env.ReceiverID))
		return
	}
	peer := env.Partner(p.self)

	if env.SenderID == p.self {
		if tempID, ok := p.takePending(env); ok {
			p.confirm(ctx, peer, tempID, env)
			return
		}
	}

	priv, err := p.privateKey(ctx)
	if err != nil {
		log.Debug("dropping envelope, no private key", zap.Error(err))
		return
	}
	msg, err := envelope.Open(env, p.self, priv)
	if err != nil {
		log.Debug("dropping undecryptable envelope", zap.String("peer", peer), zap.Error(err))
		return
	}

	if msg.IsMine && env.ClientTempID != "" && env.ServerID != "" {
		if err := p.cache.Reconcile(ctx, peer, env.ClientTempID, *msg); err != nil {
			log.Error("reconcile failed", zap.String("peer", peer), zap.Error(err))
			return
		}
		if err := p.cache.TouchThread(ctx, peer, *msg, false); err != nil {
			log.Error("thread update failed", zap.String("peer", peer), zap.Error(err))
		}
		return
	}

	fresh, err := p.cache.Apply(ctx, peer, *msg)
	if err != nil {
		log.Error("merge failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	if len(fresh) == 0 {
		return
	}
	unread := !msg.IsMine && peer != view.ActivePeer
	if err := p.cache.TouchThread(ctx, peer, *msg, unread); err != nil {
		log.Error("thread update failed", zap.String("peer", peer), zap.Error(err))
	}
	if !msg.IsMine && peer == view.ActivePeer {
		p.markReadRemote(peer)
	}
}

// confirm re-keys the optimistic copy tempID to the server's id.
func (p *Pipeline) confirm(ctx context.Context, peer, tempID string, env *model.Envelope) {
	if env.ServerID == "" || env.CreatedAt.IsZero() {
		return
	}
	confirmed := model.Message{
		ID:        env.ServerID,
		CreatedAt: env.CreatedAt,
		AuthorID:  p.self,
		IsMine:    true,
	}
	if err := p.cache.Reconcile(ctx, peer, tempID, confirmed); err != nil {
		log.Error("reconcile failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (p *Pipeline) markReadRemote(peerID string) {
	p.goBackground(func(ctx context.Context) {
		if err := p.remote.MarkRead(ctx, peerID); err != nil {
			log.Debug("remote mark read failed", zap.String("peer", peerID), zap.Error(err))
		}
	})
}

// Open marks the conversation read, returns what is cached and starts a
// background hydration when the cache looks stale.
func (p *Pipeline) Open(ctx context.Context, peerID string) ([]model.Message, error) {
	since, need, err := p.hydrateSince(ctx, peerID)
	if err != nil {
		log.Warn("hydrate check failed", zap.String("peer", peerID), zap.Error(err))
	}

	if err := p.cache.MarkRead(ctx, peerID); err != nil {
		log.Error("mark read failed", zap.String("peer", peerID), zap.Error(err))
	}
	p.markReadRemote(peerID)

	msgs, err := p.cache.Messages(ctx, peerID)
	if need {
		p.startHydrate(peerID, since)
	}
	return msgs, err
}

// Loading is true while a background hydration for peerID is running, for at
// most HydrateTimeout.
func (p *Pipeline) Loading(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading[peerID] > 0
}

func (p *Pipeline) startHydrate(peerID string, since time.Time) {
	p.mu.Lock()
	p.loading[peerID]++
	p.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			p.mu.Lock()
			if p.loading[peerID]--; p.loading[peerID] <= 0 {
				delete(p.loading, peerID)
			}
			p.mu.Unlock()
		})
	}
	timer := time.AfterFunc(p.opts.HydrateTimeout, done)

	p.goBackground(func(ctx context.Context) {
		defer func() {
			timer.Stop()
			done()
		}()
		ctx, cancel := context.WithTimeout(ctx, p.opts.HydrateTimeout)
		defer cancel()
		if _, err := p.hydrate(ctx, peerID, since); err != nil {
			log.Warn("hydration failed, serving cache", zap.String("peer", peerID), zap.Error(err))
		}
	})
}

func (p *Pipeline) goBackground(fn func(ctx context.Context)) {
	p.mu.Lock()
	ctx := p.bg
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

// hydrateSince decides whether peerID needs a history fetch and from when.
func (p *Pipeline) hydrateSince(ctx context.Context, peerID string) (time.Time, bool, error) {
	newest, ok, err := p.cache.Newest(ctx, peerID)
	if err != nil {
		return time.Time{}, true, err
	}
	if !ok {
		return time.Time{}, true, nil
	}
	t, found, err := p.cache.Thread(ctx, peerID)
	if err != nil {
		return newest, true, err
	}
	if found && (t.UpdatedAt.After(newest) || t.UnreadCount > 0) {
		return newest, true, nil
	}
	return newest, false, nil
}

// Hydrate fetches one page of history for peerID when the cache looks stale
// and returns how many new messages were merged.
func (p *Pipeline) Hydrate(ctx context.Context, peerID string) (int, error) {
	since, need, err := p.hydrateSince(ctx, peerID)
	if err != nil {
		return 0, err
	}
	if !need {
		return 0, nil
	}
	return p.hydrate(ctx, peerID, since)
}

func (p *Pipeline) hydrate(ctx context.Context, peerID string, since time.Time) (int, error) {
	page, err := p.remote.History(ctx, peerID, 1, p.opts.PageSize, since)
	if err != nil {
		return 0, err
	}
	priv, err := p.privateKey(ctx)
	if err != nil {
		return 0, err
	}

	decoded := make([]*model.Message, len(page.Results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.DecryptWorkers)
	for i := range page.Results {
		env := &page.Results[i]
		if !since.IsZero() && env.CreatedAt.Before(since) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			msg, err := envelope.Open(env, p.self, priv)
			if err != nil {
				log.Debug("skipping undecryptable history row", zap.String("peer", peerID), zap.String("id", env.ServerID), zap.Error(err))
				return nil
			}
			decoded[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	msgs := make([]model.Message, 0, len(decoded))
	for _, m := range decoded {
		if m != nil && m.ID != "" {
			msgs = append(msgs, *m)
		}
	}
	fresh, err := p.cache.Apply(ctx, peerID, msgs...)
	if err != nil {
		return 0, err
	}
	if len(fresh) > 0 {
		last := conversation.Merge(nil, fresh)
		if err := p.cache.TouchThread(ctx, peerID, last[len(last)-1], false); err != nil {
			log.Error("thread update failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
	log.Debug("hydrated", zap.String("peer", peerID), zap.Int("rows", len(page.Results)), zap.Int("new", len(fresh)))
	return len(fresh), nil
}

// RefreshIndex pulls the server thread index into the cache. On failure the
// cached index stays as it was.
func (p *Pipeline) RefreshIndex(ctx context.Context, activePeer string) error {
	rows, err := p.remote.ConversationsIndex(ctx)
	if err != nil {
		log.Warn("index refresh failed, serving cache", zap.Error(err))
		return err
	}
	return p.cache.MergeIndex(ctx, rows, activePeer)
}

// Reset stops background work and forgets pending sends and the cached
// private key.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.stop()
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	clear(p.pending)
	clear(p.loading)
	p.priv = nil
	p.bg, p.stop = context.WithCancel(context.Background())
	p.mu.Unlock()
}
