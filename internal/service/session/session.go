// Package session owns everything that belongs to the logged-in identity and
// guarantees that one identity is fully torn down before the next one starts.
package session

import (
	"context"
	"errors"
	"sync"

	"e2ee_messenger/internal/config"
	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/repository/conversation"
	"e2ee_messenger/internal/repository/keystore"
	"e2ee_messenger/internal/repository/kv"
	"e2ee_messenger/internal/service/api"
	"e2ee_messenger/internal/service/pipeline"
	"e2ee_messenger/internal/service/realtime"
	"e2ee_messenger/internal/service/search"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

const searchField = "peer"

var ErrNotLoggedIn = errors.New("not logged in")

type Session struct {
	cfg     *config.Config
	store   kv.Store
	channel *realtime.Channel

	mu        sync.Mutex
	identity  string
	client    *api.Client
	keys      *keystore.KeyStore
	cache     *conversation.Cache
	pipe      *pipeline.Pipeline
	finder    *search.Scheduler
	active    string
	unsub     func()
	observers map[int]conversation.Observer
	nextObs   int
	onSearch  func(search.Result)
}

func New(cfg *config.Config, store kv.Store) *Session {
	s := &Session{
		cfg:   cfg,
		store: store,
		channel: realtime.NewChannel(realtime.Options{
			URL:        cfg.WSURL,
			MinBackoff: cfg.ReconnectMin,
			MaxBackoff: cfg.ReconnectMax,
		}),
		observers: make(map[int]conversation.Observer),
	}
	s.channel.OnMessage(s.onEnvelope)
	return s
}

// Subscribe observes cache changes of whichever identity is logged in. The
// returned func unregisters fn.
func (s *Session) Subscribe(fn conversation.Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// OnSearchResults sets the search result handler; nil removes it.
func (s *Session) OnSearchResults(fn func(search.Result)) {
	s.mu.Lock()
	s.onSearch = fn
	s.mu.Unlock()
}

// OnChannelState sets the channel state handler; nil removes it.
func (s *Session) OnChannelState(fn func(realtime.State)) {
	s.channel.OnStateChange(fn)
}

func (s *Session) fanout(ev conversation.Event) {
	s.mu.Lock()
	obs := make([]conversation.Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

func (s *Session) deliverSearch(r search.Result) {
	s.mu.Lock()
	fn := s.onSearch
	s.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Login tears down any current identity, then brings up identity: keys, the
// cache, the realtime channel and the thread index. A key failure does not
// fail the login; it shows up in KeyStatus and gates sending.
func (s *Session) Login(ctx context.Context, identity string, token model.TokenSupplier) error {
	if identity == "" {
		return errors.New("login: empty identity")
	}
	if err := s.Logout(ctx); err != nil {
		log.Warn("teardown of previous identity incomplete", zap.Error(err))
	}

	client, err := api.NewClient(s.cfg.APIBaseURL, s.cfg.HTTPTimeout, token)
	if err != nil {
		return err
	}
	keys := keystore.NewKeyStore(s.store, client, s.cfg.Passphrase)
	cache := conversation.NewCache(s.store, identity)
	pipe := pipeline.New(cache, keys, s.channel, client, pipeline.Options{
		PageSize:       s.cfg.PageSize,
		HydrateTimeout: s.cfg.HydrateTimeout,
	})
	finder := search.NewScheduler(s.cfg.SearchDebounce, client.SearchUsers, s.deliverSearch)

	s.mu.Lock()
	s.identity = identity
	s.client = client
	s.keys = keys
	s.cache = cache
	s.pipe = pipe
	s.finder = finder
	s.active = ""
	s.unsub = cache.Subscribe(s.fanout)
	s.mu.Unlock()

	s.channel.Connect(identity, token)

	if err := ensureKeys(ctx, keys, identity); err != nil {
		log.Warn("keys not ready", zap.String("identity", identity), zap.Error(err))
	}
	if err := pipe.RefreshIndex(ctx, ""); err != nil {
		log.Debug("initial index refresh failed", zap.Error(err))
	}
	log.Info("logged in", zap.String("identity", identity))
	return nil
}

// Logout closes the channel and clears in-memory state synchronously, then
// empties the canonical key slot. Cached history and key backups stay.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	identity := s.identity
	pipe, finder, keys, unsub := s.pipe, s.finder, s.keys, s.unsub
	s.identity, s.active = "", ""
	s.client, s.keys, s.cache, s.pipe, s.finder, s.unsub = nil, nil, nil, nil, nil, nil
	s.mu.Unlock()

	if identity == "" {
		return nil
	}
	s.channel.Close()
	if unsub != nil {
		unsub()
	}
	finder.Close()
	pipe.Reset()
	log.Info("logged out", zap.String("identity", identity))
	return keys.ClearCanonical(ctx)
}

// Close stops the channel and background work without logging out; keys
// stay in place for the next start.
func (s *Session) Close() {
	s.channel.Close()
	s.mu.Lock()
	pipe, finder := s.pipe, s.finder
	s.mu.Unlock()
	if finder != nil {
		finder.Close()
	}
	if pipe != nil {
		pipe.Reset()
	}
}

func (s *Session) onEnvelope(env *model.Envelope) {
	s.mu.Lock()
	pipe, active := s.pipe, s.active
	s.mu.Unlock()
	if pipe == nil {
		return
	}
	pipe.Receive(context.Background(), env, pipeline.ViewContext{ActivePeer: active})
}

func (s *Session) current() (*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return nil, ErrNotLoggedIn
	}
	return s.pipe, nil
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Active is the conversation currently shown, or "".
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Select makes peerID the active conversation and opens it.
func (s *Session) Select(ctx context.Context, peerID string) ([]model.Message, error) {
	pipe, err := s.current()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active = peerID
	s.mu.Unlock()
	return pipe.Open(ctx, peerID)
}

func (s *Session) Deselect() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

func (s *Session) Send(ctx context.Context, peerID, text string) (model.Message, error) {
	pipe, err := s.current()
	if err != nil {
		return model.Message{}, err
	}
	return pipe.Send(ctx, peerID, text)
}

func (s *Session) Messages(ctx context.Context, peerID string) ([]model.Message, error) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache == nil {
		return nil, ErrNotLoggedIn
	}
	return cache.Messages(ctx, peerID)
}

func (s *Session) Threads(ctx context.Context) ([]model.Thread, error) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache == nil {
		return nil, ErrNotLoggedIn
	}
	return cache.Threads(ctx)
}

func (s *Session) Loading(peerID string) bool {
	pipe, err := s.current()
	return err == nil && pipe.Loading(peerID)
}

func (s *Session) RefreshIndex(ctx context.Context) error {
	pipe, err := s.current()
	if err != nil {
		return err
	}
	return pipe.RefreshIndex(ctx, s.Active())
}

// Search schedules a debounced peer lookup. Results arrive through
// OnSearchResults.
func (s *Session) Search(query string) uint64 {
	s.mu.Lock()
	finder := s.finder
	s.mu.Unlock()
	if finder == nil {
		return 0
	}
	return finder.Schedule(searchField, query)
}

func (s *Session) KeyStatus() model.KeyStatus {
	s.mu.Lock()
	keys, identity := s.keys, s.identity
	s.mu.Unlock()
	if keys == nil {
		return model.KeyStatus{LastErr: ErrNotLoggedIn}
	}
	return keys.Status(identity)
}

// RetryKeys runs key setup again after a failed registration.
func (s *Session) RetryKeys(ctx context.Context) error {
	s.mu.Lock()
	keys, identity := s.keys, s.identity
	s.mu.Unlock()
	if keys == nil {
		return ErrNotLoggedIn
	}
	return ensureKeys(ctx, keys, identity)
}

// ensureKeys brings up the key pair and registers it again when the server
// reports that it no longer holds our public key.
func ensureKeys(ctx context.Context, keys *keystore.KeyStore, identity string) error {
	if _, err := keys.EnsureKeyPair(ctx, identity); err != nil {
		return err
	}
	if keys.HasUsableKeys(ctx, identity) {
		return nil
	}
	log.Warn("server has no public key for us, registering again", zap.String("identity", identity))
	if err := keys.ForgetRegistration(ctx, identity); err != nil {
		return err
	}
	_, err := keys.EnsureKeyPair(ctx, identity)
	return err
}

// BootStatus asks the server whether it holds a public key for us.
func (s *Session) BootStatus(ctx context.Context) (*model.BootStatus, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, ErrNotLoggedIn
	}
	return client.BootStatus(ctx)
}

func (s *Session) WaitReady(ctx context.Context) error {
	return s.channel.WaitReady(ctx, s.cfg.ReadyTimeout)
}

func (s *Session) ChannelState() realtime.State {
	return s.channel.State()
}
