package pipeline_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"e2ee_messenger/internal/cryptographic/rsaoaep"
	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/protocol/envelope"
	"e2ee_messenger/internal/repository/conversation"
	"e2ee_messenger/internal/repository/keystore"
	"e2ee_messenger/internal/repository/kv"
	"e2ee_messenger/internal/service/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keysOnce sync.Once
	keyPool  []*rsa.PrivateKey
)

func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for range 3 {
			k, err := rsaoaep.GenerateKey()
			if err != nil {
				panic(err)
			}
			keyPool = append(keyPool, k)
		}
	})
	return keyPool[i]
}

type registry struct {
	mu      sync.Mutex
	keys    map[string]string
	fetches map[string]int
}

type registryView struct {
	*registry
	self string
}

func newRegistry() *registry {
	return &registry{keys: make(map[string]string), fetches: make(map[string]int)}
}

func (r *registry) as(id string) registryView { return registryView{r, id} }

func (r *registry) fetchCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[id]
}

func (v registryView) RegisterPublicKey(_ context.Context, pem string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[v.self]; ok {
		return model.ErrKeyAlreadyRegistered
	}
	v.keys[v.self] = pem
	return nil
}

func (v registryView) PublicKey(_ context.Context, id string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetches[id]++
	return v.keys[id], nil
}

func (v registryView) BootStatus(context.Context) (*model.BootStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &model.BootStatus{ID: v.self, HasPublicKey: v.keys[v.self] != ""}, nil
}

type wire struct {
	mu     sync.Mutex
	frames []model.OutboundFrame
	err    error
	block  chan struct{}
}

func (w *wire) Send(_ context.Context, f model.OutboundFrame) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return w.err
}

func (w *wire) last() model.OutboundFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

type remote struct {
	mu        sync.Mutex
	page      *model.HistoryPage
	err       error
	block     bool
	hang      chan struct{}
	calls     int
	since     []time.Time
	markReads []string
	rows      []model.IndexRow
	indexErr  error
}

func (r *remote) History(ctx context.Context, _ string, _, _ int, since time.Time) (*model.HistoryPage, error) {
	r.mu.Lock()
	r.calls++
	r.since = append(r.since, since)
	block, hang, page, err := r.block, r.hang, r.page, r.err
	r.mu.Unlock()
	if hang != nil {
		<-hang
		return nil, errors.New("gave up")
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if page == nil {
		page = &model.HistoryPage{}
	}
	return page, err
}

func (r *remote) MarkRead(_ context.Context, peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markReads = append(r.markReads, peer)
	return nil
}

func (r *remote) ConversationsIndex(context.Context) ([]model.IndexRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows, r.indexErr
}

func (r *remote) historyCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type party struct {
	id     string
	p      *pipeline.Pipeline
	cache  *conversation.Cache
	wire   *wire
	remote *remote
}

func newParty(t *testing.T, id string, key *rsa.PrivateKey, reg *registry) *party {
	t.Helper()
	store := kv.NewMemoryStore()
	ks := keystore.NewKeyStore(store, reg.as(id), "")
	ks.GenerateKey = func() (*rsa.PrivateKey, error) { return key, nil }
	_, err := ks.EnsureKeyPair(context.Background(), id)
	require.NoError(t, err)

	cache := conversation.NewCache(store, id)
	w, r := &wire{}, &remote{}
	p := pipeline.New(cache, ks, w, r, pipeline.Options{PageSize: 50, HydrateTimeout: time.Second})
	t.Cleanup(p.Reset)
	return &party{id: id, p: p, cache: cache, wire: w, remote: r}
}

// relay turns an outbound frame into what the server fans out.
func relay(from string, f model.OutboundFrame, serverID string, at time.Time) *model.Envelope {
	return &model.Envelope{
		ServerID:     serverID,
		SenderID:     from,
		ReceiverID:   f.ReceiverID,
		Ciphertext:   f.Ciphertext,
		IV:           f.IV,
		MAC:          f.MAC,
		WrapReceiver: f.WrapReceiver,
		WrapSender:   f.WrapSender,
		CreatedAt:    at,
		ClientTempID: f.ClientTempID,
	}
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestSendReceiveAndEchoSuppression(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	sent, err := alice.p.Send(ctx, "2", "hi")
	require.NoError(t, err)
	assert.True(t, sent.IsMine)
	assert.True(t, alice.p.Pending(sent.ID))

	frame := alice.wire.last()
	assert.Equal(t, sent.ID, frame.ClientTempID)
	env := relay("1", frame, "100", time.Now().UTC())

	bob.p.Receive(ctx, env, pipeline.ViewContext{})
	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "100", msgs[0].ID)
	assert.False(t, msgs[0].IsMine)
	th, ok, err := bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, th.UnreadCount)
	assert.Equal(t, "hi", th.LastText)

	alice.p.Receive(ctx, env, pipeline.ViewContext{ActivePeer: "2"})
	assert.False(t, alice.p.Pending(sent.ID))
	msgs, err = alice.cache.Messages(ctx, "2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "100", msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Text)

	// A second delivery of the same echo is a plain duplicate.
	alice.p.Receive(ctx, env, pipeline.ViewContext{})
	msgs, err = alice.cache.Messages(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPeerKeyFetchedOnce(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	_, err := bob.p.Send(ctx, "1", "hi")
	require.NoError(t, err)
	_, err = bob.p.Send(ctx, "1", "again")
	require.NoError(t, err)
	assert.Equal(t, 1, reg.fetchCount("1"))
}

func TestSendInProgress(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)
	bob.wire.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := bob.p.Send(ctx, "1", "first")
		done <- err
	}()
	require.Eventually(t, func() bool {
		msgs, _ := bob.cache.Messages(ctx, "1")
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := bob.p.Send(ctx, "1", "second")
	assert.ErrorIs(t, err, model.ErrSendInProgress)

	close(bob.wire.block)
	require.NoError(t, <-done)
}

func TestSendFailures(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	_, err := bob.p.Send(ctx, "9", "nobody")
	assert.ErrorIs(t, err, model.ErrPublicKeyUnresolvable)
	msgs, err := bob.cache.Messages(ctx, "9")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = bob.p.Send(ctx, "1", "   ")
	assert.ErrorIs(t, err, model.ErrMalformedInput)

	bob.wire.err = model.ErrNotConnected
	msg, err := bob.p.Send(ctx, "1", "offline")
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.False(t, bob.p.Pending(msg.ID))
	msgs, err = bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	th, _, err := bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, th.LastText)
	assert.True(t, th.UpdatedAt.IsZero())
}

func TestSendRetryAfterFailureLeavesOneCopy(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	bob.wire.err = model.ErrNotConnected
	_, err := bob.p.Send(ctx, "1", "meet at 5")
	require.ErrorIs(t, err, model.ErrNotConnected)

	bob.wire.err = nil
	sent, err := bob.p.Send(ctx, "1", "meet at 5")
	require.NoError(t, err)
	env := relay("2", bob.wire.last(), "200", time.Now().UTC())
	bob.p.Receive(ctx, env, pipeline.ViewContext{ActivePeer: "1"})
	alice.p.Receive(ctx, env, pipeline.ViewContext{})

	assert.False(t, bob.p.Pending(sent.ID))
	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "200", msgs[0].ID)
	assert.Equal(t, "meet at 5", msgs[0].Text)

	got, err := alice.cache.Messages(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"meet at 5"}, texts(got))
}

func TestEchoWithoutTempIDMatchesCiphertext(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	first, err := bob.p.Send(ctx, "1", "hello")
	require.NoError(t, err)
	firstFrame := bob.wire.last()
	second, err := bob.p.Send(ctx, "1", "hello")
	require.NoError(t, err)

	env := relay("2", firstFrame, "501", time.Now().UTC())
	env.ClientTempID = ""
	bob.p.Receive(ctx, env, pipeline.ViewContext{ActivePeer: "1"})

	assert.False(t, bob.p.Pending(first.ID))
	assert.True(t, bob.p.Pending(second.ID))
	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []string{"501", second.ID}, []string{msgs[0].ID, msgs[1].ID})
	assert.Equal(t, []string{"hello", "hello"}, texts(msgs))
}

func TestSendKeysNotReady(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	ks := keystore.NewKeyStore(store, newRegistry().as("3"), "")
	p := pipeline.New(conversation.NewCache(store, "3"), ks, &wire{}, &remote{}, pipeline.Options{})
	defer p.Reset()

	_, err := p.Send(ctx, "1", "hello")
	assert.ErrorIs(t, err, model.ErrKeysNotReady)
}

func TestUnreadCountsDistinctInboundOnly(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	base := time.Now().UTC()
	var envs []*model.Envelope
	for i := range 3 {
		_, err := alice.p.Send(ctx, "2", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		envs = append(envs, relay("1", alice.wire.last(), fmt.Sprint(200+i), base.Add(time.Duration(i)*time.Second)))
	}

	for _, env := range envs {
		bob.p.Receive(ctx, env, pipeline.ViewContext{ActivePeer: "3"})
	}
	bob.p.Receive(ctx, envs[1], pipeline.ViewContext{})
	th, _, err := bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, th.UnreadCount)
	assert.Equal(t, "m2", th.LastText)

	msgs, err := bob.p.Open(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, texts(msgs))
	th, _, err = bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, th.UnreadCount)

	_, err = alice.p.Send(ctx, "2", "while open")
	require.NoError(t, err)
	bob.p.Receive(ctx, relay("1", alice.wire.last(), "300", base.Add(time.Minute)), pipeline.ViewContext{ActivePeer: "1"})
	th, _, err = bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, th.UnreadCount)
	assert.Equal(t, "while open", th.LastText)

	require.Eventually(t, func() bool {
		bob.remote.mu.Lock()
		defer bob.remote.mu.Unlock()
		return assert.ObjectsAreEqual([]string{"1", "1"}, bob.remote.markReads)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCorruptedMACIsDropped(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	_, err := alice.p.Send(ctx, "2", "secret")
	require.NoError(t, err)
	env := relay("1", alice.wire.last(), "1", time.Now().UTC())
	mac, err := base64.StdEncoding.DecodeString(env.MAC)
	require.NoError(t, err)
	mac[3] ^= 0x01
	env.MAC = base64.StdEncoding.EncodeToString(mac)

	assert.NotPanics(t, func() {
		bob.p.Receive(ctx, env, pipeline.ViewContext{})
	})
	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, ok, err := bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvelopeForOtherPartiesIsDropped(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	carol := newParty(t, "3", testKey(t, 2), reg)

	_, err := alice.p.Send(ctx, "3", "for carol")
	require.NoError(t, err)
	env := relay("1", alice.wire.last(), "5", time.Now().UTC())
	env.ReceiverID = "2"

	carol.p.Receive(ctx, env, pipeline.ViewContext{})
	threads, err := carol.cache.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestOwnMessageFromAnotherDevice(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	alice := newParty(t, "1", testKey(t, 0), reg)
	newParty(t, "2", testKey(t, 1), reg)

	pub := &testKey(t, 1).PublicKey
	env, err := envelope.Seal("from laptop", "1", "2", &testKey(t, 0).PublicKey, pub)
	require.NoError(t, err)
	env.ServerID = "77"
	env.ClientTempID = "elsewhere"

	alice.p.Receive(ctx, env, pipeline.ViewContext{})
	msgs, err := alice.cache.Messages(ctx, "2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "77", msgs[0].ID)
	assert.True(t, msgs[0].IsMine)
	th, _, err := alice.cache.Thread(ctx, "2")
	require.NoError(t, err)
	assert.Zero(t, th.UnreadCount)
}

func sealedHistory(t *testing.T, from, to string, fromKey, toKey *rsa.PrivateKey, ids []string, at func(i int) time.Time) []model.Envelope {
	t.Helper()
	out := make([]model.Envelope, 0, len(ids))
	for i, id := range ids {
		env, err := envelope.Seal("text "+id, from, to, &fromKey.PublicKey, &toKey.PublicKey)
		require.NoError(t, err)
		env.ServerID = id
		env.CreatedAt = at(i)
		out = append(out, *env)
	}
	return out
}

func TestHydrateFortyCachedFiveOlderRows(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	bob := newParty(t, "2", testKey(t, 1), reg)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cached := make([]model.Message, 0, 40)
	for i := range 40 {
		cached = append(cached, model.Message{
			ID: fmt.Sprintf("m%02d", i), Text: fmt.Sprintf("cached %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute), AuthorID: "1",
		})
	}
	_, err := bob.cache.Apply(ctx, "1", cached...)
	require.NoError(t, err)
	require.NoError(t, bob.cache.TouchThread(ctx, "1", cached[39], true))
	before, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	newest := cached[39].CreatedAt

	bob.remote.page = &model.HistoryPage{
		Results: sealedHistory(t, "1", "2", testKey(t, 0), testKey(t, 1),
			[]string{"m00", "m01", "x1", "x2", "m05"},
			func(i int) time.Time { return newest.Add(-time.Duration(i+1) * time.Hour) }),
	}

	n, err := bob.p.Hydrate(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, bob.remote.since, 1)
	assert.True(t, bob.remote.since[0].Equal(newest))

	after, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHydrateEmptyCacheSkipsBadRows(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	bob := newParty(t, "2", testKey(t, 1), reg)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sealedHistory(t, "1", "2", testKey(t, 0), testKey(t, 1),
		[]string{"1", "2", "3"}, func(i int) time.Time { return base.Add(time.Duration(i) * time.Second) })
	rows[1].MAC = rows[0].MAC
	bob.remote.page = &model.HistoryPage{Results: rows, Count: 3}

	n, err := bob.p.Hydrate(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, bob.remote.since[0].IsZero())

	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"text 1", "text 3"}, texts(msgs))
	th, _, err := bob.cache.Thread(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "text 3", th.LastText)
	assert.Zero(t, th.UnreadCount)

	n, err = bob.p.Hydrate(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, bob.remote.historyCalls())
}

func TestHydrateNetworkFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "2", testKey(t, 1), newRegistry())
	bob.remote.err = errors.New("offline")

	_, err := bob.p.Hydrate(ctx, "1")
	require.Error(t, err)
	msgs, err := bob.cache.Messages(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOpenLoadingClearsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	reg := newRegistry()
	ks := keystore.NewKeyStore(store, reg.as("2"), "")
	ks.GenerateKey = func() (*rsa.PrivateKey, error) { return testKey(t, 1), nil }
	_, err := ks.EnsureKeyPair(ctx, "2")
	require.NoError(t, err)

	r := &remote{block: true}
	p := pipeline.New(conversation.NewCache(store, "2"), ks, &wire{}, r, pipeline.Options{HydrateTimeout: 50 * time.Millisecond})
	defer p.Reset()

	msgs, err := p.Open(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, p.Loading("1"))
	require.Eventually(t, func() bool { return !p.Loading("1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.historyCalls())
}

func TestLoadingClearsWhenRemoteIgnoresContext(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "2", testKey(t, 1), newRegistry())
	hang := make(chan struct{})
	bob.remote.hang = hang
	p := pipeline.New(bob.cache, nil, bob.wire, bob.remote, pipeline.Options{HydrateTimeout: 50 * time.Millisecond})
	defer p.Reset()
	defer close(hang)

	_, err := p.Open(ctx, "1")
	require.NoError(t, err)
	assert.True(t, p.Loading("1"))
	require.Eventually(t, func() bool { return !p.Loading("1") }, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshIndex(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "2", testKey(t, 1), newRegistry())

	bob.remote.rows = []model.IndexRow{{
		Peer:      model.Peer{ID: "1", FirstName: "Ana"},
		UpdatedAt: "2024-06-01T12:00:00Z",
		Unread:    2,
	}}
	require.NoError(t, bob.p.RefreshIndex(ctx, ""))
	threads, err := bob.cache.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].UnreadCount)

	bob.remote.indexErr = errors.New("offline")
	require.Error(t, bob.p.RefreshIndex(ctx, ""))
	again, err := bob.cache.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, threads, again)
}

func TestResetForgetsPendingSends(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	newParty(t, "1", testKey(t, 0), reg)
	bob := newParty(t, "2", testKey(t, 1), reg)

	msg, err := bob.p.Send(ctx, "1", "hi")
	require.NoError(t, err)
	require.True(t, bob.p.Pending(msg.ID))
	bob.p.Reset()
	assert.False(t, bob.p.Pending(msg.ID))
}
