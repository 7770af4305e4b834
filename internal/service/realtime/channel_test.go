package realtime_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/service/realtime"
	"e2ee_messenger/internal/testkit/fakeserver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (b *inbox) add(env *model.Envelope) {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.envs)
}

func (b *inbox) get(i int) *model.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.envs[i]
}

func newServer(t *testing.T) *fakeserver.Server {
	t.Helper()
	srv := fakeserver.New("secret")
	srv.AddUser(fakeserver.User{ID: "1", Email: "a@example.com"})
	srv.AddUser(fakeserver.User{ID: "2", Email: "b@example.com"})
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func newChannel(srv *fakeserver.Server) *realtime.Channel {
	return realtime.NewChannel(realtime.Options{
		URL:        srv.WSURL(),
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	})
}

func supplier(srv *fakeserver.Server, id string, calls *atomic.Int32) model.TokenSupplier {
	return func(context.Context) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return srv.Token(id), nil
	}
}

func frame(to, temp string) model.OutboundFrame {
	return model.OutboundFrame{
		ReceiverID: to, Ciphertext: "Y3Q=", IV: "aXY=", MAC: "bWFj",
		WrapReceiver: "cg==", WrapSender: "cw==", ClientTempID: temp,
	}
}

func TestSendBeforeConnect(t *testing.T) {
	srv := newServer(t)
	ch := newChannel(srv)
	err := ch.Send(context.Background(), frame("2", "t"))
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Equal(t, realtime.Disconnected, ch.State())
}

func TestRelayReachesBothSides(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	alice, bob := newChannel(srv), newChannel(srv)
	var aIn, bIn inbox
	alice.OnMessage(aIn.add)
	bob.OnMessage(bIn.add)
	alice.Connect("1", supplier(srv, "1", nil))
	bob.Connect("2", supplier(srv, "2", nil))
	defer alice.Close()
	defer bob.Close()

	require.NoError(t, alice.WaitReady(ctx, 2*time.Second))
	require.NoError(t, bob.WaitReady(ctx, 2*time.Second))

	require.NoError(t, alice.Send(ctx, frame("2", "temp-1")))

	require.Eventually(t, func() bool { return aIn.len() == 1 && bIn.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	echo := aIn.get(0)
	assert.Equal(t, "1", echo.SenderID)
	assert.Equal(t, "2", echo.ReceiverID)
	assert.Equal(t, "temp-1", echo.ClientTempID)
	assert.NotEmpty(t, echo.ServerID)
	assert.Equal(t, echo.ServerID, bIn.get(0).ServerID)
}

func TestControlAndMalformedFramesAreNotDelivered(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	ch := newChannel(srv)
	var in inbox
	ch.OnMessage(in.add)
	ch.Connect("1", supplier(srv, "1", nil))
	defer ch.Close()
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))

	srv.Push("1", []byte(`{"type":"error","code":"x","message":"nope"}`))
	srv.Push("1", []byte(`{"type":"ack","id":4}`))
	srv.Push("1", []byte(`{"type":"ack","ok":true,"message_id":"5"}`))
	srv.Push("1", []byte(`not json`))
	srv.Push("1", []byte(`{"sender":"2"}`))
	srv.Push("1", []byte(`{"sender_id":2,"receiver_id":1,"ciphertext":"Y3Q=","id":9}`))

	require.Eventually(t, func() bool { return in.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, in.len())
	assert.Equal(t, "9", in.get(0).ServerID)
	assert.Equal(t, "2", in.get(0).SenderID)
}

func TestUnknownReceiverKeepsConnection(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	ch := newChannel(srv)
	ch.Connect("1", supplier(srv, "1", nil))
	defer ch.Close()
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))

	require.NoError(t, ch.Send(ctx, frame("404", "t")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, realtime.Ready, ch.State())
}

func TestReconnectAsksForFreshToken(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	var calls atomic.Int32
	ch := newChannel(srv)
	ch.Connect("1", supplier(srv, "1", &calls))
	defer ch.Close()
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))
	require.EqualValues(t, 1, calls.Load())

	srv.DropConnections("1")
	require.Eventually(t, func() bool {
		return calls.Load() >= 2 && ch.State() == realtime.Ready
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Connected("1") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsSynchronousAndStopsReconnects(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	var calls atomic.Int32
	ch := newChannel(srv)
	var states []realtime.State
	var mu sync.Mutex
	ch.OnStateChange(func(s realtime.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	ch.Connect("1", supplier(srv, "1", &calls))
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))

	ch.Close()
	assert.Equal(t, realtime.Disconnected, ch.State())
	assert.ErrorIs(t, ch.Send(ctx, frame("2", "t")), model.ErrNotConnected)

	n := calls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
	require.Eventually(t, func() bool { return srv.Connected("1") == 0 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []realtime.State{realtime.Connecting, realtime.Ready, realtime.Disconnected}, states)
}

func TestConnectReplacesPreviousIdentity(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	ch := newChannel(srv)
	ch.Connect("1", supplier(srv, "1", nil))
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))

	ch.Connect("2", supplier(srv, "2", nil))
	defer ch.Close()
	require.NoError(t, ch.WaitReady(ctx, 2*time.Second))
	assert.Equal(t, "2", ch.Identity())
	require.Eventually(t, func() bool {
		return srv.Connected("1") == 0 && srv.Connected("2") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitReadyTimesOut(t *testing.T) {
	ch := realtime.NewChannel(realtime.Options{
		URL:        "ws://127.0.0.1:1/ws/chat/",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	ch.Connect("1", func(context.Context) (string, error) { return "t", nil })
	defer ch.Close()

	err := ch.WaitReady(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, model.ErrNotConnected)
}
