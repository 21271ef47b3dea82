package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncServer struct {
	*httptest.Server
	accepted atomic.Int32
	conns    chan *websocket.Conn
	received chan []byte
}

func newSyncServer(t *testing.T) *syncServer {
	server := &syncServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan []byte, 16),
	}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		server.accepted.Add(1)
		server.conns <- conn
		for {
			_, frame, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			server.received <- frame
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *syncServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("expected an accepted connection")
	}
	return nil
}

type recorder struct {
	connected    chan struct{}
	disconnected chan error
	events       chan protocol.Envelope
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan error, 8),
		events:       make(chan protocol.Envelope, 16),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnected:    func(context.Context) { r.connected <- struct{}{} },
		OnDisconnected: func(err error) { r.disconnected <- err },
		OnEvent:        func(envelope protocol.Envelope) { r.events <- envelope },
	}
}

func newTestChannel(t *testing.T, serverURL string, attempts int, handlers Handlers) *SyncChannel {
	channel, err := New(Config{
		ServerURL:         serverURL,
		ReconnectAttempts: attempts,
		ReconnectDelay:    20 * time.Millisecond,
		HandshakeTimeout:  time.Second,
	}, handlers)
	require.NoError(t, err)
	t.Cleanup(channel.Disconnect)
	return channel
}

func mustEnvelope(t *testing.T, event string, data any) protocol.Envelope {
	envelope, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	return envelope
}

func waitFor[T any](t *testing.T, source chan T) T {
	t.Helper()
	select {
	case value := <-source:
		return value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel callback")
	}
	var zero T
	return zero
}

func TestWebSocketURL(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{input: "http://localhost:3000", expected: "ws://localhost:3000/ws"},
		{input: "https://notes.example.com/", expected: "wss://notes.example.com/ws"},
		{input: "https://notes.example.com/sync", expected: "wss://notes.example.com/sync/ws"},
		{input: "ws://127.0.0.1:9000", expected: "ws://127.0.0.1:9000/ws"},
		{input: "ftp://localhost", wantErr: true},
		{input: "localhost:3000", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.input, func(t *testing.T) {
			actual, err := WebSocketURL(testCase.input)
			if testCase.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, actual)
		})
	}
}

func TestStateTransitions(t *testing.T) {
	require.NoError(t, StateDisconnected.validateTransitionTo(StateConnecting))
	require.NoError(t, StateConnecting.validateTransitionTo(StateConnected))
	require.NoError(t, StateConnecting.validateTransitionTo(StateDisconnected))
	require.NoError(t, StateConnected.validateTransitionTo(StateDisconnected))

	require.Error(t, StateDisconnected.validateTransitionTo(StateConnected))
	require.Error(t, StateConnected.validateTransitionTo(StateConnecting))
	assert.Equal(t, "Connecting", StateConnecting.String())
}

func TestConnectDeliversEventsAndSends(t *testing.T) {
	server := newSyncServer(t)
	events := newRecorder()
	channel := newTestChannel(t, server.URL, 0, events.handlers())

	require.ErrorIs(t, channel.Send(context.Background(), mustEnvelope(t, protocol.EventDelete, protocol.DeletePayload{ID: "n1"})), ErrNotConnected)

	channel.Connect(context.Background())
	waitFor(t, events.connected)
	assert.Equal(t, StateConnected, channel.State())
	assert.NoError(t, channel.LastError())

	serverConn := server.nextConn(t)
	frame, err := mustEnvelope(t, protocol.EventDeleted, protocol.DeletePayload{ID: "n1"}).Encode()
	require.NoError(t, err)
	require.NoError(t, serverConn.Write(context.Background(), websocket.MessageText, frame))

	received := waitFor(t, events.events)
	assert.Equal(t, protocol.EventDeleted, received.Event)
	assert.Equal(t, "n1", received.PeekID())

	require.NoError(t, channel.Send(context.Background(), mustEnvelope(t, protocol.EventCreate, protocol.NotePayload{ID: "n2", Text: "hello"})))
	sent, err := protocol.Decode(waitFor(t, server.received))
	require.NoError(t, err)
	assert.Equal(t, protocol.EventCreate, sent.Event)
}

func TestConnectIsIgnoredWhileConnected(t *testing.T) {
	server := newSyncServer(t)
	events := newRecorder()
	channel := newTestChannel(t, server.URL, 0, events.handlers())

	channel.Connect(context.Background())
	channel.Connect(context.Background())
	waitFor(t, events.connected)
	channel.Connect(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), server.accepted.Load())
}

func TestConnectFailureRecordsErrorAndGivesUp(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	channel := newTestChannel(t, server.URL, 2, Handlers{})
	channel.Connect(context.Background())

	require.Eventually(t, func() bool {
		channel.stateMu.Lock()
		defer channel.stateMu.Unlock()
		return !channel.attempting
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, StateDisconnected, channel.State())
	require.ErrorIs(t, channel.LastError(), ErrChannelFailure)
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	server := newSyncServer(t)
	events := newRecorder()
	channel := newTestChannel(t, server.URL, 3, events.handlers())

	channel.Connect(context.Background())
	waitFor(t, events.connected)
	first := server.nextConn(t)

	_ = first.Close(websocket.StatusGoingAway, "restart")

	dropErr := waitFor(t, events.disconnected)
	require.ErrorIs(t, dropErr, ErrChannelFailure)
	waitFor(t, events.connected)
	server.nextConn(t)

	assert.Equal(t, StateConnected, channel.State())
	assert.Equal(t, int32(2), server.accepted.Load())
}

func TestDisconnectStopsDeliveryAndReconnects(t *testing.T) {
	server := newSyncServer(t)
	events := newRecorder()
	channel := newTestChannel(t, server.URL, 3, events.handlers())

	channel.Connect(context.Background())
	waitFor(t, events.connected)
	serverConn := server.nextConn(t)

	channel.Disconnect()
	assert.Nil(t, waitFor(t, events.disconnected))
	assert.Equal(t, StateDisconnected, channel.State())

	frame, err := mustEnvelope(t, protocol.EventDeleted, protocol.DeletePayload{ID: "late"}).Encode()
	require.NoError(t, err)
	_ = serverConn.Write(context.Background(), websocket.MessageText, frame)

	select {
	case envelope := <-events.events:
		t.Fatalf("unexpected delivery after disconnect: %s", envelope.Event)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(1), server.accepted.Load())

	channel.Connect(context.Background())
	waitFor(t, events.connected)
	assert.Equal(t, int32(2), server.accepted.Load())
}

func TestReconnectReplacesExistingConnection(t *testing.T) {
	server := newSyncServer(t)
	events := newRecorder()
	channel := newTestChannel(t, server.URL, 0, events.handlers())

	channel.Connect(context.Background())
	waitFor(t, events.connected)
	first := server.nextConn(t)

	channel.Reconnect(context.Background())
	waitFor(t, events.connected)
	server.nextConn(t)

	frame, err := mustEnvelope(t, protocol.EventDeleted, protocol.DeletePayload{ID: "stale"}).Encode()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return first.Write(context.Background(), websocket.MessageText, frame) != nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateConnected, channel.State())
	assert.Equal(t, int32(2), server.accepted.Load())
}

func TestDisconnectWaitsForConnectedHandler(t *testing.T) {
	server := newSyncServer(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Bool
	channel := newTestChannel(t, server.URL, 0, Handlers{
		OnConnected: func(ctx context.Context) {
			started <- struct{}{}
			<-release
			finished.Store(true)
		},
	})

	channel.Connect(context.Background())
	waitFor(t, started)

	returned := make(chan struct{})
	go func() {
		channel.Disconnect()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("disconnect returned while the connected handler was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return after the handler finished")
	}
	assert.True(t, finished.Load())
	assert.Equal(t, StateDisconnected, channel.State())
}

func TestConnectDoesNothingWithCanceledContext(t *testing.T) {
	server := newSyncServer(t)
	channel := newTestChannel(t, server.URL, 0, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	channel.Connect(ctx)

	assert.Equal(t, StateDisconnected, channel.State())
}
