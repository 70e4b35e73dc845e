package websocket

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyroom/internal/protocol"
	"studyroom/internal/registry"
	"studyroom/internal/relay"
)

type fakeRelay struct {
	registerErr  error
	updates      chan protocol.UpdatePosition
	unregistered chan relay.Conn
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		updates:      make(chan protocol.UpdatePosition, 16),
		unregistered: make(chan relay.Conn, 1),
	}
}

func (f *fakeRelay) Register(conn relay.Conn) error { return f.registerErr }
func (f *fakeRelay) Unregister(conn relay.Conn)     { f.unregistered <- conn }

func (f *fakeRelay) Update(conn relay.Conn, msg protocol.UpdatePosition) {
	f.updates <- msg
	conn.Send([]byte("ack"))
}

// serve starts an HTTP server that hands every upgraded connection to a
// Client backed by r, and returns a dialed client-side connection.
func serve(t *testing.T, r Relay, opts Options) (*websocket.Conn, <-chan error) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			served <- err
			return
		}
		served <- NewClient(conn, netip.MustParseAddr("127.0.0.1"), r, opts).Serve()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, served
}

func TestClient_DropsBadFramesAndKeepsConnection(t *testing.T) {
	r := newFakeRelay()
	conn, _ := serve(t, r, Options{QueueDepth: 4, MaxMessageSize: 1024})

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"updatePosition","position":{"x":1,"y":1}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"updatePosition","email":"a@x.com","position":{"x":1,"y":2}}`)))

	select {
	case msg := <-r.updates:
		assert.Equal(t, protocol.UpdatePosition{ID: "a@x.com", Position: registry.Position{X: 1, Y: 2}}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	assert.Empty(t, r.updates)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ack", string(data))
}

func TestClient_UnregistersOnClose(t *testing.T) {
	r := newFakeRelay()
	conn, served := serve(t, r, Options{QueueDepth: 4})

	require.NoError(t, conn.Close())

	var c relay.Conn
	select {
	case c = <-r.unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unregister")
	}
	require.NoError(t, <-served)

	assert.NotEmpty(t, c.ID())
	assert.False(t, c.Send([]byte("late")), "closed client must refuse frames")
}

func TestClient_RegisterRejected(t *testing.T) {
	r := newFakeRelay()
	r.registerErr = errors.New("too many clients with IP")
	conn, served := serve(t, r, Options{QueueDepth: 4})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, r.registerErr, <-served)
}

func TestClient_SendDoesNotBlock(t *testing.T) {
	c := &Client{
		send:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	assert.True(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")), "full queue reports false")

	close(c.closed)
	<-c.send
	assert.False(t, c.Send([]byte("three")), "closed client reports false")
}
