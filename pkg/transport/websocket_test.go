package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/sbcp/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns a client-side WSConn and the server's end of the same socket
func pair(t *testing.T) (*WSConn, *WSConn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var server *websocket.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}

	client, serverConn := NewWSConn(ws), NewWSConn(server)
	t.Cleanup(func() {
		client.Close()
		serverConn.Close()
	})
	return client, serverConn
}

func TestWSConnMessageSplitAcrossFrames(t *testing.T) {
	client, server := pair(t)

	encoded, err := protocol.NewSend([]byte("hello over websocket")).Encode()
	require.NoError(t, err)

	// Header in one frame, the rest in another
	_, err = client.Write(encoded[:3])
	require.NoError(t, err)
	_, err = client.Write(encoded[3:])
	require.NoError(t, err)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := protocol.Decode(server)
	require.NoError(t, err)
	text, err := msg.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello over websocket", string(text))
}

func TestWSConnTwoMessagesInOneFrame(t *testing.T) {
	client, server := pair(t)

	first, err := protocol.NewJoin("alice").Encode()
	require.NoError(t, err)
	second, err := protocol.NewIdle("").Encode()
	require.NoError(t, err)

	_, err = client.Write(append(first, second...))
	require.NoError(t, err)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := protocol.Decode(server)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TypeJoin), msg.Type())

	msg, err = protocol.Decode(server)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TypeIdle), msg.Type())
}

func TestWSConnSkipsTextFrames(t *testing.T) {
	client, server := pair(t)

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("ignored")))
	_, err := client.Write([]byte{0x01, 0x02})
	require.NoError(t, err)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, buf)
}

func TestWSConnCloseIsEOF(t *testing.T) {
	client, server := pair(t)

	require.NoError(t, client.Close())

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.NotEmpty(t, server.RemoteAddr())
}
