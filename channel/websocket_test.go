package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/concierge-core/core"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestGatewayRoundTrip(t *testing.T) {
	events := make(chan *core.Event, 1)
	var gw *Gateway
	gw = NewGateway(EnqueueFunc(func(key string, ev *core.Event) {
		events <- ev
		// Echo a reply straight back, standing in for the pipeline.
		err := gw.Send(context.Background(), &core.OutboundReply{
			ConversationKey: key,
			Text:            "ack: " + ev.Inbound.Text,
		})
		assert.NoError(t, err)
	}), nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()
	ws := dial(t, srv)

	require.NoError(t, ws.WriteJSON(map[string]string{
		"client_id": "alice",
		"text":      "remind me tomorrow",
	}))

	select {
	case ev := <-events:
		assert.Equal(t, core.EventMessage, ev.Kind)
		assert.Equal(t, "alice", ev.Inbound.ClientID)
		assert.Equal(t, "websocket", ev.Inbound.Channel)
		assert.Equal(t, "alice/websocket", ev.Inbound.ConversationKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no event enqueued")
	}

	var reply core.OutboundReply
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "ack: remind me tomorrow", reply.Text)
}

func TestGatewayDropsMalformedFrames(t *testing.T) {
	events := make(chan *core.Event, 2)
	gw := NewGateway(EnqueueFunc(func(key string, ev *core.Event) { events <- ev }), nil)

	srv := httptest.NewServer(gw)
	defer srv.Close()
	ws := dial(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(map[string]string{"text": "missing client"}))
	require.NoError(t, ws.WriteJSON(map[string]string{"client_id": "alice", "text": "valid"}))

	select {
	case ev := <-events:
		assert.Equal(t, "valid", ev.Inbound.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame was not enqueued")
	}
	assert.Empty(t, events)
}

func TestSendWithoutConnectionFails(t *testing.T) {
	gw := NewGateway(EnqueueFunc(func(string, *core.Event) {}), nil)
	err := gw.Send(context.Background(), &core.OutboundReply{ConversationKey: "ghost/websocket", Text: "hello?"})
	require.Error(t, err)
}
