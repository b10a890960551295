// Package channel adapts external transports to the orchestration
// core's event model. The websocket gateway is the reference adapter:
// one long-lived connection per conversation carrying JSON frames in
// both directions.
//
// Inbound frames become core.InboundEvent values enqueued on the
// session manager; the gateway itself satisfies core.Sender so
// composed replies and reminder fires flow back over the same
// connection.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voyantlabs/concierge-core/core"
)

// Enqueuer places inbound events on per-conversation queues. The
// session manager satisfies it via a small adapter.
type Enqueuer interface {
	Enqueue(conversationKey string, ev *core.Event)
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(conversationKey string, ev *core.Event)

// Enqueue implements Enqueuer.
func (f EnqueueFunc) Enqueue(conversationKey string, ev *core.Event) { f(conversationKey, ev) }

// inboundFrame is the wire format of a client message.
type inboundFrame struct {
	ClientID string `json:"client_id"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
}

// Gateway is the websocket channel adapter.
type Gateway struct {
	enqueue  Enqueuer
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	ws *websocket.Conn
	// writes to a gorilla connection must be serialized
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewGateway creates a gateway that feeds inbound frames to enqueue.
func NewGateway(enqueue Enqueuer, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		enqueue: enqueue,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// ServeHTTP upgrades the request and pumps frames until the client
// disconnects. The conversation key is client_id/channel, so a
// reconnecting client lands back in the same conversation.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	g.readLoop(ws)
}

func (g *Gateway) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	var key string
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read failed", zap.String("conversation_key", key), zap.Error(err))
			}
			break
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		if frame.ClientID == "" || frame.Text == "" {
			g.logger.Warn("frame missing client_id or text, dropped")
			continue
		}
		if frame.Channel == "" {
			frame.Channel = "websocket"
		}

		frameKey := Key(frame.ClientID, frame.Channel)
		if key == "" {
			key = frameKey
			g.register(key, ws)
		}

		g.enqueue.Enqueue(frameKey, &core.Event{
			Kind: core.EventMessage,
			Inbound: &core.InboundEvent{
				ConversationKey: frameKey,
				ClientID:        frame.ClientID,
				Channel:         frame.Channel,
				Text:            frame.Text,
				ReceivedAt:      time.Now(),
			},
		})
	}
	if key != "" {
		g.unregister(key, ws)
	}
}

func (g *Gateway) register(key string, ws *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[key] = &conn{ws: ws}
}

func (g *Gateway) unregister(key string, ws *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[key]; ok && c.ws == ws {
		delete(g.conns, key)
	}
}

// Send implements core.Sender: replies go to the conversation's live
// connection. A missing connection is a delivery failure; for reminder
// fires that feeds the attempt count instead of losing the fire.
func (g *Gateway) Send(ctx context.Context, reply *core.OutboundReply) error {
	g.mu.RLock()
	c, ok := g.conns[reply.ConversationKey]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active connection for %s", reply.ConversationKey)
	}
	if err := c.writeJSON(reply); err != nil {
		return fmt.Errorf("write to %s: %w", reply.ConversationKey, err)
	}
	return nil
}

// Key builds the conversation key for a client on a channel.
func Key(clientID, channel string) string {
	return clientID + "/" + channel
}
