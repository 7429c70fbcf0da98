package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/middleware"
	"github.com/jrjohn/harbor-go/pkg/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamMessage is one frame sent to a watch client. Data holds the change
// event as relaxed Extended JSON.
type StreamMessage struct {
	Event string          `json:"event"`
	Model string          `json:"model"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API is token protected, not origin protected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// watch streams the model's change events over a websocket until the client
// goes away or the stream ends.
func (h *Handler) watch(c *gin.Context) {
	m, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, err := m.Watch(ctx, nil, store.WatchOptions{FullDocument: "updateLookup"})
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	defer stream.Close(context.Background())

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("model", m.Name()), zap.Error(err))
		return
	}
	defer ws.Close()

	h.logger.Debug("watch client connected", zap.String("model", m.Name()), zap.String("subject", Subject(c)))

	// The read loop only notices the peer closing; clients send nothing.
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan bson.M)
	go func() {
		defer close(events)
		for stream.Next(ctx) {
			select {
			case events <- stream.Current():
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := send(ws, StreamMessage{Event: "subscribed", Model: m.Name()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				msg := StreamMessage{Event: "closed", Model: m.Name()}
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					msg.Error = err.Error()
				}
				_ = send(ws, msg)
				return
			}
			data, err := bson.MarshalExtJSON(ev, false, false)
			if err != nil {
				h.logger.Warn("encode change event", zap.Error(err))
				continue
			}
			if err := send(ws, StreamMessage{Event: "change", Model: m.Name(), Data: data}); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func send(ws *websocket.Conn, msg StreamMessage) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}
