package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pantrylab/cartsync/internal/events"
)

const (
	streamFrameSnapshot = "snapshot"
	streamWriteTimeout  = 10 * time.Second
	streamPingInterval  = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFrame is one websocket message: a full snapshot on connect, then an
// incremental upsert or delete diff per committed write.
type streamFrame struct {
	Type  string        `json:"type"`
	Items []itemPayload `json:"items,omitempty"`
	Item  *itemPayload  `json:"item,omitempty"`
}

// handleItemStream serves the live item feed for one list. The subscription
// is registered before the snapshot is read so no committed write can fall
// between the two; the client folds diffs over the snapshot by item id.
func (h *httpHandler) handleItemStream(c *gin.Context) {
	listID := c.Param("listID")

	ctx, cancelCtx := context.WithCancel(c.Request.Context())
	defer cancelCtx()

	stream, cancelSub := h.events.Subscribe(ctx, listID)
	defer cancelSub()

	snapshot, err := h.items.Snapshot(ctx, h.callerUID(c), listID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("list_id", listID), zap.Error(err))
		return
	}
	defer conn.Close()

	initial := streamFrame{Type: streamFrameSnapshot, Items: make([]itemPayload, 0, len(snapshot))}
	for _, item := range snapshot {
		initial.Items = append(initial.Items, toItemPayload(item))
	}
	if err := h.writeFrame(conn, initial); err != nil {
		return
	}

	// Reader goroutine exists only to observe the close handshake.
	go func() {
		defer cancelCtx()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			frame := toStreamFrame(event)
			if err := h.writeFrame(conn, frame); err != nil {
				return
			}
		case <-pings.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func toStreamFrame(event events.ItemEvent) streamFrame {
	payload := toItemPayload(event.Item)
	return streamFrame{Type: event.Type, Item: &payload}
}

func (h *httpHandler) writeFrame(conn *websocket.Conn, frame streamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
