package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/api/middleware"
	"github.com/campaignforge/core/internal/events"
	"github.com/campaignforge/core/internal/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSubscribe upgrades the connection and joins the requested campaign
// room, re-verifying membership exactly as a REST call would. Subscription
// is never trusted off the JWT alone.
func (h *Handlers) HandleSubscribe(c *gin.Context) {
	userID := middleware.GetUserID(c.Request.Context())
	campaignID := c.Param("campaignId")

	sub, err := h.svc.Subscribe(c.Request.Context(), campaignID, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go h.handleClientControlMessages(c.Request.Context(), conn, campaignID, userID, sub)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// controlMessage is the inbound frame a client sends to narrow or widen
// its feed after the initial campaign-room subscribe: subscribe(room) /
// unsubscribe(room) for a settlement or structure room.
type controlMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Room   string `json:"room"`   // "settlement:<id>" or "structure:<id>"
}

// handleClientControlMessages services the read side of the connection:
// it keeps gorilla/websocket's control-frame handling alive, detects
// client disconnects, and applies subscribe/unsubscribe requests for
// settlement and structure rooms scoped under campaignID.
func (h *Handlers) handleClientControlMessages(ctx context.Context, conn *websocket.Conn, campaignID, userID string, sub *events.Subscriber) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		settlementID, isSettlement := roomTarget(msg.Room, "settlement:")
		structureID, isStructure := roomTarget(msg.Room, "structure:")

		var joinErr error
		switch {
		case msg.Action == "subscribe" && isSettlement:
			joinErr = h.svc.JoinSettlementRoom(ctx, campaignID, userID, settlementID, sub)
		case msg.Action == "subscribe" && isStructure:
			joinErr = h.svc.JoinStructureRoom(ctx, campaignID, userID, structureID, sub)
		case msg.Action == "unsubscribe" && isSettlement:
			h.svc.LeaveSettlementRoom(sub, settlementID)
		case msg.Action == "unsubscribe" && isStructure:
			h.svc.LeaveStructureRoom(sub, structureID)
		}
		if joinErr != nil {
			logger.Warn("websocket room join rejected", zap.String("room", msg.Room), zap.Error(joinErr))
		}
	}
}

func roomTarget(room, prefix string) (string, bool) {
	if len(room) <= len(prefix) || room[:len(prefix)] != prefix {
		return "", false
	}
	return room[len(prefix):], true
}
