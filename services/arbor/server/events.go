// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/arbor/services/arbor/oplog"
)

const (
	// eventBuffer is how many undelivered events a stream may hold before
	// it is closed as a slow consumer.
	eventBuffer = 1024

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a websocket and streams an EventMessage for every operation
//	integrated after the connection opened, in integration order. The
//	stream is closed with a policy-violation frame if the client falls
//	more than eventBuffer events behind; the log itself is never slowed.
//
// Thread Safety: Each connection has one writer goroutine.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")

	events := make(chan EventMessage, eventBuffer)
	overflow := make(chan struct{})
	overflowed := false
	unsubscribe := h.backend.Subscribe(oplog.SubscriberFunc(func(_ context.Context, ev oplog.Event) {
		// Delivery is serialized by the log, so overflowed needs no lock.
		if overflowed {
			return
		}
		select {
		case events <- newEventMessage(ev):
		default:
			overflowed = true
			close(overflow)
		}
	}))
	defer unsubscribe()

	// Subscribed before the upgrade so that anything integrated after the
	// client sees the handshake complete is on the stream.
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger.Info("event stream opened", slog.String("remote", c.ClientIP()))

	closed := make(chan struct{})
	go readPump(ws, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				logger.Info("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-overflow:
			logger.Warn("event stream closed: slow consumer")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			logger.Info("event stream closed by client")
			return
		case <-h.stop:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readPump discards client frames, answers pongs and signals closure.
func readPump(ws *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
