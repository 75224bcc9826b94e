package api

import (
	"context"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/access"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type processEvent struct {
	ProcessID string                `json:"processId"`
	Deleted   bool                  `json:"deleted"`
	Process   *model.ManagedProcess `json:"process,omitempty"`
}

// visibleEvent converts a change for the principal, false when it may not see it.
// Deletions carry only the id and are always forwarded.
func visibleEvent(p access.Principal, change store.ProcessChange) (processEvent, bool) {
	event := processEvent{ProcessID: change.ProcessID, Deleted: change.Deleted}
	if change.Deleted {
		return event, true
	}
	if p.Resolve(change.Process.HostID, change.Process.ID) == access.None {
		return processEvent{}, false
	}
	process := change.Process.WithoutLogs()
	if !p.CanControl(process.HostID, process.ID) {
		process = process.WithoutControl()
	}
	event.Process = &process
	return event, true
}

// processFeed streams process changes to a websocket client until either side goes away
func (s *Server) processFeed(c *gin.Context) {
	if s.watcher == nil {
		abortWithError(c, errors.NewUnavailableError("store does not support change notifications", nil), 0)
		return
	}
	p := principal(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	changes, err := s.watcher.WatchProcesses(ctx, "")
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"), time.Now().Add(wsWriteTimeout))
		return
	}

	// the read loop only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return
			}
			event, visible := visibleEvent(p, change)
			if !visible {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(event); err != nil {
				s.logger.Debugf("Websocket write failed: %v", err)
				return
			}
		}
	}
}
