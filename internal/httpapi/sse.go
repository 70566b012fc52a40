package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/realtime"
)

// handleEvents streams a session's realtime events as server-sent events.
// It is the read-only alternative to the websocket transport: the stream
// joins the session's subscriber group without changing its status.
func (a *api) handleEvents(c *gin.Context) {
	rec, ok := a.lookup(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sub := realtime.NewSubscriber(realtime.DefaultBuffer)
	a.opts.Hub.Join(rec.ID, sub)
	defer a.opts.Hub.Leave(rec.ID, sub)

	writeSSE(c.Writer, realtime.EventSessionJoined, map[string]any{
		"session_id": rec.ID,
		"status":     rec.Status,
	})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(a.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev := <-sub.C():
			writeSSE(c.Writer, ev.Name, ev.Data)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
