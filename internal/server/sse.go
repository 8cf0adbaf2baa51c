package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
)

// sseBuffer bounds the per-connection delivery queue; slow browsers drop
// events rather than backing up publishers.
const sseBuffer = 64

// handleEvents bridges the in-process event stream to one SSE connection.
// Each envelope is forwarded verbatim under its routing key as the SSE event
// name. The subscription is torn down when the client disconnects.
func handleEvents(bridge *pubsub.MemoryBroker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Tests run without a bridge; connected-then-close is enough.
		if bridge == nil {
			return
		}

		deliveries, cancel := bridge.Subscribe(sseBuffer)
		defer cancel()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(15 * time.Second)
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
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				writeRawSSE(c.Writer, d.Key, d.Body)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	writeRawSSE(w, event, jsonData)
}

// writeRawSSE writes pre-encoded JSON as one SSE event.
func writeRawSSE(w io.Writer, event string, body []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(body))
}
