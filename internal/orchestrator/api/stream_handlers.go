package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/network"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"browser-task-orchestrator/internal/broadcast"
	"browser-task-orchestrator/internal/orchestrator"
)

type StreamHandler struct {
	Orchestrator *orchestrator.Orchestrator
	Broadcaster  *broadcast.Broadcaster
}

func NewStreamHandler(o *orchestrator.Orchestrator, b *broadcast.Broadcaster) *StreamHandler {
	return &StreamHandler{Orchestrator: o, Broadcaster: b}
}

// StreamTaskEvents serves the task's live event feed over SSE. The optional
// from query parameter replays buffered events with a higher sequence before
// live delivery, so a reconnecting client resumes without gaps.
func (h *StreamHandler) StreamTaskEvents(ctx context.Context, c *app.RequestContext) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	taskID := c.Param("id")
	if _, err := h.Orchestrator.GetTask(ctx, owner, taskID); err != nil {
		writeError(c, err)
		return
	}

	var fromSeq uint64
	if raw := c.Query("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid from parameter: " + err.Error()})
			return
		}
		fromSeq = parsed
	}

	sub := h.Broadcaster.Subscribe(taskID, fromSeq)
	defer sub.Close()

	c.SetStatusCode(http.StatusOK)
	c.Response.Header.Set("Content-Type", "text/event-stream")
	c.Response.Header.Set("Cache-Control", "no-cache")
	c.Response.Header.Set("Connection", "keep-alive")
	writer := resp.NewChunkedBodyWriter(&c.Response, c.GetWriter())
	c.Response.HijackWriter(writer)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Stream released after a terminal status or the
				// subscriber fell too far behind.
				return
			}
			if err := writeSSEEvent(writer, ev); err != nil {
				log.Printf("Task %s: SSE write failed, dropping subscriber: %v", taskID, err)
				return
			}
		}
	}
}

func writeSSEEvent(writer network.ExtWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	if _, err := writer.Write([]byte(frame)); err != nil {
		return err
	}
	return writer.Flush()
}
