package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
)

// StreamBalance streams balance updates for one user over SSE. The
// first event is the current snapshot; subsequent events follow
// committed mutations. Stale events are re-emissions while the store
// connection recovers.
func (s *Server) StreamBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	balanceWatch, err := s.watcher.Watch(c.Request.Context(), userID, s.roleOf(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer balanceWatch.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-balanceWatch.Updates():
			if !ok {
				return
			}
			if err := writeBalanceEvent(writer, update); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeBalanceEvent(w io.Writer, update creditdomain.BalanceUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: balance\ndata: %s\n\n", data)
	return err
}
