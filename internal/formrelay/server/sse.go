package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"formrelay/internal/formrelay/auth"
	"formrelay/internal/formrelay/domain"
	"formrelay/pkg/errors"
)

// sseSink writes feed output as server-sent events. Every event is
// flushed immediately so consumers see records as they happen.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseSink{w: w, flusher: flusher}, true
}

func (s *sseSink) SendRecord(rec domain.LogRecord) error {
	return s.send("log", recordPayload(rec))
}

func (s *sseSink) SendState(state domain.JobState) error {
	return s.send("state", gin.H{"state": string(state)})
}

// SendHeartbeat emits a named event with an empty data field. A bare
// comment frame would be invisible to EventSource consumers.
func (s *sseSink) SendHeartbeat() error {
	if _, err := fmt.Fprint(s.w, "event: heartbeat\ndata:\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleStreamJob streams one job's records over SSE: replay after
// after_id, then live until the job reaches a terminal state or the
// client disconnects.
func (s *Server) handleStreamJob(c *gin.Context) {
	jobID := c.Param("id")

	// Ownership first, before any SSE headers go out.
	if _, err := s.registry.Get(jobID, auth.Account(c)); err != nil {
		s.renderError(c, err)
		return
	}

	afterID, err := afterIDQuery(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	sink, ok := newSSESink(c.Writer)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	err = s.feed.Stream(c.Request.Context(), jobID, afterID, sink)
	switch {
	case err == nil:
	case errors.IsSubscriberDropped(err):
		// Tell the client to resync from its highest seen id.
		_ = sink.send("error", gin.H{"error": "stream fell behind, reconnect with after_id"})
	default:
		s.logger.Warn("stream ended with error", "jobId", jobID, "error", err)
	}
}

// handleStreamAll streams live records for every job the caller owns.
// Record ids are scoped per job, so after_id is meaningless here and
// rejected; history is served by the query endpoint.
func (s *Server) handleStreamAll(c *gin.Context) {
	if c.Query("after_id") != "" {
		s.renderError(c, errors.NewValidationError("after_id", "not supported on the all-jobs stream"))
		return
	}

	sink, ok := newSSESink(c.Writer)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	account := auth.Account(c)
	err := s.feed.StreamAll(c.Request.Context(), account, sink)
	switch {
	case err == nil:
	case errors.IsSubscriberDropped(err):
		_ = sink.send("error", gin.H{"error": "stream fell behind, reconnect"})
	default:
		s.logger.Warn("account stream ended with error", "account", account, "error", err)
	}
}

func afterIDQuery(c *gin.Context) (uint64, error) {
	raw := c.Query("after_id")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.NewValidationError("after_id", "must be a non-negative integer")
	}
	return v, nil
}
