package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// EventKind discriminates stream events.
type EventKind string

const (
	EventRecord EventKind = "log"
	EventState  EventKind = "state"
	EventError  EventKind = "error"
)

// StreamEvent is one event from a live log stream.
type StreamEvent struct {
	Kind   EventKind
	Record Record // set for EventRecord
	State  string // set for EventState
	Err    string // set for EventError
}

// Stream is an open SSE connection. Next blocks until the server sends
// the next event; a nil error with no more events is signalled by io.EOF
// when the server closes the stream (terminal job state).
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// StreamLogs opens a live stream for one job, replaying records with id
// greater than afterID first. Streams do not time out; the caller's
// context bounds the connection lifetime.
func (s *Session) StreamLogs(ctx context.Context, jobID string, afterID uint64) (*Stream, error) {
	path := "/v1/jobs/" + url.PathEscape(jobID) + "/logs/stream"
	if afterID > 0 {
		path += "?after_id=" + strconv.FormatUint(afterID, 10)
	}
	return s.openStream(ctx, path)
}

// StreamAllLogs opens the live-only stream covering every job on the
// session's account.
func (s *Session) StreamAllLogs(ctx context.Context) (*Stream, error) {
	return s.openStream(ctx, "/v1/logs/stream")
}

func (s *Session) openStream(ctx context.Context, path string) (*Stream, error) {
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The session's default client enforces a request timeout, which
	// would sever long-lived streams.
	streamClient := &http.Client{Transport: s.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event. Heartbeat events are consumed internally
// and never surface. Returns io.EOF when the server closes the stream.
func (st *Stream) Next() (StreamEvent, error) {
	var event string
	for st.scanner.Scan() {
		line := st.scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// comment frame
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if event == "heartbeat" {
				event = ""
				continue
			}
			ev, err := parseEvent(event, data)
			if err != nil {
				return StreamEvent{}, err
			}
			return ev, nil
		}
	}
	if err := st.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

func (st *Stream) Close() error {
	return st.body.Close()
}

func parseEvent(event, data string) (StreamEvent, error) {
	switch EventKind(event) {
	case EventRecord:
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: EventRecord, Record: rec}, nil
	case EventState:
		var payload struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: EventState, State: payload.State}, nil
	default:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		return StreamEvent{Kind: EventError, Err: payload.Error}, nil
	}
}

// terminalStates mirrors the server's job lifecycle.
var terminalStates = map[string]bool{
	"COMPLETED": true,
	"FAILED":    true,
	"HALTED":    true,
}

// IsTerminalState reports whether a state string ends the job lifecycle.
func IsTerminalState(state string) bool {
	return terminalStates[state]
}
