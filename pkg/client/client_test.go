package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/pkg/errors"
)

func TestSession_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "camp-1", r.FormValue("campaign_id"))
		assert.Equal(t, "true", r.FormValue("halt_on_obstacle"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "leads.csv", header.Filename)
		content, _ := io.ReadAll(file)
		assert.Contains(t, string(content), "website")

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"job_id":"job-1","targets":1}`)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "tok-abc")
	jobID, err := s.Submit(context.Background(), SubmitRequest{
		Dataset:        strings.NewReader("website\nhttps://a.test\n"),
		CampaignID:     "camp-1",
		HaltOnObstacle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}

func TestSession_GetJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/job-1", r.URL.Path)
		fmt.Fprint(w, `{"id":"job-1","state":"RUNNING","targets":3}`)
	}))
	defer srv.Close()

	job, err := NewSession(srv.URL, "tok").GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", job.State)
	assert.Equal(t, 3, job.Targets)
}

func TestSession_QueryLogsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "job-1", q.Get("job_id"))
		assert.Equal(t, "ERROR", q.Get("level"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.Equal(t, "50", q.Get("offset"))
		fmt.Fprint(w, `{"items":[{"id":7,"job_id":"job-1","level":"ERROR","message":"boom"}],"total":1}`)
	}))
	defer srv.Close()

	page, err := NewSession(srv.URL, "tok").QueryLogs(context.Background(), LogQuery{
		JobID: "job-1", Level: "ERROR", Limit: 25, Offset: 50,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, uint64(7), page.Items[0].ID)
	assert.Equal(t, int64(1), page.Total)
}

func TestSession_UnauthorizedDiscardsCredential(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid token"}`)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "tok-revoked")
	ctx := context.Background()

	_, err := s.GetJob(ctx, "job-1")
	assert.True(t, errors.IsUnauthorized(err))
	assert.Equal(t, int32(1), hits.Load())

	// The discarded credential must never be sent again.
	_, err = s.GetJob(ctx, "job-1")
	assert.True(t, errors.IsUnauthorized(err))
	assert.Equal(t, int32(1), hits.Load(), "no request may reuse a rejected token")

	s.Reauthenticate("tok-fresh")
	_, _ = s.GetJob(ctx, "job-1")
	assert.Equal(t, int32(2), hits.Load())
}

func TestSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, errors.IsNotFound},
		{http.StatusBadRequest, errors.IsValidation},
		{http.StatusConflict, errors.IsInvalidState},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			_, err := NewSession(srv.URL, "tok").GetJob(context.Background(), "job-1")
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestStream_Next(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("after_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: heartbeat\ndata:\n\n")
		fmt.Fprint(w, "event: log\ndata: {\"id\":4,\"job_id\":\"job-1\",\"level\":\"INFO\",\"message\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata:\n\n")
		fmt.Fprint(w, "event: state\ndata: {\"state\":\"COMPLETED\"}\n\n")
	}))
	defer srv.Close()

	stream, err := NewSession(srv.URL, "tok").StreamLogs(context.Background(), "job-1", 3)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventRecord, ev.Kind)
	assert.Equal(t, uint64(4), ev.Record.ID)
	assert.Equal(t, "hi", ev.Record.Message)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventState, ev.Kind)
	assert.Equal(t, "COMPLETED", ev.State)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStream_LongLivedConnectionSurvivesDefaultTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "event: state\ndata: {\"state\":\"COMPLETED\"}\n\n")
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "tok")
	s.http.Timeout = 10 * time.Millisecond // would kill the stream if applied

	stream, err := s.StreamLogs(context.Background(), "job-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventState, ev.Kind)
}
