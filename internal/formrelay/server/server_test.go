package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/internal/formrelay/auth"
	"formrelay/internal/formrelay/broadcast"
	"formrelay/internal/formrelay/domain"
	"formrelay/internal/formrelay/feed"
	"formrelay/internal/formrelay/logstore"
	"formrelay/internal/formrelay/registry"
	"formrelay/internal/formrelay/runner"
)

// gateSubmitter blocks each submission until the test releases it, so
// tests can observe jobs mid-flight.
type gateSubmitter struct {
	gate chan struct{}
}

func (s *gateSubmitter) Submit(_ context.Context, _ string, _ domain.JobParams) error {
	if s.gate != nil {
		<-s.gate
	}
	return nil
}

type fixture struct {
	srv  *httptest.Server
	reg  *registry.Registry
	feed *feed.Feed
	pool *runner.Pool
}

func newFixture(t *testing.T, sub runner.Submitter) fixture {
	t.Helper()

	store := logstore.NewMemoryStore(nil)
	reg := registry.New(time.Hour, store, nil)
	b := broadcast.New()
	f := feed.New(reg, store, b, 50*time.Millisecond, nil)
	pool := runner.NewPool(2, f, sub, nil)
	pool.Start()

	authn := auth.New(map[string]string{
		"tok-acme":   "acme",
		"tok-globex": "globex",
	}, nil)

	s := New(reg, store, f, pool, authn, nil)
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		pool.Shutdown()
		_ = reg.Close()
		_ = b.Close()
		_ = store.Close()
	})
	return fixture{srv: srv, reg: reg, feed: f, pool: pool}
}

func (fx fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, fx.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := fx.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func multipartUpload(t *testing.T, csv string, fields map[string]string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csv))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (fx fixture) submitJob(t *testing.T, token, csv string, fields map[string]string) string {
	t.Helper()

	body, contentType := multipartUpload(t, csv, fields)
	resp := fx.do(t, http.MethodPost, "/v1/jobs", token, body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode(t, resp)
	jobID, _ := out["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

func (fx fixture) waitForState(t *testing.T, jobID string, want domain.JobState) {
	t.Helper()

	require.Eventually(t, func() bool {
		job, err := fx.reg.Get(jobID, registry.System)
		return err == nil && job.State == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	resp := fx.do(t, http.MethodGet, "/healthz", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRejectsMissingToken(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	resp := fx.do(t, http.MethodGet, "/v1/jobs", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitAndQueryLifecycle(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\nhttps://b.test\n", map[string]string{
		"campaign_id": "camp-1",
	})
	fx.waitForState(t, jobID, domain.StateCompleted)

	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID, "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode(t, resp)
	assert.Equal(t, "COMPLETED", job["state"])
	assert.Equal(t, "camp-1", job["campaign_id"])
	assert.Equal(t, float64(2), job["targets"])

	resp = fx.do(t, http.MethodGet, "/v1/logs?job_id="+jobID, "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode(t, resp)
	// start line, two submissions, finish line
	assert.Equal(t, float64(4), logs["total"])
	items := logs["items"].([]any)
	require.Len(t, items, 4)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(1), first["id"])
	assert.Equal(t, jobID, first["job_id"])
	assert.NotEmpty(t, first["timestamp"])
	assert.Contains(t, first["message"], "job started")
}

func TestSubmitRejectsBadUploads(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	t.Run("missing file", func(t *testing.T) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("campaign_id", "camp-1"))
		require.NoError(t, w.Close())

		resp := fx.do(t, http.MethodPost, "/v1/jobs", "tok-acme", &buf, w.FormDataContentType())
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no target column", func(t *testing.T) {
		body, contentType := multipartUpload(t, "name,email\nAcme,a@acme.test\n", nil)
		resp := fx.do(t, http.MethodPost, "/v1/jobs", "tok-acme", body, contentType)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestJobVisibilityIsScopedToAccount(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\n", nil)

	// Another account sees 404, indistinguishable from a missing job.
	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID, "tok-globex", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2 := fx.do(t, http.MethodGet, "/v1/jobs/does-not-exist", "tok-acme", nil, "")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// The query path never 404s: a foreign job_id is just an empty page,
	// indistinguishable from a job that does not exist.
	resp3 := fx.do(t, http.MethodGet, "/v1/logs?job_id="+jobID, "tok-globex", nil, "")
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	logs := decode(t, resp3)
	assert.Equal(t, float64(0), logs["total"])
	assert.Empty(t, logs["items"])
}

func TestQueryLogsBeforeJobExistsIsEmpty(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	resp := fx.do(t, http.MethodGet, "/v1/logs?job_id=not-created-yet", "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode(t, resp)
	assert.Equal(t, float64(0), logs["total"])
	assert.Empty(t, logs["items"])
}

func TestQueryLogsValidation(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	for _, path := range []string{
		"/v1/logs?level=BOGUS",
		"/v1/logs?limit=-1",
		"/v1/logs?offset=abc",
	} {
		resp := fx.do(t, http.MethodGet, path, "tok-acme", nil, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestListJobs(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	fx.submitJob(t, "tok-acme", "website\nhttps://a.test\n", nil)
	fx.submitJob(t, "tok-acme", "website\nhttps://b.test\n", nil)
	fx.submitJob(t, "tok-globex", "website\nhttps://c.test\n", nil)

	resp := fx.do(t, http.MethodGet, "/v1/jobs", "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Len(t, out["jobs"], 2)
}

type sseEvent struct {
	name string
	data map[string]any
}

// readSSE collects events until the server closes the stream.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestStreamDeliversReplayThenLiveThenCloses(t *testing.T) {
	gate := make(chan struct{})
	fx := newFixture(t, &gateSubmitter{gate: gate})

	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\nhttps://b.test\n", nil)

	// Let the first submission through so some history exists.
	gate <- struct{}{}

	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/logs/stream?after_id=0", "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// Unblock the remaining submission; the job completes and the server
	// closes the stream.
	go func() { gate <- struct{}{} }()

	events := readSSE(t, resp.Body)
	resp.Body.Close()

	var ids []float64
	var finalState string
	for _, ev := range events {
		switch ev.name {
		case "log":
			ids = append(ids, ev.data["id"].(float64))
		case "state":
			finalState = ev.data["state"].(string)
		}
	}

	// start line, two submissions, finish line, delivered exactly once in
	// id order.
	assert.Equal(t, []float64{1, 2, 3, 4}, ids)
	assert.Equal(t, "COMPLETED", finalState)
}

func TestStreamEmitsHeartbeatEvents(t *testing.T) {
	gate := make(chan struct{})
	fx := newFixture(t, &gateSubmitter{gate: gate})
	t.Cleanup(func() { close(gate) })

	// The job blocks on its first submission, so the stream goes quiet
	// after the start line and only heartbeats arrive.
	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\n", nil)
	fx.waitForState(t, jobID, domain.StateRunning)

	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/logs/stream", "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	sawHeartbeat := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: heartbeat" {
			sawHeartbeat = true
			break
		}
	}
	assert.True(t, sawHeartbeat, "quiet stream must carry heartbeat events")
}

func TestStreamAfterIDSkipsReplayedRecords(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\nhttps://b.test\n", nil)
	fx.waitForState(t, jobID, domain.StateCompleted)

	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/logs/stream?after_id=2", "tok-acme", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp.Body)
	resp.Body.Close()

	var ids []float64
	for _, ev := range events {
		if ev.name == "log" {
			ids = append(ids, ev.data["id"].(float64))
		}
	}
	assert.Equal(t, []float64{3, 4}, ids)
}

func TestStreamRejectsForeignAndUnknownJobs(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	jobID := fx.submitJob(t, "tok-acme", "website\nhttps://a.test\n", nil)

	resp := fx.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/logs/stream", "tok-globex", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2 := fx.do(t, http.MethodGet, "/v1/jobs/nope/logs/stream", "tok-acme", nil, "")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAllJobsStreamRejectsAfterID(t *testing.T) {
	fx := newFixture(t, &gateSubmitter{})

	resp := fx.do(t, http.MethodGet, "/v1/logs/stream?after_id=5", "tok-acme", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
