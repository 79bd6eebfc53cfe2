// Package client is the Go client for the FormRelay API. It covers job
// submission, status reads, log queries and live log streaming, plus a
// reconciler that merges the stream and query paths into one complete,
// duplicate-free view of a job's logs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"formrelay/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// Job mirrors the API's job status payload.
type Job struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	Dataset        string    `json:"dataset"`
	CampaignID     string    `json:"campaign_id"`
	HaltOnObstacle bool      `json:"halt_on_obstacle"`
	Targets        int       `json:"targets"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Record mirrors the API's log record payload.
type Record struct {
	ID         uint64    `json:"id"`
	JobID      string    `json:"job_id"`
	CampaignID string    `json:"campaign_id"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
}

// SubmitRequest carries one job submission.
type SubmitRequest struct {
	DatasetName    string
	Dataset        io.Reader // CSV lead file
	Proxy          string
	CampaignID     string
	HaltOnObstacle bool
}

// LogQuery narrows a historical log read.
type LogQuery struct {
	JobID      string
	CampaignID string
	Level      string
	Limit      int
	Offset     int
}

// LogPage is one page of query results.
type LogPage struct {
	Items  []Record `json:"items"`
	Total  int64    `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Session is an authenticated connection to one FormRelay server. The
// token is passed explicitly at construction; a 401 response invalidates
// it, and the session refuses further requests until Reauthenticate
// provides a fresh one. Unauthorized requests are never retried.
type Session struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewSession(baseURL, token string) *Session {
	return &Session{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Reauthenticate replaces a credential the server rejected.
func (s *Session) Reauthenticate(token string) {
	s.token = token
}

func (s *Session) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if s.token == "" {
		return nil, errors.ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req, nil
}

func (s *Session) do(req *http.Request, out any) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := s.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkStatus maps HTTP statuses back onto the error taxonomy. On 401
// the cached token is discarded so no further request can reuse it.
func (s *Session) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		s.token = ""
		return errors.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return errors.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return errors.NewValidationError("", readError(resp.Body))
	case resp.StatusCode == http.StatusConflict:
		return errors.ErrInvalidState
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readError(resp.Body))
	}
}

func readError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil || payload.Error == "" {
		return "unknown error"
	}
	return payload.Error
}

// Submit uploads a lead file and returns the new job's id.
func (s *Session) Submit(ctx context.Context, sub SubmitRequest) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := sub.DatasetName
	if name == "" {
		name = "leads.csv"
	}
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, sub.Dataset); err != nil {
		return "", err
	}
	if sub.Proxy != "" {
		_ = w.WriteField("proxy", sub.Proxy)
	}
	if sub.CampaignID != "" {
		_ = w.WriteField("campaign_id", sub.CampaignID)
	}
	if sub.HaltOnObstacle {
		_ = w.WriteField("halt_on_obstacle", "true")
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/v1/jobs", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := s.do(req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// GetJob fetches one job's status.
func (s *Session) GetJob(ctx context.Context, jobID string) (Job, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := s.do(req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs fetches all jobs for the session's account, newest first.
func (s *Session) ListJobs(ctx context.Context) ([]Job, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/jobs", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := s.do(req, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// QueryLogs reads one page of historical records.
func (s *Session) QueryLogs(ctx context.Context, q LogQuery) (LogPage, error) {
	params := url.Values{}
	if q.JobID != "" {
		params.Set("job_id", q.JobID)
	}
	if q.CampaignID != "" {
		params.Set("campaign_id", q.CampaignID)
	}
	if q.Level != "" {
		params.Set("level", q.Level)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	path := "/v1/logs"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return LogPage{}, err
	}
	var page LogPage
	if err := s.do(req, &page); err != nil {
		return LogPage{}, err
	}
	return page, nil
}
