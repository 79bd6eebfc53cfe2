// Package server exposes the FormRelay HTTP API: job submission, job
// status, log queries and live log streaming over SSE.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"formrelay/internal/formrelay/auth"
	"formrelay/internal/formrelay/dataset"
	"formrelay/internal/formrelay/domain"
	"formrelay/internal/formrelay/feed"
	"formrelay/internal/formrelay/logstore"
	"formrelay/internal/formrelay/registry"
	"formrelay/internal/formrelay/runner"
	"formrelay/pkg/errors"
	"formrelay/pkg/logger"
	"formrelay/pkg/version"
)

const maxUploadBytes = 16 << 20

type Server struct {
	router   *gin.Engine
	registry *registry.Registry
	store    logstore.Store
	feed     *feed.Feed
	pool     *runner.Pool
	logger   *logger.Logger
}

func New(reg *registry.Registry, store logstore.Store, f *feed.Feed, pool *runner.Pool, authn *auth.Authenticator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.WithField("component", "server")
	}

	s := &Server{
		registry: reg,
		store:    store,
		feed:     f,
		pool:     pool,
		logger:   log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = maxUploadBytes

	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/v1", authn.Middleware())
	v1.POST("/jobs", s.handleCreateJob)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.GET("/jobs/:id/logs/stream", s.handleStreamJob)
	v1.GET("/logs", s.handleQueryLogs)
	v1.GET("/logs/stream", s.handleStreamAll)

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
}

// handleCreateJob accepts a multipart lead file upload plus campaign
// options, registers the job and hands it to the worker pool.
func (s *Server) handleCreateJob(c *gin.Context) {
	account := auth.Account(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.renderError(c, errors.NewValidationError("file", "a CSV lead file is required"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.renderError(c, errors.NewValidationError("file", "could not read upload"))
		return
	}
	defer file.Close()

	targets, err := dataset.Parse(file)
	if err != nil {
		s.renderError(c, err)
		return
	}

	params := domain.JobParams{
		DatasetName:    fileHeader.Filename,
		Targets:        targets,
		Proxy:          c.PostForm("proxy"),
		CampaignID:     c.PostForm("campaign_id"),
		HaltOnObstacle: c.PostForm("halt_on_obstacle") == "true",
	}
	if name := c.PostForm("name"); name != "" {
		params.DatasetName = name
	}

	job, err := s.registry.Create(account, params)
	if err != nil {
		s.renderError(c, err)
		return
	}

	if !s.pool.Enqueue(job, targets) {
		_, _ = s.feed.Transition(c.Request.Context(), job.ID, domain.StateFailed)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is at capacity, try again later"})
		return
	}

	s.logger.Info("job accepted", "jobId", job.ID, "account", account, "targets", len(targets))
	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "targets": len(targets)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.registry.Get(c.Param("id"), auth.Account(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobPayload(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.registry.List(auth.Account(c))
	payload := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		payload = append(payload, jobPayload(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": payload})
}

// handleQueryLogs serves paginated historical reads scoped to the
// caller's account.
func (s *Server) handleQueryLogs(c *gin.Context) {
	account := auth.Account(c)

	filter := logstore.Filter{
		Owner:      account,
		JobID:      c.Query("job_id"),
		CampaignID: c.Query("campaign_id"),
	}

	if raw := c.Query("level"); raw != "" {
		level, err := domain.ParseLevel(raw)
		if err != nil {
			s.renderError(c, errors.NewValidationError("level", "unknown level "+raw))
			return
		}
		filter.Level = level
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit", logstore.DefaultPageSize); err != nil {
		s.renderError(c, err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		s.renderError(c, err)
		return
	}

	// No existence check on job_id: the query path answers at any job
	// state, including before the job exists. The owner filter already
	// makes foreign and missing jobs indistinguishable empty pages.
	records, total, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, err)
		return
	}

	payload := make([]gin.H, 0, len(records))
	for _, rec := range records {
		payload = append(payload, recordPayload(rec))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  payload,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewValidationError(name, "must be a non-negative integer")
	}
	return v, nil
}

func jobPayload(job domain.Job) gin.H {
	return gin.H{
		"id":               job.ID,
		"state":            string(job.State),
		"dataset":          job.Params.DatasetName,
		"campaign_id":      job.Params.CampaignID,
		"halt_on_obstacle": job.Params.HaltOnObstacle,
		"targets":          len(job.Params.Targets),
		"created_at":       job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func recordPayload(rec domain.LogRecord) gin.H {
	return gin.H{
		"id":          rec.ID,
		"job_id":      rec.JobID,
		"campaign_id": rec.CampaignID,
		"timestamp":   rec.Timestamp.Format(time.RFC3339Nano),
		"level":       string(rec.Level),
		"message":     rec.Message,
	}
}

// renderError maps the error taxonomy onto HTTP statuses. Ownership
// failures on job paths render as 404 so job ids cannot be probed.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.IsUnauthorized(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.IsNotFound(err), errors.IsForbidden(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.IsInvalidState(err), errors.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
