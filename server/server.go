// server/server.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package server is chatbk's HTTP interface: the job API, a push entry
// point for workers, the read-only block gateway and metrics.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"

	jujuerrors "github.com/juju/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mmp/chatbk/coordinator"
	"github.com/mmp/chatbk/jobs"
	"github.com/mmp/chatbk/metrics"
	"github.com/mmp/chatbk/storage"
	u "github.com/mmp/chatbk/util"
)

// JobService is the part of jobs.Handler that the API exposes.
type JobService interface {
	CreateJob(ctx context.Context, user string, params jobs.Params) (jobs.Job, error)
	QueueJob(ctx context.Context, req jobs.Request) (jobs.Job, error)
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, user string) ([]jobs.Job, error)
	DeleteDialog(ctx context.Context, id, dialog string) (jobs.Job, error)
}

// Executor runs a job request to completion.
type Executor interface {
	Execute(ctx context.Context, req jobs.Request) error
}

// Points reads a user's reward balance.
type Points interface {
	Points(ctx context.Context, user string) (float64, error)
}

type Options struct {
	Jobs JobService
	// Points serves GET /users/:user/points; nil leaves it out.
	Points Points
	// Executor serves POST /jobs/execute; nil leaves it out.
	Executor Executor
	// Gateway is served under /blocks and /metadata; nil leaves them out.
	Gateway     storage.Backend
	MetricsPath string
	Log         *u.Logger
}

type Server struct {
	e    *echo.Echo
	opts Options
	log  *u.Logger
}

func New(opts Options) *Server {
	s := &Server{e: echo.New(), opts: opts, log: opts.Log}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestID())

	s.e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	if opts.Jobs != nil {
		s.e.POST("/jobs", s.createJob)
		s.e.GET("/jobs/:id", s.getJob)
		s.e.POST("/jobs/:id/queue", s.queueJob)
		s.e.DELETE("/jobs/:id/dialogs/:dialog", s.deleteDialog)
		s.e.GET("/users/:user/jobs", s.listJobs)
	}
	if opts.Points != nil {
		s.e.GET("/users/:user/points", s.userPoints)
	}
	if opts.Executor != nil {
		s.e.POST("/jobs/execute", s.execute)
	}
	if opts.Gateway != nil {
		s.e.GET("/blocks", s.listBlocks)
		s.e.GET("/blocks/:hash", s.getBlock)
		s.e.HEAD("/blocks/:hash", s.getBlock)
		s.e.GET("/metadata", s.listMetadata)
		s.e.GET("/metadata/:name", s.getMetadata)
	}
	if opts.MetricsPath != "" {
		s.e.GET(opts.MetricsPath, echo.WrapHandler(metrics.Handler()))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Print("listening on %s", addr)
	if err := s.e.Start(addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// status maps errors from the job layer to HTTP status codes.
func status(err error) int {
	switch {
	case jujuerrors.Is(err, jujuerrors.NotFound):
		return http.StatusNotFound
	case jujuerrors.Is(err, jujuerrors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrHashNotFound), errors.Is(err, storage.ErrMetadataNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	} else {
		code = status(err)
	}
	if code >= 500 {
		s.log.Error("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": msg})
	}
	if err != nil {
		s.log.Warning("writing error response: %v", err)
	}
}

type createRequest struct {
	User string `json:"user"`
	jobs.Params
}

func (s *Server) createJob(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	job, err := s.opts.Jobs.CreateJob(c.Request().Context(), req.User, req.Params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.opts.Jobs.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) queueJob(c echo.Context) error {
	job, err := s.opts.Jobs.QueueJob(c.Request().Context(), jobs.Request{JobID: c.Param("id")})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) listJobs(c echo.Context) error {
	js, err := s.opts.Jobs.ListJobs(c.Request().Context(), c.Param("user"))
	if err != nil {
		return err
	}
	if js == nil {
		js = []jobs.Job{}
	}
	return c.JSON(http.StatusOK, js)
}

func (s *Server) userPoints(c echo.Context) error {
	user := c.Param("user")
	p, err := s.opts.Points.Points(c.Request().Context(), user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": user, "points": p})
}

func (s *Server) deleteDialog(c echo.Context) error {
	job, err := s.opts.Jobs.DeleteDialog(c.Request().Context(), c.Param("id"), c.Param("dialog"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// execute runs a pushed request before responding, so that the pusher
// retries it if this worker is shutting down.
func (s *Server) execute(c echo.Context) error {
	var req jobs.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.JobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing job_id")
	}
	// A job keeps running if the pusher gives up waiting.
	ctx := context.WithoutCancel(c.Request().Context())
	if err := s.opts.Executor.Execute(ctx, req); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// refresher is implemented by backends that can pick up blocks written by
// other processes since they were opened.
type refresher interface {
	Refresh(ctx context.Context) error
}

func (s *Server) listBlocks(c echo.Context) error {
	if r, ok := s.opts.Gateway.(refresher); ok {
		if err := r.Refresh(c.Request().Context()); err != nil {
			return err
		}
	}
	hashes := s.opts.Gateway.Hashes()
	list := make([]storage.Hash, 0, len(hashes))
	for h := range hashes {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getBlock(c echo.Context) error {
	hash, err := storage.ParseHash(c.Param("hash"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Read rather than HashExists: the block may have been written by
	// another process after the gateway's index was loaded.
	r, err := s.opts.Gateway.Read(c.Request().Context(), hash)
	if err != nil {
		return err
	}
	defer r.Close()
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, b)
}

func (s *Server) listMetadata(c echo.Context) error {
	m, err := s.opts.Gateway.ListMetadata(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) getMetadata(c echo.Context) error {
	name := c.Param("name")
	if n, err := url.PathUnescape(name); err == nil {
		name = n
	}
	b, err := s.opts.Gateway.ReadMetadata(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, b)
}
