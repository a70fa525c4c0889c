// Package server is the control surface of the camera daemon: a gin API
// over the camera registry plus the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/internal/logging"
	"github.com/srediag/camera-hal/pkg/hal"
	"github.com/srediag/camera-hal/pkg/health"
	"github.com/srediag/camera-hal/pkg/lifecycle"
)

var log = logging.New("server", nil)

const (
	DefaultAddr           = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultShutdown       = 5 * time.Second
)

// Options configure the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout bounds how long a picture or focus request waits for
	// the camera to report back.
	RequestTimeout time.Duration

	Health   health.Options
	Gatherer prometheus.Gatherer
}

// Server serves the control API.
type Server struct {
	opts       Options
	reg        *Registry
	engine     *gin.Engine
	health     healthcheck.Handler
	httpServer *http.Server

	mu      sync.Mutex
	session *Session
}

// New returns a server over reg.
func New(reg *Registry, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		opts:   opts,
		reg:    reg,
		engine: gin.New(),
	}
	s.health = health.NewHandler(opts.Health, s.lookup)
	s.engine.Use(gin.Recovery(), accessLog())
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/live", gin.WrapH(s.health))
	s.engine.GET("/ready", gin.WrapH(s.health))
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	s.engine.GET("/status", s.getStatus)
	s.engine.POST("/preview/start", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().StartPreview(ctx)
	}))
	s.engine.POST("/preview/stop", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().StopPreview(ctx)
	}))
	s.engine.POST("/recording/start", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().StartRecording(ctx)
	}))
	s.engine.POST("/recording/stop", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().StopRecording(ctx)
	}))
	s.engine.POST("/autofocus", s.autoFocus)
	s.engine.DELETE("/autofocus", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().CancelAutoFocus(ctx)
	}))
	s.engine.POST("/picture", s.takePicture)
	s.engine.DELETE("/picture", s.withCamera(func(ctx context.Context, sess *Session) error {
		return sess.Hardware().CancelPicture(ctx)
	}))
	s.engine.GET("/parameters", s.getParameters)
	s.engine.PUT("/parameters", s.setParameters)
	s.engine.GET("/dump", s.dump)
	s.engine.POST("/release", s.release)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully and drops the
// camera reference.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen %s: %w", s.opts.Addr, err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.closeSession()
		return err
	}
	return s.Shutdown()
}

// Shutdown stops the HTTP server and drops the camera reference.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdown)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.closeSession()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Infof("server stopped")
	return nil
}

func (s *Server) closeSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *Server) lookup() (health.Camera, bool) {
	hw, ok := s.reg.Current()
	if !ok {
		return nil, false
	}
	return hw, true
}

// camera returns the session, opening the camera on first use or after a
// release.
func (s *Server) camera(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		if hw, ok := s.reg.Current(); ok && hw == s.session.Hardware() {
			return s.session, nil
		}
		s.session.Close()
		s.session = nil
	}
	sess, err := Open(ctx, s.reg)
	if err != nil {
		return nil, err
	}
	s.session = sess
	return sess, nil
}

func (s *Server) withCamera(fn func(ctx context.Context, sess *Session) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sess, err := s.camera(ctx)
		if err != nil {
			abort(c, err)
			return
		}
		if err := fn(ctx, sess); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, statusOf(s.reg, sess))
	}
}

type statusResponse struct {
	State         string `json:"state"`
	Handles       int    `json:"handles"`
	Running       bool   `json:"running"`
	Preview       bool   `json:"preview"`
	Recording     bool   `json:"recording"`
	TimedOut      bool   `json:"timed_out"`
	PreviewFrames uint64 `json:"preview_frames"`
	VideoFrames   uint64 `json:"video_frames"`
}

func statusOf(reg *Registry, sess *Session) statusResponse {
	state, refs := reg.State()
	st := statusResponse{State: state.String(), Handles: refs}
	if sess == nil {
		return st
	}
	hw := sess.Hardware()
	st.Running = hw.Running()
	st.Preview = hw.PreviewEnabled()
	st.Recording = hw.RecordingEnabled()
	st.TimedOut = hw.TimedOut()
	st.PreviewFrames, st.VideoFrames = sess.Frames()
	return st
}

func (s *Server) getStatus(c *gin.Context) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		if hw, ok := s.reg.Current(); !ok || hw != sess.Hardware() {
			sess = nil
		}
	}
	c.JSON(http.StatusOK, statusOf(s.reg, sess))
}

func (s *Server) takePicture(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()
	sess, err := s.camera(ctx)
	if err != nil {
		abort(c, err)
		return
	}
	jpeg, err := sess.Picture(ctx)
	if err != nil {
		abort(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", jpeg)
}

func (s *Server) autoFocus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()
	sess, err := s.camera(ctx)
	if err != nil {
		abort(c, err)
		return
	}
	focused, err := sess.AutoFocus(ctx)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"focused": focused})
}

func (s *Server) getParameters(c *gin.Context) {
	sess, err := s.camera(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	p := sess.Hardware().Parameters()
	if c.Query("format") == "flat" {
		c.String(http.StatusOK, p.Flatten())
		return
	}
	out := make(map[string]string, p.Len())
	for _, k := range p.Keys() {
		out[k] = p.Get(k)
	}
	c.JSON(http.StatusOK, out)
}

// setParameters merges the posted keys over the current parameters. The
// body is a JSON object, or the flattened form when sent as text/plain.
func (s *Server) setParameters(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.camera(ctx)
	if err != nil {
		abort(c, err)
		return
	}

	var changes *api.Parameters
	if strings.HasPrefix(c.ContentType(), "text/plain") {
		body, err := c.GetRawData()
		if err == nil {
			changes, err = api.Unflatten(string(body))
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		var kv map[string]string
		if err := c.ShouldBindJSON(&kv); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		changes = api.NewParameters()
		for k, v := range kv {
			changes.Set(k, v)
		}
	}

	p := sess.Hardware().Parameters()
	for _, k := range changes.Keys() {
		p.Set(k, changes.Get(k))
	}
	if err := sess.Hardware().SetParameters(ctx, p); err != nil {
		abort(c, err)
		return
	}
	s.getParameters(c)
}

func (s *Server) dump(c *gin.Context) {
	sess, err := s.camera(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	var b strings.Builder
	if err := sess.Hardware().Dump(&b); err != nil {
		abort(c, err)
		return
	}
	c.String(http.StatusOK, b.String())
}

func (s *Server) release(c *gin.Context) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		c.JSON(http.StatusOK, statusOf(s.reg, nil))
		return
	}
	if err := sess.Release(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOf(s.reg, nil))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, hal.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, hal.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, hal.ErrReleased):
		return http.StatusGone
	case errors.Is(err, lifecycle.ErrNoDevice), errors.Is(err, lifecycle.ErrReleaseTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, hal.ErrTimeoutLatched), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, hal.ErrHardware), errors.Is(err, hal.ErrAllocation):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
