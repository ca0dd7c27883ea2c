// Package httpapi exposes the media session as a small REST surface for
// clients that do not speak MCP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go2tv.app/mcp-avctl/internal/discovery"
	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/session"
)

const shutdownGrace = 5 * time.Second

var filterReachable = discovery.FilterReachable

type Config struct {
	Session session.Control
	Finder  session.Finder
	Logger  *slog.Logger
	Version string
}

type Server struct {
	engine  *gin.Engine
	session session.Control
	finder  session.Finder
	logger  *slog.Logger
	version string
}

func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		engine:  gin.New(),
		session: cfg.Session,
		finder:  cfg.Finder,
		logger:  logger,
		version: cfg.Version,
	}

	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("http_panic", slog.String("path", c.FullPath()), slog.Any("recovered", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(session.CodeInternalError, "internal server error"))
	}))
	s.engine.Use(s.logCalls())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_listen", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth())

	api := s.engine.Group("/api/v1")
	api.Use(s.requireSession())

	api.POST("/discover", s.handleDiscover())
	api.GET("/servers", s.handleList(func() []domain.DeviceDescriptor { return s.session.ListServers() }))
	api.GET("/renderers", s.handleList(func() []domain.DeviceDescriptor { return s.session.ListRenderers() }))
	api.POST("/servers/select", s.handleSelect(session.RoleServer))
	api.POST("/renderers/select", s.handleSelect(session.RoleRenderer))
	api.GET("/session", s.handleSnapshot())

	api.GET("/browse", s.handleBrowse())
	api.GET("/browse/:container", s.handleBrowse())

	transport := api.Group("/transport")
	transport.POST("/play", s.handlePlay())
	transport.POST("/pause", s.handleCommand("pause", func(ctx context.Context) (bool, error) {
		return s.session.Pause(ctx)
	}))
	transport.POST("/stop", s.handleCommand("stop", func(ctx context.Context) (bool, error) {
		return s.session.Stop(ctx)
	}))
	transport.POST("/seek", s.handleSeek())
	transport.GET("/info", s.handleTransportInfo())
	transport.GET("/position", s.handlePositionInfo())

	receiver := api.Group("/receiver")
	receiver.GET("/status", s.handleStatus())
	receiver.PUT("/volume", s.handleVolume())
	receiver.PUT("/mute", s.handleMute())
	receiver.PUT("/power", s.handlePower())
	receiver.GET("/inputs", s.handleListInputs())
	receiver.PUT("/input", s.handleSetInput())
}

func (s *Server) logCalls() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if c.Writer.Status() >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		s.logger.Log(
			c.Request.Context(),
			level,
			"http_call",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
			slog.String("error_code", c.GetString("error_code")),
		)
	}
}

func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.session == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody(session.CodeInternalError, "media session is not configured"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": s.version,
		})
	}
}

func (s *Server) handleDiscover() gin.HandlerFunc {
	return func(c *gin.Context) {
		includeUnreachable := true
		if raw := c.Query("include_unreachable"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				s.fail(c, domain.InvalidInput("discover", "include_unreachable: %v", err))
				return
			}
			includeUnreachable = parsed
		}

		servers, renderers := s.session.Discover(c.Request.Context())
		if !includeUnreachable {
			servers = filterReachable(servers)
			renderers = filterReachable(renderers)
		}
		c.JSON(http.StatusOK, gin.H{
			"servers":   servers,
			"renderers": renderers,
		})
	}
}

func (s *Server) handleList(list func() []domain.DeviceDescriptor) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices := list()
		c.JSON(http.StatusOK, gin.H{
			"count":   len(devices),
			"devices": devices,
		})
	}
}

type selectRequest struct {
	Target string `json:"target" binding:"required"`
}

func (s *Server) handleSelect(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, domain.InvalidInput("select_"+role, "%v", err))
			return
		}
		target := strings.TrimSpace(req.Target)
		if target == "" {
			s.fail(c, domain.InvalidInput("select_"+role, "target is empty"))
			return
		}

		desc, found := session.ResolveTarget(s.finder, role, target)
		if !found {
			s.fail(c, &domain.ToolError{
				Code:    session.CodeDeviceNotFound,
				Message: fmt.Sprintf("no %s matches %q", role, target),
			})
			return
		}

		var (
			ok  bool
			err error
		)
		var bound *domain.DeviceDescriptor
		if role == session.RoleServer {
			ok, err = s.session.SelectServer(c.Request.Context(), desc)
			bound = s.session.Snapshot().Server
		} else {
			ok, err = s.session.SelectRenderer(c.Request.Context(), desc)
			bound = s.session.Snapshot().Renderer
		}
		if !s.check(c, "select_"+role, ok, err) {
			return
		}
		if bound != nil {
			desc = *bound
		}
		c.JSON(http.StatusOK, gin.H{
			"selected": true,
			role:       desc,
		})
	}
}

func (s *Server) handleSnapshot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.session.Snapshot())
	}
}

func (s *Server) handleBrowse() gin.HandlerFunc {
	return func(c *gin.Context) {
		containerID := strings.TrimSpace(c.Param("container"))
		if containerID == "" {
			containerID = c.DefaultQuery("container_id", "0")
		}
		nodes, err := s.session.Browse(c.Request.Context(), containerID)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"container_id": containerID,
			"nodes":        nodes,
		})
	}
}

type playRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handlePlay() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req playRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				s.fail(c, domain.InvalidInput("play", "%v", err))
				return
			}
		}
		ok, err := s.session.Play(c.Request.Context(), req.URI)
		if s.check(c, "play", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

func (s *Server) handleCommand(op string, run func(context.Context) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := run(c.Request.Context())
		if s.check(c, op, ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

type seekRequest struct {
	Target string `json:"target" binding:"required"`
}

func (s *Server) handleSeek() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req seekRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, domain.InvalidInput("seek", "%v", err))
			return
		}
		ok, err := s.session.Seek(c.Request.Context(), req.Target)
		if s.check(c, "seek", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

func (s *Server) handleTransportInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := s.session.TransportInfo(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (s *Server) handlePositionInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := s.session.PositionInfo(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := s.session.GetStatus(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type volumeRequest struct {
	Percent *int `json:"percent" binding:"required"`
}

func (s *Server) handleVolume() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req volumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, domain.InvalidInput("set_volume", "%v", err))
			return
		}
		ok, err := s.session.SetVolume(c.Request.Context(), *req.Percent)
		if s.check(c, "set_volume", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

type toggleRequest struct {
	Muted *bool `json:"muted"`
	On    *bool `json:"on"`
}

func (s *Server) handleMute() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
			s.fail(c, domain.InvalidInput("set_mute", "muted is required"))
			return
		}
		ok, err := s.session.SetMute(c.Request.Context(), *req.Muted)
		if s.check(c, "set_mute", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

func (s *Server) handlePower() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.On == nil {
			s.fail(c, domain.InvalidInput("set_power", "on is required"))
			return
		}
		ok, err := s.session.SetPower(c.Request.Context(), *req.On)
		if s.check(c, "set_power", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

func (s *Server) handleListInputs() gin.HandlerFunc {
	return func(c *gin.Context) {
		inputs, err := s.session.ListInputs(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"inputs": inputs})
	}
}

type inputRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSetInput() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inputRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, domain.InvalidInput("set_input", "%v", err))
			return
		}
		ok, err := s.session.SetInput(c.Request.Context(), req.Name)
		if s.check(c, "set_input", ok, err) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

// check writes the failure response for a boolean session result and
// reports whether the handler should continue.
func (s *Server) check(c *gin.Context, op string, ok bool, err error) bool {
	if err != nil {
		s.fail(c, err)
		return false
	}
	if !ok {
		s.fail(c, &domain.ToolError{
			Code:    session.CodeOperationFailed,
			Message: fmt.Sprintf("%s was not accepted by the device", op),
		})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	code := session.ErrorCode(err)
	message := err.Error()
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil {
		message = tErr.Message
	}
	c.Set("error_code", code)
	c.AbortWithStatusJSON(statusFor(code), errorBody(code, message))
}

func statusFor(code string) int {
	switch code {
	case session.CodeInvalidInput:
		return http.StatusBadRequest
	case session.CodeDeviceNotFound:
		return http.StatusNotFound
	case session.CodeNoRendererSelected, session.CodeNoServerSelected:
		return http.StatusConflict
	case session.CodeOperationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
