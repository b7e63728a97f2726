// Package server exposes the gateway over HTTP: a blocking chat endpoint, an
// SSE streaming endpoint, and per-provider config management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/config"
	"github.com/upb/chat-gateway/internal/validation"
	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/router"
	"github.com/upb/chat-gateway/services/gate"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server is the HTTP front of the gateway.
type Server struct {
	cfg    *config.Config
	router *router.Router
	app    *echo.Echo
	logger *zap.Logger
}

// New constructs a server wired with routing and middleware.
func New(cfg *config.Config, rt *router.Router, logger *zap.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
				zap.Error(v.Error))
			return nil
		},
	}))

	srv := &Server{
		cfg:    cfg,
		router: rt,
		app:    e,
		logger: logger,
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	address := s.cfg.Server.Address()
	s.logger.Info("starting server", zap.String("addr", address))

	httpServer := &http.Server{
		Addr:         address,
		Handler:      s.app,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/providers", s.handleListProviders)
	s.app.GET("/api/providers/:provider/config", s.handleGetConfig)
	s.app.PUT("/api/providers/:provider/config", s.handlePutConfig)
	s.app.POST("/api/chat", s.handleChat)
	s.app.POST("/api/chat/stream", s.handleChatStream)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProviders(c echo.Context) error {
	ids := s.router.Providers()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, string(id))
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": names})
}

// chatPayload is the request body of both chat endpoints.
type chatPayload struct {
	Provider  string                      `json:"provider"`
	Messages  []providers.Message         `json:"messages" validate:"required,min=1,dive"`
	SessionID string                      `json:"session_id"`
	UserID    string                      `json:"user_id"`
	Config    *providers.GenerationConfig `json:"config,omitempty"`
}

func (s *Server) buildRequest(c echo.Context) (router.ChatRequest, error) {
	var payload chatPayload
	if err := decodeRequestBody(c, &payload); err != nil {
		return router.ChatRequest{}, err
	}
	if err := validation.ValidateStruct(&payload); err != nil {
		return router.ChatRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if payload.Provider == "" {
		payload.Provider = s.cfg.Providers.Default
	}
	identity, err := providers.ParseIdentity(payload.Provider)
	if err != nil {
		return router.ChatRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return router.ChatRequest{
		Provider:  identity,
		Messages:  payload.Messages,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Config:    payload.Config,
		Caps: gate.Capabilities{
			InjectionScreening: s.cfg.Gate.InjectionScreening,
			AbuseScreening:     s.cfg.Gate.AbuseScreening,
		},
	}, nil
}

func (s *Server) handleChat(c echo.Context) error {
	req, err := s.buildRequest(c)
	if err != nil {
		return err
	}

	resp, err := s.router.SendMessage(c.Request().Context(), req)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatStream(c echo.Context) error {
	req, err := s.buildRequest(c)
	if err != nil {
		return err
	}

	stream, err := s.router.StreamMessage(c.Request().Context(), req)
	if err != nil {
		return s.toHTTPError(c, err)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "server does not support streaming responses")
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// The status line is already out; all we can do is emit an
			// error event and end the stream.
			writeSSEEvent(writer, "error", s.errorBodyFor(err))
			flusher.Flush()
			return nil
		}
		if werr := writeSSEEvent(writer, "", chunk); werr != nil {
			return nil
		}
		flusher.Flush()
	}
}

func (s *Server) handleGetConfig(c echo.Context) error {
	identity, err := providers.ParseIdentity(c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cfg, err := s.router.Config(identity)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(c echo.Context) error {
	identity, err := providers.ParseIdentity(c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var cfg providers.GenerationConfig
	if err := decodeRequestBody(c, &cfg); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.router.UpdateConfig(identity, cfg); err != nil {
		return s.toHTTPError(c, err)
	}

	// Return the applied config; an out-of-list model will have been dropped.
	applied, err := s.router.Config(identity)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, applied)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "request body is required")
		}
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
	}
	return nil
}

// errorResponse is the wire shape of a failed request.
type errorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Provider  string `json:"provider,omitempty"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (s *Server) errorBodyFor(err error) errorResponse {
	var body errorResponse
	if tagged, ok := providers.AsError(err); ok {
		body.Error.Message = tagged.Message
		body.Error.Code = string(tagged.Code)
		body.Error.Provider = string(tagged.Provider)
		body.Error.Retryable = tagged.Retryable
		return body
	}
	body.Error.Message = "internal server error"
	body.Error.Code = "INTERNAL"
	return body
}

// statusFor maps a pipeline error code to an HTTP status.
func statusFor(code providers.Code) int {
	switch code {
	case providers.CodeNotAuthenticated:
		return http.StatusUnauthorized
	case providers.CodeProviderNotFound:
		return http.StatusNotFound
	case providers.CodePromptInjection, providers.CodeAPIAbuse:
		return http.StatusForbidden
	case providers.CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case providers.CodeTooManyMessages, providers.CodeStreamingDisabled:
		return http.StatusBadRequest
	case providers.CodeInsufficientTokens, providers.CodePaymentRequired, providers.CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case providers.CodeRateLimited:
		return http.StatusTooManyRequests
	case providers.CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	case providers.CodeSafetyFilter:
		return http.StatusUnprocessableEntity
	case providers.CodeInvalidResponse, providers.CodeProviderError,
		providers.CodeStreamingError, providers.CodeRequestFailed,
		providers.CodeInvalidAPIKey:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) toHTTPError(c echo.Context, err error) error {
	body := s.errorBodyFor(err)
	status := http.StatusInternalServerError
	if tagged, ok := providers.AsError(err); ok {
		status = statusFor(tagged.Code)
	} else {
		s.logger.Error("unhandled error", zap.Error(err))
	}
	return c.JSON(status, body)
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
