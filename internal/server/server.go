package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-relay/internal/config"
	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
	providerfactory "chat-relay/internal/provider/factory"
	"chat-relay/internal/relay"
	"chat-relay/internal/router"
	"chat-relay/internal/translator"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB, inline images included
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second

	headerClientKey = "X-Client-Key"
	allowedMethods  = "POST, OPTIONS"
)

// streamHeaders announce the tagged-line text protocol.
var streamHeaders = map[string]string{
	echo.HeaderContentType:    "text/plain; charset=utf-8",
	"Cache-Control":           "no-cache",
	"Connection":              "keep-alive",
	"Transfer-Encoding":       "chunked",
	"X-Vercel-AI-Data-Stream": "v1",
}

var chatProviders = []string{providerfactory.ProviderOpenAI, providerfactory.ProviderGemini}

type Server struct {
	cfg        config.Config
	router     *router.Router
	normalizer *translator.Normalizer
	diag       *diagnostics.Diagnostics
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware. A nil
// gatherer leaves /metrics unregistered.
func New(cfg config.Config, rt *router.Router, diag *diagnostics.Diagnostics, gatherer prometheus.Gatherer) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, headerClientKey},
		ExposeHeaders: []string{
			echo.HeaderXRequestID,
			"X-Vercel-AI-Data-Stream",
		},
	}))

	srv := &Server{
		cfg:    cfg,
		router: rt,
		normalizer: &translator.Normalizer{
			DefaultSystemPrompt: cfg.Prompt.DefaultSystemPrompt,
			Diag:                diag,
		},
		diag:    diag,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes(gatherer)

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.app.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api", s.clientKeyAuth())
	for _, name := range chatProviders {
		api.POST("/"+name, s.handleChat(name))
		api.Match([]string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		}, "/"+name, handleMethodNotAllowed)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func handleMethodNotAllowed(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAllow, allowedMethods)
	return requestError{
		Status:  http.StatusMethodNotAllowed,
		Message: "method not allowed",
	}
}

type chatResponse struct {
	Message             *string         `json:"message"`
	RawProviderResponse json.RawMessage `json:"rawProviderResponse"`
}

func (s *Server) handleChat(providerName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := readRequestBody(c)
		if err != nil {
			return err
		}

		payload, err := translator.ParsePayload(body)
		if err != nil {
			return toHTTPError(err)
		}
		req, err := s.normalizer.ToRequest(payload)
		if err != nil {
			return toHTTPError(err)
		}

		if err := s.router.Ready(providerName); err != nil {
			return toHTTPError(err)
		}

		if req.Stream {
			return s.streamChat(c, providerName, req)
		}

		resp, err := s.router.Chat(c.Request().Context(), providerName, req)
		if err != nil {
			return toHTTPError(err)
		}
		if resp == nil {
			return requestError{
				Status:  http.StatusBadGateway,
				Message: "upstream provider returned an empty response",
			}
		}

		return c.JSON(http.StatusOK, chatResponse{
			Message:             resp.Message,
			RawProviderResponse: resp.Raw,
		})
	}
}

func (s *Server) streamChat(c echo.Context, providerName string, req models.ChatRequest) error {
	header := c.Response().Header()
	for k, v := range streamHeaders {
		header.Set(k, v)
	}

	rl := relay.New(providerName, s.diag)
	err := rl.Open(c.Request().Context(), func(ctx context.Context) (models.EventStream, error) {
		return s.router.Stream(ctx, providerName, req)
	})
	if err != nil {
		clearStreamHeaders(header)
		return toHTTPError(err)
	}

	// Streams outlive the server-wide write timeout.
	rc := http.NewResponseController(c.Response().Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("clear write deadline", "error", err)
	}

	err = rl.Run(relay.NewResponseSink(c.Response(), c.Response().Writer))
	if err != nil && !rl.Committed() {
		clearStreamHeaders(header)
		return toHTTPError(err)
	}
	return err
}

func clearStreamHeaders(header http.Header) {
	for k := range streamHeaders {
		header.Del(k)
	}
}

func readRequestBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			}
		}
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
		}
	}
	if len(body) == 0 {
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: "request body is required",
		}
	}
	return body, nil
}

// clientKeyAuth accepts the key from X-Client-Key or a bearer token. With no
// keys configured every request passes.
func (s *Server) clientKeyAuth() echo.MiddlewareFunc {
	keys := s.cfg.Server.ClientKeys
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(c echo.Context) bool {
			return len(keys) == 0 || c.Request().Method != http.MethodPost
		},
		KeyLookup: "header:" + headerClientKey + ",header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: func(key string, c echo.Context) (bool, error) {
			for _, allowed := range keys {
				if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
					return true, nil
				}
			}
			return false, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "unauthorized",
			}
		},
	})
}

func allowOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

type requestError struct {
	Status  int
	Message string
	// Details is the upstream provider's raw error body.
	Details json.RawMessage
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

func writeError(c echo.Context, status int, message string, details json.RawMessage) error {
	return c.JSON(status, errorBody{Error: message, Details: details})
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		slog.Warn("error after response committed", "uri", c.Request().RequestURI, "error", err)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Details)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			message = m
		}
		_ = writeError(c, he.Code, message, nil)
		return
	}

	slog.Error("unhandled error", "uri", c.Request().RequestURI, "error", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", nil)
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, translator.ErrInvalidPayload), errors.Is(err, translator.ErrNoMessages):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		}
	case errors.Is(err, provider.ErrMissingAPIKey):
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
		}
	case errors.Is(err, provider.ErrUnknownProvider):
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
		}
	}

	var upstreamErr *provider.UpstreamError
	if errors.As(err, &upstreamErr) {
		return requestError{
			Status:  upstreamErr.Status,
			Message: upstreamErr.Message,
			Details: upstreamErr.Body,
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chat-relay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /api/openai")
	fmt.Println("  POST /api/gemini")
	fmt.Println("Send {\"messages\":[...]} or {\"inputText\":\"...\"}; add \"stream\":true for tagged-line streaming.")
	fmt.Printf("Example:\n  curl http://%s:%d/api/openai -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
