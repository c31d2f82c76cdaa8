package api

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/warpgate/warpgate/pkg/api"
	"github.com/warpgate/warpgate/pkg/core"
	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/mitm"
	"github.com/warpgate/warpgate/pkg/models"
	"github.com/warpgate/warpgate/pkg/rotation"
	"github.com/warpgate/warpgate/pkg/storage/repositories"
)

// Backend is the slice of the core app the HTTP API exposes
type Backend interface {
	StartProxy(ctx context.Context) error
	StopProxy(ctx context.Context) error
	Activate(ctx context.Context, email string) error
	Deactivate(ctx context.Context) error
	AddAccount(ctx context.Context, data []byte) (*models.Account, error)
	DeleteAccount(ctx context.Context, email string) error
	ListAccounts() ([]*models.Account, error)
	RefreshAll(ctx context.Context) error
	Status(ctx context.Context) core.Status
	Certificate() core.CertificateInfo
	ApproveCertificate() error
	ProxyLogs() []mitm.Entry
}

// ApiServer is the HTTP server using Fiber
type ApiServer struct {
	app     *fiber.App
	backend Backend
	log     *logger.Logger
}

// New creates the HTTP server around a backend
func New(backend Backend, log *logger.Logger) *ApiServer {
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})

	s := &ApiServer{
		app:     app,
		backend: backend,
		log:     log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(fiberlogger.New())
}

func (s *ApiServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	apiGroup := s.app.Group("/api")

	apiGroup.Get("/status", s.handleStatus)

	apiGroup.Post("/proxy/start", s.handleProxyStart)
	apiGroup.Post("/proxy/stop", s.handleProxyStop)
	apiGroup.Get("/proxy/logs", s.handleProxyLogs)

	apiGroup.Get("/accounts", s.handleListAccounts)
	apiGroup.Post("/accounts", s.handleAddAccount)
	apiGroup.Post("/accounts/refresh", s.handleRefreshAll)
	apiGroup.Post("/accounts/deactivate", s.handleDeactivate)
	apiGroup.Delete("/accounts/:email", s.handleDeleteAccount)
	apiGroup.Post("/accounts/:email/activate", s.handleActivate)

	apiGroup.Get("/certificate", s.handleCertificate)
	apiGroup.Post("/certificate/approve", s.handleApproveCertificate)
}

// App returns the underlying Fiber app, used by tests
func (s *ApiServer) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.log.Info("API server listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.log.Info("API server shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, fiber.Map{
		"status": "healthy",
	})
}

func (s *ApiServer) handleStatus(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.backend.Status(c.Context()), requestMeta())
}

func (s *ApiServer) handleProxyStart(c *fiber.Ctx) error {
	if err := s.backend.StartProxy(c.Context()); err != nil {
		if errors.Is(err, mitm.ErrTrustRequired) {
			return api.ErrorConflictResp(c, "the proxy certificate must be trusted first")
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, s.backend.Status(c.Context()))
}

func (s *ApiServer) handleProxyStop(c *fiber.Ctx) error {
	if err := s.backend.StopProxy(c.Context()); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, s.backend.Status(c.Context()))
}

func (s *ApiServer) handleProxyLogs(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.backend.ProxyLogs())
}

func (s *ApiServer) handleListAccounts(c *fiber.Ctx) error {
	accounts, err := s.backend.ListAccounts()
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, accounts, requestMeta())
}

func (s *ApiServer) handleAddAccount(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return api.ErrorBadRequestResp(c, "Missing request body")
	}

	acc, err := s.backend.AddAccount(c.Context(), body)
	if err != nil {
		return api.ErrorBadRequestResp(c, err.Error())
	}
	return api.SuccessResp(c, acc)
}

func (s *ApiServer) handleDeleteAccount(c *fiber.Ctx) error {
	email := pathEmail(c)
	if email == "" {
		return api.ErrorBadRequestResp(c, "Missing account email")
	}

	if err := s.backend.DeleteAccount(c.Context(), email); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return api.ErrorNotFoundResp(c, "Account not found")
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"deleted": email})
}

func (s *ApiServer) handleActivate(c *fiber.Ctx) error {
	email := pathEmail(c)
	if email == "" {
		return api.ErrorBadRequestResp(c, "Missing account email")
	}

	if err := s.backend.Activate(c.Context(), email); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return api.ErrorNotFoundResp(c, "Account not found")
		}
		return api.ErrorBadRequestResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"active": email})
}

func (s *ApiServer) handleDeactivate(c *fiber.Ctx) error {
	if err := s.backend.Deactivate(c.Context()); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"active": nil})
}

func (s *ApiServer) handleRefreshAll(c *fiber.Ctx) error {
	if err := s.backend.RefreshAll(c.Context()); err != nil {
		if errors.Is(err, rotation.ErrBusy) {
			return api.ErrorConflictResp(c, "a refresh is already in progress")
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.AcceptedResp(c, fiber.Map{"refreshing": true})
}

func (s *ApiServer) handleCertificate(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.backend.Certificate())
}

func (s *ApiServer) handleApproveCertificate(c *fiber.Ctx) error {
	if err := s.backend.ApproveCertificate(); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, s.backend.Certificate())
}

// pathEmail reads the :email parameter, undoing URL escaping
func pathEmail(c *fiber.Ctx) string {
	raw := c.Params("email")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func requestMeta() api.ApiResponseMeta {
	now := time.Now()
	return api.ApiResponseMeta{
		RequestID: uuid.NewString(),
		Timestamp: &now,
	}
}

// customErrorHandler handles errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		status = e.Code
	}

	return c.Status(status).JSON(api.ApiResponse{
		Success: false,
		Error: &api.ApiError{
			Code:    status,
			Message: err.Error(),
		},
	})
}
