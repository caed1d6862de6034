// Package httpapi exposes the image and text file endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/services/images"
	"github.com/joseph-ayodele/ocrpipe/internal/services/textfiles"
)

// HealthChecker is satisfied by *repository.Store.
type HealthChecker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// Deps are the collaborators the API needs.
type Deps struct {
	Images    *images.Service
	TextFiles *textfiles.Service
	Tokens    TokenValidator
	Health    HealthChecker
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(toHTTPError(err), c)
	}

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(requestID())
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Validator = &GenericEchoValidator{}

	s := &Server{echo: e, deps: deps, logger: logger}
	s.setRoutes()
	return s
}

func (s *Server) setRoutes() {
	s.echo.GET("/healthz", s.health)

	api := s.echo.Group("/api", requireAuth(s.deps.Tokens, s.logger))

	img := api.Group("/image")
	img.POST("/upload", s.uploadImage)
	img.GET("/list", s.listImages)
	img.GET("/:id", s.getImage)
	img.POST("/:id/reprocess", s.reprocessImage)
	img.DELETE("/delete/:id", s.deleteImage)

	tf := api.Group("/textfile")
	tf.GET("", s.listTextFiles)
	tf.GET("/:id", s.downloadTextFile)

	api.POST("/auth/logout", s.logout)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type idParam struct {
	ID string `param:"id" validate:"required,uuid"`
}

func bindID(c echo.Context) (uuid.UUID, error) {
	var p idParam
	if err := c.Bind(&p); err != nil {
		return uuid.Nil, err
	}
	if err := c.Validate(&p); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(p.ID)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(c.Request().Context(), 2*time.Second); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// logout revokes the bearer token the request was authenticated with.
func (s *Server) logout(c echo.Context) error {
	token, _ := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err := s.deps.Tokens.Revoke(token); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token.")
	}
	claims := claimsFrom(c)
	s.logger.Info("auth.logout", "user_id", claims.UserID, "jti", claims.ID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) uploadImage(c echo.Context) error {
	claims := claimsFrom(c)
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "No file uploaded.")
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	owner := claims.UserID
	res, err := s.deps.Images.Upload(c.Request().Context(), images.UploadRequest{
		FileName:   fh.Filename,
		Body:       f,
		UploadedBy: &owner,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listImages(c echo.Context) error {
	views, err := s.deps.Images.List(c.Request().Context(), claimsFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) getImage(c echo.Context) error {
	id, err := bindID(c)
	if err != nil {
		return err
	}
	view, err := s.deps.Images.Get(c.Request().Context(), claimsFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) reprocessImage(c echo.Context) error {
	id, err := bindID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Images.Reprocess(c.Request().Context(), claimsFrom(c), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id.String()})
}

func (s *Server) deleteImage(c echo.Context) error {
	id, err := bindID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Images.Delete(c.Request().Context(), claimsFrom(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listTextFiles(c echo.Context) error {
	views, err := s.deps.TextFiles.List(c.Request().Context(), claimsFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) downloadTextFile(c echo.Context) error {
	id, err := bindID(c)
	if err != nil {
		return err
	}
	d, err := s.deps.TextFiles.Download(c.Request().Context(), claimsFrom(c), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", d.FileName))
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", d.Content)
}
