package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/jobqueue"
	"github.com/prmindmap/internal/mindmap"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

// MindmapRequest is the body of both mindmap creation routes
type MindmapRequest struct {
	Themes []models.Theme `json:"themes"`
}

// EnqueueResponse answers an asynchronous submission
type EnqueueResponse struct {
	RunID  string             `json:"run_id"`
	Status jobqueue.RunStatus `json:"status"`
}

// InvalidateRequest lists the files modified since the last run
type InvalidateRequest struct {
	Files []string `json:"files"`
}

func (s *Server) bindThemes(c echo.Context) ([]models.Theme, error) {
	var req MindmapRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := validateThemes(req.Themes, s.config.MaxThemes); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req.Themes, nil
}

func validateThemes(themes []models.Theme, max int) error {
	if len(themes) == 0 {
		return errors.New("at least one theme is required")
	}
	if max > 0 && len(themes) > max {
		return fmt.Errorf("too many themes: %d (max %d)", len(themes), max)
	}
	seen := make(map[string]bool, len(themes))
	for i, t := range themes {
		if t.ID == "" {
			return fmt.Errorf("theme %d has no id", i)
		}
		if t.Name == "" {
			return fmt.Errorf("theme %s has no name", t.ID)
		}
		if t.Confidence < 0 || t.Confidence > 1 {
			return fmt.Errorf("theme %s confidence must be within [0,1]", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate theme id %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func (s *Server) createMindmap(c echo.Context) error {
	if s.queue == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Background runs are not configured")
	}
	themes, err := s.bindThemes(c)
	if err != nil {
		return err
	}

	runID, err := s.queue.Enqueue(c.Request().Context(), themes)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue mindmap run")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to enqueue mindmap run")
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/mindmaps/"+runID)
	return c.JSON(http.StatusAccepted, EnqueueResponse{RunID: runID, Status: jobqueue.StatusQueued})
}

func (s *Server) getMindmap(c echo.Context) error {
	if s.queue == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Background runs are not configured")
	}
	run, err := s.queue.Store().Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, jobqueue.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Mindmap run not found")
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", c.Param("id")).Msg("Failed to load mindmap run")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load mindmap run")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) runMindmap(c echo.Context) error {
	themes, err := s.bindThemes(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if s.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncTimeout)
		defer cancel()
	}

	result, err := s.pipeline.Run(ctx, themes, mindmap.RunOptions{AuditDir: s.config.AuditDir})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, result)
	case inference.IsPermanent(err):
		log.Error().Err(err).Msg("Mindmap run failed permanently")
		return echo.NewHTTPError(http.StatusBadGateway, "Inference backend rejected the request: "+err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "Mindmap run timed out")
	default:
		log.Error().Err(err).Msg("Mindmap run failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Mindmap run failed")
	}
}

func (s *Server) getDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Diagnostics())
}

func (s *Server) invalidateCache(c echo.Context) error {
	var req InvalidateRequest
	if err := c.Bind(&req); err != nil || len(req.Files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "files is required")
	}
	n := s.pipeline.InvalidateFiles(req.Files)
	return c.JSON(http.StatusOK, map[string]int{"invalidated": n})
}
