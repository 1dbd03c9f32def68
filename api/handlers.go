// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the session manager over HTTP. The surface is thin:
// every handler parses the request, calls one manager operation and maps
// its error onto a status code.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/session"
	"github.com/AleutianAI/genieflow/store"
)

// Handlers binds the HTTP surface to a session manager.
type Handlers struct {
	sessions *session.Manager
	logger   *slog.Logger

	// debug includes internal error detail in 5xx responses.
	debug bool
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(sessions *session.Manager, logger *slog.Logger, debug bool) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sessions: sessions,
		logger:   logger.With(slog.String("component", "api")),
		debug:    debug,
	}
}

// RegisterRoutes mounts the flow endpoints under /v1/genie/:flow.
func RegisterRoutes(router gin.IRouter, h *Handlers) {
	flow := router.Group("/v1/genie/:flow")
	flow.GET("/start_session", h.StartSession)
	flow.POST("/event", h.ProcessEvent)
	flow.GET("/task_state/:session_id", h.TaskState)
	flow.GET("/model/:session_id", h.Model)
}

// StartSession creates a session for the flow named in the path.
func (h *Handlers) StartSession(c *gin.Context) {
	resp, err := h.sessions.StartSession(c.Request.Context(), c.Param("flow"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ProcessEvent dispatches one event against a session.
func (h *Handlers) ProcessEvent(c *gin.Context) {
	var in session.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.sessions.ProcessEvent(c.Request.Context(), c.Param("flow"), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// TaskState reports whether background work is still running.
func (h *Handlers) TaskState(c *gin.Context) {
	status, err := h.sessions.TaskState(c.Request.Context(), c.Param("flow"), c.Param("session_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Model returns the session model verbatim.
func (h *Handlers) Model(c *gin.Context) {
	model, err := h.sessions.Model(c.Request.Context(), c.Param("flow"), c.Param("session_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model)
}

// respondError maps manager errors onto the HTTP taxonomy: 404 for unknown
// flows and sessions, 503 for lock contention, 500 for everything else.
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, genie.ErrUnknownFlow), errors.Is(err, store.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, store.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is busy, retry later"})

	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
		detail := "internal error"
		if h.debug {
			detail = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": detail})
	}
}
