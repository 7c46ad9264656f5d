package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"vidcompose/config"
	"vidcompose/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *task.Service
	manager *task.Manager
	cfg     *config.Config
}

func NewHandler(svc *task.Service, tm *task.Manager, cfg *config.Config) *Handler {
	return &Handler{
		service: svc,
		manager: tm,
		cfg:     cfg,
	}
}

type CompositionRequest struct {
	Videos    []string `json:"videos" binding:"required,min=2"`
	Requester string   `json:"requester"`
}

// handleCreateTask accepts a composition request and returns immediately with
// the pending task.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req CompositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.service.Create(c.Request.Context(), req.Videos, req.Requester)
	if err != nil {
		if errors.Is(err, task.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": rec.ID, "status": rec.Status})
}

// handleListTasks lists all tasks, optionally filtered by ?status=.
func (h *Handler) handleListTasks(c *gin.Context) {
	status := task.Status(c.Query("status"))
	records, err := h.manager.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, rec := range records {
		h.buildDownloadURL(c, rec)
	}
	c.JSON(http.StatusOK, records)
}

// buildDownloadURL constructs the full URL for a completed task's file.
func (h *Handler) buildDownloadURL(c *gin.Context, rec *task.Record) {
	if rec.Status != task.StatusCompleted || rec.OutputRef == "" {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	filename := filepath.Base(rec.OutputRef)
	rec.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, filename)
}

// handleGetTask retrieves the current state of a single task.
func (h *Handler) handleGetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	rec, err := h.manager.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.buildDownloadURL(c, rec)
	c.JSON(http.StatusOK, rec)
}

// handleCancelTask requests cancellation of a pending or processing task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	outcome, err := h.manager.Cancel(c.Request.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		case errors.Is(err, task.ErrCancelRejected):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	msg := "Task cancelled"
	if outcome == task.CancelDeferred {
		msg = "Task cancellation requested"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// handleRetryTask creates a fresh task with the same inputs as an existing one.
func (h *Handler) handleRetryTask(c *gin.Context) {
	taskID := c.Param("taskId")
	rec, err := h.service.Retry(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": rec.ID, "status": rec.Status})
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.manager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}
