package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"tubedrop/services"
	"tubedrop/store"
	"tubedrop/types"
	"tubedrop/websocket"
)

// DownloadHandler exposes the task lifecycle engine over HTTP
type DownloadHandler struct {
	engine       services.Engine
	preferredExt string
}

// NewDownloadHandler creates a new download handler. preferredExt is the
// configured container preference driving the format list ordering.
func NewDownloadHandler(engine services.Engine, preferredExt string) *DownloadHandler {
	return &DownloadHandler{engine: engine, preferredExt: preferredExt}
}

type submitRequest struct {
	URL      string `json:"url" binding:"required"`
	FormatID string `json:"formatId"`
}

type videoInfoRequest struct {
	URL string `json:"url" binding:"required"`
}

// VideoInfo resolves a URL's metadata and selectable formats without
// starting a download
func (h *DownloadHandler) VideoInfo(c *gin.Context) {
	var req videoInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	resolved, err := h.engine.Formats(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"title":     resolved.Metadata.Title,
		"uploader":  resolved.Metadata.Uploader,
		"thumbnail": resolved.Metadata.Thumbnail,
		"duration":  resolved.Metadata.Duration,
		"formats":   services.RankFormats(resolved.Formats, h.preferredExt),
	})
}

// SubmitDownload queues a new download task
func (h *DownloadHandler) SubmitDownload(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	task, err := h.engine.Submit(req.URL, req.FormatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "download queued successfully",
		"task":    task,
	})
}

// GetDownload returns the current snapshot of a task
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	task, err := h.engine.Status(c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CancelDownload cancels a queued or running task
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	err := h.engine.Cancel(c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "task cancelled successfully"})
}

// Redownload starts the same url and format over as a fresh task
func (h *DownloadHandler) Redownload(c *gin.Context) {
	task, err := h.engine.Redownload(c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "redownload queued successfully",
		"task":    task,
	})
}

// GetHistory lists task records, newest first
func (h *DownloadHandler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, err := h.engine.History(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// DeleteHistory removes a terminal task's record, optionally with its file
func (h *DownloadHandler) DeleteHistory(c *gin.Context) {
	deleteFile := c.Query("delete_file") == "true"

	err := h.engine.DeleteHistory(c.Param("taskId"), deleteFile)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "history entry deleted"})
}

// ServeFile streams a completed task's output file
func (h *DownloadHandler) ServeFile(c *gin.Context) {
	task, err := h.engine.Status(c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if task.Status != types.StatusCompleted || task.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "task has no completed output"})
		return
	}

	c.FileAttachment(task.OutputPath, attachmentName(task.Title, task.ID, filepath.Ext(task.OutputPath)))
}

// attachmentName builds a Content-Disposition-safe filename from a resolved
// title: control characters, quotes and path separators are stripped so the
// raw title can never break out of the quoted header value.
func attachmentName(title, id, ext string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r < 0x20 || r == 0x7f:
		case r == '"' || r == '\\' || r == '/':
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		name = id
	}
	return name + ext
}

// HandleWebSocketConnection streams one task's progress over a WebSocket
func (h *DownloadHandler) HandleWebSocketConnection(c *gin.Context) {
	taskID := c.Param("taskId")

	updates, cancel, err := h.engine.Subscribe(taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := websocket.Upgrade(c.Writer, c.Request)
	if err != nil {
		cancel()
		log.Error("websocket upgrade failed", "task", taskID, "err", err)
		return
	}

	websocket.NewClient(conn, taskID, updates, cancel).StartPumps()
}
