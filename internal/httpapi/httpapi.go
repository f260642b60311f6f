// Package httpapi wires the gin HTTP surface spec.md §6 names onto the
// upload coordinator, processor, and event stream.
package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/book-expert/logger"

	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/processor"
	"github.com/book-expert/chunked-transcriber/internal/upload"
)

// maxMultipartMemory bounds in-memory buffering of chunk-upload multipart
// bodies; larger parts spill to temp files (gin/net-http default behavior).
const maxMultipartMemory = 32 << 20

// Router owns the gin engine and the pipeline components it dispatches to.
type Router struct {
	engine *gin.Engine
	coord  *upload.Coordinator
	proc   *processor.Processor
	events *eventstream.Hub
	log    *logger.Logger
}

// New builds a Router with every spec.md §6 route registered.
func New(coord *upload.Coordinator, proc *processor.Processor, events *eventstream.Hub, log *logger.Logger) *Router {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(securityHeaders())

	r := &Router{engine: engine, coord: coord, proc: proc, events: events, log: log}

	engine.MaxMultipartMemory = maxMultipartMemory

	engine.POST("/chunked-upload-stream", r.handleInitialize)
	engine.GET("/chunked-stream/:parent_job_id", r.handleStream)
	engine.OPTIONS("/chunked-stream/:parent_job_id", r.handleStreamPreflight)
	engine.POST("/chunk-upload", r.handleChunkUpload)
	engine.POST("/chunk-upload-complete", r.handleChunkUploadComplete)
	engine.GET("/chunked-upload-status", r.handleStatus)
	engine.POST("/chunked-upload-cancel", r.handleCancel)
	engine.POST("/chunked-upload-retry", r.handleRetry)

	return r
}

// Engine returns the underlying gin engine for http.ListenAndServe.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// securityHeaders adds the standard defensive headers to every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

type initializeRequest struct {
	Filename    string        `json:"filename"       binding:"required"`
	TotalSize   int64         `json:"total_size"     binding:"required"`
	ChunkSizeMB int           `json:"chunk_size_mb"`
	UseLLM      bool          `json:"use_llm"`
	LLMMode     model.LLMMode `json:"llm_mode"`
	WebhookURL  string        `json:"webhook_url"`
}

const defaultChunkSizeMB = 5

// handleInitialize implements POST /chunked-upload-stream (spec.md §6).
func (r *Router) handleInitialize(c *gin.Context) {
	var req initializeRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	if req.ChunkSizeMB == 0 {
		req.ChunkSizeMB = defaultChunkSizeMB
	}

	result, err := r.coord.Initialize(c.Request.Context(), upload.InitializeRequest{
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		ChunkSizeMB: req.ChunkSizeMB,
		UseLLM:      req.UseLLM,
		LLMMode:     req.LLMMode,
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	uploadURLs := make([]string, len(result.Chunks))
	subJobs := make([]gin.H, len(result.Chunks))

	for i, chunk := range result.Chunks {
		uploadURLs[i] = chunk.UploadURL
		subJobs[i] = gin.H{
			"chunk_index": chunk.ChunkIndex,
			"sub_job_id":  chunk.SubJobID,
			"byte_range":  gin.H{"start": chunk.ByteRange.Start, "end": chunk.ByteRange.End},
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"parent_job_id": result.ParentJobID,
		"stream_url":    result.StreamURL,
		"upload_urls":   uploadURLs,
		"sub_jobs":      subJobs,
		"chunk_info":    result.ChunkInfo,
		"processing_options": result.Processing,
	})
}

// allowedStreamOrigin is the CORS preflight response for the SSE endpoint;
// spec.md does not name a specific origin policy so this mirrors the
// teacher's open, read-only-stream convention.
const allowedStreamOrigin = "*"

// handleStreamPreflight answers OPTIONS /chunked-stream/{parent_job_id}
// (spec.md §6 CORS preflight).
func (r *Router) handleStreamPreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", allowedStreamOrigin)
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")
	c.Status(http.StatusNoContent)
}

// handleStream answers GET /chunked-stream/{parent_job_id}: a long-lived SSE
// subscription framed with eventstream.EncodeFrame (spec.md §4.G, §6).
func (r *Router) handleStream(c *gin.Context) {
	parentID := c.Param("parent_job_id")

	ch, ok := r.events.Subscribe(parentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or closed stream"})

		return
	}

	c.Header("Access-Control-Allow-Origin", allowedStreamOrigin)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})

		return
	}

	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}

			frame, err := eventstream.EncodeFrame(event)
			if err != nil {
				r.log.Error("encode SSE frame for %s: %v", parentID, err)

				return
			}

			if _, writeErr := c.Writer.WriteString(frame); writeErr != nil {
				return
			}

			flusher.Flush()

			if event.Type == eventstream.EventFinal {
				return
			}
		}
	}
}

// handleChunkUpload implements POST /chunk-upload: multipart `chunk`,
// `parent_job_id`, `chunk_index`, `expected_size` (spec.md §6).
func (r *Router) handleChunkUpload(c *gin.Context) {
	parentID := c.PostForm("parent_job_id")

	chunkIndex, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk_index"})

		return
	}

	expectedSize, _ := strconv.ParseInt(c.PostForm("expected_size"), 10, 64)

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing chunk file part"})

		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}
	defer file.Close()

	data := make([]byte, fileHeader.Size)

	if _, err := io.ReadFull(file, data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	err = r.coord.AcceptChunkUpload(c.Request.Context(), parentID, chunkIndex, data, expectedSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type chunkUploadCompleteRequest struct {
	ParentJobID string `json:"parent_job_id" binding:"required"`
	ChunkIndex  int    `json:"chunk_index"`
	ActualSize  int64  `json:"actual_size"`
}

// handleChunkUploadComplete implements POST /chunk-upload-complete (spec.md
// §6, the presigned-upload confirmation path).
func (r *Router) handleChunkUploadComplete(c *gin.Context) {
	var req chunkUploadCompleteRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	err := r.coord.CompleteChunkUpload(c.Request.Context(), req.ParentJobID, req.ChunkIndex, req.ActualSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// handleStatus implements GET /chunked-upload-status?parent_job_id=… (spec.md
// §6, full diagnostic state).
func (r *Router) handleStatus(c *gin.Context) {
	parentID := c.Query("parent_job_id")

	status, err := r.coord.Status(c.Request.Context(), parentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, status)
}

type cancelRequest struct {
	ParentJobID string `json:"parent_job_id" binding:"required"`
	Reason      string `json:"reason"`
}

// handleCancel implements POST /chunked-upload-cancel (spec.md §6).
func (r *Router) handleCancel(c *gin.Context) {
	var req cancelRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	if err := r.coord.Cancel(c.Request.Context(), req.ParentJobID, req.Reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// retryType selects what a manual retry re-attempts (spec.md §6
// `retry_type?: upload|processing|auto`).
type retryType string

const (
	retryUpload     retryType = "upload"
	retryProcessing retryType = "processing"
	retryAuto       retryType = "auto"
)

type retryRequest struct {
	ParentJobID string    `json:"parent_job_id" binding:"required"`
	ChunkIndex  int       `json:"chunk_index"`
	RetryType   retryType `json:"retry_type"`
}

// handleRetry implements POST /chunked-upload-retry (spec.md §6). "upload"
// tells the client to re-submit chunk bytes (this service cannot retry an
// upload it never received); "processing"/"auto" re-dispatch an
// already-uploaded chunk through internal/processor.Retry.
func (r *Router) handleRetry(c *gin.Context) {
	var req retryRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	if req.RetryType == "" {
		req.RetryType = retryAuto
	}

	subJobID, err := r.coord.SubJobID(c.Request.Context(), req.ParentJobID, req.ChunkIndex)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

		return
	}

	if req.RetryType == retryUpload {
		c.JSON(http.StatusOK, gin.H{"status": "re_upload_required", "sub_job_id": subJobID})

		return
	}

	err = r.proc.Retry(c.Request.Context(), subJobID, r.coord.Dispatch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "retrying", "sub_job_id": subJobID})
}
