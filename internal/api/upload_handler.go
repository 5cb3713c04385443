package api

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/service"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Chunk protocol headers
const (
	HeaderUploadOffset = "Upload-Offset"
	HeaderUploadLength = "Upload-Length"
	HeaderUploadName   = "Upload-Name"
)

// UploadHandler holds the upload pipeline dependency.
type UploadHandler struct {
	uploadService service.UploadService
	logger        *slog.Logger
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(uploadService service.UploadService, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, logger: logger}
}

// --- Request Structs ---

type InitiateUploadRequest struct {
	FileName  string `json:"file_name" binding:"required"`
	Extension string `json:"file_extension" binding:"required"`
	Size      int64  `json:"file_size" binding:"required"`
	MimeType  string `json:"file_mime_type" binding:"required"`
}

// --- Handler Methods ---

// InitiateUpload godoc
// @Summary Start a chunked upload
// @Description Validates the declared file and reserves a staging token, returned as file_path.
// @Tags Uploads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param upload body InitiateUploadRequest true "Declared file metadata"
// @Success 201 {object} domain.Upload "Upload session created"
// @Failure 400 {object} gin.H "Invalid metadata"
// @Failure 401 {object} gin.H "Unauthorized"
// @Failure 500 {object} gin.H "Internal Server Error"
// @Router /uploads [post]
func (h *UploadHandler) InitiateUpload(c *gin.Context) {
	var req InitiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	ownerID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unable to identify user from token.")
		return
	}

	upload, err := h.uploadService.Initiate(c.Request.Context(), ownerID, service.InitiateRequest{
		FileName:  req.FileName,
		Extension: req.Extension,
		Size:      req.Size,
		MimeType:  req.MimeType,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, upload)
}

// WriteChunk godoc
// @Summary Send one chunk of an upload
// @Description Stores the raw request body as the bytes starting at Upload-Offset. Chunks may arrive in any order; the call that completes the file also reassembles it.
// @Tags Uploads
// @Accept application/octet-stream
// @Produce json
// @Security BearerAuth
// @Param patch query string true "Staging token (file_path)"
// @Param Upload-Offset header int true "Offset of this chunk"
// @Param Upload-Length header int true "Declared total length"
// @Param Upload-Name header string false "Client-side file name"
// @Success 200 {object} domain.Upload "Upload complete"
// @Success 204 "Chunk stored; Upload-Offset holds the contiguous bytes received"
// @Failure 400 {object} gin.H "Bad headers, empty or oversized chunk"
// @Failure 404 {object} gin.H "Unknown token"
// @Failure 409 {object} gin.H "Upload already complete or being reassembled"
// @Failure 500 {object} gin.H "Internal Server Error"
// @Router /uploads [patch]
func (h *UploadHandler) WriteChunk(c *gin.Context) {
	token := c.Query("patch")
	headers, err := service.ParseChunkHeaders(
		c.GetHeader(HeaderUploadOffset),
		c.GetHeader(HeaderUploadLength),
		c.GetHeader(HeaderUploadName),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.uploadService.WriteChunk(c.Request.Context(), token, headers, c.Request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header(HeaderUploadOffset, strconv.FormatInt(result.Offset, 10))
	if !result.Complete {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, result.Upload)
}

// UploadOffset godoc
// @Summary Probe how much of an upload has arrived
// @Tags Uploads
// @Security BearerAuth
// @Param patch query string true "Staging token (file_path)"
// @Success 200 "Upload-Offset holds the contiguous bytes received"
// @Failure 404 "Unknown token"
// @Router /uploads [head]
func (h *UploadHandler) UploadOffset(c *gin.Context) {
	offset, err := h.uploadService.Offset(c.Request.Context(), c.Query("patch"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	c.Status(http.StatusOK)
}

// GetUpload godoc
// @Summary Get an upload record
// @Tags Uploads
// @Produce json
// @Security BearerAuth
// @Param token path string true "Staging token (file_path)"
// @Success 200 {object} domain.Upload
// @Failure 404 {object} gin.H "Unknown token"
// @Router /uploads/{token} [get]
func (h *UploadHandler) GetUpload(c *gin.Context) {
	upload, err := h.uploadService.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, upload)
}

// DownloadUpload godoc
// @Summary Download a finished upload
// @Description Streams the file from local disk, or redirects to a presigned URL when it lives on S3.
// @Tags Uploads
// @Produce octet-stream
// @Security BearerAuth
// @Param token path string true "Staging token (file_path)"
// @Success 200 {file} binary
// @Success 307 "Redirect to a presigned URL"
// @Failure 404 {object} gin.H "Unknown token"
// @Failure 409 {object} gin.H "Upload not complete"
// @Router /uploads/{token}/download [get]
func (h *UploadHandler) DownloadUpload(c *gin.Context) {
	download, err := h.uploadService.Open(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if download.RedirectURL != "" {
		c.Redirect(http.StatusTemporaryRedirect, download.RedirectURL)
		return
	}
	defer download.Body.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": download.Upload.FileName()})
	c.DataFromReader(http.StatusOK, download.Size, download.Upload.MimeType, download.Body, map[string]string{
		"Content-Disposition": disposition,
	})
}

// DeleteUpload godoc
// @Summary Delete an upload
// @Description Removes the record, the final file and any staged chunks. Only the owner or an admin may delete.
// @Tags Uploads
// @Security BearerAuth
// @Param token path string true "Staging token (file_path)"
// @Success 204
// @Failure 403 {object} gin.H "Not the owner"
// @Failure 404 {object} gin.H "Unknown token"
// @Failure 409 {object} gin.H "Upload being reassembled"
// @Router /uploads/{token} [delete]
func (h *UploadHandler) DeleteUpload(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("token")

	upload, err := h.uploadService.Get(ctx, token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.mayModify(c, upload) {
		abortWithError(c, http.StatusForbidden, "Access denied: only the owner or an admin can delete this upload.")
		return
	}

	if err := h.uploadService.Delete(ctx, token); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UploadHandler) mayModify(c *gin.Context, upload *domain.Upload) bool {
	if role, err := getUserRoleFromContext(c); err == nil && role == domain.RoleAdmin {
		return true
	}
	userID, err := getUserIDFromContext(c)
	return err == nil && userID == upload.OwnerID
}

// respondError maps service errors to status codes.
func (h *UploadHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		abortWithError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		abortWithError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSessionComplete),
		errors.Is(err, service.ErrSessionBusy),
		errors.Is(err, service.ErrUploadIncomplete):
		abortWithError(c, http.StatusConflict, err.Error())
	default:
		h.logger.Error("upload request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		abortWithError(c, http.StatusInternalServerError, fmt.Sprintf("Upload failed: %s", publicMessage(err)))
	}
}

// publicMessage hides internal detail of server-side failures.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrAllocationExhausted):
		return service.ErrAllocationExhausted.Error()
	case errors.Is(err, service.ErrReassembly):
		return service.ErrReassembly.Error()
	default:
		return service.ErrStorage.Error()
	}
}
