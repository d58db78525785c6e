package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreweick/hamlet-hamtramck/internal/blob"
	"github.com/andreweick/hamlet-hamtramck/internal/config"
	"github.com/andreweick/hamlet-hamtramck/internal/models"
	"github.com/andreweick/hamlet-hamtramck/internal/queue"
	"github.com/andreweick/hamlet-hamtramck/internal/storage"
)

type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	http     *http.Server
	records  storage.RecordStore
	blobs    blob.Store
	producer queue.Producer
	log      *zap.Logger
}

func NewServer(cfg *config.Config, records storage.RecordStore, blobs blob.Store, producer queue.Producer, log *zap.Logger) *Server {
	r := gin.Default()

	s := &Server{
		cfg:      cfg,
		router:   r,
		records:  records,
		blobs:    blobs,
		producer: producer,
		log:      log,
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.POST("/images", s.handleIngest)
	r.GET("/images", s.handleList)
	r.GET("/images/:id", s.handleGet)
	r.PATCH("/images/:id", s.handlePatch)
	r.DELETE("/images/:id", s.handleDelete)
	r.GET("/images/:id/c2pa", s.handleC2PA)
	r.GET("/images/:id/variants", s.handleVariants)
	r.GET("/images/:id/status", s.handleStatus)
	r.POST("/images/:id/reprocess", s.handleReprocess)

	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}
	return s
}

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// handleIngest is the synchronous handoff: store the blob, insert the
// skeleton record, enqueue the job — strictly in that order, so a
// visible record always has a stored blob and a job never references a
// missing record. The response returns before any extraction runs.
func (s *Server) handleIngest(c *gin.Context) {
	const op = "server.handleIngest"

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'image' is required"})
		return
	}
	if file.Size > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, s.cfg.MaxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes),
		})
		return
	}

	mtype := mimetype.Detect(data)
	if !s.mimeAllowed(mtype.String()) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("unsupported content type %q", mtype.String()),
		})
		return
	}

	uploadedBy := c.GetHeader("X-Uploaded-By")
	if uploadedBy == "" {
		uploadedBy = "anonymous"
	}

	ctx := c.Request.Context()
	ref, err := s.blobs.Put(ctx, data, mtype.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	now := time.Now().UTC()
	rec := models.ImageRecord{
		ID:               uuid.New(),
		BlobRef:          ref,
		OriginalFilename: file.Filename,
		MimeType:         mtype.String(),
		FileSizeBytes:    int64(len(data)),
		UploadedBy:       uploadedBy,
		MetadataStatus:   models.MetadataPending,
		Status:           models.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.records.Insert(ctx, &rec); err != nil {
		// The record never became visible; drop the orphaned blob.
		if derr := s.blobs.Delete(ctx, ref); derr != nil {
			s.log.Warn("orphan blob cleanup failed", zap.String("blob_ref", ref), zap.Error(derr))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	job := models.ProcessingJob{
		ImageID:    rec.ID,
		BlobRef:    ref,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.producer.Enqueue(ctx, job); err != nil {
		s.log.Error("enqueue failed, record stays pending", zap.String("image_id", rec.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":                rec.ID.String(),
		"original_filename": rec.OriginalFilename,
		"mime_type":         rec.MimeType,
		"file_size_bytes":   rec.FileSizeBytes,
		"metadata_status":   rec.MetadataStatus,
	})
}

func (s *Server) mimeAllowed(mime string) bool {
	for _, allowed := range s.cfg.AllowedMimeTypes {
		if mime == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleGet(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	if c.DefaultQuery("include_metadata", "true") == "false" {
		c.JSON(http.StatusOK, summaryView(rec))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleList(c *gin.Context) {
	const op = "server.handleList"

	var f storage.ListFilter
	f.Status = models.LifecycleStatus(c.Query("status"))
	f.UploadedBy = c.Query("uploaded_by")
	f.IncludeDeleted = c.Query("include_deleted") == "true"
	f.SortDescending = c.DefaultQuery("sort", "-created_at") == "-created_at"

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		f.To = &t
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be an integer"})
		return
	}
	f.Page = page
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	f.Limit = limit

	recs, err := s.records.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	out := make([]gin.H, 0, len(recs))
	for i := range recs {
		out = append(out, summaryView(&recs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"images": out, "page": f.Page, "limit": f.Limit})
}

func (s *Server) handlePatch(c *gin.Context) {
	const op = "server.handlePatch"

	id, ok := s.parseID(c)
	if !ok {
		return
	}

	var body struct {
		OriginalFilename *string `json:"original_filename"`
		Status           *string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := storage.RecordPatch{OriginalFilename: body.OriginalFilename}
	if body.Status != nil {
		st := models.LifecycleStatus(*body.Status)
		if st != models.StatusActive && st != models.StatusArchived {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or archived"})
			return
		}
		patch.Status = &st
	}

	rec, err := s.records.Patch(c.Request.Context(), id, patch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDelete(c *gin.Context) {
	const op = "server.handleDelete"

	id, ok := s.parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Query("hard_delete") == "true" {
		rec, err := s.records.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		if err := s.blobs.Delete(ctx, rec.BlobRef); err != nil {
			s.log.Warn("blob delete failed", zap.String("blob_ref", rec.BlobRef), zap.Error(err))
		}
		if err := s.records.HardDelete(ctx, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	if err := s.records.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleC2PA(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"c2pa_verified":        rec.C2PAVerified,
		"c2pa_signature_valid": rec.C2PASignatureOK,
		"c2pa_issuer":          rec.C2PAIssuer,
		"c2pa_data":            rec.C2PA,
		"metadata_status":      rec.MetadataStatus,
	})
}

// handleVariants lists the renditions available for an asset. Derived
// renditions are deferred work, so the original is the only entry.
func (s *Server) handleVariants(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"variants": []gin.H{
			{
				"name":      "original",
				"blob_ref":  rec.BlobRef,
				"mime_type": rec.MimeType,
				"width":     rec.Width,
				"height":    rec.Height,
			},
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":              rec.ID.String(),
		"metadata_status": rec.MetadataStatus,
		"metadata_error":  rec.MetadataError,
		"updated_at":      rec.UpdatedAt,
	})
}

// handleReprocess is the explicit operator action that re-runs
// extraction for a settled record.
func (s *Server) handleReprocess(c *gin.Context) {
	const op = "server.handleReprocess"

	id, ok := s.parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	moved, err := s.records.UpdateMetadataStatus(ctx, id,
		[]models.MetadataStatus{models.MetadataCompleted, models.MetadataFailed},
		models.MetadataPending, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if !moved {
		c.JSON(http.StatusConflict, gin.H{"error": "extraction is already pending or in flight"})
		return
	}

	job := models.ProcessingJob{ImageID: id, BlobRef: rec.BlobRef, EnqueuedAt: time.Now().UTC()}
	if err := s.producer.Enqueue(ctx, job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "metadata_status": models.MetadataPending})
}

func (s *Server) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) lookup(c *gin.Context) (*models.ImageRecord, bool) {
	id, ok := s.parseID(c)
	if !ok {
		return nil, false
	}
	rec, err := s.records.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return rec, true
}

func summaryView(rec *models.ImageRecord) gin.H {
	return gin.H{
		"id":                rec.ID.String(),
		"original_filename": rec.OriginalFilename,
		"mime_type":         rec.MimeType,
		"file_size_bytes":   rec.FileSizeBytes,
		"uploaded_by":       rec.UploadedBy,
		"width":             rec.Width,
		"height":            rec.Height,
		"metadata_status":   rec.MetadataStatus,
		"status":            rec.Status,
		"created_at":        rec.CreatedAt,
		"updated_at":        rec.UpdatedAt,
	}
}
