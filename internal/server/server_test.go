package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreweick/hamlet-hamtramck/internal/blob"
	"github.com/andreweick/hamlet-hamtramck/internal/config"
	"github.com/andreweick/hamlet-hamtramck/internal/metadata"
	"github.com/andreweick/hamlet-hamtramck/internal/pipeline"
	"github.com/andreweick/hamlet-hamtramck/internal/queue"
	"github.com/andreweick/hamlet-hamtramck/internal/storage"
	"github.com/andreweick/hamlet-hamtramck/internal/testimg"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	srv     *Server
	records *storage.Memory
	blobs   *blob.MemoryStore
	queue   *queue.ChannelQueue
	orch    *pipeline.Orchestrator
}

func newEnv(t *testing.T, maxUploadBytes int64) *env {
	t.Helper()
	cfg := &config.Config{
		ServerAddr:       ":0",
		MaxUploadBytes:   maxUploadBytes,
		AllowedMimeTypes: []string{"image/jpeg", "image/png"},
	}
	e := &env{
		records: storage.NewMemory(),
		blobs:   blob.NewMemoryStore(),
		queue:   queue.NewChannelQueue(8, time.Millisecond, 10*time.Millisecond),
	}
	t.Cleanup(func() { e.queue.Close() })
	e.srv = NewServer(cfg, e.records, e.blobs, e.queue, zap.NewNop())
	e.orch = pipeline.NewOrchestrator(e.records, e.blobs, metadata.NewAggregator(0), 3, 10*time.Second, zap.NewNop())
	return e
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *env) doJSON(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := e.do(t, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (e *env) upload(t *testing.T, filename string, data []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := e.do(t, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

// drainOne runs exactly one queued job through the orchestrator.
func (e *env) drainOne(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := e.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, e.orch.ProcessOne(ctx, d))
}

func TestIngestAndExtract(t *testing.T) {
	e := newEnv(t, 5<<20)

	img := testimg.WithSegments(testimg.BaseJPEG(8, 6),
		testimg.EXIFSegment(testimg.EXIFTags{Make: "Canon", ISO: 100, PixelX: 4000, PixelY: 3000}))

	w, body := e.upload(t, "canon.jpg", img, map[string]string{"X-Uploaded-By": "alice"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", body["metadata_status"])
	assert.Equal(t, "canon.jpg", body["original_filename"])
	assert.Equal(t, "image/jpeg", body["mime_type"])
	id := body["id"].(string)

	// The record is visible before any extraction ran.
	w, body = e.doJSON(t, http.MethodGet, "/images/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["metadata_status"])
	assert.Nil(t, body["exif_data"])

	e.drainOne(t)

	w, body = e.doJSON(t, http.MethodGet, "/images/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["metadata_status"])
	assert.Equal(t, "alice", body["uploaded_by"])

	exif, ok := body["exif_data"].(map[string]interface{})
	require.True(t, ok, "exif_data should be an object")
	assert.Equal(t, "Canon", exif["make"])
	assert.Equal(t, float64(100), exif["iso_speed"])

	assert.Nil(t, body["iptc_data"])
	assert.Nil(t, body["c2pa_data"])
	assert.Equal(t, false, body["c2pa_verified"])
	assert.Equal(t, float64(4000), body["width"])
	assert.Equal(t, float64(3000), body["height"])
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t, 5<<20)

	// Missing multipart field.
	req := httptest.NewRequest(http.MethodPost, "/images", bytes.NewReader(nil))
	w := e.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Content sniffing rejects non-image payloads regardless of filename.
	w, _ = e.upload(t, "notes.jpg", []byte("just some text, not an image"), nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestIngestSizeLimit(t *testing.T) {
	e := newEnv(t, 1024)
	w, _ := e.upload(t, "big.jpg", bytes.Repeat([]byte{0xab}, 4096), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetSummaryView(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)
	e.drainOne(t)

	w, body := e.doJSON(t, http.MethodGet, "/images/"+id+"?include_metadata=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, hasExif := body["exif_data"]
	assert.False(t, hasExif)
	assert.Equal(t, "completed", body["metadata_status"])
}

func TestGetUnknownAndBadID(t *testing.T) {
	e := newEnv(t, 5<<20)

	w, _ := e.doJSON(t, http.MethodGet, "/images/6b9e1f3a-0000-4000-8000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = e.doJSON(t, http.MethodGet, "/images/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)

	w, body := e.doJSON(t, http.MethodGet, "/images/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["metadata_status"])
	assert.Nil(t, body["metadata_error"])

	e.drainOne(t)

	_, body = e.doJSON(t, http.MethodGet, "/images/"+id+"/status", nil)
	assert.Equal(t, "completed", body["metadata_status"])
}

func TestSoftDeleteExcludedFromListing(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, first := e.upload(t, "one.jpg", testimg.BaseJPEG(8, 6), nil)
	_, second := e.upload(t, "two.jpg", testimg.BaseJPEG(8, 6), nil)
	e.drainOne(t)
	e.drainOne(t)

	w, _ := e.doJSON(t, http.MethodDelete, "/images/"+first["id"].(string), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w, body := e.doJSON(t, http.MethodGet, "/images", nil)
	require.Equal(t, http.StatusOK, w.Code)
	images := body["images"].([]interface{})
	require.Len(t, images, 1)
	assert.Equal(t, second["id"], images[0].(map[string]interface{})["id"])

	_, body = e.doJSON(t, http.MethodGet, "/images?include_deleted=true", nil)
	assert.Len(t, body["images"].([]interface{}), 2)

	// Soft-deleted records stay addressable by id.
	w, body = e.doJSON(t, http.MethodGet, "/images/"+first["id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deleted", body["status"])
}

func TestListRejectsMalformedPagination(t *testing.T) {
	e := newEnv(t, 5<<20)

	w, _ := e.doJSON(t, http.MethodGet, "/images?page=12abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.doJSON(t, http.MethodGet, "/images?limit=5x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.doJSON(t, http.MethodGet, "/images?page=2&limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHardDelete(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)
	e.drainOne(t)

	w, _ := e.doJSON(t, http.MethodDelete, "/images/"+id+"?hard_delete=true", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w, _ = e.doJSON(t, http.MethodGet, "/images/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatch(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)

	w, body := e.doJSON(t, http.MethodPatch, "/images/"+id, map[string]string{
		"original_filename": "renamed.jpg",
		"status":            "archived",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "renamed.jpg", body["original_filename"])
	assert.Equal(t, "archived", body["status"])

	w, _ = e.doJSON(t, http.MethodPatch, "/images/"+id, map[string]string{"status": "deleted"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReprocess(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)

	// While pending the record cannot be reprocessed.
	w, _ := e.doJSON(t, http.MethodPost, "/images/"+id+"/reprocess", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	e.drainOne(t)

	w, body = e.doJSON(t, http.MethodPost, "/images/"+id+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", body["metadata_status"])

	e.drainOne(t)
	_, body = e.doJSON(t, http.MethodGet, "/images/"+id, nil)
	assert.Equal(t, "completed", body["metadata_status"])
}

func TestC2PAEndpoint(t *testing.T) {
	e := newEnv(t, 5<<20)
	img := testimg.WithSegments(testimg.BaseJPEG(8, 6),
		testimg.C2PASegment(testimg.C2PAOptions{ClaimGenerator: "make_test_images/0.1", IssuerCN: "C2PA Test Signing Cert"}))
	_, body := e.upload(t, "signed.jpg", img, nil)
	id := body["id"].(string)
	e.drainOne(t)

	w, body := e.doJSON(t, http.MethodGet, "/images/"+id+"/c2pa", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["c2pa_verified"])
	assert.Equal(t, true, body["c2pa_signature_valid"])
	assert.Equal(t, "C2PA Test Signing Cert", body["c2pa_issuer"])
	require.NotNil(t, body["c2pa_data"])
}

func TestVariants(t *testing.T) {
	e := newEnv(t, 5<<20)
	_, body := e.upload(t, "photo.jpg", testimg.BaseJPEG(8, 6), nil)
	id := body["id"].(string)
	e.drainOne(t)

	w, body := e.doJSON(t, http.MethodGet, "/images/"+id+"/variants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	variants := body["variants"].([]interface{})
	require.Len(t, variants, 1)
	original := variants[0].(map[string]interface{})
	assert.Equal(t, "original", original["name"])
	assert.Equal(t, "image/jpeg", original["mime_type"])
	assert.Equal(t, float64(8), original["width"])
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, 5<<20)
	w, body := e.doJSON(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}
