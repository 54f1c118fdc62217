package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	backend "github.com/shadowrockzzz/labelling-platform-backend/internal/api"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/annotations"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"
	"github.com/shadowrockzzz/labelling-platform-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testServer struct {
	router    chi.Router
	db        *gorm.DB
	annotator uuid.UUID
	reviewer  uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	objects := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, objects.CreateBucket(context.Background(), "annotation-data"))

	dispatcher := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())
	store := annotations.NewStore(db, objects, "annotation-data", dispatcher)

	router := chi.NewRouter()
	router.Get("/health", backend.Health())
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		backend.NewBackendService(store, dispatcher).AddRoutes(r)
	})

	return &testServer{
		router:    router,
		db:        db,
		annotator: uuid.New(),
		reviewer:  uuid.New(),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, userId uuid.UUID, caps string) *httptest.ResponseRecorder {
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
	req.Header.Set(auth.UserIdHeader, userId.String())
	req.Header.Set(auth.CapabilitiesHeader, caps)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createURLResource(t *testing.T, projectId uuid.UUID) api.Resource {
	rec := s.do(t, http.MethodPost, fmt.Sprintf("/projects/%s/resources/url", projectId),
		api.AddURLResourceRequest{Name: "article", URL: "https://example.com/article.txt"},
		s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.Resource](t, rec)
}

func (s *testServer) createDraft(t *testing.T, resourceId uuid.UUID) api.Annotation {
	rec := s.do(t, http.MethodPost, "/annotations",
		api.CreateAnnotationRequest{ResourceId: resourceId, SubType: core.SubTypeNER},
		s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.Annotation](t, rec)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingIdentityRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/annotations/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResourceEndpoints(t *testing.T) {
	s := newTestServer(t)
	projectId := uuid.New()

	resource := s.createURLResource(t, projectId)
	assert.Equal(t, database.SourceURL, resource.SourceType)
	assert.Equal(t, "https://example.com/article.txt", resource.ExternalURL)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/projects/%s/resources", projectId), nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.ListResourcesResponse](t, rec)
	assert.EqualValues(t, 1, list.Total)
	require.Len(t, list.Resources, 1)
	assert.Equal(t, resource.Id, list.Resources[0].Id)

	rec = s.do(t, http.MethodGet, "/resources/"+resource.Id.String(), nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/resources/"+resource.Id.String()+"/archive", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	archived := decode[api.Resource](t, rec)
	assert.Equal(t, database.ResourceArchived, archived.Status)

	// Members without the annotator capability cannot archive.
	other := s.createURLResource(t, projectId)
	rec = s.do(t, http.MethodPost, "/resources/"+other.Id.String()+"/archive", nil, uuid.New(), "member")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadResourceMultipart(t *testing.T) {
	s := newTestServer(t)
	projectId := uuid.New()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("Alice met Bob."))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/projects/%s/resources/upload", projectId), &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(auth.UserIdHeader, s.annotator.String())
	req.Header.Set(auth.CapabilitiesHeader, "annotator")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resource := decode[api.Resource](t, rec)
	assert.Equal(t, "notes.txt", resource.Name)
	assert.Equal(t, "Alice met Bob.", resource.ContentPreview)

	rec2 := s.do(t, http.MethodGet, "/resources/"+resource.Id.String()+"/content", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "Alice met Bob.", rec2.Body.String())
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	projectId := uuid.New()
	resource := s.createURLResource(t, projectId)

	draft := s.createDraft(t, resource.Id)
	assert.Equal(t, database.AnnotationDraft, draft.Status)

	// Get-or-create returns the same claim on repeat.
	again := s.createDraft(t, resource.Id)
	assert.Equal(t, draft.Id, again.Id)

	rec := s.do(t, http.MethodPut, "/annotations/"+draft.Id.String()+"/spans/s1",
		api.UpsertSpanRequest{
			Span:    api.Span{Text: "Alice", Label: "PERSON", Start: 0, End: 5},
			Version: draft.Version,
		}, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.Annotation](t, rec)
	require.Len(t, updated.Spans, 1)

	// Overlap is a validation failure.
	rec = s.do(t, http.MethodPut, "/annotations/"+draft.Id.String()+"/spans/s2",
		api.UpsertSpanRequest{
			Span:    api.Span{Text: "lice", Label: "PERSON", Start: 1, End: 5},
			Version: updated.Version,
		}, s.annotator, "annotator")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/submit", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	submitted := decode[api.Annotation](t, rec)
	assert.Equal(t, database.AnnotationSubmitted, submitted.Status)

	// The annotator cannot review.
	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/review",
		api.ReviewRequest{Action: "approve"}, s.annotator, "annotator")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/review",
		api.ReviewRequest{Action: "approve", Comment: "good"}, s.reviewer, "reviewer")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[api.Annotation](t, rec)
	assert.Equal(t, database.AnnotationApproved, approved.Status)
	assert.NotEmpty(t, approved.OutputKey)

	// Reviewing again conflicts.
	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/review",
		api.ReviewRequest{Action: "reject"}, s.reviewer, "reviewer")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/annotations/"+draft.Id.String()+"/export-url", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	exportURL := decode[api.ExportURLResponse](t, rec)
	assert.True(t, strings.HasPrefix(exportURL.URL, "file://"))
}

func TestCorrectionEndpoints(t *testing.T) {
	s := newTestServer(t)
	resource := s.createURLResource(t, uuid.New())
	draft := s.createDraft(t, resource.Id)

	rec := s.do(t, http.MethodPut, "/annotations/"+draft.Id.String()+"/spans/s1",
		api.UpsertSpanRequest{
			Span:    api.Span{Text: "Alice", Label: "PERSON", Start: 0, End: 5},
			Version: draft.Version,
		}, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/submit", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)

	corrected := json.RawMessage(`{"s1": {"text": "Alice Smith", "label": "PERSON", "start": 0, "end": 11}}`)
	rec = s.do(t, http.MethodPost, "/annotations/"+draft.Id.String()+"/corrections",
		api.ProposeCorrectionRequest{CorrectedData: corrected, Comment: "cover the full name"},
		s.reviewer, "reviewer")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	correction := decode[api.Correction](t, rec)
	assert.Equal(t, database.CorrectionPending, correction.Status)

	rec = s.do(t, http.MethodGet, "/annotations/"+draft.Id.String()+"/corrections", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.ListCorrectionsResponse](t, rec)
	assert.Len(t, list.Corrections, 1)

	// Only the original annotator may resolve.
	rec = s.do(t, http.MethodPost, "/corrections/"+correction.Id.String()+"/accept", nil, s.reviewer, "reviewer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/corrections/"+correction.Id.String()+"/accept", nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[api.Correction](t, rec)
	assert.Equal(t, database.CorrectionAccepted, accepted.Status)

	rec = s.do(t, http.MethodGet, "/annotations/"+draft.Id.String(), nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	reloaded := decode[api.Annotation](t, rec)
	require.Contains(t, reloaded.Spans, "s1")
	assert.Equal(t, "Alice Smith", reloaded.Spans["s1"].Text)

	rec = s.do(t, http.MethodPost, "/corrections/"+correction.Id.String()+"/accept", nil, s.annotator, "annotator")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	projectId := uuid.New()
	resource := s.createURLResource(t, projectId)
	s.createDraft(t, resource.Id)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/projects/%s/queue", projectId), nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.ListTasksResponse](t, rec)
	require.Len(t, list.Tasks, 2) // resource_url_added + annotation_created

	rec = s.do(t, http.MethodGet,
		fmt.Sprintf("/projects/%s/queue?status=%s", projectId, database.TaskPending),
		nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[api.ListTasksResponse](t, rec)
	assert.Len(t, pending.Tasks, 2)

	taskId := list.Tasks[0].Id
	rec = s.do(t, http.MethodGet, "/queue/"+taskId.String(), nil, s.annotator, "annotator")
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[api.QueueTask](t, rec)
	assert.Equal(t, taskId, task.Id)
	assert.Equal(t, string(messaging.JobStatusQueued), task.BrokerStatus)

	rec = s.do(t, http.MethodGet, "/queue/"+uuid.NewString(), nil, s.annotator, "annotator")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAnnotationNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/annotations/"+uuid.NewString(), nil, s.annotator, "annotator")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/annotations/not-a-uuid", nil, s.annotator, "annotator")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
