package api

import (
	"io"
	"net/http"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/annotations"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

const (
	maxUploadSize = 32 << 20
	exportURLTTL  = 15 * time.Minute
)

type BackendService struct {
	store      *annotations.Store
	dispatcher *dispatch.Dispatcher
}

func NewBackendService(store *annotations.Store, dispatcher *dispatch.Dispatcher) *BackendService {
	return &BackendService{store: store, dispatcher: dispatcher}
}

// Health is registered outside the auth middleware by the binaries.
func Health() http.HandlerFunc {
	return RestHandler(func(r *http.Request) (any, error) { return nil, nil })
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Route("/projects/{project_id}", func(r chi.Router) {
		r.Post("/resources/upload", RestHandler(s.UploadResource))
		r.Post("/resources/url", RestHandler(s.AddURLResource))
		r.Get("/resources", RestHandler(s.ListResources))

		r.Get("/queue", RestHandler(s.ListTasks))
		r.Get("/queue/pending", RestHandler(s.ListPendingTasks))
	})

	r.Route("/resources/{resource_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetResource))
		r.Get("/content", s.GetResourceContent)
		r.Post("/archive", RestHandler(s.ArchiveResource))
		r.Get("/annotations", RestHandler(s.ListAnnotations))
	})

	r.Post("/annotations", RestHandler(s.GetOrCreateAnnotation))
	r.Route("/annotations/{annotation_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetAnnotation))
		r.Put("/spans/{span_id}", RestHandler(s.UpsertSpan))
		r.Delete("/spans/{span_id}", RestHandler(s.RemoveSpan))
		r.Put("/shapes/{shape_id}", RestHandler(s.UpsertShape))
		r.Delete("/shapes/{shape_id}", RestHandler(s.RemoveSpan))
		r.Post("/submit", RestHandler(s.SubmitAnnotation))
		r.Post("/review", RestHandler(s.ReviewAnnotation))
		r.Post("/corrections", RestHandler(s.ProposeCorrection))
		r.Get("/corrections", RestHandler(s.ListCorrections))
		r.Post("/export", RestHandler(s.RequestExport))
		r.Get("/export-url", RestHandler(s.GetExportURL))
	})

	r.Route("/corrections/{correction_id}", func(r chi.Router) {
		r.Post("/accept", RestHandler(s.AcceptCorrection))
		r.Post("/reject", RestHandler(s.RejectCorrection))
	})

	r.Get("/queue/{task_id}", RestHandler(s.GetTask))
}

func (s *BackendService) UploadResource(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	projectId, err := URLParamUUID(r, "project_id")
	if err != nil {
		return nil, err
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing file in upload")
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to read upload: %v", err)
	}
	if len(content) > maxUploadSize {
		return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", maxUploadSize)
	}

	resource, err := s.store.UploadResource(r.Context(), p, projectId, header.Filename, content)
	if err != nil {
		return nil, err
	}
	return convertResource(resource), nil
}

func (s *BackendService) AddURLResource(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	projectId, err := URLParamUUID(r, "project_id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.AddURLResourceRequest](r)
	if err != nil {
		return nil, err
	}

	resource, err := s.store.AddURLResource(r.Context(), p, projectId, req.Name, req.URL)
	if err != nil {
		return nil, err
	}
	return convertResource(resource), nil
}

func (s *BackendService) ListResources(r *http.Request) (any, error) {
	projectId, err := URLParamUUID(r, "project_id")
	if err != nil {
		return nil, err
	}
	params, err := ParseRequestQueryParams[api.ListResourcesQuery](r)
	if err != nil {
		return nil, err
	}

	resources, total, err := s.store.ListResources(r.Context(), projectId, params.Page, params.Limit)
	if err != nil {
		return nil, err
	}

	out := api.ListResourcesResponse{Resources: make([]api.Resource, 0, len(resources)), Total: total}
	for _, resource := range resources {
		out.Resources = append(out.Resources, convertResource(resource))
	}
	return out, nil
}

func (s *BackendService) GetResource(r *http.Request) (any, error) {
	resourceId, err := URLParamUUID(r, "resource_id")
	if err != nil {
		return nil, err
	}
	resource, err := s.store.GetResource(r.Context(), resourceId)
	if err != nil {
		return nil, err
	}
	return convertResource(resource), nil
}

// GetResourceContent streams the raw stored bytes, not JSON.
func (s *BackendService) GetResourceContent(w http.ResponseWriter, r *http.Request) {
	resourceId, err := URLParamUUID(r, "resource_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	content, err := s.store.ResourceContent(r.Context(), resourceId)
	if err != nil {
		RestHandler(func(r *http.Request) (any, error) { return nil, err })(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (s *BackendService) ArchiveResource(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	resourceId, err := URLParamUUID(r, "resource_id")
	if err != nil {
		return nil, err
	}

	resource, err := s.store.ArchiveResource(r.Context(), p, resourceId)
	if err != nil {
		return nil, err
	}
	return convertResource(resource), nil
}

func (s *BackendService) ListAnnotations(r *http.Request) (any, error) {
	resourceId, err := URLParamUUID(r, "resource_id")
	if err != nil {
		return nil, err
	}

	list, err := s.store.ListAnnotations(r.Context(), resourceId)
	if err != nil {
		return nil, err
	}

	out := make([]api.Annotation, 0, len(list))
	for _, annotation := range list {
		out = append(out, convertAnnotation(annotation))
	}
	return out, nil
}

func (s *BackendService) GetOrCreateAnnotation(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.CreateAnnotationRequest](r)
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.GetOrCreate(r.Context(), p, req.ResourceId, req.SubType)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) GetAnnotation(r *http.Request) (any, error) {
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	annotation, err := s.store.GetAnnotation(r.Context(), annotationId)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) UpsertSpan(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	spanId := chi.URLParam(r, "span_id")
	req, err := ParseRequest[api.UpsertSpanRequest](r)
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.UpsertSpan(r.Context(), p, annotationId, spanId, toCoreSpan(req.Span), req.Version)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) UpsertShape(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	shapeId := chi.URLParam(r, "shape_id")
	req, err := ParseRequest[api.UpsertShapeRequest](r)
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.UpsertShape(r.Context(), p, annotationId, shapeId, toCoreShape(req.Shape), req.Version)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) RemoveSpan(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	spanId := chi.URLParam(r, "span_id")
	if spanId == "" {
		spanId = chi.URLParam(r, "shape_id")
	}
	req, err := ParseRequest[api.RemoveSpanRequest](r)
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.RemoveSpan(r.Context(), p, annotationId, spanId, req.Version)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) SubmitAnnotation(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.Submit(r.Context(), p, annotationId)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) ReviewAnnotation(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.ReviewRequest](r)
	if err != nil {
		return nil, err
	}

	annotation, err := s.store.Review(r.Context(), p, annotationId, req.Action, req.Comment)
	if err != nil {
		return nil, err
	}
	return convertAnnotation(annotation), nil
}

func (s *BackendService) ProposeCorrection(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.ProposeCorrectionRequest](r)
	if err != nil {
		return nil, err
	}

	correction, err := s.store.ProposeCorrection(r.Context(), p, annotationId, req.CorrectedData, req.Comment)
	if err != nil {
		return nil, err
	}
	return convertCorrection(correction), nil
}

func (s *BackendService) ListCorrections(r *http.Request) (any, error) {
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}

	list, err := s.store.ListCorrections(r.Context(), annotationId)
	if err != nil {
		return nil, err
	}

	out := api.ListCorrectionsResponse{Corrections: make([]api.Correction, 0, len(list))}
	for _, correction := range list {
		out.Corrections = append(out.Corrections, convertCorrection(correction))
	}
	return out, nil
}

func (s *BackendService) AcceptCorrection(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	correctionId, err := URLParamUUID(r, "correction_id")
	if err != nil {
		return nil, err
	}

	correction, err := s.store.AcceptCorrection(r.Context(), p, correctionId)
	if err != nil {
		return nil, err
	}
	return convertCorrection(correction), nil
}

func (s *BackendService) RejectCorrection(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	correctionId, err := URLParamUUID(r, "correction_id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.RejectCorrectionRequest](r)
	if err != nil {
		return nil, err
	}

	correction, err := s.store.RejectCorrection(r.Context(), p, correctionId, req.Response)
	if err != nil {
		return nil, err
	}
	return convertCorrection(correction), nil
}

func (s *BackendService) RequestExport(r *http.Request) (any, error) {
	p, err := requestPrincipal(r)
	if err != nil {
		return nil, err
	}
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}

	handle, err := s.store.RequestExport(r.Context(), p, annotationId)
	if err != nil {
		return nil, err
	}
	return convertHandle(handle), nil
}

func (s *BackendService) GetExportURL(r *http.Request) (any, error) {
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}

	url, err := s.store.ExportURL(r.Context(), annotationId, exportURLTTL)
	if err != nil {
		return nil, err
	}
	return api.ExportURLResponse{URL: url, ExpiresAt: time.Now().UTC().Add(exportURLTTL)}, nil
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	projectId, err := URLParamUUID(r, "project_id")
	if err != nil {
		return nil, err
	}
	params, err := ParseRequestQueryParams[api.ListTasksQuery](r)
	if err != nil {
		return nil, err
	}

	tasks, err := s.dispatcher.ListTasks(r.Context(), projectId, dispatch.TaskFilter{
		AnnotationType: params.AnnotationType,
		Status:         params.Status,
		Limit:          params.Limit,
	})
	if err != nil {
		return nil, err
	}
	return s.convertTasks(tasks), nil
}

func (s *BackendService) ListPendingTasks(r *http.Request) (any, error) {
	projectId, err := URLParamUUID(r, "project_id")
	if err != nil {
		return nil, err
	}
	params, err := ParseRequestQueryParams[api.ListTasksQuery](r)
	if err != nil {
		return nil, err
	}

	tasks, err := s.dispatcher.ListPendingTasks(r.Context(), projectId, params.AnnotationType)
	if err != nil {
		return nil, err
	}
	return s.convertTasks(tasks), nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	task, err := s.dispatcher.GetTask(r.Context(), taskId)
	if err != nil {
		return nil, err
	}
	brokerStatus := string(s.dispatcher.BrokerJobStatus(r.Context(), &task))
	return convertTask(task, brokerStatus), nil
}

func (s *BackendService) convertTasks(tasks []database.QueueTask) api.ListTasksResponse {
	out := api.ListTasksResponse{Tasks: make([]api.QueueTask, 0, len(tasks))}
	for i := range tasks {
		out.Tasks = append(out.Tasks, convertTask(tasks[i], ""))
	}
	return out
}
