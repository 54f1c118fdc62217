package api

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/pkg/api"

	"github.com/google/uuid"
)

func convertResource(r database.Resource) api.Resource {
	return api.Resource{
		Id:             r.Id,
		ProjectId:      r.ProjectId,
		Name:           r.Name,
		SourceType:     r.SourceType,
		ExternalURL:    stringOrEmpty(r.ExternalURL),
		ContentPreview: stringOrEmpty(r.ContentPreview),
		FileSize:       int64OrNil(r.FileSize),
		UploadedBy:     uuidOrNil(r.UploadedBy),
		Status:         r.Status,
		CreationTime:   r.CreationTime,
	}
}

func convertAnnotation(a database.Annotation) api.Annotation {
	out := api.Annotation{
		Id:             a.Id,
		ResourceId:     a.ResourceId,
		ProjectId:      a.ProjectId,
		AnnotatorId:    uuidOrNil(a.AnnotatorId),
		ReviewerId:     uuidOrNil(a.ReviewerId),
		AnnotationType: a.AnnotationType,
		SubType:        a.SubType,
		Status:         a.Status,
		ReviewComment:  stringOrEmpty(a.ReviewComment),
		OutputKey:      stringOrEmpty(a.OutputKey),
		Version:        a.Version,
		CreationTime:   a.CreationTime,
		UpdateTime:     a.UpdateTime,
		SubmitTime:     timeOrNil(a.SubmitTime),
		ReviewTime:     timeOrNil(a.ReviewTime),
	}

	// Payload decode failures are tolerated here: reads must not break on a
	// row written by a newer deployment.
	if a.AnnotationType == core.AnnotationTypeImage {
		if shapes, err := core.DecodeShapes(a.Payload); err == nil {
			out.Shapes = convertShapes(shapes)
		}
	} else {
		if spans, err := core.DecodeSpans(a.Payload); err == nil {
			out.Spans = convertSpans(spans)
		}
	}

	return out
}

func convertSpans(spans map[string]core.Span) map[string]api.Span {
	out := make(map[string]api.Span, len(spans))
	for id, s := range spans {
		out[id] = api.Span{
			Text:               s.Text,
			Label:              s.Label,
			Start:              s.Start,
			End:                s.End,
			Confidence:         s.Confidence,
			Priority:           s.Priority,
			Intensity:          s.Intensity,
			ClassificationType: s.ClassificationType,
			MentionType:        s.MentionType,
		}
	}
	return out
}

func convertShapes(shapes map[string]core.Shape) map[string]api.Shape {
	out := make(map[string]api.Shape, len(shapes))
	for id, s := range shapes {
		out[id] = api.Shape{
			Label:      s.Label,
			X:          s.X,
			Y:          s.Y,
			Width:      s.Width,
			Height:     s.Height,
			Points:     s.Points,
			Keypoints:  s.Keypoints,
			MaskKey:    s.MaskKey,
			Area:       s.Area,
			Confidence: s.Confidence,
		}
	}
	return out
}

func toCoreSpan(s api.Span) core.Span {
	return core.Span{
		Text:               s.Text,
		Label:              s.Label,
		Start:              s.Start,
		End:                s.End,
		Confidence:         s.Confidence,
		Priority:           s.Priority,
		Intensity:          s.Intensity,
		ClassificationType: s.ClassificationType,
		MentionType:        s.MentionType,
	}
}

func toCoreShape(s api.Shape) core.Shape {
	return core.Shape{
		Label:      s.Label,
		X:          s.X,
		Y:          s.Y,
		Width:      s.Width,
		Height:     s.Height,
		Points:     s.Points,
		Keypoints:  s.Keypoints,
		MaskKey:    s.MaskKey,
		Area:       s.Area,
		Confidence: s.Confidence,
	}
}

func convertCorrection(c database.ReviewCorrection) api.Correction {
	return api.Correction{
		Id:                c.Id,
		AnnotationId:      c.AnnotationId,
		ReviewerId:        c.ReviewerId,
		Status:            c.Status,
		OriginalData:      json.RawMessage(c.OriginalData),
		CorrectedData:     json.RawMessage(c.CorrectedData),
		Comment:           stringOrEmpty(c.Comment),
		AnnotatorResponse: stringOrEmpty(c.AnnotatorResponse),
		CreationTime:      c.CreationTime,
		UpdateTime:        c.UpdateTime,
	}
}

func convertTask(t database.QueueTask, brokerStatus string) api.QueueTask {
	return api.QueueTask{
		Id:             t.Id,
		ProjectId:      t.ProjectId,
		AnnotationType: t.AnnotationType,
		ResourceId:     uuidOrNil(t.ResourceId),
		AnnotationId:   uuidOrNil(t.AnnotationId),
		TaskType:       t.TaskType,
		Status:         t.Status,
		BrokerJobId:    stringOrEmpty(t.BrokerJobId),
		BrokerStatus:   brokerStatus,
		ErrorMessage:   stringOrEmpty(t.ErrorMessage),
		CreationTime:   t.CreationTime,
		ProcessedTime:  timeOrNil(t.ProcessedTime),
	}
}

func convertHandle(h dispatch.TaskHandle) api.EnqueueResponse {
	return api.EnqueueResponse{
		TaskId:      h.TaskId,
		Status:      h.Status,
		TaskType:    h.TaskType,
		BrokerJobId: h.BrokerJobId,
	}
}

func stringOrEmpty(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func int64OrNil(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func uuidOrNil(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
