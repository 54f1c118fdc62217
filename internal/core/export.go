package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ExportInput carries everything needed to build the canonical result-of-record
// document for an approved annotation.
type ExportInput struct {
	AnnotationId   uuid.UUID
	ProjectId      uuid.UUID
	ResourceId     uuid.UUID
	AnnotationType string
	SubType        string
	Status         string
	CreationTime   time.Time
	Payload        []byte
}

// ExportKey is the object-store location of an annotation's export document.
func ExportKey(projectId uuid.UUID, annotationType string, annotationId uuid.UUID) string {
	return fmt.Sprintf("projects/%s/outputs/%s/%s.json", projectId, annotationType, annotationId)
}

// BuildExportDocument produces the canonical JSON document for an approved
// annotation. The document shape is keyed by sub-type; this is the durable
// result of record persisted to object storage.
func BuildExportDocument(in ExportInput) (map[string]any, error) {
	doc := map[string]any{
		"annotation_id":   in.AnnotationId,
		"annotation_type": in.AnnotationType,
		"sub_type":        in.SubType,
		"project_id":      in.ProjectId,
		"resource_id":     in.ResourceId,
		"status":          in.Status,
		"created_at":      in.CreationTime.UTC().Format(time.RFC3339),
	}

	if in.AnnotationType == AnnotationTypeImage {
		shapes, err := DecodeShapes(in.Payload)
		if err != nil {
			return nil, err
		}
		addShapeSection(doc, in.SubType, shapes)
		return doc, nil
	}

	spans, err := DecodeSpans(in.Payload)
	if err != nil {
		return nil, err
	}
	addSpanSection(doc, in.SubType, spans)
	return doc, nil
}

func sortedIds[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func addSpanSection(doc map[string]any, subType string, spans map[string]Span) {
	items := make([]map[string]any, 0, len(spans))
	for _, id := range sortedIds(spans) {
		s := spans[id]
		item := map[string]any{
			"id":    id,
			"label": s.Label,
			"text":  s.Text,
			"start": s.Start,
			"end":   s.End,
		}
		switch subType {
		case SubTypeNER, SubTypeRelation:
			item["confidence"] = confidenceOrDefault(s.Confidence)
		case SubTypeSentiment:
			item["intensity"] = intOrDefault(s.Intensity, 0)
		case SubTypeSpan:
			item["priority"] = intOrDefault(s.Priority, 1)
		case SubTypeClassification:
			if s.ClassificationType != "" {
				item["classification_type"] = s.ClassificationType
			} else {
				item["classification_type"] = "multi_class"
			}
		case SubTypeCoreference:
			if s.MentionType != "" {
				item["mention_type"] = s.MentionType
			} else {
				item["mention_type"] = "proper_noun"
			}
		}
		items = append(items, item)
	}

	switch subType {
	case SubTypeNER:
		doc["entities"] = items
	case SubTypePOS:
		doc["tokens"] = items
	case SubTypeSentiment:
		doc["segments"] = items
	case SubTypeRelation:
		doc["relations"] = items
	case SubTypeSpan:
		doc["spans"] = items
	case SubTypeClassification:
		doc["document_classes"] = items
	case SubTypeDependency:
		doc["dependencies"] = items
	case SubTypeCoreference:
		doc["chains"] = items
	}
}

func addShapeSection(doc map[string]any, subType string, shapes map[string]Shape) {
	items := make([]map[string]any, 0, len(shapes))
	for _, id := range sortedIds(shapes) {
		s := shapes[id]
		item := map[string]any{
			"id":    id,
			"label": s.Label,
		}
		switch subType {
		case SubTypeBoundingBox:
			item["x"], item["y"] = floatOrDefault(s.X), floatOrDefault(s.Y)
			item["width"], item["height"] = floatOrDefault(s.Width), floatOrDefault(s.Height)
			item["confidence"] = confidenceOrDefault(s.Confidence)
		case SubTypePolygon:
			item["points"] = s.Points
		case SubTypeSegmentation:
			item["mask_key"] = s.MaskKey
			if s.Area != nil {
				item["area"] = *s.Area
			}
		case SubTypeKeypoint:
			item["keypoints"] = s.Keypoints
		case SubTypeImageClassify:
			item["confidence"] = confidenceOrDefault(s.Confidence)
		}
		items = append(items, item)
	}

	switch subType {
	case SubTypeBoundingBox:
		doc["boxes"] = items
	case SubTypePolygon:
		doc["polygons"] = items
	case SubTypeSegmentation:
		doc["segments"] = items
	case SubTypeKeypoint:
		doc["keypoints"] = items
	case SubTypeImageClassify:
		doc["classifications"] = items
	}
}

func confidenceOrDefault(c *float64) float64 {
	if c == nil {
		return 1.0
	}
	return *c
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOrDefault(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
